// Package orchestrator implements the Agent Orchestrator (C14): the
// top-level façade composing the Hierarchy Validator (tier), Message
// Envelope (envelope), Message Bus (bus), Semantic Context Store
// (semantic), and Constitutional Guard (policy) behind a single
// process_intent-style entry point.
// Grounded directly on the teacher's orchestrator.go façade shape: a
// single request-processing entry point delegating to sub-components,
// with a context-scoped correlation id threaded through every call.
package orchestrator

import (
	"context"
	"time"

	"github.com/agentium/governance-core/agent"
	"github.com/agentium/governance-core/audit"
	"github.com/agentium/governance-core/bus"
	"github.com/agentium/governance-core/core"
	"github.com/agentium/governance-core/envelope"
	"github.com/agentium/governance-core/policy"
	"github.com/agentium/governance-core/semantic"
	"github.com/agentium/governance-core/tier"
)

// RouteResult is the outcome of process_intent (§4.14).
type RouteResult struct {
	Success       bool
	MessageID     string
	CorrelationID string
	Error         error
	LatencyMS     int64
}

// Orchestrator is the Agent Orchestrator façade.
type Orchestrator struct {
	agents   agent.Registry
	bus      *bus.Bus
	semantic *semantic.Store
	guard    *policy.Guard
	recorder audit.Recorder
	logger   core.Logger

	violationCounts map[string]int
}

// New builds an Orchestrator from its component dependencies.
func New(agents agent.Registry, messageBus *bus.Bus, store *semantic.Store, guard *policy.Guard, recorder audit.Recorder, logger core.Logger) *Orchestrator {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("orchestrator")
	}
	return &Orchestrator{
		agents: agents, bus: messageBus, semantic: store, guard: guard,
		recorder: recorder, logger: logger, violationCounts: map[string]int{},
	}
}

// ProcessIntent implements process_intent (§4.14). targetID may be empty,
// in which case the source agent's registered parent is used, falling
// back to tier.HeadID when that parent is absent (see resolveParent).
func (o *Orchestrator) ProcessIntent(ctx context.Context, rawInput, sourceID, targetID, correlationID string) (*RouteResult, error) {
	started := time.Now()

	source, err := o.agents.Get(ctx, sourceID)
	if err != nil {
		return nil, core.WrapID("orchestrator.ProcessIntent", "not_found", sourceID, err)
	}

	recipientID := targetID
	if recipientID == "" {
		recipientID, err = o.resolveParent(ctx, source)
		if err != nil {
			return nil, err
		}
	}

	direction, err := directionBetween(source.Tier, recipientID)
	if err != nil {
		return nil, core.WrapID("orchestrator.ProcessIntent", "hierarchy", recipientID, err)
	}

	env, err := envelope.New(sourceID, recipientID, direction, envelope.TypeIntent, rawInput, nil, envelope.PriorityNormal, 300)
	if err != nil {
		return nil, err
	}
	if correlationID != "" {
		env = env.WithCorrelationID(correlationID)
	}
	// process_intent's own routing step is the envelope's first hop.
	if env, err = env.Forward(); err != nil {
		return nil, err
	}

	if o.guard != nil {
		decision, err := o.guard.CheckAction(ctx, source, rawInput, o.violationCounts[sourceID])
		if err != nil {
			return nil, err
		}
		if decision.Verdict == policy.VerdictBlock {
			o.violationCounts[sourceID]++
			return &RouteResult{Success: false, MessageID: env.MessageID, CorrelationID: env.CorrelationID,
				Error: core.WrapID("orchestrator.ProcessIntent", "constitutional", env.MessageID, core.ErrConstitutionalBlock)}, nil
		}
		if decision.Verdict == policy.VerdictEscalate {
			return o.escalateEnvelope(ctx, env, source, started)
		}
	}

	if !tier.CanRoute(env.SenderID, env.RecipientID, env.Direction) {
		o.auditRoutingViolation(ctx, env)
		return &RouteResult{Success: false, MessageID: env.MessageID, CorrelationID: env.CorrelationID,
			Error: core.WrapID("orchestrator.ProcessIntent", "hierarchy", env.MessageID, core.ErrHierarchyViolation)}, nil
	}

	if o.semantic != nil {
		enriched, err := o.semantic.Enrich(ctx, env)
		if err != nil {
			return nil, err
		}
		env = enriched
	}

	result := o.bus.Publish(ctx, env, true)
	if !result.Success {
		return &RouteResult{Success: false, MessageID: env.MessageID, CorrelationID: env.CorrelationID, Error: result.Error}, nil
	}

	return &RouteResult{
		Success: true, MessageID: env.MessageID, CorrelationID: env.CorrelationID,
		LatencyMS: time.Since(started).Milliseconds(),
	}, nil
}

// escalateEnvelope re-addresses env one tier up (auto-find-parent) and
// publishes it; used by ProcessIntent's escalate verdict.
func (o *Orchestrator) escalateEnvelope(ctx context.Context, env *envelope.Envelope, source *agent.Agent, started time.Time) (*RouteResult, error) {
	parentID, err := o.resolveParent(ctx, source)
	if err != nil {
		return nil, err
	}
	up := *env
	up.RecipientID = parentID
	up.Direction = tier.DirectionUp
	up.Type = envelope.TypeEscalation
	forwarded, err := up.Forward()
	if err != nil {
		return nil, err
	}
	up = *forwarded

	if o.semantic != nil {
		enriched, err := o.semantic.Enrich(ctx, &up)
		if err != nil {
			return nil, err
		}
		up = *enriched
	}

	result := o.bus.Publish(ctx, &up, true)
	if !result.Success {
		return &RouteResult{Success: false, MessageID: up.MessageID, CorrelationID: up.CorrelationID, Error: result.Error}, nil
	}
	return &RouteResult{Success: true, MessageID: up.MessageID, CorrelationID: up.CorrelationID, LatencyMS: time.Since(started).Milliseconds()}, nil
}

// EscalateToCouncil implements escalate_to_council (§4.14): fetches
// constitution hits for issue, attaches them, and routes up with
// auto-find-parent.
func (o *Orchestrator) EscalateToCouncil(ctx context.Context, issue string, reporterID string) (*RouteResult, error) {
	reporter, err := o.agents.Get(ctx, reporterID)
	if err != nil {
		return nil, core.WrapID("orchestrator.EscalateToCouncil", "not_found", reporterID, err)
	}
	parentID, err := o.resolveParent(ctx, reporter)
	if err != nil {
		return nil, err
	}

	env, err := envelope.New(reporterID, parentID, tier.DirectionUp, envelope.TypeEscalation, issue, nil, envelope.PriorityHigh, 300)
	if err != nil {
		return nil, err
	}
	if env, err = env.Forward(); err != nil {
		return nil, err
	}

	if o.semantic != nil {
		hits, err := o.semantic.Query(ctx, semantic.CollectionConstitution, issue, 3)
		if err != nil {
			return nil, err
		}
		articles := make([]string, len(hits))
		for i, h := range hits {
			articles[i] = h.Text
		}
		env = env.WithEnrichment(&envelope.Enrichment{ConstitutionArticles: articles})
	}

	started := time.Now()
	result := o.bus.Publish(ctx, env, true)
	if !result.Success {
		return &RouteResult{Success: false, MessageID: env.MessageID, Error: result.Error}, nil
	}
	return &RouteResult{Success: true, MessageID: env.MessageID, LatencyMS: time.Since(started).Milliseconds()}, nil
}

// DelegateToTask implements delegate_to_task (§4.14): picks an idle Task
// Agent under leadID when taskAgentID is empty, attaches k=3
// execution-pattern hits, and routes the payload down.
func (o *Orchestrator) DelegateToTask(ctx context.Context, taskPayload string, leadID, taskAgentID string) (*RouteResult, error) {
	recipientID := taskAgentID
	if recipientID == "" {
		idle, err := o.findIdleTaskAgent(ctx, leadID)
		if err != nil {
			return nil, err
		}
		recipientID = idle
	}

	env, err := envelope.New(leadID, recipientID, tier.DirectionDown, envelope.TypeDelegation, taskPayload, nil, envelope.PriorityNormal, 300)
	if err != nil {
		return nil, err
	}
	if env, err = env.Forward(); err != nil {
		return nil, err
	}

	if o.semantic != nil {
		hits, err := o.semantic.Query(ctx, semantic.CollectionTaskPatterns, taskPayload, 3)
		if err != nil {
			return nil, err
		}
		texts := make([]string, len(hits))
		for i, h := range hits {
			texts[i] = h.Text
		}
		env = env.WithEnrichment(&envelope.Enrichment{SemanticHits: texts})
	}

	started := time.Now()
	result := o.bus.Publish(ctx, env, true)
	if !result.Success {
		return &RouteResult{Success: false, MessageID: env.MessageID, Error: result.Error}, nil
	}
	return &RouteResult{Success: true, MessageID: env.MessageID, LatencyMS: time.Since(started).Milliseconds()}, nil
}

func (o *Orchestrator) findIdleTaskAgent(ctx context.Context, leadID string) (string, error) {
	children, err := o.agents.ListByParent(ctx, leadID)
	if err != nil {
		return "", err
	}
	for _, a := range children {
		if a.Tier == tier.TierTask && a.Status != agent.StatusWorking && a.Status != agent.StatusTerminated {
			return a.ID, nil
		}
	}
	return "", core.WrapID("orchestrator.DelegateToTask", "not_found", leadID, core.ErrAgentNotFound)
}

// resolveParent looks up a's registered parent, falling back to
// tier.HeadID when the explicit parent is missing or not registered
// (§4.14 step 2). The fallback is the same for every tier; it is the
// adjacent parent tier only for Council-tier agents, so an up-route from
// a Lead or Task agent to it fails CanRoute.
func (o *Orchestrator) resolveParent(ctx context.Context, a *agent.Agent) (string, error) {
	if a.ParentID != nil && *a.ParentID != "" {
		if _, err := o.agents.Get(ctx, *a.ParentID); err == nil {
			return *a.ParentID, nil
		}
	}
	return tier.HeadID, nil
}

func directionBetween(senderTier tier.Tier, recipientID string) (tier.Direction, error) {
	if recipientID == tier.BroadcastRecipient {
		return tier.DirectionBroadcast, nil
	}
	recipientTier, err := tier.TierOf(recipientID)
	if err != nil {
		return "", err
	}
	switch {
	case int(recipientTier) < int(senderTier):
		return tier.DirectionUp, nil
	case int(recipientTier) > int(senderTier):
		return tier.DirectionDown, nil
	default:
		return tier.DirectionLateral, nil
	}
}

func (o *Orchestrator) auditRoutingViolation(ctx context.Context, env *envelope.Envelope) {
	if o.recorder == nil {
		return
	}
	_, _ = o.recorder.Record(ctx, audit.Event{
		Component: "orchestrator", Kind: audit.KindRoutingViolation, Severity: audit.SeverityWarning,
		ActorID: env.SenderID, Action: "hierarchy violation",
		Detail: map[string]interface{}{"sender": env.SenderID, "recipient": env.RecipientID, "direction": string(env.Direction)},
	})
}
