// Package capabilities implements the Capability Registry (C5): per-tier
// default capability sets plus per-agent grant/revoke overrides, with
// authority checks on every mutation and a structured audit event on every
// deny, grant, and revoke.
package capabilities

import (
	"context"

	"github.com/agentium/governance-core/agent"
	"github.com/agentium/governance-core/audit"
	"github.com/agentium/governance-core/core"
	"github.com/agentium/governance-core/tier"
)

// Capability is a finite named permission (§3.4).
type Capability string

const (
	CapSendMessage       Capability = "send_message"
	CapRouteUp           Capability = "route_up"
	CapRouteDown         Capability = "route_down"
	CapBroadcast         Capability = "broadcast"
	CapSpawnAgent        Capability = "spawn_agent"
	CapTerminateAgent    Capability = "terminate_agent"
	CapGrantCapability   Capability = "grant_capability"
	CapRevokeCapability  Capability = "revoke_capability"
	CapViewConstitution  Capability = "view_constitution"
	CapAmendConstitution Capability = "amend_constitution"
	CapReviewOutput      Capability = "review_output"
	CapOverrideVerdict   Capability = "override_verdict"
	CapAllocateModel     Capability = "allocate_model"
	CapManageKeyPool     Capability = "manage_key_pool"
	CapExecuteCode       Capability = "execute_code"
	CapExecuteNetworked  Capability = "execute_networked_code"
	CapManageBudget      Capability = "manage_budget"
	CapDeliberate        Capability = "deliberate"
	CapVote              Capability = "vote"
)

// baseByTier encodes Head ⊇ Council ⊇ Lead ⊇ Task (§3.4). Each tier's set
// is built by extending the tier below it so the superset relationship is
// structural, not duplicated by hand.
var baseByTier = func() map[tier.Tier]map[Capability]struct{} {
	task := set(CapSendMessage, CapRouteUp, CapExecuteCode, CapReviewOutput)
	lead := extend(task, CapRouteDown, CapSpawnAgent, CapDeliberate, CapVote, CapViewConstitution)
	council := extend(lead, CapTerminateAgent, CapGrantCapability, CapRevokeCapability,
		CapOverrideVerdict, CapAllocateModel, CapExecuteNetworked, CapManageKeyPool)
	head := extend(council, CapBroadcast, CapAmendConstitution, CapManageBudget)
	return map[tier.Tier]map[Capability]struct{}{
		tier.TierTask:    task,
		tier.TierLead:    lead,
		tier.TierCouncil: council,
		tier.TierHead:    head,
	}
}()

func set(caps ...Capability) map[Capability]struct{} {
	m := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		m[c] = struct{}{}
	}
	return m
}

func extend(base map[Capability]struct{}, extra ...Capability) map[Capability]struct{} {
	m := make(map[Capability]struct{}, len(base)+len(extra))
	for c := range base {
		m[c] = struct{}{}
	}
	for _, c := range extra {
		m[c] = struct{}{}
	}
	return m
}

// BaseFor returns the tier's default capability set, keyed by Capability
// for O(1) membership tests; callers must not mutate the returned map.
func BaseFor(t tier.Tier) map[Capability]struct{} {
	return baseByTier[t]
}

// Registry is the Capability Registry (C5).
type Registry struct {
	agents agent.Registry
	audit  audit.Recorder
	logger core.Logger
}

// New builds a Registry over an agent.Registry and audit.Recorder.
func New(agents agent.Registry, recorder audit.Recorder, logger core.Logger) *Registry {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("capabilities")
	}
	return &Registry{agents: agents, audit: recorder, logger: logger}
}

// Effective computes (base(tier(a)) ∪ granted(a)) \ revoked(a) (§8
// invariant 3).
func Effective(a *agent.Agent) map[Capability]struct{} {
	out := make(map[Capability]struct{})
	for c := range BaseFor(a.Tier) {
		out[c] = struct{}{}
	}
	for g := range a.Capabilities.Granted {
		out[Capability(g)] = struct{}{}
	}
	for r := range a.Capabilities.Revoked {
		delete(out, Capability(r))
	}
	return out
}

// Can reports whether agentID currently has cap, emitting an audit event on
// deny. If raiseOnDeny is set, a denial additionally returns
// core.ErrCapabilityDenied.
func (r *Registry) Can(ctx context.Context, agentID string, cap Capability, raiseOnDeny bool) (bool, error) {
	a, err := r.agents.Get(ctx, agentID)
	if err != nil {
		return false, core.WrapID("capabilities.Can", "not_found", agentID, err)
	}
	_, ok := Effective(a)[cap]
	if ok {
		return true, nil
	}

	r.audit.Record(ctx, audit.Event{
		Component: "capabilities",
		Kind:      audit.KindCapabilityDenied,
		Severity:  audit.SeverityInfo,
		ActorID:   agentID,
		Action:    "capability check denied",
		Detail:    map[string]interface{}{"capability": string(cap)},
	})
	r.logger.InfoWithContext(ctx, "capability denied", map[string]interface{}{"agent_id": agentID, "capability": string(cap)})

	if raiseOnDeny {
		return false, core.WrapID("capabilities.Can", "capability", agentID, core.ErrCapabilityDenied)
	}
	return false, nil
}

// Grant adds cap to target's grant set and removes it from the revoke set,
// requiring granter to possess CapGrantCapability (§4.5).
func (r *Registry) Grant(ctx context.Context, target, cap, granter, reason string) error {
	ok, err := r.Can(ctx, granter, CapGrantCapability, false)
	if err != nil {
		return err
	}
	if !ok {
		return core.WrapID("capabilities.Grant", "capability", granter, core.ErrNotAuthorized)
	}

	a, err := r.agents.Get(ctx, target)
	if err != nil {
		return core.WrapID("capabilities.Grant", "not_found", target, err)
	}
	a.Capabilities.Granted[cap] = struct{}{}
	delete(a.Capabilities.Revoked, cap)
	if err := r.agents.Put(ctx, a); err != nil {
		return core.WrapID("capabilities.Grant", "infra", target, err)
	}

	r.audit.Record(ctx, audit.Event{
		Component: "capabilities", Kind: audit.KindCapabilityGranted, Severity: audit.SeverityInfo,
		ActorID: granter, Action: "capability granted",
		Detail: map[string]interface{}{"target": target, "capability": cap, "reason": reason},
	})
	return nil
}

// Revoke removes cap from target's grant set and adds it to the revoke
// set, requiring revoker to possess CapRevokeCapability. The Head agent's
// baseline capabilities cannot be fully stripped: revoking a base
// capability from Head is rejected outright.
func (r *Registry) Revoke(ctx context.Context, target, cap, revoker, reason string) error {
	ok, err := r.Can(ctx, revoker, CapRevokeCapability, false)
	if err != nil {
		return err
	}
	if !ok {
		return core.WrapID("capabilities.Revoke", "capability", revoker, core.ErrNotAuthorized)
	}

	a, err := r.agents.Get(ctx, target)
	if err != nil {
		return core.WrapID("capabilities.Revoke", "not_found", target, err)
	}
	if target == tier.HeadID {
		if _, inBase := BaseFor(tier.TierHead)[Capability(cap)]; inBase {
			return core.WrapID("capabilities.Revoke", "capability", target, errHeadBaselineProtected)
		}
	}
	a.Capabilities.Revoked[cap] = struct{}{}
	delete(a.Capabilities.Granted, cap)
	if err := r.agents.Put(ctx, a); err != nil {
		return core.WrapID("capabilities.Revoke", "infra", target, err)
	}

	r.audit.Record(ctx, audit.Event{
		Component: "capabilities", Kind: audit.KindCapabilityRevoked, Severity: audit.SeverityInfo,
		ActorID: revoker, Action: "capability revoked",
		Detail: map[string]interface{}{"target": target, "capability": cap, "reason": reason},
	})
	return nil
}

var errHeadBaselineProtected = core.ErrNotAuthorized

// RevokeAll revokes every non-base capability from target — i.e. clears
// its entire grant set, leaving the tier base set untouched — forbidden
// outright against Head.
func (r *Registry) RevokeAll(ctx context.Context, target, revoker, reason string) error {
	if target == tier.HeadID {
		return core.WrapID("capabilities.RevokeAll", "capability", target, errHeadBaselineProtected)
	}
	ok, err := r.Can(ctx, revoker, CapRevokeCapability, false)
	if err != nil {
		return err
	}
	if !ok {
		return core.WrapID("capabilities.RevokeAll", "capability", revoker, core.ErrNotAuthorized)
	}

	a, err := r.agents.Get(ctx, target)
	if err != nil {
		return core.WrapID("capabilities.RevokeAll", "not_found", target, err)
	}
	a.Capabilities.Granted = map[string]struct{}{}
	if err := r.agents.Put(ctx, a); err != nil {
		return core.WrapID("capabilities.RevokeAll", "infra", target, err)
	}

	r.audit.Record(ctx, audit.Event{
		Component: "capabilities", Kind: audit.KindCapabilityRevoked, Severity: audit.SeverityWarning,
		ActorID: revoker, Action: "all non-base capabilities revoked",
		Detail: map[string]interface{}{"target": target, "reason": reason},
	})
	return nil
}
