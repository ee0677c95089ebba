// Package policy implements the Constitutional Guard (C6): a pre-action
// verdict engine consulted on every routed intent. A block verdict is
// absolute — the caller must abort and surface a constitutional-violation
// error; an escalate verdict redirects the intent up one tier instead of
// processing it locally.
package policy

import (
	"context"
	"regexp"

	"github.com/agentium/governance-core/agent"
	"github.com/agentium/governance-core/audit"
	"github.com/agentium/governance-core/core"
	"github.com/agentium/governance-core/semantic"
)

// Verdict is the Guard's decision.
type Verdict string

const (
	VerdictAllow    Verdict = "allow"
	VerdictBlock    Verdict = "block"
	VerdictEscalate Verdict = "escalate"
)

// Severity grades how serious a block/escalate verdict is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Decision is the result of check_action (§4.6).
type Decision struct {
	Verdict     Verdict
	Severity    Severity
	Explanation string
	// ConstitutionHits are the article hits the verdict was weighed
	// against, surfaced for audit/debugging.
	ConstitutionHits []string
}

// Rule is one entry of the deterministic rule table for explicitly
// prohibited action patterns (§4.6).
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Verdict     Verdict
	Severity    Severity
	Explanation string
}

// DefaultRules are the baseline prohibited-action patterns. Real
// deployments extend this table with deployment-specific constitution
// articles; these cover the textbook cases the spec's scenario section
// exercises (§8 scenario 3's "rm -rf" style destructive actions).
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "destructive_filesystem",
			Pattern:     regexp.MustCompile(`(?i)\brm\s+-rf\b|\bformat\s+c:|\bdel\s+/[sf]\b`),
			Verdict:     VerdictBlock,
			Severity:    SeverityCritical,
			Explanation: "action describes irreversible destructive filesystem operations",
		},
		{
			Name:        "credential_exfiltration",
			Pattern:     regexp.MustCompile(`(?i)\b(exfiltrate|dump)\b.*\b(secret|credential|api[_ ]?key|password)s?\b`),
			Verdict:     VerdictBlock,
			Severity:    SeverityCritical,
			Explanation: "action describes exfiltrating credentials or secrets",
		},
		{
			Name:        "unauthorized_spend",
			Pattern:     regexp.MustCompile(`(?i)\bbypass\b.*\bbudget\b|\bignore\b.*\bspending\s+limit\b`),
			Verdict:     VerdictEscalate,
			Severity:    SeverityHigh,
			Explanation: "action proposes circumventing budget controls; escalate for human review",
		},
		{
			Name:        "impersonation",
			Pattern:     regexp.MustCompile(`(?i)\bimpersonate\b|\bpose\s+as\b.*\bhead\b`),
			Verdict:     VerdictBlock,
			Severity:    SeverityHigh,
			Explanation: "action describes impersonating another agent's authority",
		},
	}
}

// RepeatViolationEscalateThreshold: when the actor's recent violation count
// is at or above this threshold, an otherwise-allowed action is escalated
// instead, per §4.6's "actor's recent violation count" input.
const RepeatViolationEscalateThreshold = 3

// Guard is the Constitutional Guard.
type Guard struct {
	semantic *semantic.Store
	rules    []Rule
	recorder audit.Recorder
	logger   core.Logger
}

// New builds a Guard. rules defaults to DefaultRules() if nil.
func New(store *semantic.Store, rules []Rule, recorder audit.Recorder, logger core.Logger) *Guard {
	if rules == nil {
		rules = DefaultRules()
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("policy")
	}
	return &Guard{semantic: store, rules: rules, recorder: recorder, logger: logger}
}

// CheckAction implements check_action (§4.6): weighs actionDescription
// against the rule table and the actor's recent violation count, enriches
// with constitution-article hits from the Semantic Context Store when one
// is configured.
func (g *Guard) CheckAction(ctx context.Context, actor *agent.Agent, actionDescription string, recentViolationCount int) (*Decision, error) {
	var hits []string
	if g.semantic != nil {
		results, err := g.semantic.Query(ctx, semantic.CollectionConstitution, actionDescription, 3)
		if err != nil {
			return nil, core.Wrap("policy.CheckAction", "infra", err)
		}
		for _, h := range results {
			hits = append(hits, h.Text)
		}
	}

	for _, rule := range g.rules {
		if rule.Pattern.MatchString(actionDescription) {
			decision := &Decision{
				Verdict: rule.Verdict, Severity: rule.Severity,
				Explanation: rule.Explanation, ConstitutionHits: hits,
			}
			g.audit(ctx, actor, decision, rule.Name)
			return decision, nil
		}
	}

	if recentViolationCount >= RepeatViolationEscalateThreshold {
		decision := &Decision{
			Verdict: VerdictEscalate, Severity: SeverityMedium,
			Explanation:      "actor has a high recent violation count; routine action escalated for review",
			ConstitutionHits: hits,
		}
		g.audit(ctx, actor, decision, "repeat_violation_escalation")
		return decision, nil
	}

	allowed := &Decision{Verdict: VerdictAllow, Severity: SeverityLow, ConstitutionHits: hits}
	g.audit(ctx, actor, allowed, "allow")
	return allowed, nil
}

func (g *Guard) audit(ctx context.Context, actor *agent.Agent, decision *Decision, ruleName string) {
	if g.recorder == nil {
		return
	}
	actorID := ""
	if actor != nil {
		actorID = actor.ID
	}
	kind := audit.KindConstitutionalBlock
	severity := audit.SeverityWarning
	switch decision.Verdict {
	case VerdictEscalate:
		kind = audit.KindConstitutionalEscalate
	case VerdictAllow:
		kind = audit.Kind("constitutional_allow")
		severity = audit.SeverityInfo
	}
	if decision.Severity == SeverityCritical {
		severity = audit.SeverityCritical
	}
	g.recorder.Record(ctx, audit.Event{
		Component: "policy", Kind: kind, Severity: severity, ActorID: actorID,
		Action: "constitutional verdict: " + string(decision.Verdict),
		Detail: map[string]interface{}{"rule": ruleName, "explanation": decision.Explanation},
	})
}
