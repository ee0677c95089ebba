// Package audit implements the first-class audit log supplemental feature
// named in SPEC_FULL.md §9: every component that "emits a structured audit
// event" (capabilities, policy, critic, orchestrator) writes through one
// Recorder interface so the event shape is uniform across the governance
// core, rather than each package hand-rolling its own log line.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentium/governance-core/core"
)

// Severity mirrors the log-level severities the spec's error taxonomy (§7)
// assigns to audit entries: capability denials and hierarchy violations at
// INFO/WARNING, constitutional blocks and critic escalations at WARNING.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind discriminates the audit event's originating decision.
type Kind string

const (
	KindCapabilityDenied      Kind = "capability_denied"
	KindCapabilityGranted     Kind = "capability_granted"
	KindCapabilityRevoked     Kind = "capability_revoked"
	KindRoutingViolation      Kind = "routing_violation"
	KindConstitutionalBlock   Kind = "constitutional_block"
	KindConstitutionalEscalate Kind = "constitutional_escalate"
	KindCriticEscalation      Kind = "critic_escalation"
	KindKeyPoolAlert          Kind = "keypool_alert"
)

// Event is one audit-log entry. ResolvedAt/ResolvedBy/ResolutionNote answer
// the §9 open question: the source's ViolationReport entity has no
// resolved_at column even though API routes reference one; this repo adds
// the field directly rather than bolting it onto a separate table.
type Event struct {
	ID        string
	Timestamp time.Time
	Component string
	Kind      Kind
	Severity  Severity

	ActorID string  // agent id that triggered the event, if any
	AgentID *string // owning agent for standalone alerts (§9 open question); optional

	Action  string
	Detail  map[string]interface{}

	ResolvedAt     *time.Time
	ResolvedBy     string
	ResolutionNote string
}

// Recorder is the write/read/resolve surface every component uses instead
// of logging ad hoc. A concrete SQL-backed Recorder is the caller's job
// (§6.2's ORM non-goal); InMemoryRecorder is the reference implementation
// used by tests and by cmd/governanced when no store is configured.
type Recorder interface {
	Record(ctx context.Context, ev Event) (string, error)
	Resolve(ctx context.Context, id, resolvedBy, note string) error
	List(ctx context.Context, component string, severity Severity) ([]Event, error)
}

// InMemoryRecorder is a mutex-guarded slice-backed Recorder.
type InMemoryRecorder struct {
	logger core.Logger

	mu     sync.Mutex
	events []Event
}

// NewInMemoryRecorder builds a Recorder. logger may be nil (defaults to a
// no-op).
func NewInMemoryRecorder(logger core.Logger) *InMemoryRecorder {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("audit")
	}
	return &InMemoryRecorder{logger: logger}
}

// Record appends ev, assigning an ID and Timestamp if unset, and logs it at
// the level implied by Severity.
func (r *InMemoryRecorder) Record(ctx context.Context, ev Event) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	fields := map[string]interface{}{
		"audit_id": ev.ID, "kind": string(ev.Kind), "actor_id": ev.ActorID, "action": ev.Action,
	}
	switch ev.Severity {
	case SeverityCritical:
		r.logger.ErrorWithContext(ctx, "audit: "+ev.Action, fields)
	case SeverityWarning:
		r.logger.WarnWithContext(ctx, "audit: "+ev.Action, fields)
	default:
		r.logger.InfoWithContext(ctx, "audit: "+ev.Action, fields)
	}
	return ev.ID, nil
}

// Resolve attaches a resolution to a previously-recorded event, satisfying
// the "resolve endpoint" the §9 open question names. Unknown ids return
// core.ErrNotFound.
func (r *InMemoryRecorder) Resolve(ctx context.Context, id, resolvedBy, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.events {
		if r.events[i].ID == id {
			now := time.Now().UTC()
			r.events[i].ResolvedAt = &now
			r.events[i].ResolvedBy = resolvedBy
			r.events[i].ResolutionNote = note
			return nil
		}
	}
	return core.WrapID("audit.Resolve", "not_found", id, core.ErrNotFound)
}

// List returns events filtered by component and/or severity; empty string
// and "" Severity match everything.
func (r *InMemoryRecorder) List(ctx context.Context, component string, severity Severity) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, 0, len(r.events))
	for _, ev := range r.events {
		if component != "" && ev.Component != component {
			continue
		}
		if severity != "" && ev.Severity != severity {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

var _ Recorder = (*InMemoryRecorder)(nil)
