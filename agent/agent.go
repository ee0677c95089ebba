// Package agent implements the Agent entity (§3.2) and its registry: the
// identifier/tier/status/capability-override record the rest of the
// governance core looks up agents by, plus the spawn rules (§3.1, §9)
// expressed as pure functions of parent/child tier via the tier package.
package agent

import (
	"context"
	"sync"

	"github.com/agentium/governance-core/core"
	"github.com/agentium/governance-core/tier"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusIdleWorking  Status = "idle_working"
	StatusIdlePaused   Status = "idle_paused"
	StatusDeliberating Status = "deliberating"
	StatusWorking      Status = "working"
	StatusReviewing    Status = "reviewing"
	StatusSuspended    Status = "suspended"
	StatusTerminated   Status = "terminated"
)

// CapabilityOverrides holds a pair of disjoint sets (§3.4): capabilities
// granted on top of the tier base set, and capabilities revoked from it.
// The capabilities package is the only writer; agent just carries the data.
type CapabilityOverrides struct {
	Granted map[string]struct{}
	Revoked map[string]struct{}
}

// NewCapabilityOverrides returns an empty, non-nil pair of sets.
func NewCapabilityOverrides() CapabilityOverrides {
	return CapabilityOverrides{Granted: map[string]struct{}{}, Revoked: map[string]struct{}{}}
}

// Agent is the single record tiered agent classes collapse to (§9): one
// struct with a tier discriminator plus per-agent overrides, rather than a
// Head/Council/Lead/Task class hierarchy.
type Agent struct {
	ID       string
	Tier     tier.Tier
	ParentID *string // nil only for Head

	Status Status

	PreferredModelConfigID string // optional; empty means "use tier default"
	Capabilities           CapabilityOverrides

	Persistent bool // true for Head and the initial Council
}

// New constructs an Agent, deriving Tier from id and validating the
// parent/child spawn relationship via tier.CanSpawn. Head (no parent) is
// constructed through NewHead instead.
func New(id string, parentID string, persistent bool) (*Agent, error) {
	t, err := tier.TierOf(id)
	if err != nil {
		return nil, core.WrapID("agent.New", "hierarchy", id, err)
	}
	if id == tier.HeadID {
		return nil, core.WrapID("agent.New", "hierarchy", id, core.Wrap("agent.New", "hierarchy", core.ErrInvalidConfiguration).Err)
	}
	parentTier, err := tier.TierOf(parentID)
	if err != nil {
		return nil, core.WrapID("agent.New", "hierarchy", parentID, err)
	}
	if !tier.CanSpawn(parentTier, t) {
		return nil, core.WrapID("agent.New", "hierarchy", id, errIllegalSpawn)
	}
	parent := parentID
	return &Agent{
		ID:           id,
		Tier:         t,
		ParentID:     &parent,
		Status:       StatusInitializing,
		Capabilities: NewCapabilityOverrides(),
		Persistent:   persistent,
	}, nil
}

// NewHead constructs the singleton Head agent, the only agent with no
// parent.
func NewHead() *Agent {
	return &Agent{
		ID:           tier.HeadID,
		Tier:         tier.TierHead,
		ParentID:     nil,
		Status:       StatusActive,
		Capabilities: NewCapabilityOverrides(),
		Persistent:   true,
	}
}

var errIllegalSpawn = core.ErrInvalidConfiguration

// Terminate moves the agent to StatusTerminated. Head may never be
// terminated (§3.2).
func (a *Agent) Terminate() error {
	if a.ID == tier.HeadID {
		return core.WrapID("Agent.Terminate", "hierarchy", a.ID, errHeadImmortal)
	}
	a.Status = StatusTerminated
	return nil
}

var errHeadImmortal = core.ErrInvalidConfiguration

// Registry is the in-memory store interface of agents (§6.2: a small
// store interface per aggregate, concrete SQL wiring left to the caller).
type Registry interface {
	Get(ctx context.Context, id string) (*Agent, error)
	Put(ctx context.Context, a *Agent) error
	Delete(ctx context.Context, id string) error
	ListByParent(ctx context.Context, parentID string) ([]*Agent, error)
	ListByTier(ctx context.Context, t tier.Tier) ([]*Agent, error)
	ListByStatus(ctx context.Context, status Status) ([]*Agent, error)
	All(ctx context.Context) ([]*Agent, error)
}

// InMemoryRegistry is a mutex-guarded map-backed Registry, seeded with the
// singleton Head on construction.
type InMemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewInMemoryRegistry builds a Registry pre-populated with the Head agent.
func NewInMemoryRegistry() *InMemoryRegistry {
	r := &InMemoryRegistry{agents: map[string]*Agent{}}
	head := NewHead()
	r.agents[head.ID] = head
	return r
}

func (r *InMemoryRegistry) Get(ctx context.Context, id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, core.WrapID("agent.Registry.Get", "not_found", id, core.ErrAgentNotFound)
	}
	clone := *a
	return &clone, nil
}

func (r *InMemoryRegistry) Put(ctx context.Context, a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *a
	r.agents[a.ID] = &clone
	return nil
}

func (r *InMemoryRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return core.WrapID("agent.Registry.Delete", "not_found", id, core.ErrAgentNotFound)
	}
	delete(r.agents, id)
	return nil
}

func (r *InMemoryRegistry) ListByParent(ctx context.Context, parentID string) ([]*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.ParentID != nil && *a.ParentID == parentID {
			clone := *a
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *InMemoryRegistry) ListByTier(ctx context.Context, t tier.Tier) ([]*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.Tier == t {
			clone := *a
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *InMemoryRegistry) ListByStatus(ctx context.Context, status Status) ([]*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.agents {
		if a.Status == status {
			clone := *a
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *InMemoryRegistry) All(ctx context.Context) ([]*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		clone := *a
		out = append(out, &clone)
	}
	return out, nil
}

var _ Registry = (*InMemoryRegistry)(nil)
