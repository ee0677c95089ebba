// Package allocator implements the Model Allocator & Token Optimizer (C8):
// task-type classification, a per-tier model preference map, and the
// idle/active mode switch that reassigns every persistent agent to a
// local, zero-cost model when the system enters idle mode.
package allocator

import (
	"context"
	"strings"
	"sync"

	"github.com/agentium/governance-core/agent"
	"github.com/agentium/governance-core/ai"
	"github.com/agentium/governance-core/core"
	"github.com/agentium/governance-core/tier"
)

// TaskType is the coarse classification a task description maps to.
type TaskType string

const (
	TaskCode     TaskType = "code"
	TaskAnalysis TaskType = "analysis"
	TaskCreative TaskType = "creative"
	TaskSimple   TaskType = "simple"
)

// ClassifyTask implements the task-type classifier (§4.8): a deterministic
// keyword scan over the description. Real deployments may swap this for
// an ai.Client.Generate-backed classifier; the keyword version is the
// zero-dependency default so allocation never blocks on a model call.
func ClassifyTask(description string) TaskType {
	d := strings.ToLower(description)
	switch {
	case containsAny(d, "code", "function", "bug", "refactor", "compile", "script"):
		return TaskCode
	case containsAny(d, "analy", "data", "report", "metric", "trend"):
		return TaskAnalysis
	case containsAny(d, "write", "story", "design", "creative", "brainstorm"):
		return TaskCreative
	default:
		return TaskSimple
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// ModelConfig is an allocator-managed model selection record, keyed by ID
// and addressable from agent.PreferredModelConfigID.
type ModelConfig struct {
	ID       string
	Provider ai.Provider
	Model    string
}

// Preference maps a (tier, task type) pair to the ModelConfig ID to use.
// Populated per deployment; DefaultPreferences gives a reasonable default.
type Preference map[tier.Tier]map[TaskType]string

// DefaultPreferences routes code/analysis to a stronger model for higher
// tiers and downgrades Task-tier routine work, matching the spirit of
// "persistent/active agents get premium models, leaf task agents get
// cheaper ones" without hardcoding vendor names into the spec.
func DefaultPreferences() Preference {
	premium := map[TaskType]string{
		TaskCode: "premium-code", TaskAnalysis: "premium-analysis",
		TaskCreative: "premium-creative", TaskSimple: "standard-simple",
	}
	standard := map[TaskType]string{
		TaskCode: "standard-code", TaskAnalysis: "standard-analysis",
		TaskCreative: "standard-creative", TaskSimple: "standard-simple",
	}
	economy := map[TaskType]string{
		TaskCode: "economy-code", TaskAnalysis: "economy-analysis",
		TaskCreative: "economy-creative", TaskSimple: "economy-simple",
	}
	return Preference{
		tier.TierHead:    premium,
		tier.TierCouncil: premium,
		tier.TierLead:    standard,
		tier.TierTask:    economy,
	}
}

// LocalModelConfigID is the single locally-served, zero-API-cost model
// every persistent agent is reassigned to on enter_idle_mode.
const LocalModelConfigID = "local-idle-model"

// Allocator is the Model Allocator.
type Allocator struct {
	agents agent.Registry
	prefs  Preference
	logger core.Logger

	mu           sync.Mutex
	configs      map[string]*ModelConfig
	savedConfigs map[string]string // agent id -> pre-idle PreferredModelConfigID, for wake
}

// New builds an Allocator. prefs defaults to DefaultPreferences() if nil.
func New(agents agent.Registry, prefs Preference, logger core.Logger) *Allocator {
	if prefs == nil {
		prefs = DefaultPreferences()
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("allocator")
	}
	return &Allocator{
		agents: agents, prefs: prefs, logger: logger,
		configs: map[string]*ModelConfig{
			LocalModelConfigID: {ID: LocalModelConfigID, Provider: ai.ProviderOllama, Model: "local-small"},
		},
		savedConfigs: map[string]string{},
	}
}

// RegisterConfig makes a ModelConfig resolvable by ID, typically called at
// startup for every entry referenced by Preference.
func (al *Allocator) RegisterConfig(cfg *ModelConfig) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.configs[cfg.ID] = cfg
}

// Allocate classifies task into a TaskType, picks a model-config id from
// the per-tier preference map, and ensures the agent's preferred
// configuration record exists — creating it from the preference table's
// default if the agent has none set yet (§4.8).
func (al *Allocator) Allocate(ctx context.Context, a *agent.Agent, taskDescription string) (string, error) {
	taskType := ClassifyTask(taskDescription)

	al.mu.Lock()
	defer al.mu.Unlock()

	if a.PreferredModelConfigID != "" {
		if _, ok := al.configs[a.PreferredModelConfigID]; !ok {
			al.configs[a.PreferredModelConfigID] = &ModelConfig{ID: a.PreferredModelConfigID}
		}
		return a.PreferredModelConfigID, nil
	}

	tierPrefs, ok := al.prefs[a.Tier]
	if !ok {
		return "", core.WrapID("allocator.Allocate", "config", a.ID, core.ErrInvalidConfiguration)
	}
	configID, ok := tierPrefs[taskType]
	if !ok {
		return "", core.WrapID("allocator.Allocate", "config", a.ID, core.ErrInvalidConfiguration)
	}

	if _, exists := al.configs[configID]; !exists {
		al.configs[configID] = &ModelConfig{ID: configID}
	}

	a.PreferredModelConfigID = configID
	if err := al.agents.Put(ctx, a); err != nil {
		return "", core.WrapID("allocator.Allocate", "infra", a.ID, err)
	}
	return configID, nil
}

// EnterIdleMode implements the idle protocol (§4.8): every persistent
// agent (Head + initial Council) has its current preferred config saved
// and switched to LocalModelConfigID with status idle_working; every
// other active agent is paused.
func (al *Allocator) EnterIdleMode(ctx context.Context) error {
	agents, err := al.agents.All(ctx)
	if err != nil {
		return core.Wrap("allocator.EnterIdleMode", "infra", err)
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	for _, a := range agents {
		if a.Persistent {
			al.savedConfigs[a.ID] = a.PreferredModelConfigID
			a.PreferredModelConfigID = LocalModelConfigID
			a.Status = agent.StatusIdleWorking
		} else if a.Status == agent.StatusActive {
			a.Status = agent.StatusIdlePaused
		} else {
			continue
		}
		if err := al.agents.Put(ctx, a); err != nil {
			return core.WrapID("allocator.EnterIdleMode", "infra", a.ID, err)
		}
	}
	al.logger.InfoWithContext(ctx, "entered idle mode", map[string]interface{}{"agent_count": len(agents)})
	return nil
}

// WakeFromIdle implements the wake protocol (§4.8): restores each agent's
// prior preferred config (or leaves it for re-allocation against any
// currently-running task) and returns statuses to active.
func (al *Allocator) WakeFromIdle(ctx context.Context) error {
	agents, err := al.agents.All(ctx)
	if err != nil {
		return core.Wrap("allocator.WakeFromIdle", "infra", err)
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	for _, a := range agents {
		switch a.Status {
		case agent.StatusIdleWorking:
			if saved, ok := al.savedConfigs[a.ID]; ok {
				a.PreferredModelConfigID = saved
				delete(al.savedConfigs, a.ID)
			}
			a.Status = agent.StatusActive
		case agent.StatusIdlePaused:
			a.Status = agent.StatusActive
		default:
			continue
		}
		if err := al.agents.Put(ctx, a); err != nil {
			return core.WrapID("allocator.WakeFromIdle", "infra", a.ID, err)
		}
	}
	al.logger.InfoWithContext(ctx, "woke from idle mode", map[string]interface{}{"agent_count": len(agents)})
	return nil
}
