// Package resilience provides circuit breaker and retry primitives for
// callers crossing a process boundary (Redis, Docker, provider SDKs) that
// need backoff on transient failure; the Semantic Context Store's
// embedding calls use Retry. The API-key pool (C7) keeps its own cooldown
// state machine and does not use this package.
package resilience

import (
	"sync"
	"time"

	"github.com/agentium/governance-core/core"
)

// CircuitState mirrors the classic closed/open/half-open circuit breaker
// state machine. They correspond to the key pool's (C7) healthy/cooldown/
// recovering key states, which keypool tracks on its own.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorClassifier decides whether an error should count toward the
// breaker's failure threshold. Non-retryable business errors (hierarchy,
// capability, constitutional, state-machine violations) must not trip a
// breaker meant to track infrastructure health.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts everything except terminal governance
// violations, which are caller mistakes rather than provider health
// signals.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	return !core.IsTerminalViolation(err)
}

// Config configures a CircuitBreaker.
type Config struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	CooldownPeriod   time.Duration // time spent in open before trying half-open
	HalfOpenTrials   int           // successes needed in half-open to close
	ErrorClassifier  ErrorClassifier
	Logger           core.Logger
}

// DefaultConfig returns production-reasonable defaults.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 3,
		CooldownPeriod:   60 * time.Second,
		HalfOpenTrials:   1,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           core.NoOpLogger{},
	}
}

// CircuitBreaker is a consecutive-failure threshold breaker: FailureThreshold
// classified failures in StateClosed opens it; after CooldownPeriod it
// allows HalfOpenTrials probe calls through, closing on success and
// reopening immediately on any further failure.
type CircuitBreaker struct {
	cfg *Config

	mu             sync.Mutex
	state          CircuitState
	failureCount   int
	halfOpenOK     int
	openedAt       time.Time
	listeners      []func(name string, from, to CircuitState)
}

// New builds a CircuitBreaker from cfg, filling in defaults for zero
// values.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.ErrorClassifier == nil {
		cfg.ErrorClassifier = DefaultErrorClassifier
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = 1
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a call should be attempted right now, transitioning
// open -> half-open once CooldownPeriod has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.cfg.CooldownPeriod {
			cb.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// Execute runs fn if Allow() permits it, recording the result against the
// breaker. It returns (true, fn's error) when fn ran, and (false, nil)
// when the breaker refused the call.
func (cb *CircuitBreaker) Execute(fn func() error) (ran bool, err error) {
	if !cb.Allow() {
		return false, nil
	}
	err = fn()
	cb.record(err)
	return true, err
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	counts := cb.cfg.ErrorClassifier(err)

	switch cb.state {
	case StateClosed:
		if counts {
			cb.failureCount++
			if cb.failureCount >= cb.cfg.FailureThreshold {
				cb.transition(StateOpen)
			}
		} else if err == nil {
			cb.failureCount = 0
		}
	case StateHalfOpen:
		if counts {
			cb.transition(StateOpen)
			return
		}
		if err == nil {
			cb.halfOpenOK++
			if cb.halfOpenOK >= cb.cfg.HalfOpenTrials {
				cb.transition(StateClosed)
			}
		}
	case StateOpen:
		// Allow() should have prevented reaching here; ignore.
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = time.Now()
		cb.halfOpenOK = 0
	case StateClosed:
		cb.failureCount = 0
		cb.halfOpenOK = 0
	case StateHalfOpen:
		cb.halfOpenOK = 0
	}
	cb.cfg.Logger.Info("circuit breaker state change", map[string]interface{}{
		"breaker": cb.cfg.Name,
		"from":    from.String(),
		"to":      to.String(),
	})
	for _, l := range cb.listeners {
		l(cb.cfg.Name, from, to)
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RecordSuccess and RecordFailure let callers that can't shape their call
// as a single fn() error (e.g. streaming provider responses) still drive
// the breaker directly.
func (cb *CircuitBreaker) RecordSuccess() { cb.record(nil) }
func (cb *CircuitBreaker) RecordFailure(err error) {
	if err == nil {
		err = errForcedFailure
	}
	cb.record(err)
}

// AddStateChangeListener registers a callback invoked on every transition.
func (cb *CircuitBreaker) AddStateChangeListener(l func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, l)
}

// Reset forces the breaker back to StateClosed, clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
}

var errForcedFailure = core.Wrap("resilience.RecordFailure", "infra", core.ErrTransient)
