// Package keypool implements the API-Key Pool & Budget Manager (C7):
// per-provider prioritized keys with cooldown and monthly-budget tracking,
// cross-provider fallback, and a background recovery sweep — the state
// machine is the same closed/open/half-open shape as
// resilience.CircuitBreaker, specialized to the spec's concrete thresholds
// (3 consecutive failures -> 5 minute cooldown, slow decay recovery)
// rather than reusing the generic breaker directly, since §4.7's recovery
// rule (decrement failure count by one per sweep rather than snap closed)
// doesn't fit the breaker's half-open-trial model.
package keypool

import (
	"context"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/agentium/governance-core/core"
)

// Status mirrors a key's coarse health state.
type Status string

const (
	StatusHealthy Status = "healthy"
	StatusError   Status = "error"
)

const (
	// FailureThreshold is the consecutive-failure count that trips cooldown.
	FailureThreshold = 3
	// CooldownDuration is how long a tripped key is excluded from selection.
	CooldownDuration = 5 * time.Minute
	// AlertCoolOff bounds all_api_keys_down alerts to one per window.
	AlertCoolOff = 60 * time.Second
	// RecoverySweepInterval is how often the background sweep runs.
	RecoverySweepInterval = time.Minute
)

// Key is one provider API key (§3.5). Secret is stored sealed; callers
// never see plaintext outside Reveal.
type Key struct {
	ID               string
	Provider         string
	sealedSecret     []byte
	Priority         int
	ConsecutiveFails int
	LastFailureAt    time.Time
	CooldownUntil    time.Time
	MonthlyBudgetUSD float64 // 0 = unlimited
	CurrentSpend     float64
	LastSpendReset   time.Time
	Active           bool
	Status           Status
}

// Healthy reports whether k is selectable right now for a call costing
// estimatedCost, per §3.5: active, not in cooldown, not ERROR, and within
// budget.
func (k *Key) Healthy(now time.Time, estimatedCost float64) bool {
	if !k.Active || k.Status == StatusError {
		return false
	}
	if now.Before(k.CooldownUntil) {
		return false
	}
	spend := k.effectiveSpend(now)
	if k.MonthlyBudgetUSD > 0 && spend+estimatedCost > k.MonthlyBudgetUSD {
		return false
	}
	return true
}

// effectiveSpend returns CurrentSpend, treating it as reset to zero if
// LastSpendReset is in a prior month (§4.7: "on month change ... spend
// resets to zero before accounting the new call").
func (k *Key) effectiveSpend(now time.Time) float64 {
	if now.Year() != k.LastSpendReset.Year() || now.Month() != k.LastSpendReset.Month() {
		return 0
	}
	return k.CurrentSpend
}

// Alert is a standalone monitoring-alert record (§9 open question: no
// required foreign key to an agent).
type Alert struct {
	Kind      string
	Provider  string
	Timestamp time.Time
	AgentID   *string
}

// AlertSink receives Alert records; cmd/governanced wires this to the
// audit.Recorder in production.
type AlertSink interface {
	Alert(ctx context.Context, a Alert)
}

// BudgetSettings are the two system-wide daily caps §6.5 names.
type BudgetSettings struct {
	DailyTokenLimit int
	DailyCostLimitUSD float64
}

// Pool is the API-Key Pool.
type Pool struct {
	aead   interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
	alerts AlertSink
	logger core.Logger

	mu              sync.Mutex
	byProvider      map[string][]*Key
	lastAlertAt     map[string]time.Time // provider-list fingerprint -> last alert time
	budget          BudgetSettings

	stopSweep chan struct{}
}

// New builds a Pool. sealKey must be exactly 32 bytes (a chacha20poly1305
// key); callers typically derive it from a KMS-managed secret.
func New(sealKey []byte, alerts AlertSink, logger core.Logger) (*Pool, error) {
	aead, err := chacha20poly1305.New(sealKey)
	if err != nil {
		return nil, core.Wrap("keypool.New", "config", core.ErrInvalidConfiguration)
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("keypool")
	}
	return &Pool{
		aead:        aead,
		alerts:      alerts,
		logger:      logger,
		byProvider:  map[string][]*Key{},
		lastAlertAt: map[string]time.Time{},
	}, nil
}

// seal encrypts secret for storage.
func (p *Pool) seal(secret string) ([]byte, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return p.aead.Seal(nonce, nonce, []byte(secret), nil), nil
}

// Reveal decrypts a key's sealed secret. Only callers issuing the actual
// provider-SDK call should invoke this.
func (p *Pool) Reveal(k *Key) (string, error) {
	nonceSize := p.aead.NonceSize()
	if len(k.sealedSecret) < nonceSize {
		return "", core.Wrap("keypool.Reveal", "config", core.ErrInvalidConfiguration)
	}
	nonce, ciphertext := k.sealedSecret[:nonceSize], k.sealedSecret[nonceSize:]
	plain, err := p.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", core.Wrap("keypool.Reveal", "config", err)
	}
	return string(plain), nil
}

// AddKey registers a new key for provider, priority ascending (lower wins).
func (p *Pool) AddKey(id, provider, secret string, priority int, monthlyBudgetUSD float64) error {
	sealed, err := p.seal(secret)
	if err != nil {
		return core.WrapID("keypool.AddKey", "config", id, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.byProvider[provider] = append(p.byProvider[provider], &Key{
		ID: id, Provider: provider, sealedSecret: sealed, Priority: priority,
		MonthlyBudgetUSD: monthlyBudgetUSD, Active: true, Status: StatusHealthy,
		LastSpendReset: time.Now().UTC(),
	})
	return nil
}

// sortedKeys returns provider's keys sorted by priority ascending, ties
// broken by lowest consecutive-failure count then oldest last-failure
// (§4.7).
func sortedKeys(keys []*Key) []*Key {
	out := make([]*Key, len(keys))
	copy(out, keys)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].ConsecutiveFails != out[j].ConsecutiveFails {
			return out[i].ConsecutiveFails < out[j].ConsecutiveFails
		}
		return out[i].LastFailureAt.Before(out[j].LastFailureAt)
	})
	return out
}

// GetActiveKey implements get_active_key (§4.7): filter to healthy keys,
// return the highest-priority survivor.
func (p *Pool) GetActiveKey(provider string, estimatedCost float64) *Key {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	for _, k := range sortedKeys(p.byProvider[provider]) {
		if k.Healthy(now, estimatedCost) {
			return k
		}
	}
	return nil
}

// GetActiveKeyWithFallback implements get_active_key_with_fallback
// (§4.7): iterates providers in order, returning the first healthy key.
// On full exhaustion, emits an all_api_keys_down alert at most once per
// AlertCoolOff window, keyed by the exact provider list.
func (p *Pool) GetActiveKeyWithFallback(ctx context.Context, providers []string, estimatedCost float64) (*Key, string) {
	for _, provider := range providers {
		if k := p.GetActiveKey(provider, estimatedCost); k != nil {
			return k, provider
		}
	}

	p.mu.Lock()
	fingerprint := fingerprintProviders(providers)
	now := time.Now().UTC()
	shouldAlert := now.Sub(p.lastAlertAt[fingerprint]) >= AlertCoolOff
	if shouldAlert {
		p.lastAlertAt[fingerprint] = now
	}
	p.mu.Unlock()

	if shouldAlert && p.alerts != nil {
		p.alerts.Alert(ctx, Alert{Kind: "all_api_keys_down", Provider: fingerprint, Timestamp: now})
		p.logger.ErrorWithContext(ctx, "all api keys exhausted", map[string]interface{}{"providers": providers})
	}
	return nil, "exhausted"
}

func fingerprintProviders(providers []string) string {
	out := ""
	for i, p := range providers {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// RecordFailure increments k's consecutive-failure counter; on the 3rd
// consecutive failure it trips a 5-minute cooldown and marks ERROR (§4.7).
func (p *Pool) RecordFailure(keyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.find(keyID)
	if k == nil {
		return
	}
	now := time.Now().UTC()
	k.ConsecutiveFails++
	k.LastFailureAt = now
	if k.ConsecutiveFails >= FailureThreshold {
		k.CooldownUntil = now.Add(CooldownDuration)
		k.Status = StatusError
	}
}

// RecordSuccess resets k's failure counter and clears cooldown/error.
func (p *Pool) RecordSuccess(keyID string, actualCost float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := p.find(keyID)
	if k == nil {
		return
	}
	now := time.Now().UTC()
	k.ConsecutiveFails = 0
	k.CooldownUntil = time.Time{}
	k.Status = StatusHealthy
	p.accountSpendLocked(k, now, actualCost)
}

// accountSpendLocked resets spend on month change, then adds actualCost.
// Must be called with p.mu held.
func (p *Pool) accountSpendLocked(k *Key, now time.Time, actualCost float64) {
	if now.Year() != k.LastSpendReset.Year() || now.Month() != k.LastSpendReset.Month() {
		k.CurrentSpend = 0
		k.LastSpendReset = now
	}
	k.CurrentSpend += actualCost
}

func (p *Pool) find(keyID string) *Key {
	for _, keys := range p.byProvider {
		for _, k := range keys {
			if k.ID == keyID {
				return k
			}
		}
	}
	return nil
}

// sweepOnce performs one recovery pass (§4.7's "background sweep every
// minute"): keys whose cooldown has elapsed get their failure count
// decremented by one and ERROR cleared, allowing gradual return to
// rotation.
func (p *Pool) sweepOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	for _, keys := range p.byProvider {
		for _, k := range keys {
			if k.Status == StatusError && !now.Before(k.CooldownUntil) {
				if k.ConsecutiveFails > 0 {
					k.ConsecutiveFails--
				}
				k.Status = StatusHealthy
				k.CooldownUntil = time.Time{}
			}
		}
	}
}

// StartRecoverySweep runs sweepOnce on a ticker until ctx is cancelled or
// Stop is called.
func (p *Pool) StartRecoverySweep(ctx context.Context) {
	p.mu.Lock()
	if p.stopSweep != nil {
		p.mu.Unlock()
		return
	}
	p.stopSweep = make(chan struct{})
	stop := p.stopSweep
	p.mu.Unlock()

	ticker := time.NewTicker(RecoverySweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				p.sweepOnce()
			}
		}
	}()
}

// Stop halts the recovery sweep goroutine, if running.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopSweep != nil {
		close(p.stopSweep)
		p.stopSweep = nil
	}
}

// SetBudget mutates the system-wide daily caps (§6.5); the caller is
// responsible for checking the admin/sovereign authority requirement
// before calling this (kept outside keypool per the HTTP-auth non-goal).
func (p *Pool) SetBudget(b BudgetSettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.budget = b
}

// Budget returns the current daily cap settings.
func (p *Pool) Budget() BudgetSettings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.budget
}
