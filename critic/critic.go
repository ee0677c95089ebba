// Package critic implements the Critic Pipeline (C9): out-of-band
// reviewers with an absolute veto, a sha-256 content-fingerprint dedup
// cache, least-busy critic selection, and retry/escalation accounting.
// Concrete review heuristics are out of scope (§1 non-goals); Pipeline
// takes a ReviewFunc per critic and owns only the protocol around it.
package critic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/agentium/governance-core/audit"
	"github.com/agentium/governance-core/core"
)

// Type is a critic specialty.
type Type string

const (
	TypeCode   Type = "code-critic"
	TypeOutput Type = "output-critic"
	TypePlan   Type = "plan-critic"
)

// Verdict is a review's outcome (§4.9).
type Verdict string

const (
	VerdictPass     Verdict = "pass"
	VerdictReject   Verdict = "reject"
	VerdictEscalate Verdict = "escalate"
)

// DefaultMaxRetries is how many reject verdicts a task may accumulate
// before the pipeline escalates (§4.9).
const DefaultMaxRetries = 5

// Escalation is the structured payload attached when retries are
// exhausted.
type Escalation struct {
	TaskID        string
	CriticType    Type
	RejectReasons []string
}

// Review is a single verdict from a critic.
type Review struct {
	Verdict     Verdict
	Reason      string
	Suggestions []string
	Escalation  *Escalation
}

// ReviewFunc is the pluggable heuristic a concrete critic implements; the
// pipeline never inspects outputContent itself.
type ReviewFunc func(ctx context.Context, outputContent string) (*Review, error)

// Critic is one out-of-band reviewer agent.
type Critic struct {
	ID       string
	Specialty Type
	Reviewer ReviewFunc

	completedReviews int
}

type cacheKey struct {
	taskID      string
	criticType  Type
	fingerprint string
}

// Pipeline is the Critic Pipeline.
type Pipeline struct {
	recorder   audit.Recorder
	maxRetries int

	mu          sync.Mutex
	critics     []*Critic
	cache       map[cacheKey]*Review
	retryCounts map[cacheKey]int
	rejectLog   map[cacheKey][]string
}

// New builds a Pipeline. maxRetries defaults to DefaultMaxRetries when <= 0.
func New(recorder audit.Recorder, maxRetries int) *Pipeline {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Pipeline{
		recorder:    recorder,
		maxRetries:  maxRetries,
		cache:       map[cacheKey]*Review{},
		retryCounts: map[cacheKey]int{},
		rejectLog:   map[cacheKey][]string{},
	}
}

// Register adds a critic to the pool available for selection.
func (p *Pipeline) Register(c *Critic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.critics = append(p.critics, c)
}

func fingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// leastBusy returns the available critic of the matching specialty with
// the fewest completed reviews (§4.9 selection rule). Must be called with
// p.mu held.
func (p *Pipeline) leastBusy(specialty Type) *Critic {
	var best *Critic
	for _, c := range p.critics {
		if c.Specialty != specialty {
			continue
		}
		if best == nil || c.completedReviews < best.completedReviews {
			best = c
		}
	}
	return best
}

// Review implements the critic pipeline's review protocol: dedup by
// content fingerprint per (task, critic-type), least-busy selection,
// retry accounting, and escalation once retries are exhausted.
func (p *Pipeline) Review(ctx context.Context, taskID string, criticType Type, outputContent string) (*Review, error) {
	key := cacheKey{taskID: taskID, criticType: criticType, fingerprint: fingerprint(outputContent)}

	p.mu.Lock()
	if cached, ok := p.cache[key]; ok {
		p.mu.Unlock()
		return cached, nil
	}
	c := p.leastBusy(criticType)
	p.mu.Unlock()

	if c == nil {
		return nil, core.WrapID("critic.Review", "not_found", string(criticType), core.ErrNotFound)
	}

	review, err := c.Reviewer(ctx, outputContent)
	if err != nil {
		return nil, core.Wrap("critic.Review", "infra", fmt.Errorf("%w: %v", core.ErrTransient, err))
	}

	p.mu.Lock()
	c.completedReviews++
	defer p.mu.Unlock()

	switch review.Verdict {
	case VerdictReject:
		// Reject is not terminal: it isn't cached, so a retry resubmitting
		// the identical content still re-executes the critic, up to
		// maxRetries. Only the eventual pass/escalate verdict is cached.
		p.retryCounts[key]++
		p.rejectLog[key] = append(p.rejectLog[key], review.Reason)
		if p.retryCounts[key] > p.maxRetries {
			escalated := &Review{
				Verdict: VerdictEscalate,
				Reason:  "retries exhausted",
				Escalation: &Escalation{
					TaskID: taskID, CriticType: criticType,
					RejectReasons: append([]string(nil), p.rejectLog[key]...),
				},
			}
			p.cache[key] = escalated
			if p.recorder != nil {
				p.recorder.Record(ctx, audit.Event{
					Component: "critic", Kind: audit.KindCriticEscalation, Severity: audit.SeverityWarning,
					Action: "critic retries exhausted, escalating",
					Detail: map[string]interface{}{"task_id": taskID, "critic_type": string(criticType)},
				})
			}
			return escalated, nil
		}
		return review, nil
	case VerdictPass, VerdictEscalate:
		p.cache[key] = review
		return review, nil
	default:
		return nil, core.Wrap("critic.Review", "config", core.ErrInvalidConfiguration)
	}
}

// RetryCount returns how many reject verdicts (taskID, criticType) has
// accumulated for outputContent's fingerprint — exposed for tests and
// observability.
func (p *Pipeline) RetryCount(taskID string, criticType Type, outputContent string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryCounts[cacheKey{taskID: taskID, criticType: criticType, fingerprint: fingerprint(outputContent)}]
}
