package bus

import (
	"sync"
	"time"

	"github.com/agentium/governance-core/tier"
)

// tierRate maps a sender's tier to its token bucket capacity and refill
// rate (tokens/sec), per §4.3: Head is unthrottled, lower tiers get
// progressively tighter caps.
func tierRate(t tier.Tier) (capacity float64, refillPerSec float64) {
	switch t {
	case tier.TierHead:
		return 0, 0 // 0 capacity is the "unlimited" sentinel, checked by Allow
	case tier.TierCouncil:
		return 20, 20
	case tier.TierLead:
		return 10, 10
	default:
		return 5, 5
	}
}

// bucket is a single sender's token bucket, refilled lazily on Allow.
type bucket struct {
	tokens       float64
	capacity     float64
	refillPerSec float64
	last         time.Time
}

func (b *bucket) allow(now time.Time) bool {
	if b.capacity == 0 {
		return true // Head: unlimited
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillPerSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// bucketSet holds one bucket per sender id, created lazily. It is the
// Message Bus's hand-rolled rate limiter: the spec's per-tier caps don't
// need a sliding window, just a simple refill-on-check bucket, so this
// stays dependency-free rather than pulling in a token-bucket library for
// a dozen lines of arithmetic.
type bucketSet struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newBucketSet() *bucketSet {
	return &bucketSet{buckets: make(map[string]*bucket)}
}

// Allow reports whether senderID may send now, consuming a token if so.
func (s *bucketSet) Allow(senderID string, t tier.Tier) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[senderID]
	if !ok {
		capacity, refill := tierRate(t)
		b = &bucket{tokens: capacity, capacity: capacity, refillPerSec: refill, last: time.Now()}
		s.buckets[senderID] = b
	}
	return b.allow(time.Now())
}
