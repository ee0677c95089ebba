// Package bus implements the Message Bus (C3): per-agent inbox streams
// backed by Redis Streams, lightweight pub/sub notifications, and a
// per-sender token bucket enforcing the tier rate caps. Only the Message
// Bus mutates the inbox streams (§3.8's ownership rule); every other
// component goes through Publish/RouteUp/RouteDown/Broadcast.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentium/governance-core/core"
	"github.com/agentium/governance-core/envelope"
	"github.com/agentium/governance-core/tier"
)

// PublishResult reports the outcome of a Publish call.
type PublishResult struct {
	Success bool
	Path    string // e.g. "agent:20001:inbox"
	Error   error
}

// Receipt identifies a delivered message for Acknowledge.
type Receipt struct {
	AgentID        string
	MessageID      string
	StreamEntryID  string
}

// Bus is the Message Bus. It owns the Redis client and the per-sender
// token buckets; callers never touch Redis directly.
type Bus struct {
	redis  *redis.Client
	logger core.Logger

	maxInboxLen int64
	buckets     *bucketSet
}

// Options configures a Bus.
type Options struct {
	Redis       *redis.Client
	Logger      core.Logger
	MaxInboxLen int64 // drop-oldest cap per agent stream
}

// New builds a Bus. MaxInboxLen defaults to 1000 if unset.
func New(opts Options) *Bus {
	maxLen := opts.MaxInboxLen
	if maxLen <= 0 {
		maxLen = 1000
	}
	logger := opts.Logger
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("bus")
	}
	return &Bus{
		redis:       opts.Redis,
		logger:      logger,
		maxInboxLen: maxLen,
		buckets:     newBucketSet(),
	}
}

func inboxKey(agentID string) string   { return fmt.Sprintf("agent:%s:inbox", agentID) }
func channelKey(agentID string) string { return fmt.Sprintf("channel:%s", agentID) }

// Publish implements the Message Bus's publish algorithm (§4.3):
//  1. Reject via the Hierarchy Validator with no side effect.
//  2. Apply the sender's per-tier token bucket.
//  3. If persistent, append to the recipient's inbox stream (drop-oldest
//     cap) and publish a lightweight notification.
//  4. If addressed to broadcast, notify every subordinate tier's channel.
func (b *Bus) Publish(ctx context.Context, env *envelope.Envelope, persistent bool) PublishResult {
	if env.HopCount >= envelope.MaxHopCount {
		err := core.WrapID("bus.Publish", "hierarchy", env.MessageID, core.ErrRoutingLoop)
		b.logger.Warn("hop count exhausted, refusing to enqueue", map[string]interface{}{
			"sender": env.SenderID, "recipient": env.RecipientID, "hop_count": env.HopCount,
		})
		return PublishResult{Success: false, Error: err}
	}
	if !tier.CanRoute(env.SenderID, env.RecipientID, env.Direction) {
		err := core.WrapID("bus.Publish", "hierarchy", env.MessageID, core.ErrHierarchyViolation)
		b.logger.Warn("hierarchy violation on publish", map[string]interface{}{
			"sender": env.SenderID, "recipient": env.RecipientID, "direction": string(env.Direction),
		})
		return PublishResult{Success: false, Error: err}
	}

	senderTier, err := tier.TierOf(env.SenderID)
	if err != nil {
		return PublishResult{Success: false, Error: core.WrapID("bus.Publish", "hierarchy", env.SenderID, err)}
	}
	if !b.buckets.Allow(env.SenderID, senderTier) {
		err := core.WrapID("bus.Publish", "rate_limit", env.MessageID, core.ErrRateLimited)
		return PublishResult{Success: false, Error: err}
	}

	if env.RecipientID == tier.BroadcastRecipient {
		return b.broadcastFromHead(ctx, env, persistent)
	}

	if !persistent {
		return PublishResult{Success: true, Path: ""}
	}

	path, err := b.appendAndNotify(ctx, env)
	if err != nil {
		return PublishResult{Success: false, Error: core.WrapID("bus.Publish", "infra", env.MessageID, fmt.Errorf("%w: %v", core.ErrTransient, err))}
	}
	return PublishResult{Success: true, Path: path}
}

func (b *Bus) appendAndNotify(ctx context.Context, env *envelope.Envelope) (string, error) {
	key := inboxKey(env.RecipientID)
	values := toStreamValues(env)

	if err := b.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.maxInboxLen,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		return "", err
	}

	notification := fmt.Sprintf(`{"message_id":%q,"type":%q}`, env.MessageID, env.Type)
	if err := b.redis.Publish(ctx, channelKey(env.RecipientID), notification).Err(); err != nil {
		return "", err
	}
	return key, nil
}

// broadcastFromHead publishes a notification (message id + type) for env
// on every subordinate tier's channel; the envelope is not written to any
// inbox stream, whatever the value of persistent. The sender must already
// be validated as Head by CanRoute before this is called.
func (b *Bus) broadcastFromHead(ctx context.Context, env *envelope.Envelope, persistent bool) PublishResult {
	subordinateTiers := []tier.Tier{tier.TierCouncil, tier.TierLead, tier.TierTask}
	var lastErr error
	for _, t := range subordinateTiers {
		tierChannel := fmt.Sprintf("channel:tier:%d", t)
		notification := fmt.Sprintf(`{"message_id":%q,"type":%q}`, env.MessageID, env.Type)
		if err := b.redis.Publish(ctx, tierChannel, notification).Err(); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return PublishResult{Success: false, Error: core.WrapID("bus.Publish", "infra", env.MessageID, fmt.Errorf("%w: %v", core.ErrTransient, lastErr))}
	}
	return PublishResult{Success: true, Path: "broadcast"}
}

// RouteUp publishes env, which the caller has built with Direction up.
// RecipientID must already be resolved by the caller (typically the
// orchestrator); the bus itself never performs agent lookups (that's the
// Agent Orchestrator's job per §4.14).
func (b *Bus) RouteUp(ctx context.Context, env *envelope.Envelope) PublishResult {
	return b.Publish(ctx, env, true)
}

// RouteDown publishes env with Direction down.
func (b *Bus) RouteDown(ctx context.Context, env *envelope.Envelope) PublishResult {
	return b.Publish(ctx, env, true)
}

// BroadcastFromHead publishes env addressed to the broadcast recipient.
func (b *Bus) BroadcastFromHead(ctx context.Context, env *envelope.Envelope) PublishResult {
	return b.Publish(ctx, env, true)
}

// ConsumeStream returns up to count pending envelopes from agentID's inbox
// stream without removing them; callers Acknowledge() explicitly.
func (b *Bus) ConsumeStream(ctx context.Context, agentID string, count int64) ([]*envelope.Envelope, error) {
	entries, err := b.redis.XRange(ctx, inboxKey(agentID), "-", "+").Result()
	if err != nil {
		return nil, core.WrapID("bus.ConsumeStream", "infra", agentID, fmt.Errorf("%w: %v", core.ErrTransient, err))
	}
	if int64(len(entries)) > count {
		entries = entries[:count]
	}
	envs := make([]*envelope.Envelope, 0, len(entries))
	for _, e := range entries {
		env, err := fromStreamValues(e.Values)
		if err != nil {
			b.logger.Warn("dropping malformed stream entry", map[string]interface{}{"agent_id": agentID, "entry_id": e.ID})
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// Acknowledge records receipt.MessageID in the agent's processed-id set
// (agent:{id}:acked, 24h TTL) for idempotency bookkeeping; inbox entries
// aren't removed on ack since the stream's own length cap is the eviction
// mechanism.
func (b *Bus) Acknowledge(ctx context.Context, receipt Receipt) error {
	key := fmt.Sprintf("agent:%s:acked", receipt.AgentID)
	if err := b.redis.SAdd(ctx, key, receipt.MessageID).Err(); err != nil {
		return core.WrapID("bus.Acknowledge", "infra", receipt.MessageID, fmt.Errorf("%w: %v", core.ErrTransient, err))
	}
	b.redis.Expire(ctx, key, 24*time.Hour)
	return nil
}

// Subscribe opens a pub/sub subscription to agentID's notification channel
// and invokes callback for every message received until ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, agentID string, callback func(payload string)) error {
	pubsub := b.redis.Subscribe(ctx, channelKey(agentID))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			callback(msg.Payload)
		}
	}
}
