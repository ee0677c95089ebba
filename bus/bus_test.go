package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentium/governance-core/core"
	"github.com/agentium/governance-core/envelope"
	"github.com/agentium/governance-core/tier"
)

func setupTestBus(t *testing.T) (*miniredis.Miniredis, *Bus) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, New(Options{Redis: client, MaxInboxLen: 100})
}

func TestPublishRejectsHierarchyViolation(t *testing.T) {
	mr, b := setupTestBus(t)
	defer mr.Close()

	env, err := envelope.New("30001", "10001", tier.DirectionUp, envelope.TypeEscalation, "skip a tier", nil, envelope.PriorityNormal, 30)
	require.NoError(t, err)

	result := b.Publish(context.Background(), env, true)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, core.ErrHierarchyViolation)
}

func TestPublishAppendsToInboxStreamAndNotifies(t *testing.T) {
	mr, b := setupTestBus(t)
	defer mr.Close()

	env, err := envelope.New("30001", "20001", tier.DirectionUp, envelope.TypeEscalation, "need help", nil, envelope.PriorityNormal, 30)
	require.NoError(t, err)

	result := b.Publish(context.Background(), env, true)
	require.True(t, result.Success)
	assert.Equal(t, "agent:20001:inbox", result.Path)

	envs, err := b.ConsumeStream(context.Background(), "20001", 10)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, env.MessageID, envs[0].MessageID)
	assert.Equal(t, "need help", envs[0].Content)
}

func TestPublishNonPersistentSkipsInbox(t *testing.T) {
	mr, b := setupTestBus(t)
	defer mr.Close()

	env, err := envelope.New("30001", "20001", tier.DirectionUp, envelope.TypeHeartbeat, "ping", nil, envelope.PriorityLow, 30)
	require.NoError(t, err)

	result := b.Publish(context.Background(), env, false)
	require.True(t, result.Success)

	envs, err := b.ConsumeStream(context.Background(), "20001", 10)
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestPublishRejectsEnvelopeAtHopCap(t *testing.T) {
	mr, b := setupTestBus(t)
	defer mr.Close()

	env, err := envelope.New("30001", "20001", tier.DirectionUp, envelope.TypeEscalation, "bouncing forever", nil, envelope.PriorityNormal, 30)
	require.NoError(t, err)
	for i := 0; i < envelope.MaxHopCount; i++ {
		env, err = env.Forward()
		require.NoError(t, err)
	}
	require.Equal(t, envelope.MaxHopCount, env.HopCount)

	result := b.Publish(context.Background(), env, true)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, core.ErrRoutingLoop)

	envs, err := b.ConsumeStream(context.Background(), "20001", 10)
	require.NoError(t, err)
	assert.Empty(t, envs, "a message at hop count 5 must never enter any inbox")
}

func TestBroadcastFromHeadRejectedForNonHead(t *testing.T) {
	mr, b := setupTestBus(t)
	defer mr.Close()

	env, err := envelope.New("10001", tier.BroadcastRecipient, tier.DirectionBroadcast, envelope.TypeNotification, "shouldn't work", nil, envelope.PriorityHigh, 10)
	require.NoError(t, err)

	result := b.Publish(context.Background(), env, true)
	assert.False(t, result.Success)
}

func TestBroadcastFromHeadSucceeds(t *testing.T) {
	mr, b := setupTestBus(t)
	defer mr.Close()

	env, err := envelope.New(tier.HeadID, tier.BroadcastRecipient, tier.DirectionBroadcast, envelope.TypeNotification, "wake up", nil, envelope.PriorityHigh, 10)
	require.NoError(t, err)

	result := b.Publish(context.Background(), env, true)
	assert.True(t, result.Success)
	assert.Equal(t, "broadcast", result.Path)
}

func TestRateLimitBoundaryForTaskTier(t *testing.T) {
	mr, b := setupTestBus(t)
	defer mr.Close()

	var lastResult PublishResult
	for i := 0; i < 6; i++ {
		env, err := envelope.New("30001", "20001", tier.DirectionUp, envelope.TypeHeartbeat, "x", nil, envelope.PriorityLow, 30)
		require.NoError(t, err)
		lastResult = b.Publish(context.Background(), env, true)
	}
	assert.False(t, lastResult.Success, "6th message within the same second must be throttled for a task-tier sender (cap 5/s)")
}

func TestHeadSenderIsNeverRateLimited(t *testing.T) {
	mr, b := setupTestBus(t)
	defer mr.Close()

	for i := 0; i < 50; i++ {
		env, err := envelope.New(tier.HeadID, "10001", tier.DirectionDown, envelope.TypeNotification, "x", nil, envelope.PriorityLow, 30)
		require.NoError(t, err)
		result := b.Publish(context.Background(), env, true)
		require.True(t, result.Success, "iteration %d", i)
	}
}

func TestAcknowledgeRecordsProcessedID(t *testing.T) {
	mr, b := setupTestBus(t)
	defer mr.Close()

	err := b.Acknowledge(context.Background(), Receipt{AgentID: "20001", MessageID: "msg-1"})
	require.NoError(t, err)

	member, err := b.redis.SIsMember(context.Background(), "agent:20001:acked", "msg-1").Result()
	require.NoError(t, err)
	assert.True(t, member)
}

func TestSubscribeDeliversNotifications(t *testing.T) {
	mr, b := setupTestBus(t)
	defer mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	received := make(chan string, 1)
	go func() {
		_ = b.Subscribe(ctx, "20001", func(payload string) {
			received <- payload
		})
	}()
	time.Sleep(50 * time.Millisecond) // let the subscription establish

	env, err := envelope.New("30001", "20001", tier.DirectionUp, envelope.TypeEscalation, "x", nil, envelope.PriorityNormal, 30)
	require.NoError(t, err)
	b.Publish(context.Background(), env, true)

	select {
	case payload := <-received:
		assert.Contains(t, payload, env.MessageID)
	case <-ctx.Done():
		t.Fatal("did not receive notification before timeout")
	}
}
