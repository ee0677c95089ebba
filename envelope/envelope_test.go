package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentium/governance-core/tier"
)

func TestNewValidatesAgentIDsAndTTL(t *testing.T) {
	env, err := New("30001", "20001", tier.DirectionUp, TypeEscalation, "need human input", nil, PriorityNormal, 30)
	require.NoError(t, err)
	assert.Equal(t, 0, env.HopCount)
	assert.NotEmpty(t, env.MessageID)

	_, err = New("30001", "20001", tier.DirectionUp, TypeEscalation, "x", nil, PriorityNormal, 0)
	assert.Error(t, err, "non-positive TTL must be rejected")

	_, err = New("bad", "20001", tier.DirectionUp, TypeEscalation, "x", nil, PriorityNormal, 30)
	assert.Error(t, err, "malformed sender id must be rejected")
}

func TestNewAllowsBroadcastRecipient(t *testing.T) {
	env, err := New(tier.HeadID, tier.BroadcastRecipient, tier.DirectionBroadcast, TypeNotification, "wake", nil, PriorityHigh, 10)
	require.NoError(t, err)
	assert.Equal(t, tier.BroadcastRecipient, env.RecipientID)
}

func TestForwardIncrementsHopCountWithoutMutatingReceiver(t *testing.T) {
	env, err := New("30001", "20001", tier.DirectionUp, TypeEscalation, "x", nil, PriorityNormal, 30)
	require.NoError(t, err)

	next, err := env.Forward()
	require.NoError(t, err)
	assert.Equal(t, 1, next.HopCount)
	assert.Equal(t, 0, env.HopCount, "original envelope must be unchanged")
	assert.Equal(t, env.MessageID, next.MessageID, "hop does not change message identity")
}

func TestForwardRejectsAtHopCap(t *testing.T) {
	env, err := New("30001", "20001", tier.DirectionUp, TypeEscalation, "x", nil, PriorityNormal, 30)
	require.NoError(t, err)

	for i := 0; i < MaxHopCount; i++ {
		env, err = env.Forward()
		require.NoError(t, err)
	}
	assert.Equal(t, MaxHopCount, env.HopCount)

	_, err = env.Forward()
	require.Error(t, err)
}

func TestWithEnrichmentLeavesContentUnchanged(t *testing.T) {
	env, err := New("30001", "20001", tier.DirectionUp, TypeEscalation, "original content", nil, PriorityNormal, 30)
	require.NoError(t, err)

	enriched := env.WithEnrichment(&Enrichment{ConstitutionArticles: []string{"article-1"}})
	assert.Equal(t, "original content", enriched.Content)
	assert.Nil(t, env.Enrichment, "receiver must stay unenriched")
	assert.NotNil(t, enriched.Enrichment)
}

func TestExpiredHonorsTTL(t *testing.T) {
	env, err := New("30001", "20001", tier.DirectionUp, TypeEscalation, "x", nil, PriorityNormal, 1)
	require.NoError(t, err)

	assert.False(t, env.Expired(env.Timestamp))
	assert.True(t, env.Expired(env.Timestamp.Add(2*time.Second)))
}
