package tier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierOfDerivesFromFirstDigit(t *testing.T) {
	cases := map[string]Tier{
		"00001": TierHead,
		"10002": TierCouncil,
		"20001": TierLead,
		"30001": TierTask,
	}
	for id, want := range cases {
		got, err := TierOf(id)
		require.NoError(t, err)
		assert.Equal(t, want, got, "id %s", id)
	}
}

func TestTierOfRejectsMalformedIDs(t *testing.T) {
	for _, id := range []string{"", "1", "999999", "4abcd", "abcde"} {
		_, err := TierOf(id)
		assert.Error(t, err, "expected error for id %q", id)
	}
}

func TestCanRouteBroadcastOnlyFromHead(t *testing.T) {
	assert.True(t, CanRoute(HeadID, BroadcastRecipient, DirectionBroadcast))
	assert.False(t, CanRoute("10001", BroadcastRecipient, DirectionBroadcast))
}

func TestCanRouteUpAdjacentTiersOnly(t *testing.T) {
	assert.True(t, CanRoute("30001", "20001", DirectionUp), "task->lead")
	assert.True(t, CanRoute("20001", "10001", DirectionUp), "lead->council")
	assert.True(t, CanRoute("10001", "00001", DirectionUp), "council->head")
	assert.False(t, CanRoute("30001", "10001", DirectionUp), "task->council must skip-reject")
	assert.False(t, CanRoute("30001", "00001", DirectionUp), "task->head must skip-reject")
}

func TestCanRouteDownAdjacentTiersOnly(t *testing.T) {
	assert.True(t, CanRoute("00001", "10001", DirectionDown))
	assert.True(t, CanRoute("10001", "20001", DirectionDown))
	assert.True(t, CanRoute("20001", "30001", DirectionDown))
	assert.False(t, CanRoute("00001", "20001", DirectionDown), "head->lead must skip-reject")
}

func TestCanRouteLateralRequiresEqualTiers(t *testing.T) {
	assert.True(t, CanRoute("20001", "20002", DirectionLateral))
	assert.False(t, CanRoute("20001", "30001", DirectionLateral))
}

func TestCanRouteHierarchyShortCircuitScenario(t *testing.T) {
	// Literal scenario from the testable-properties section: a Task agent
	// targeting its grandparent directly must be rejected outright.
	assert.False(t, CanRoute("30001", "10001", DirectionUp))
}

func TestCanSpawnRules(t *testing.T) {
	assert.True(t, CanSpawn(TierHead, TierCouncil))
	assert.True(t, CanSpawn(TierHead, TierLead))
	assert.True(t, CanSpawn(TierLead, TierTask))
	assert.False(t, CanSpawn(TierCouncil, TierLead), "council may not spawn")
	assert.False(t, CanSpawn(TierTask, TierTask), "task may not spawn")
	assert.False(t, CanSpawn(TierHead, TierTask), "head may not spawn task directly")
}
