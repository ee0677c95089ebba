package orchestrator_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/agentium/governance-core/agent"
	"github.com/agentium/governance-core/audit"
	"github.com/agentium/governance-core/bus"
	"github.com/agentium/governance-core/orchestrator"
	"github.com/agentium/governance-core/policy"
)

func setup(t *testing.T) (*miniredis.Miniredis, *orchestrator.Orchestrator, agent.Registry, audit.Recorder) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	messageBus := bus.New(bus.Options{Redis: client, MaxInboxLen: 100})

	registry := agent.NewInMemoryRegistry()
	lead, err := agent.New("20001", "00001", true)
	require.NoError(t, err)
	require.NoError(t, registry.Put(context.Background(), lead))
	task, err := agent.New("30001", "20001", false)
	require.NoError(t, err)
	require.NoError(t, registry.Put(context.Background(), task))

	recorder := audit.NewInMemoryRecorder(nil)
	guard := policy.New(nil, nil, recorder, nil)

	o := orchestrator.New(registry, messageBus, nil, guard, recorder, nil)
	return mr, o, registry, recorder
}

func TestProcessIntent_NormalEscalationEnqueuesAtParentOnly(t *testing.T) {
	mr, o, _, recorder := setup(t)
	defer mr.Close()

	result, err := o.ProcessIntent(context.Background(), "need human input", "30001", "", "")
	require.NoError(t, err)
	require.True(t, result.Success)

	require.True(t, mr.Exists("agent:20001:inbox"))
	require.False(t, mr.Exists("agent:10001:inbox"))
	require.False(t, mr.Exists("agent:00001:inbox"))

	events, err := recorder.List(context.Background(), "policy", audit.SeverityInfo)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, audit.Kind("constitutional_allow"), events[0].Kind)
}

func TestProcessIntent_HierarchyShortCircuitIsRejected(t *testing.T) {
	mr, o, _, recorder := setup(t)
	defer mr.Close()

	result, err := o.ProcessIntent(context.Background(), "skip straight to council", "30001", "10001", "")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.ErrorContains(t, result.Error, "hierarchy violation")
	require.False(t, mr.Exists("agent:10001:inbox"))

	events, err := recorder.List(context.Background(), "orchestrator", audit.SeverityWarning)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, audit.KindRoutingViolation, events[0].Kind)
}

func TestProcessIntent_UnknownSourceErrors(t *testing.T) {
	mr, o, _, _ := setup(t)
	defer mr.Close()

	_, err := o.ProcessIntent(context.Background(), "x", "99999", "", "")
	require.Error(t, err)
}

func TestProcessIntent_ConstitutionalBlockAbortsRouting(t *testing.T) {
	mr, o, _, _ := setup(t)
	defer mr.Close()

	result, err := o.ProcessIntent(context.Background(), "please rm -rf / the shared volume", "30001", "", "")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.ErrorContains(t, result.Error, "constitutional")
	require.False(t, mr.Exists("agent:20001:inbox"))
}

func TestDelegateToTask_PicksIdleChildAndRoutesDown(t *testing.T) {
	mr, o, registry, _ := setup(t)
	defer mr.Close()

	taskAgent, err := agent.New("30002", "20001", false)
	require.NoError(t, err)
	require.NoError(t, registry.Put(context.Background(), taskAgent))

	result, err := o.DelegateToTask(context.Background(), "process this batch", "20001", "")
	require.NoError(t, err)
	require.True(t, result.Success)
}
