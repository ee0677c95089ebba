package policy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentium/governance-core/agent"
	"github.com/agentium/governance-core/audit"
	"github.com/agentium/governance-core/policy"
	"github.com/agentium/governance-core/tier"
)

func TestCheckAction_BlocksDestructivePattern(t *testing.T) {
	g := policy.New(nil, nil, audit.NewInMemoryRecorder(nil), nil)
	actor, _ := agent.New("30001", tier.HeadID, false)

	decision, err := g.CheckAction(context.Background(), actor, "run rm -rf / on the host", 0)
	require.NoError(t, err)
	require.Equal(t, policy.VerdictBlock, decision.Verdict)
	require.Equal(t, policy.SeverityCritical, decision.Severity)
}

func TestCheckAction_EscalatesBudgetBypass(t *testing.T) {
	g := policy.New(nil, nil, audit.NewInMemoryRecorder(nil), nil)
	actor, _ := agent.New("30001", tier.HeadID, false)

	decision, err := g.CheckAction(context.Background(), actor, "bypass the monthly budget limit", 0)
	require.NoError(t, err)
	require.Equal(t, policy.VerdictEscalate, decision.Verdict)
}

func TestCheckAction_AllowsOrdinaryAction(t *testing.T) {
	g := policy.New(nil, nil, audit.NewInMemoryRecorder(nil), nil)
	actor, _ := agent.New("30001", tier.HeadID, false)

	decision, err := g.CheckAction(context.Background(), actor, "need human input on this plan", 0)
	require.NoError(t, err)
	require.Equal(t, policy.VerdictAllow, decision.Verdict)
}

func TestCheckAction_EscalatesOnRepeatViolations(t *testing.T) {
	g := policy.New(nil, nil, audit.NewInMemoryRecorder(nil), nil)
	actor, _ := agent.New("30001", tier.HeadID, false)

	decision, err := g.CheckAction(context.Background(), actor, "routine status update", policy.RepeatViolationEscalateThreshold)
	require.NoError(t, err)
	require.Equal(t, policy.VerdictEscalate, decision.Verdict)
}

func TestCheckAction_RecordsAuditOnAllow(t *testing.T) {
	recorder := audit.NewInMemoryRecorder(nil)
	g := policy.New(nil, nil, recorder, nil)
	actor, _ := agent.New("30001", tier.HeadID, false)

	_, err := g.CheckAction(context.Background(), actor, "need human input", 0)
	require.NoError(t, err)

	events, err := recorder.List(context.Background(), "policy", "")
	require.NoError(t, err)
	require.Len(t, events, 1)
}
