package audit_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentium/governance-core/audit"
	"github.com/agentium/governance-core/core"
)

func TestInMemoryRecorder_RecordAndList(t *testing.T) {
	r := audit.NewInMemoryRecorder(core.NoOpLogger{})
	ctx := context.Background()

	id, err := r.Record(ctx, audit.Event{
		Component: "policy",
		Kind:      audit.KindConstitutionalBlock,
		Severity:  audit.SeverityWarning,
		ActorID:   "30001",
		Action:    "blocked dangerous action",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	events, err := r.List(ctx, "policy", audit.SeverityWarning)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, id, events[0].ID)
	require.Nil(t, events[0].ResolvedAt)
}

func TestInMemoryRecorder_Resolve(t *testing.T) {
	r := audit.NewInMemoryRecorder(core.NoOpLogger{})
	ctx := context.Background()

	id, err := r.Record(ctx, audit.Event{Component: "capabilities", Kind: audit.KindCapabilityDenied})
	require.NoError(t, err)

	require.NoError(t, r.Resolve(ctx, id, "operator-1", "reviewed, false positive"))

	events, err := r.List(ctx, "capabilities", "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].ResolvedAt)
	require.Equal(t, "operator-1", events[0].ResolvedBy)
}

func TestInMemoryRecorder_ResolveUnknown(t *testing.T) {
	r := audit.NewInMemoryRecorder(core.NoOpLogger{})
	err := r.Resolve(context.Background(), "does-not-exist", "x", "y")
	require.Error(t, err)
}

func TestInMemoryRecorder_ListFiltersBySeverity(t *testing.T) {
	r := audit.NewInMemoryRecorder(core.NoOpLogger{})
	ctx := context.Background()
	_, _ = r.Record(ctx, audit.Event{Component: "keypool", Severity: audit.SeverityCritical, Kind: audit.KindKeyPoolAlert})
	_, _ = r.Record(ctx, audit.Event{Component: "keypool", Severity: audit.SeverityInfo, Kind: audit.KindCapabilityGranted})

	critical, err := r.List(ctx, "keypool", audit.SeverityCritical)
	require.NoError(t, err)
	require.Len(t, critical, 1)

	all, err := r.List(ctx, "keypool", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
}
