package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOTelProviderRequiresServiceName(t *testing.T) {
	_, err := NewOTelProvider(context.Background(), Options{})
	require.Error(t, err)
}

func TestNewOTelProviderStdoutMode(t *testing.T) {
	p, err := NewOTelProvider(context.Background(), Options{
		ServiceName: "governance-core-test",
		UseStdout:   true,
	})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	ctx, span := p.StartSpan(context.Background(), "test.span")
	assert.NotNil(t, ctx)
	span.SetAttribute("agent_id", "A001H")
	span.End()
}

func TestRecordMetricAndDurationDoNotPanic(t *testing.T) {
	p, err := NewOTelProvider(context.Background(), Options{ServiceName: "governance-core-test"})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	p.RecordMetric("governance.test.counter", 1, map[string]string{"component": "bus"})
	p.RecordDuration("governance.test.duration", 10*time.Millisecond, map[string]string{"component": "bus"})
}

func TestShutdownIsIdempotent(t *testing.T) {
	p, err := NewOTelProvider(context.Background(), Options{ServiceName: "governance-core-test"})
	require.NoError(t, err)
	assert.NoError(t, p.Shutdown(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}
