package core

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredLoggerImplementsComponentAwareLogger(t *testing.T) {
	logger := NewStructuredLogger("test-service", "info", "json")
	_, ok := interface{}(logger).(ComponentAwareLogger)
	assert.True(t, ok, "StructuredLogger should implement ComponentAwareLogger")
}

func TestWithComponentTagsSubsequentLines(t *testing.T) {
	var buf bytes.Buffer
	root := NewStructuredLogger("test-service", "info", "json").WithOutput(&buf)

	busLogger := root.WithComponent("bus")
	busLogger.Info("message published", map[string]interface{}{"agent_id": "A001H"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "bus", entry["component"])
	assert.Equal(t, "message published", entry["message"])
	assert.Equal(t, "A001H", entry["agent_id"])
}

func TestDebugSuppressedBelowDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("test-service", "info", "json").WithOutput(&buf)

	logger.Debug("should not appear", nil)
	assert.Empty(t, buf.String())

	debugLogger := NewStructuredLogger("test-service", "debug", "json").WithOutput(&buf)
	debugLogger.Debug("should appear", nil)
	assert.Contains(t, buf.String(), "should appear")
}

func TestTextFormatIsHumanReadable(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger("test-service", "info", "text").WithOutput(&buf)

	logger.Warn("cooldown entered", map[string]interface{}{"key_id": "k-1"})
	line := buf.String()
	assert.True(t, strings.Contains(line, "[WARN]"))
	assert.True(t, strings.Contains(line, "cooldown entered"))
	assert.True(t, strings.Contains(line, "key_id=k-1"))
}

func TestNoOpLoggerSatisfiesComponentAwareLogger(t *testing.T) {
	var l ComponentAwareLogger = NoOpLogger{}
	l.Info("ignored", nil)
	assert.Equal(t, l, l.WithComponent("anything"))
}
