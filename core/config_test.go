package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8090, cfg.HTTP.Port)
	assert.Equal(t, 5, cfg.Hierarchy.MaxHopCount)
}

func TestNewConfigAppliesOptionsOverEnv(t *testing.T) {
	t.Setenv("GOVCORE_HTTP_PORT", "9100")

	cfg, err := NewConfig(WithHTTPPort(9200), WithServiceName("orchestrator-test"))
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.HTTP.Port, "functional option must override env var")
	assert.Equal(t, "orchestrator-test", cfg.ServiceName)
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("GOVCORE_REDIS_URL", "redis://cache.internal:6379/2")
	t.Setenv("GOVCORE_MAX_HOP_COUNT", "8")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, "redis://cache.internal:6379/2", cfg.Redis.URL)
	assert.Equal(t, 8, cfg.Hierarchy.MaxHopCount)
}

func TestLoadFromEnvRejectsMalformedDuration(t *testing.T) {
	t.Setenv("GOVCORE_SANDBOX_TIMEOUT", "not-a-duration")
	cfg := DefaultConfig()
	err := cfg.LoadFromEnv()
	require.Error(t, err)
}

func TestWithHTTPPortRejectsOutOfRange(t *testing.T) {
	_, err := NewConfig(WithHTTPPort(70000))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestWithMaxHopCountRejectsZero(t *testing.T) {
	_, err := NewConfig(WithMaxHopCount(0))
	require.Error(t, err)
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestConfigLoggerFallsBackWhenUnset(t *testing.T) {
	cfg := DefaultConfig()
	l := cfg.Logger()
	assert.NotNil(t, l)
}

func TestLoadFromFileOverlaysOnlyPresentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governance.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service_name: from-file\nhttp:\n  port: 9300\n"), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))
	assert.Equal(t, "from-file", cfg.ServiceName)
	assert.Equal(t, 9300, cfg.HTTP.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL, "keys absent from the file must keep their default")
}

func TestLoadFromFileRejectsMissingPath(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestNewConfigEnvOverridesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governance.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  port: 9300\n"), 0o600))
	t.Setenv("GOVCORE_CONFIG_FILE", path)
	t.Setenv("GOVCORE_HTTP_PORT", "9400")

	cfg, err := NewConfig()
	require.NoError(t, err)
	assert.Equal(t, 9400, cfg.HTTP.Port, "an explicit env var must win over the config file")
}
