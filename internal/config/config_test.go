package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/logging"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assessor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "assessment", cfg.ConsumerGroup)
	assert.Equal(t, 120, cfg.Breaker.CooldownSeconds)
	assert.Equal(t, 3, cfg.Breaker.MaxInterventionsPerSession)
	assert.Equal(t, 20, cfg.Checkpoint.MessageCount)
	assert.Equal(t, 15*time.Minute, cfg.Checkpoint.Interval)
	assert.InDelta(t, 0.1, cfg.Sampling.BaseRate, 1e-9)
	assert.Equal(t, 50, cfg.Sampling.BurnInSessions)
	assert.Equal(t, BackendNone, cfg.Capability.Backend)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("ASSESSOR_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileOverridesOnlyPresentKeys(t *testing.T) {
	path := writeConfig(t, `
database: /var/lib/assessor/state.db
poll:
  timeout: 2s
breaker:
  cooldown_seconds: 0
  correction_window: 90s
checkpoint:
  message_count: 0
sampling:
  base_rate: 0
attribution:
  lookahead: 5
retention:
  lightweight: 48h
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/assessor/state.db", cfg.Database)
	assert.Equal(t, 2*time.Second, cfg.Poll.Timeout)
	assert.Equal(t, 256, cfg.Poll.MaxBatch, "absent key keeps default")
	assert.Equal(t, 0, cfg.Breaker.CooldownSeconds, "explicit zero survives")
	assert.Equal(t, 90*time.Second, cfg.Breaker.CorrectionWindow)
	assert.Equal(t, 3, cfg.Breaker.CorrectionLimit)
	assert.Equal(t, 0, cfg.Checkpoint.MessageCount)
	assert.Zero(t, cfg.Sampling.BaseRate)
	assert.Equal(t, 5, cfg.Attribution.Lookahead)
	assert.InDelta(t, 0.3, cfg.Attribution.DecayRate, 1e-9)
	assert.Equal(t, 48*time.Hour, cfg.Retention.Lightweight)
}

func TestLoadFromEnvPath(t *testing.T) {
	path := writeConfig(t, "shards: 8\n")
	t.Setenv("ASSESSOR_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Shards)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "database: from-file.db\nshards: 2\n")
	t.Setenv("ASSESSOR_DATABASE", "from-env.db")
	t.Setenv("ASSESSOR_SHARDS", "6")
	t.Setenv("ASSESSOR_BASE_RATE", "0.25")
	t.Setenv("ASSESSOR_INACTIVITY_TIMEOUT", "5m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.Database)
	assert.Equal(t, 6, cfg.Shards)
	assert.InDelta(t, 0.25, cfg.Sampling.BaseRate, 1e-9)
	assert.Equal(t, 5*time.Minute, cfg.Session.InactivityTimeout)
}

func TestEnvBadValue(t *testing.T) {
	t.Setenv("ASSESSOR_CONFIG", "")
	t.Setenv("ASSESSOR_SHARDS", "many")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ASSESSOR_SHARDS")
}

func TestOpenAIKeyFallback(t *testing.T) {
	t.Setenv("ASSESSOR_CONFIG", "")
	t.Setenv("ASSESSOR_OPENAI_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-fallback")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sk-fallback", cfg.Capability.OpenAIAPIKey)
	assert.Equal(t, "sk-fallback", cfg.LLMConfig().APIKey)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "poll: [not, a, map]\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "poll:\n  timeout: soon\n"))
	require.Error(t, err)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Shards = 0
	cfg.Sampling.BaseRate = 1.5
	cfg.Detector.EMADecay = 1
	cfg.Capability.Backend = "carrier-pigeon"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"shards", "sampling.base_rate", "detector.ema_decay", "capability.backend", "log.format"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateBackendRequirements(t *testing.T) {
	cfg := Default()
	cfg.Capability.Backend = BackendCodec
	cfg.Capability.CodecAddr = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Capability.Backend = BackendOpenAI
	cfg.Capability.OpenAIEmbeddingModel = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Capability.Backend = BackendOpenAI
	assert.NoError(t, cfg.Validate())
}

func TestConverters(t *testing.T) {
	cfg := Default()
	cfg.Breaker.CooldownSeconds = 30
	cfg.Breaker.MaxInterventionsPerSession = 0
	cfg.Attribution.DriftRate = 0.05
	cfg.Retention.Heavy = 24 * time.Hour

	bc := cfg.BreakerConfig()
	assert.Equal(t, 30*time.Second, bc.Cooldown)
	assert.Equal(t, 0, bc.MaxInterventions)
	assert.Equal(t, 5*time.Minute, bc.CorrectionWindow)

	ac := cfg.AttributionConfig()
	assert.InDelta(t, 0.05, ac.DriftRate, 1e-9)
	assert.InDelta(t, 0.4, ac.TemporalConfidence, 1e-9, "unexposed fields keep defaults")

	rp := cfg.RetentionPolicy()
	assert.Equal(t, 24*time.Hour, rp[logging.TierHeavy])
	assert.Equal(t, 7*24*time.Hour, rp[logging.TierLightweight])

	assert.Equal(t, 20, cfg.CheckpointConfig().MessageCount)
	assert.Equal(t, 50, cfg.SamplingConfig().BurnInSessions)
	assert.InDelta(t, 0.7, cfg.DetectorConfig().EMADecay, 1e-9)
}
