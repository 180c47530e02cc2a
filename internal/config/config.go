// Package config loads the assessor configuration.
//
// Precedence (highest to lowest):
//  1. Command-line flags (applied by the caller after Load)
//  2. ASSESSOR_* environment variables
//  3. YAML file from --config or ASSESSOR_CONFIG
//  4. Defaults
//
// Keys absent from the file keep their default. A zero value is meaningful
// for several keys (cooldown, max interventions, checkpoint thresholds, base
// rate, burn-in, retention) and disables the corresponding behavior.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/attribution"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/breaker"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/checkpoint"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/llm"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/logging"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/signals"
)

// Backend names accepted by capability.backend.
const (
	BackendNone   = "none"
	BackendCodec  = "codec"
	BackendOpenAI = "openai"
)

// #region types

// Config is the full assessor configuration.
type Config struct {
	// Database is the SQLite file holding events, state and assessment records.
	Database string `yaml:"database" json:"database"`

	// ConsumerGroup names the offset cursor this process commits.
	ConsumerGroup string `yaml:"consumer_group" json:"consumer_group"`

	// Shards is the number of session-sharded workers.
	Shards int `yaml:"shards" json:"shards"`

	Log         LogConfig         `yaml:"log" json:"log"`
	Poll        PollConfig        `yaml:"poll" json:"poll"`
	Session     SessionConfig     `yaml:"session" json:"session"`
	Detector    DetectorConfig    `yaml:"detector" json:"detector"`
	Breaker     BreakerConfig     `yaml:"breaker" json:"breaker"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint" json:"checkpoint"`
	Sampling    SamplingConfig    `yaml:"sampling" json:"sampling"`
	Attribution AttributionConfig `yaml:"attribution" json:"attribution"`
	Retention   RetentionConfig   `yaml:"retention" json:"retention"`
	Background  BackgroundConfig  `yaml:"background" json:"background"`
	Capability  CapabilityConfig  `yaml:"capability" json:"capability"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // text or json
}

// PollConfig bounds each read from the event stream.
type PollConfig struct {
	MaxBatch int           `yaml:"max_batch" json:"max_batch"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	// InactivityTimeout closes sessions idle this long. Zero never sweeps.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" json:"inactivity_timeout"`
}

// DetectorConfig mirrors signals.DetectorConfig.
type DetectorConfig struct {
	EMADecay     float64 `yaml:"ema_decay" json:"ema_decay"`
	MaxScanBytes int     `yaml:"max_scan_bytes" json:"max_scan_bytes"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	CooldownSeconds            int           `yaml:"cooldown_seconds" json:"cooldown_seconds"`
	MaxInterventionsPerSession int           `yaml:"max_interventions_per_session" json:"max_interventions_per_session"`
	CorrectionWindow           time.Duration `yaml:"correction_window" json:"correction_window"`
	CorrectionLimit            int           `yaml:"correction_limit" json:"correction_limit"`
	MaxFailureRun              int           `yaml:"max_failure_run" json:"max_failure_run"`
}

// CheckpointConfig holds checkpoint trigger thresholds.
type CheckpointConfig struct {
	MessageCount int           `yaml:"message_count" json:"message_count"`
	Interval     time.Duration `yaml:"interval" json:"interval"`
}

// SamplingConfig holds heavy-assessment sampling settings.
type SamplingConfig struct {
	BaseRate            float64 `yaml:"base_rate" json:"base_rate"`
	BurnInSessions      int     `yaml:"burn_in_sessions" json:"burn_in_sessions"`
	LongSessionMessages int     `yaml:"long_session_messages" json:"long_session_messages"`
}

// AttributionConfig holds attribution engine tunables.
type AttributionConfig struct {
	Lookahead      int     `yaml:"lookahead" json:"lookahead"`
	DecayRate      float64 `yaml:"decay_rate" json:"decay_rate"`
	MinWithheld    int     `yaml:"min_withheld" json:"min_withheld"`
	Significance   float64 `yaml:"significance" json:"significance"`
	DriftRate      float64 `yaml:"drift_rate" json:"drift_rate"`
	SemanticWeight float64 `yaml:"semantic_weight" json:"semantic_weight"`
	KeywordWeight  float64 `yaml:"keyword_weight" json:"keyword_weight"`
}

// RetentionConfig is the per-tier record retention. Zero keeps forever.
type RetentionConfig struct {
	Lightweight time.Duration `yaml:"lightweight" json:"lightweight"`
	Medium      time.Duration `yaml:"medium" json:"medium"`
	Heavy       time.Duration `yaml:"heavy" json:"heavy"`
}

// BackgroundConfig bounds the background dispatcher.
type BackgroundConfig struct {
	Concurrency      int           `yaml:"concurrency" json:"concurrency"`
	LLMRatePerSecond float64       `yaml:"llm_rate_per_second" json:"llm_rate_per_second"`
	TaskTimeout      time.Duration `yaml:"task_timeout" json:"task_timeout"`
}

// CapabilityConfig selects the embedding/summarization backend.
type CapabilityConfig struct {
	Backend              string `yaml:"backend" json:"backend"`
	CodecAddr            string `yaml:"codec_addr" json:"codec_addr"`
	OpenAIAPIKey         string `yaml:"openai_api_key" json:"-"`
	OpenAIBaseURL        string `yaml:"openai_base_url" json:"openai_base_url"`
	OpenAIChatModel      string `yaml:"openai_chat_model" json:"openai_chat_model"`
	OpenAIEmbeddingModel string `yaml:"openai_embedding_model" json:"openai_embedding_model"`
	OpenAIDimensions     int    `yaml:"openai_dimensions" json:"openai_dimensions"`
}

// #endregion types

// #region defaults

// Default returns the documented defaults.
func Default() *Config {
	det := signals.DefaultDetectorConfig()
	brk := breaker.DefaultConfig()
	cp := checkpoint.DefaultConfig()
	smp := checkpoint.DefaultSamplingConfig()
	att := attribution.DefaultConfig()

	return &Config{
		Database:      "assessor.db",
		ConsumerGroup: "assessment",
		Shards:        4,
		Log:           LogConfig{Level: "info", Format: "text"},
		Poll:          PollConfig{MaxBatch: 256, Timeout: 500 * time.Millisecond},
		Session:       SessionConfig{InactivityTimeout: 30 * time.Minute},
		Detector:      DetectorConfig{EMADecay: det.EMADecay, MaxScanBytes: det.MaxScanBytes},
		Breaker: BreakerConfig{
			CooldownSeconds:            int(brk.Cooldown / time.Second),
			MaxInterventionsPerSession: brk.MaxInterventions,
			CorrectionWindow:           brk.CorrectionWindow,
			CorrectionLimit:            brk.CorrectionLimit,
			MaxFailureRun:              5,
		},
		Checkpoint: CheckpointConfig{MessageCount: cp.MessageCount, Interval: cp.Interval},
		Sampling: SamplingConfig{
			BaseRate:            smp.BaseRate,
			BurnInSessions:      smp.BurnInSessions,
			LongSessionMessages: smp.LongSessionMessages,
		},
		Attribution: AttributionConfig{
			Lookahead:      att.Lookahead,
			DecayRate:      att.DecayRate,
			MinWithheld:    att.MinWithheld,
			Significance:   att.Significance,
			DriftRate:      att.DriftRate,
			SemanticWeight: att.SemanticWeight,
			KeywordWeight:  att.KeywordWeight,
		},
		Retention: RetentionConfig{
			Lightweight: 7 * 24 * time.Hour,
			Medium:      30 * 24 * time.Hour,
			Heavy:       0,
		},
		Background: BackgroundConfig{
			Concurrency:      4,
			LLMRatePerSecond: 2,
			TaskTimeout:      60 * time.Second,
		},
		Capability: CapabilityConfig{
			Backend:              BackendNone,
			CodecAddr:            "localhost:50051",
			OpenAIChatModel:      "gpt-4o-mini",
			OpenAIEmbeddingModel: "text-embedding-3-small",
		},
	}
}

// #endregion defaults

// #region load

// Load builds the configuration from defaults, the YAML file at path and
// the environment. An empty path falls back to ASSESSOR_CONFIG; when both
// are empty no file is read.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = strings.TrimSpace(os.Getenv("ASSESSOR_CONFIG"))
	}
	if path != "" {
		if err := loadFromPath(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromPath decodes the YAML file over cfg. Keys not present in the
// file leave the existing values untouched.
func loadFromPath(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv applies ASSESSOR_* environment variable overrides.
func applyEnv(cfg *Config) error {
	if v, ok := getEnvString("ASSESSOR_DATABASE"); ok {
		cfg.Database = v
	}
	if v, ok := getEnvString("ASSESSOR_CONSUMER_GROUP"); ok {
		cfg.ConsumerGroup = v
	}
	if v, ok := getEnvString("ASSESSOR_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := getEnvString("ASSESSOR_LOG_FORMAT"); ok {
		cfg.Log.Format = v
	}
	if v, ok := getEnvString("ASSESSOR_CAPABILITY_BACKEND"); ok {
		cfg.Capability.Backend = v
	}
	if v, ok := getEnvString("ASSESSOR_CODEC_ADDR"); ok {
		cfg.Capability.CodecAddr = v
	}
	if v, ok := getEnvString("ASSESSOR_OPENAI_BASE_URL"); ok {
		cfg.Capability.OpenAIBaseURL = v
	}
	if v, ok := getEnvString("ASSESSOR_OPENAI_API_KEY"); ok {
		cfg.Capability.OpenAIAPIKey = v
	} else if v, ok := getEnvString("OPENAI_API_KEY"); ok && cfg.Capability.OpenAIAPIKey == "" {
		cfg.Capability.OpenAIAPIKey = v
	}

	var errs []error
	envInt(&errs, "ASSESSOR_SHARDS", &cfg.Shards)
	envInt(&errs, "ASSESSOR_BURN_IN_SESSIONS", &cfg.Sampling.BurnInSessions)
	envInt(&errs, "ASSESSOR_MAX_INTERVENTIONS", &cfg.Breaker.MaxInterventionsPerSession)
	envInt(&errs, "ASSESSOR_BACKGROUND_CONCURRENCY", &cfg.Background.Concurrency)
	envFloat(&errs, "ASSESSOR_BASE_RATE", &cfg.Sampling.BaseRate)
	envFloat(&errs, "ASSESSOR_LLM_RATE_PER_SECOND", &cfg.Background.LLMRatePerSecond)
	envDuration(&errs, "ASSESSOR_INACTIVITY_TIMEOUT", &cfg.Session.InactivityTimeout)
	return errors.Join(errs...)
}

// getEnvString returns the value and whether the env var was set.
func getEnvString(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func envInt(errs *[]error, key string, dst *int) {
	v, ok := getEnvString(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func envFloat(errs *[]error, key string, dst *float64) {
	v, ok := getEnvString(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

func envDuration(errs *[]error, key string, dst *time.Duration) {
	v, ok := getEnvString(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

// #endregion load

// #region validate

// Validate reports every out-of-range value at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Database != "", "database must be set")
	check(c.ConsumerGroup != "", "consumer_group must be set")
	check(c.Shards >= 1, "shards must be >= 1, got %d", c.Shards)
	check(c.Poll.MaxBatch >= 1, "poll.max_batch must be >= 1, got %d", c.Poll.MaxBatch)
	check(c.Poll.Timeout >= 0, "poll.timeout must not be negative")
	check(c.Session.InactivityTimeout >= 0, "session.inactivity_timeout must not be negative")

	check(c.Detector.EMADecay >= 0 && c.Detector.EMADecay < 1,
		"detector.ema_decay must be in [0,1), got %v", c.Detector.EMADecay)
	check(c.Detector.MaxScanBytes >= 0, "detector.max_scan_bytes must not be negative")

	check(c.Breaker.CooldownSeconds >= 0, "breaker.cooldown_seconds must not be negative")
	check(c.Breaker.MaxInterventionsPerSession >= 0, "breaker.max_interventions_per_session must not be negative")
	check(c.Breaker.CorrectionWindow >= 0, "breaker.correction_window must not be negative")
	check(c.Breaker.CorrectionLimit >= 1, "breaker.correction_limit must be >= 1, got %d", c.Breaker.CorrectionLimit)
	check(c.Breaker.MaxFailureRun >= 1, "breaker.max_failure_run must be >= 1, got %d", c.Breaker.MaxFailureRun)

	check(c.Checkpoint.MessageCount >= 0, "checkpoint.message_count must not be negative")
	check(c.Checkpoint.Interval >= 0, "checkpoint.interval must not be negative")

	check(inUnit(c.Sampling.BaseRate), "sampling.base_rate must be in [0,1], got %v", c.Sampling.BaseRate)
	check(c.Sampling.BurnInSessions >= 0, "sampling.burn_in_sessions must not be negative")
	check(c.Sampling.LongSessionMessages >= 0, "sampling.long_session_messages must not be negative")

	a := c.Attribution
	check(a.Lookahead >= 1, "attribution.lookahead must be >= 1, got %d", a.Lookahead)
	check(a.DecayRate >= 0, "attribution.decay_rate must not be negative")
	check(a.MinWithheld >= 2, "attribution.min_withheld must be >= 2, got %d", a.MinWithheld)
	check(a.Significance > 0 && a.Significance < 1, "attribution.significance must be in (0,1), got %v", a.Significance)
	check(inUnit(a.DriftRate), "attribution.drift_rate must be in [0,1], got %v", a.DriftRate)
	check(a.SemanticWeight >= 0 && a.KeywordWeight >= 0 && a.SemanticWeight+a.KeywordWeight > 0,
		"attribution semantic/keyword weights must be non-negative with a positive sum")

	check(c.Retention.Lightweight >= 0 && c.Retention.Medium >= 0 && c.Retention.Heavy >= 0,
		"retention windows must not be negative")

	check(c.Background.Concurrency >= 1, "background.concurrency must be >= 1, got %d", c.Background.Concurrency)
	check(c.Background.LLMRatePerSecond >= 0, "background.llm_rate_per_second must not be negative")
	check(c.Background.TaskTimeout >= 0, "background.task_timeout must not be negative")

	switch c.Capability.Backend {
	case BackendNone:
	case BackendCodec:
		check(c.Capability.CodecAddr != "", "capability.codec_addr is required for the codec backend")
	case BackendOpenAI:
		check(c.Capability.OpenAIChatModel != "" && c.Capability.OpenAIEmbeddingModel != "",
			"capability.openai_chat_model and openai_embedding_model are required for the openai backend")
	default:
		errs = append(errs, fmt.Errorf("capability.backend %q is not one of none, codec, openai", c.Capability.Backend))
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not text or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

func inUnit(v float64) bool { return v >= 0 && v <= 1 }

// #endregion validate

// #region converters

// DetectorConfig returns the detector settings.
func (c *Config) DetectorConfig() signals.DetectorConfig {
	return signals.DetectorConfig{EMADecay: c.Detector.EMADecay, MaxScanBytes: c.Detector.MaxScanBytes}
}

// BreakerConfig returns the circuit breaker settings.
func (c *Config) BreakerConfig() breaker.Config {
	return breaker.Config{
		CorrectionWindow: c.Breaker.CorrectionWindow,
		CorrectionLimit:  c.Breaker.CorrectionLimit,
		Cooldown:         time.Duration(c.Breaker.CooldownSeconds) * time.Second,
		MaxInterventions: c.Breaker.MaxInterventionsPerSession,
	}
}

// CheckpointConfig returns the checkpoint trigger settings.
func (c *Config) CheckpointConfig() checkpoint.Config {
	return checkpoint.Config{MessageCount: c.Checkpoint.MessageCount, Interval: c.Checkpoint.Interval}
}

// SamplingConfig returns the heavy-assessment sampling settings.
func (c *Config) SamplingConfig() checkpoint.SamplingConfig {
	return checkpoint.SamplingConfig{
		BaseRate:            c.Sampling.BaseRate,
		BurnInSessions:      c.Sampling.BurnInSessions,
		LongSessionMessages: c.Sampling.LongSessionMessages,
	}
}

// AttributionConfig returns the attribution engine settings. Confidence
// floors not exposed in YAML keep their defaults.
func (c *Config) AttributionConfig() attribution.Config {
	out := attribution.DefaultConfig()
	out.Lookahead = c.Attribution.Lookahead
	out.DecayRate = c.Attribution.DecayRate
	out.MinWithheld = c.Attribution.MinWithheld
	out.Significance = c.Attribution.Significance
	out.DriftRate = c.Attribution.DriftRate
	out.SemanticWeight = c.Attribution.SemanticWeight
	out.KeywordWeight = c.Attribution.KeywordWeight
	return out
}

// RetentionPolicy returns the per-tier retention windows.
func (c *Config) RetentionPolicy() logging.Retention {
	return logging.Retention{
		logging.TierLightweight: c.Retention.Lightweight,
		logging.TierMedium:      c.Retention.Medium,
		logging.TierHeavy:       c.Retention.Heavy,
	}
}

// LLMConfig returns the OpenAI-compatible backend settings.
func (c *Config) LLMConfig() llm.Config {
	return llm.Config{
		APIKey:         c.Capability.OpenAIAPIKey,
		BaseURL:        c.Capability.OpenAIBaseURL,
		ChatModel:      c.Capability.OpenAIChatModel,
		EmbeddingModel: c.Capability.OpenAIEmbeddingModel,
		Dimensions:     c.Capability.OpenAIDimensions,
	}
}

// #endregion converters
