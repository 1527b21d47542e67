package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Quota     QuotaConfig     `yaml:"quota" mapstructure:"quota"`
	Selector  SelectorConfig  `yaml:"selector" mapstructure:"selector"`
	Content   ContentConfig   `yaml:"content" mapstructure:"content"`
	Run       RunConfig       `yaml:"run" mapstructure:"run"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds the credential pool and model settings. Keys
// may be given as a list or as a single comma-separated string (the
// ENRICH_ANTHROPIC_KEYS form).
type AnthropicConfig struct {
	Keys      []string `yaml:"keys" mapstructure:"keys"`
	Model     string   `yaml:"model" mapstructure:"model"`
	MaxTokens int64    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// QuotaConfig sets per-credential limits and the backoff ladder applied
// when a counter crosses 80% of its quota.
type QuotaConfig struct {
	PerMinute         int     `yaml:"per_minute" mapstructure:"per_minute"`
	Hourly            int     `yaml:"hourly" mapstructure:"hourly"`
	Daily             int     `yaml:"daily" mapstructure:"daily"`
	CooldownSecs      float64 `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	DailyWaitSecs     float64 `yaml:"daily_wait_secs" mapstructure:"daily_wait_secs"`
	HourlyWaitSecs    float64 `yaml:"hourly_wait_secs" mapstructure:"hourly_wait_secs"`
	MinuteWaitSecs    float64 `yaml:"minute_wait_secs" mapstructure:"minute_wait_secs"`
	MinSpacingSecs    float64 `yaml:"min_spacing_secs" mapstructure:"min_spacing_secs"`
	DecayIntervalSecs float64 `yaml:"decay_interval_secs" mapstructure:"decay_interval_secs"`
	ThresholdFraction float64 `yaml:"threshold_fraction" mapstructure:"threshold_fraction"`
}

// SelectorConfig names the credential-scoring weights.
type SelectorConfig struct {
	RateLimitPenalty float64 `yaml:"rate_limit_penalty" mapstructure:"rate_limit_penalty"`
	RequestWeight    float64 `yaml:"request_weight" mapstructure:"request_weight"`
	UsageWeight      float64 `yaml:"usage_weight" mapstructure:"usage_weight"`
	MaxIdleCredSecs  float64 `yaml:"max_idle_credit_secs" mapstructure:"max_idle_credit_secs"`
}

// ContentConfig configures the generation client and its response cache.
type ContentConfig struct {
	Temperature        float64 `yaml:"temperature" mapstructure:"temperature"`
	RequestTimeoutSecs float64 `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	RequestsPerSecond  float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	CacheTTLSecs       float64 `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	CacheMaxEntries    int     `yaml:"cache_max_entries" mapstructure:"cache_max_entries"`
}

// RunConfig configures the batch loop.
type RunConfig struct {
	BatchSize         int      `yaml:"batch_size" mapstructure:"batch_size"`
	Shards            int      `yaml:"shards" mapstructure:"shards"`
	InterBatchDelayMS int      `yaml:"inter_batch_delay_ms" mapstructure:"inter_batch_delay_ms"`
	ErrorBackoffSecs  float64  `yaml:"error_backoff_secs" mapstructure:"error_backoff_secs"`
	SkippedPolicy     string   `yaml:"skipped_policy" mapstructure:"skipped_policy"`
	CheckpointPath    string   `yaml:"checkpoint_path" mapstructure:"checkpoint_path"`
	Stages            []string `yaml:"stages" mapstructure:"stages"`
}

// ServerConfig configures the status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "words.db")
	v.SetDefault("anthropic.keys", []string{})
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("quota.per_minute", 15)
	v.SetDefault("quota.hourly", 250)
	v.SetDefault("quota.daily", 1000)
	v.SetDefault("quota.cooldown_secs", 60)
	v.SetDefault("quota.daily_wait_secs", 30)
	v.SetDefault("quota.hourly_wait_secs", 15)
	v.SetDefault("quota.minute_wait_secs", 5)
	v.SetDefault("quota.min_spacing_secs", 1)
	v.SetDefault("quota.decay_interval_secs", 4)
	v.SetDefault("quota.threshold_fraction", 0.8)
	v.SetDefault("selector.rate_limit_penalty", 1000)
	v.SetDefault("selector.request_weight", 10)
	v.SetDefault("selector.usage_weight", 100)
	v.SetDefault("selector.max_idle_credit_secs", 60)
	v.SetDefault("content.temperature", 0.2)
	v.SetDefault("content.request_timeout_secs", 90)
	v.SetDefault("content.requests_per_second", 1)
	v.SetDefault("content.cache_ttl_secs", 3600)
	v.SetDefault("content.cache_max_entries", 512)
	v.SetDefault("run.batch_size", 20)
	v.SetDefault("run.shards", 1)
	v.SetDefault("run.inter_batch_delay_ms", 500)
	v.SetDefault("run.error_backoff_secs", 5)
	v.SetDefault("run.skipped_policy", "record")
	v.SetDefault("run.checkpoint_path", ".enrich-checkpoint.json")
	v.SetDefault("run.stages", []string{"definitions", "quiz_phrases", "distractors"})
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	cfg.Anthropic.Keys = splitKeys(cfg.Anthropic.Keys)
	return &cfg, nil
}

// splitKeys flattens comma-separated entries so both the YAML list form
// and the single env-var form produce one key per element.
func splitKeys(keys []string) []string {
	var out []string
	for _, k := range keys {
		for _, part := range strings.Split(k, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks the settings an enrichment run depends on. Commands
// that never call the API (migrate, import, status) skip it.
func (c *Config) Validate() error {
	if len(c.Anthropic.Keys) == 0 {
		return eris.New("config: no anthropic keys configured (set ENRICH_ANTHROPIC_KEYS)")
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return eris.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	switch c.Run.SkippedPolicy {
	case "record", "ignore":
	default:
		return eris.Errorf("config: unknown skipped policy %q", c.Run.SkippedPolicy)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
