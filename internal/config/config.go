// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Spider   string         `mapstructure:"spider"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Enrich   EnrichConfig   `mapstructure:"enrich"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// RedisConfig locates the queue service.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MongoConfig locates the document store.
type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// CrawlerConfig governs crawler-node behavior.
type CrawlerConfig struct {
	BaseURL                   string `mapstructure:"base_url"`
	SeedURL                   string `mapstructure:"seed_url"`
	ProxyURL                  string `mapstructure:"proxy_url"`
	TimeoutSeconds            int    `mapstructure:"timeout_seconds"`
	DelayMs                   int    `mapstructure:"delay_ms"`
	DelayJitterMs             int    `mapstructure:"delay_jitter_ms"`
	MaxAttempts               int    `mapstructure:"max_attempts"`
	MaxPagesPerCity           int    `mapstructure:"max_pages_per_city"`
	MaxPOIsPerCity            int    `mapstructure:"max_pois_per_city"`
	MaxComments               int    `mapstructure:"max_comments"`
	DrainWindowSeconds        int    `mapstructure:"drain_window_seconds"`
	CheckpointIntervalSeconds int    `mapstructure:"checkpoint_interval_seconds"`
	CheckpointDir             string `mapstructure:"checkpoint_dir"`
}

// HeadlessConfig configures the browser-rendered fetch path.
type HeadlessConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	ExecPath          string `mapstructure:"exec_path"`
	NavTimeoutSeconds int    `mapstructure:"nav_timeout_seconds"`
}

// EnrichConfig configures the LLM enrichment worker pool. The field names
// mirror the environment variables honored by the enrichment process.
type EnrichConfig struct {
	APIKeys               []string `mapstructure:"api_keys"`
	Endpoint              string   `mapstructure:"endpoint"`
	Model                 string   `mapstructure:"model"`
	MaxWorkers            int      `mapstructure:"max_workers"`
	BatchSize             int      `mapstructure:"batch_size"`
	RetryAttempts         int      `mapstructure:"retry_attempts"`
	RetryDelaySeconds     int      `mapstructure:"retry_delay_seconds"`
	RateLimitDelaySeconds int      `mapstructure:"rate_limit_delay_seconds"`
	APITimeoutSeconds     int      `mapstructure:"api_timeout_seconds"`
	CacheDir              string   `mapstructure:"cache_dir"`
	ResumeFile            string   `mapstructure:"resume_file"`
}

// OpsConfig controls the operational HTTP endpoint.
type OpsConfig struct {
	Address string `mapstructure:"address"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// The provider caps streaming responses at 1800 s; API timeouts are clamped
// below that.
const maxAPITimeoutSeconds = 1800

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POIPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindEnrichmentEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// DEEPSEEK_API_KEYS arrives as a single comma-separated string.
	if len(cfg.Enrich.APIKeys) == 1 && strings.Contains(cfg.Enrich.APIKeys[0], ",") {
		cfg.Enrich.APIKeys = splitKeys(cfg.Enrich.APIKeys[0])
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("spider", "tour")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "tourism")
	v.SetDefault("mongo.collection", "attractions")
	v.SetDefault("crawler.base_url", "https://www.mafengwo.cn")
	v.SetDefault("crawler.seed_url", "https://www.mafengwo.cn/mdd/")
	v.SetDefault("crawler.timeout_seconds", 60)
	v.SetDefault("crawler.delay_ms", 2000)
	v.SetDefault("crawler.delay_jitter_ms", 1500)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("crawler.max_pages_per_city", 10)
	v.SetDefault("crawler.max_pois_per_city", 200)
	v.SetDefault("crawler.max_comments", 10)
	v.SetDefault("crawler.drain_window_seconds", 30)
	v.SetDefault("crawler.checkpoint_interval_seconds", 300)
	v.SetDefault("crawler.checkpoint_dir", "crawls")
	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.nav_timeout_seconds", 30)
	v.SetDefault("enrich.endpoint", "https://api.deepseek.com/chat/completions")
	v.SetDefault("enrich.model", "deepseek-chat")
	v.SetDefault("enrich.max_workers", 4)
	v.SetDefault("enrich.batch_size", 50)
	v.SetDefault("enrich.retry_attempts", 3)
	v.SetDefault("enrich.retry_delay_seconds", 2)
	v.SetDefault("enrich.rate_limit_delay_seconds", 1)
	v.SetDefault("enrich.api_timeout_seconds", 120)
	v.SetDefault("enrich.cache_dir", "cache/enrichment")
	v.SetDefault("enrich.resume_file", "cache/enrichment_resume.json")
	v.SetDefault("ops.address", ":9120")
	v.SetDefault("logging.development", false)
}

// bindEnrichmentEnv honors the unprefixed variable names the enrichment
// process has always used, alongside the POIPIPE_* forms.
func bindEnrichmentEnv(v *viper.Viper) {
	aliases := map[string]string{
		"enrich.api_keys":                 "DEEPSEEK_API_KEYS",
		"mongo.uri":                       "MONGO_CONNECTION_STRING",
		"mongo.database":                  "MONGO_DB_NAME",
		"mongo.collection":                "MONGO_COLLECTION",
		"enrich.max_workers":              "MAX_WORKERS",
		"enrich.batch_size":               "BATCH_SIZE",
		"enrich.retry_attempts":           "RETRY_ATTEMPTS",
		"enrich.retry_delay_seconds":      "RETRY_DELAY",
		"enrich.rate_limit_delay_seconds": "RATE_LIMIT_DELAY",
		"enrich.api_timeout_seconds":      "API_TIMEOUT",
		"enrich.cache_dir":                "CACHE_DIR",
		"enrich.resume_file":              "RESUME_FILE",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, env)
	}
}

func splitKeys(raw string) []string {
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	return keys
}

// Validate rejects configurations no component could run under.
func (c Config) Validate() error {
	if c.Spider == "" {
		return fmt.Errorf("spider name must not be empty")
	}
	if c.Redis.Address == "" {
		return fmt.Errorf("redis address must not be empty")
	}
	if c.Mongo.URI == "" || c.Mongo.Database == "" || c.Mongo.Collection == "" {
		return fmt.Errorf("mongo uri, database and collection are required")
	}
	if c.Crawler.MaxAttempts < 1 {
		return fmt.Errorf("crawler max_attempts must be >= 1, got %d", c.Crawler.MaxAttempts)
	}
	if c.Crawler.MaxPagesPerCity < 1 || c.Crawler.MaxPOIsPerCity < 1 {
		return fmt.Errorf("per-city pagination ceilings must be >= 1")
	}
	if c.Enrich.APITimeoutSeconds > maxAPITimeoutSeconds {
		return fmt.Errorf("api timeout %ds exceeds provider cap %ds",
			c.Enrich.APITimeoutSeconds, maxAPITimeoutSeconds)
	}
	return nil
}

// ValidateEnrichment applies the stricter checks required before spawning
// the worker pool. Zero credentials is a startup error, not a degenerate
// pool.
func (c Config) ValidateEnrichment() error {
	if len(c.Enrich.APIKeys) == 0 {
		return fmt.Errorf("no API credentials configured (set DEEPSEEK_API_KEYS)")
	}
	if c.Enrich.BatchSize < 1 {
		return fmt.Errorf("batch size must be >= 1, got %d", c.Enrich.BatchSize)
	}
	if c.Enrich.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be >= 1, got %d", c.Enrich.RetryAttempts)
	}
	return nil
}

// FetchTimeout returns the static-path HTTP timeout.
func (c CrawlerConfig) FetchTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CheckpointInterval returns the periodic checkpoint cadence.
func (c CrawlerConfig) CheckpointInterval() time.Duration {
	return time.Duration(c.CheckpointIntervalSeconds) * time.Second
}

// DrainWindow returns how long a stage loop tolerates empty pops before it
// treats the stage as complete.
func (c CrawlerConfig) DrainWindow() time.Duration {
	return time.Duration(c.DrainWindowSeconds) * time.Second
}

// APITimeout returns the per-call LLM timeout.
func (c EnrichConfig) APITimeout() time.Duration {
	return time.Duration(c.APITimeoutSeconds) * time.Second
}

// RetryDelay returns the base enrichment retry backoff.
func (c EnrichConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// RateLimitDelay returns the pacing sleep between LLM calls.
func (c EnrichConfig) RateLimitDelay() time.Duration {
	return time.Duration(c.RateLimitDelaySeconds) * time.Second
}
