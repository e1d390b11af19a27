// Package config provides configuration management for Raksha.
//
// Values are layered: built-in defaults, then an optional YAML file, then the
// environment (a .env file in the working directory is loaded first). Secrets are
// never stored in the file; `*_env` fields name the environment variable that
// holds them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/raksha/internal/api/gateway"
	"github.com/lvonguyen/raksha/internal/enrichment"
	"github.com/lvonguyen/raksha/internal/export"
	"github.com/lvonguyen/raksha/internal/features"
	"github.com/lvonguyen/raksha/internal/observability"
	"github.com/lvonguyen/raksha/internal/scoring"
)

// Environment variables read by ApplyEnv.
const (
	EnvBlockThreshold = "BLOCK_THRESHOLD"
	EnvCacheTTL       = "CACHE_TTL"
	EnvListenAddr     = "RAKSHA_LISTEN_ADDR"
	EnvRedisAddr      = "REDIS_ADDR"
	EnvLogLevel       = "LOG_LEVEL"
	EnvLogFormat      = "LOG_FORMAT"
	EnvOTLPEndpoint   = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all Raksha configuration.
type Config struct {
	Server      ServerConfig         `yaml:"server"`
	Redis       RedisConfig          `yaml:"redis"`
	Scoring     ScoringConfig        `yaml:"scoring"`
	Cache       CacheConfig          `yaml:"cache"`
	ThreatIntel ThreatIntelConfig    `yaml:"threat_intel"`
	Lists       ListsConfig          `yaml:"lists"`
	RateLimit   RateLimitConfig      `yaml:"rate_limit"`
	Export      ExportConfig         `yaml:"export"`
	Logging     LoggingConfig        `yaml:"logging"`
	Telemetry   observability.Config `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins feeds the CORS headers; "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// RedisConfig holds Redis connection settings. Redis is optional: when enabled it
// backs the shared verdict tier and the rate limiter.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Password resolves the Redis password from the environment.
func (r RedisConfig) Password() string {
	if r.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(r.PasswordEnv)
}

// ScoringConfig holds the tunables of rule evaluation and classification.
type ScoringConfig struct {
	Thresholds scoring.Thresholds `yaml:"thresholds"`
	// Weights overrides default rule weights by rule ID.
	Weights map[string]float64 `yaml:"weights"`
	// ReputationWeight multiplies the 0..1 enrichment score.
	ReputationWeight float64 `yaml:"reputation_weight"`
	// BlockThreshold is echoed to clients; it does not change verdicts.
	BlockThreshold float64 `yaml:"block_threshold"`
	// TyposquatMaxDistance is a ceiling. Short reference names allow fewer edits,
	// one for names under 7 characters.
	TyposquatMaxDistance int `yaml:"typosquat_max_distance"`
}

// CacheConfig holds verdict cache settings.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RedisPrefix   string        `yaml:"redis_prefix"`
}

// ThreatIntelConfig holds reputation provider settings.
type ThreatIntelConfig struct {
	// Timeout bounds one enrichment lookup across all providers.
	Timeout time.Duration            `yaml:"timeout"`
	OTX     enrichment.OTXConfig     `yaml:"otx"`
	MISP    enrichment.MISPConfig    `yaml:"misp"`
	Whois   enrichment.WhoisConfig   `yaml:"whois"`
	Content enrichment.ContentConfig `yaml:"content"`
}

// ListsConfig names optional domain list files, one domain per line.
type ListsConfig struct {
	AllowlistFile string `yaml:"allowlist_file"`
	BlocklistFile string `yaml:"blocklist_file"`
}

// RateLimitConfig enables per-client limits on the scan routes.
type RateLimitConfig struct {
	Enabled bool                    `yaml:"enabled"`
	Tier    string                  `yaml:"tier"`
	Limits  gateway.RateLimitConfig `yaml:"limits"`
}

// ExportConfig holds verdict forwarding settings.
type ExportConfig struct {
	Splunk export.SplunkConfig `yaml:"splunk"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load builds configuration from defaults, the YAML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Scoring: ScoringConfig{
			Thresholds:           scoring.DefaultThresholds(),
			ReputationWeight:     4.0,
			BlockThreshold:       5.0,
			TyposquatMaxDistance: features.DefaultTyposquatMaxDistance,
		},
		Cache: CacheConfig{
			TTL:           5 * time.Minute,
			SweepInterval: time.Minute,
		},
		ThreatIntel: ThreatIntelConfig{
			Timeout: 2 * time.Second,
			OTX:     enrichment.DefaultOTXConfig(),
			MISP:    enrichment.DefaultMISPConfig(),
			Whois:   enrichment.DefaultWhoisConfig(),
			Content: enrichment.DefaultContentConfig(),
		},
		RateLimit: RateLimitConfig{
			Tier: "basic",
			Limits: gateway.RateLimitConfig{
				IncludeHeaders: true,
			},
		},
		Export: ExportConfig{
			Splunk: export.DefaultSplunkConfig(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: observability.Config{
			ServiceName:    "raksha",
			Environment:    "development",
			SamplingRate:   1.0,
			MetricsEnabled: true,
		},
	}
}

// ApplyEnv overlays environment variables. A set reputation credential enables the
// OTX provider; a set REDIS_ADDR enables Redis.
func (c *Config) ApplyEnv() error {
	if v, ok := lookup(EnvListenAddr); ok {
		c.Server.Addr = v
	}
	if v, ok := lookup(EnvRedisAddr); ok {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v, ok := lookup(EnvBlockThreshold); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, EnvBlockThreshold, v, err)
		}
		c.Scoring.BlockThreshold = f
	}
	if v, ok := lookup(EnvCacheTTL); ok {
		ttl, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, EnvCacheTTL, v, err)
		}
		c.Cache.TTL = ttl
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup(EnvLogFormat); ok {
		c.Logging.Format = strings.ToLower(v)
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.TracingEnabled = true
	}
	if c.ThreatIntel.OTX.APIKey != "" && os.Getenv(c.ThreatIntel.OTX.APIKey) != "" {
		c.ThreatIntel.OTX.Enabled = true
	}
	return nil
}

// Validate checks values that would otherwise fail at runtime.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Scoring.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Scoring.ReputationWeight < 0 {
		errs = append(errs, errors.New("scoring.reputation_weight must be >= 0"))
	}
	if c.Scoring.BlockThreshold < 0 {
		errs = append(errs, errors.New("scoring.block_threshold must be >= 0"))
	}
	if c.Scoring.TyposquatMaxDistance < 1 {
		errs = append(errs, errors.New("scoring.typosquat_max_distance must be >= 1"))
	}
	for id, w := range c.Scoring.Weights {
		if w < 0 {
			errs = append(errs, fmt.Errorf("scoring.weights.%s must be >= 0", id))
		}
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	if c.ThreatIntel.Timeout <= 0 {
		errs = append(errs, errors.New("threat_intel.timeout must be positive"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.RateLimit.Enabled && !c.Redis.Enabled {
		errs = append(errs, errors.New("rate_limit requires redis"))
	}
	if c.ThreatIntel.MISP.Enabled && c.ThreatIntel.MISP.BaseURL == "" {
		errs = append(errs, errors.New("threat_intel.misp.base_url is required when misp is enabled"))
	}
	if splunk := c.Export.Splunk; splunk.Enabled {
		if splunk.HECURL == "" {
			errs = append(errs, errors.New("export.splunk.hec_url is required when splunk export is enabled"))
		}
		if splunk.MinLevel != "" {
			if _, err := scoring.ParseLevel(splunk.MinLevel); err != nil {
				errs = append(errs, fmt.Errorf("export.splunk.min_level: %w", err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// EnabledProviders returns a list of enabled threat intel providers.
func (c *Config) EnabledProviders() []string {
	var providers []string
	if c.ThreatIntel.OTX.Enabled {
		providers = append(providers, "otx")
	}
	if c.ThreatIntel.MISP.Enabled {
		providers = append(providers, "misp")
	}
	if c.ThreatIntel.Whois.Enabled {
		providers = append(providers, "whois")
	}
	if c.ThreatIntel.Content.Enabled {
		providers = append(providers, "content")
	}
	return providers
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// parseSeconds accepts a bare number of seconds or a Go duration string.
func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}
