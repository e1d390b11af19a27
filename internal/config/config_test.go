package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

// clearEnv blanks every variable ApplyEnv reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvBlockThreshold, EnvCacheTTL, EnvListenAddr, EnvRedisAddr,
		EnvLogLevel, EnvLogFormat, EnvOTLPEndpoint, "REPUTATION_API_KEY", "MISP_API_KEY",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// =============================================================================
// Loading Tests
// =============================================================================

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Scoring.Thresholds.High != 0.7 || cfg.Scoring.Thresholds.Medium != 0.5 || cfg.Scoring.Thresholds.Low != 0.3 {
		t.Errorf("unexpected default thresholds %+v", cfg.Scoring.Thresholds)
	}
	if cfg.ThreatIntel.Timeout != 2*time.Second {
		t.Errorf("expected 2s enrichment timeout, got %v", cfg.ThreatIntel.Timeout)
	}
	if cfg.ThreatIntel.OTX.APIKey != "REPUTATION_API_KEY" {
		t.Errorf("expected OTX key env REPUTATION_API_KEY, got %q", cfg.ThreatIntel.OTX.APIKey)
	}
	if len(cfg.EnabledProviders()) != 0 {
		t.Errorf("no provider should be enabled by default, got %v", cfg.EnabledProviders())
	}
}

func TestLoad_NoFile(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("expected default addr, got %q", cfg.Server.Addr)
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  addr: ":9000"
scoring:
  thresholds:
    high: 0.8
    medium: 0.6
    low: 0.2
  weights:
    ip_host: 4
    insecure_http: 0
  reputation_weight: 3
  block_threshold: 7
cache:
  ttl: 90s
threat_intel:
  timeout: 1500ms
  otx:
    enabled: true
    api_key_env: MY_OTX_KEY
    base_url: https://otx.internal/api/v1
  whois:
    enabled: true
lists:
  blocklist_file: /etc/raksha/blocklist.txt
export:
  splunk:
    enabled: true
    hec_url: https://splunk.example:8088
    min_level: high
logging:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Scoring.Thresholds.High != 0.8 || cfg.Scoring.Thresholds.Low != 0.2 {
		t.Errorf("thresholds = %+v", cfg.Scoring.Thresholds)
	}
	if !reflect.DeepEqual(cfg.Scoring.Weights, map[string]float64{"ip_host": 4, "insecure_http": 0}) {
		t.Errorf("weights = %v", cfg.Scoring.Weights)
	}
	if cfg.Scoring.ReputationWeight != 3 || cfg.Scoring.BlockThreshold != 7 {
		t.Errorf("scoring = %+v", cfg.Scoring)
	}
	if cfg.Cache.TTL != 90*time.Second {
		t.Errorf("ttl = %v", cfg.Cache.TTL)
	}
	if cfg.ThreatIntel.Timeout != 1500*time.Millisecond {
		t.Errorf("timeout = %v", cfg.ThreatIntel.Timeout)
	}
	otx := cfg.ThreatIntel.OTX
	if !otx.Enabled || otx.APIKey != "MY_OTX_KEY" || otx.BaseURL != "https://otx.internal/api/v1" {
		t.Errorf("otx = %+v", otx)
	}
	if otx.RateLimit != 60 {
		t.Errorf("unset fields should keep defaults, rate limit = %d", otx.RateLimit)
	}
	if sp := cfg.Export.Splunk; !sp.Enabled || sp.MinLevel != "high" || sp.BatchSize != 100 {
		t.Errorf("splunk = %+v", sp)
	}
	if cfg.Lists.BlocklistFile != "/etc/raksha/blocklist.txt" {
		t.Errorf("blocklist = %q", cfg.Lists.BlocklistFile)
	}
	if got := cfg.EnabledProviders(); !reflect.DeepEqual(got, []string{"otx", "whois"}) {
		t.Errorf("providers = %v", got)
	}
}

// TestLoad_ExampleFile keeps the shipped example loadable.
func TestLoad_ExampleFile(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join("..", "..", "configs", "config.example.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telemetry.SamplingRate != 0.1 || cfg.Cache.RedisPrefix != "raksha:verdict:" {
		t.Errorf("unexpected example values: %+v %+v", cfg.Telemetry, cfg.Cache)
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "server: [unclosed")); err == nil {
		t.Error("expected error for invalid YAML")
	}
	_, err := Load(writeConfig(t, "scoring:\n  thresholds:\n    high: 0.2\n    medium: 0.5\n    low: 0.3\n"))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for inverted thresholds, got %v", err)
	}
}

// =============================================================================
// Environment Override Tests
// =============================================================================

func TestApplyEnv(t *testing.T) {
	clearEnv(t)
	os.Setenv(EnvBlockThreshold, "6.5")
	os.Setenv(EnvCacheTTL, "120")
	os.Setenv(EnvListenAddr, "127.0.0.1:9090")
	os.Setenv(EnvRedisAddr, "redis:6379")
	os.Setenv(EnvLogLevel, "DEBUG")
	os.Setenv("REPUTATION_API_KEY", "test-key")
	defer func() {
		for _, key := range []string{EnvBlockThreshold, EnvCacheTTL, EnvListenAddr, EnvRedisAddr, EnvLogLevel, "REPUTATION_API_KEY"} {
			os.Unsetenv(key)
		}
	}()

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Scoring.BlockThreshold != 6.5 {
		t.Errorf("block threshold = %v", cfg.Scoring.BlockThreshold)
	}
	if cfg.Cache.TTL != 2*time.Minute {
		t.Errorf("ttl = %v", cfg.Cache.TTL)
	}
	if cfg.Server.Addr != "127.0.0.1:9090" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr != "redis:6379" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
	if !cfg.ThreatIntel.OTX.Enabled {
		t.Error("a reputation API key should enable OTX")
	}
}

func TestApplyEnv_CacheTTLDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvCacheTTL, "2m30s")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Cache.TTL != 150*time.Second {
		t.Errorf("ttl = %v", cfg.Cache.TTL)
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	for key, value := range map[string]string{
		EnvBlockThreshold: "high",
		EnvCacheTTL:       "soon",
	} {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			err := DefaultConfig().ApplyEnv()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestRedisPassword(t *testing.T) {
	t.Setenv("RAKSHA_REDIS_PASSWORD", "s3cret")
	r := RedisConfig{PasswordEnv: "RAKSHA_REDIS_PASSWORD"}
	if r.Password() != "s3cret" {
		t.Errorf("password = %q", r.Password())
	}
	if (RedisConfig{}).Password() != "" {
		t.Error("expected empty password without env name")
	}
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative reputation weight", func(c *Config) { c.Scoring.ReputationWeight = -1 }},
		{"negative block threshold", func(c *Config) { c.Scoring.BlockThreshold = -0.5 }},
		{"zero typosquat distance", func(c *Config) { c.Scoring.TyposquatMaxDistance = 0 }},
		{"negative rule weight", func(c *Config) { c.Scoring.Weights = map[string]float64{"ip_host": -2} }},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }},
		{"zero enrichment timeout", func(c *Config) { c.ThreatIntel.Timeout = 0 }},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
		{"rate limit without redis", func(c *Config) { c.RateLimit.Enabled = true }},
		{"misp without base url", func(c *Config) { c.ThreatIntel.MISP.Enabled = true }},
		{"threshold above one", func(c *Config) { c.Scoring.Thresholds.High = 1.5 }},
		{"zero shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }},
		{"splunk without url", func(c *Config) { c.Export.Splunk.Enabled = true }},
		{"splunk bad level", func(c *Config) {
			c.Export.Splunk.Enabled = true
			c.Export.Splunk.HECURL = "https://splunk.example:8088"
			c.Export.Splunk.MinLevel = "severe"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
