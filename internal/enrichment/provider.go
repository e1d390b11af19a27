// Package enrichment provides optional third-party reputation signals for scanned URLs.
//
// Every adapter answers with a Signal, which is either Present (a score in [0,1]) or
// Absent (with the reason). Adapters never return errors: a failed, slow, or
// unconfigured source degrades to Absent and the scan proceeds on rules alone.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEnrichmentUnavailable marks a source that was configured but failed to answer.
	ErrEnrichmentUnavailable = errors.New("enrichment unavailable")

	// ErrNotConfigured marks a source with no credential or endpoint.
	ErrNotConfigured = errors.New("enrichment not configured")
)

// ThreatType categorizes what a reputation source believes the target is.
type ThreatType string

const (
	ThreatTypeMalware  ThreatType = "malware"
	ThreatTypeC2       ThreatType = "c2"
	ThreatTypePhishing ThreatType = "phishing"
	ThreatTypeBotnet   ThreatType = "botnet"
	ThreatTypeScanner  ThreatType = "scanner"
	ThreatTypeSpam     ThreatType = "spam"
	ThreatTypeScam     ThreatType = "scam"
	ThreatTypeNewborn  ThreatType = "newly_registered"
	ThreatTypeUnknown  ThreatType = "unknown"
)

// Target is what a reputation source is asked about. Domain is the registrable
// domain of Hostname and is empty for IP hosts.
type Target struct {
	URL      string
	Hostname string
	Domain   string
	IsIP     bool
}

// Signal is the outcome of a reputation lookup: either Present or Absent.
type Signal interface {
	Provider() string
	signal()
}

// Present carries a reputation score in [0,1], where 0 means known-clean or unknown
// and 1 means known-malicious.
type Present struct {
	Source     string
	Score      float64
	ThreatType ThreatType
	Detail     string
}

// Absent means the source produced no signal. Reason wraps ErrEnrichmentUnavailable
// or ErrNotConfigured.
type Absent struct {
	Source string
	Reason error
}

func (p Present) Provider() string { return p.Source }
func (Present) signal()            {}

func (a Absent) Provider() string { return a.Source }
func (Absent) signal()            {}

// Adapter is a reputation source.
type Adapter interface {
	Name() string
	Lookup(ctx context.Context, target Target) Signal
}

// HealthChecker is implemented by adapters that can verify their upstream.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// RateLimitStatus represents API rate limiting.
type RateLimitStatus struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
}

// ProviderConfig holds common provider configuration. APIKey names the
// environment variable holding the credential, never the credential itself.
type ProviderConfig struct {
	Enabled   bool          `yaml:"enabled"`
	APIKey    string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	RateLimit int           `yaml:"rate_limit"`
}

// DefaultProviderConfig returns sensible defaults.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout:   5 * time.Second,
		CacheTTL:  1 * time.Hour,
		RateLimit: 60,
	}
}

// Unavailable builds an Absent signal for a source that failed.
func Unavailable(source string, err error) Absent {
	return Absent{Source: source, Reason: fmt.Errorf("%s: %w: %w", source, ErrEnrichmentUnavailable, err)}
}

// NotConfigured builds an Absent signal for a source with no configuration.
func NotConfigured(source string) Absent {
	return Absent{Source: source, Reason: fmt.Errorf("%s: %w", source, ErrNotConfigured)}
}

// Noop is the adapter used when no reputation source is configured.
type Noop struct{}

// Name returns the adapter identifier.
func (Noop) Name() string { return "none" }

// Lookup always reports that enrichment is not configured.
func (Noop) Lookup(context.Context, Target) Signal { return NotConfigured("none") }

func clampScore(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}
