package enrichment

// Reputation lookups against AlienVault OTX (Open Threat Exchange), a free threat
// intelligence community that tracks indicators reported in "pulses".

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	otxDefaultBaseURL = "https://otx.alienvault.com"
	otxAPIPath        = "/api/v1"
	otxSource         = "otx"

	// DefaultAPIKeyEnv is the environment variable holding the reputation API key.
	DefaultAPIKeyEnv = "REPUTATION_API_KEY"
)

// OTXAdapter implements Adapter for AlienVault OTX.
type OTXAdapter struct {
	config     OTXConfig
	apiKey     string
	httpClient *http.Client
	cache      *otxCache
	logger     *zap.Logger
	rateLimit  RateLimitStatus
	mu         sync.RWMutex
	now        func() time.Time
}

// OTXConfig holds OTX-specific configuration.
type OTXConfig struct {
	ProviderConfig `yaml:",inline"`
}

// DefaultOTXConfig returns sensible defaults for OTX.
func DefaultOTXConfig() OTXConfig {
	cfg := DefaultProviderConfig()
	cfg.APIKey = DefaultAPIKeyEnv
	cfg.BaseURL = otxDefaultBaseURL
	cfg.RateLimit = 60 // OTX allows ~60 requests/minute
	return OTXConfig{ProviderConfig: cfg}
}

// otxCache holds per-host answers so different URLs on one host share a lookup.
type otxCache struct {
	mu      sync.RWMutex
	entries map[string]otxCacheEntry
	ttl     time.Duration
}

type otxCacheEntry struct {
	signal    Present
	expiresAt time.Time
}

func newOTXCache(ttl time.Duration) *otxCache {
	return &otxCache{
		entries: make(map[string]otxCacheEntry),
		ttl:     ttl,
	}
}

func (c *otxCache) get(key string, now time.Time) (Present, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists || now.After(entry.expiresAt) {
		return Present{}, false
	}
	return entry.signal, true
}

func (c *otxCache) set(key string, signal Present, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = otxCacheEntry{signal: signal, expiresAt: now.Add(c.ttl)}
}

// cleanup removes expired entries.
func (c *otxCache) cleanup(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// NewOTXAdapter creates an OTX adapter. It fails when the API key variable is empty;
// callers fall back to Noop in that case.
func NewOTXAdapter(config OTXConfig, logger *zap.Logger) (*OTXAdapter, error) {
	if config.APIKey == "" {
		config.APIKey = DefaultAPIKeyEnv
	}
	apiKey := os.Getenv(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("OTX API key not found in env var %s: %w", config.APIKey, ErrNotConfigured)
	}

	if config.BaseURL == "" {
		config.BaseURL = otxDefaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultProviderConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OTXAdapter{
		config: config,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		cache:  newOTXCache(config.CacheTTL),
		logger: logger.Named("otx"),
		rateLimit: RateLimitStatus{
			Remaining: config.RateLimit,
			Limit:     config.RateLimit,
			ResetAt:   time.Now().Add(time.Minute),
		},
		now: time.Now,
	}, nil
}

// Run drops expired cache entries every interval until ctx is done.
func (p *OTXAdapter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.cache.cleanup(p.now()); n > 0 {
				p.logger.Debug("Expired OTX cache entries", zap.Int("removed", n))
			}
		}
	}
}

// Name returns the provider identifier.
func (p *OTXAdapter) Name() string {
	return otxSource
}

// HealthCheck verifies connectivity to OTX.
func (p *OTXAdapter) HealthCheck(ctx context.Context) error {
	req, err := p.newRequest(ctx, http.MethodGet, "/user/me")
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("OTX health check failed: %w", err)
	}
	defer resp.Body.Close()

	p.updateRateLimit(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("OTX authentication failed: invalid API key")
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OTX returned status %d", resp.StatusCode)
	}

	return nil
}

// RateLimit returns current rate limit status.
func (p *OTXAdapter) RateLimit() RateLimitStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rateLimit
}

// Lookup asks OTX how many pulses reference the target host.
func (p *OTXAdapter) Lookup(ctx context.Context, target Target) Signal {
	path, key := p.buildIndicatorPath(target)
	if path == "" {
		return Unavailable(otxSource, fmt.Errorf("no lookup for target %q", target.Hostname))
	}

	now := p.now()
	if cached, ok := p.cache.get(key, now); ok {
		return cached
	}

	if rl := p.RateLimit(); rl.Limit > 0 && rl.Remaining <= 0 && now.Before(rl.ResetAt) {
		return Unavailable(otxSource, fmt.Errorf("rate limited until %s", rl.ResetAt.Format(time.RFC3339)))
	}

	req, err := p.newRequest(ctx, http.MethodGet, path)
	if err != nil {
		return Unavailable(otxSource, fmt.Errorf("creating lookup request: %w", err))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Unavailable(otxSource, fmt.Errorf("OTX lookup failed: %w", err))
	}
	defer resp.Body.Close()

	p.updateRateLimit(resp)

	// 404 means OTX has never seen the indicator.
	if resp.StatusCode == http.StatusNotFound {
		signal := Present{Source: otxSource, Score: 0, ThreatType: ThreatTypeUnknown, Detail: "not known to OTX"}
		p.cache.set(key, signal, now)
		return signal
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Unavailable(otxSource, fmt.Errorf("OTX returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var general OTXGeneralResponse
	if err := json.NewDecoder(resp.Body).Decode(&general); err != nil {
		return Unavailable(otxSource, fmt.Errorf("decoding OTX response: %w", err))
	}

	signal := p.buildSignal(general)
	p.cache.set(key, signal, now)

	p.logger.Debug("OTX lookup",
		zap.String("indicator", target.Hostname),
		zap.Int("pulses", general.PulseInfo.Count),
		zap.Float64("score", signal.Score),
	)
	return signal
}

// buildIndicatorPath returns the API path and cache key for a target.
func (p *OTXAdapter) buildIndicatorPath(target Target) (string, string) {
	host := strings.ToLower(target.Hostname)
	if host == "" {
		return "", ""
	}
	encoded := url.PathEscape(host)

	if target.IsIP {
		section := "IPv4"
		if addr, err := netip.ParseAddr(host); err == nil && addr.Is6() && !addr.Is4In6() {
			section = "IPv6"
		}
		return fmt.Sprintf("/indicators/%s/%s/general", section, encoded), "ip:" + host
	}
	return fmt.Sprintf("/indicators/hostname/%s/general", encoded), "host:" + host
}

// newRequest creates an authenticated OTX API request.
func (p *OTXAdapter) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	fullURL := strings.TrimSuffix(p.config.BaseURL, "/") + otxAPIPath + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("X-OTX-API-KEY", p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Raksha/1.0")

	return req, nil
}

// updateRateLimit updates rate limit from response headers.
func (p *OTXAdapter) updateRateLimit(resp *http.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if remaining, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining")); err == nil {
		p.rateLimit.Remaining = remaining
	}

	if limit, err := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit")); err == nil {
		p.rateLimit.Limit = limit
	}

	if reset, err := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		p.rateLimit.ResetAt = time.Unix(reset, 0)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		p.rateLimit.Remaining = 0
		if !p.rateLimit.ResetAt.After(p.now()) {
			p.rateLimit.ResetAt = p.now().Add(time.Minute)
		}
	}
}

// buildSignal turns an OTX general response into a reputation signal.
func (p *OTXAdapter) buildSignal(resp OTXGeneralResponse) Present {
	count := resp.PulseInfo.Count
	signal := Present{
		Source:     otxSource,
		Score:      pulseScore(count),
		ThreatType: ThreatTypeUnknown,
		Detail:     fmt.Sprintf("referenced by %d OTX pulses", count),
	}
	if len(resp.PulseInfo.Pulses) > 0 {
		pulse := resp.PulseInfo.Pulses[0]
		signal.ThreatType = determineThreatType(pulse)
		if pulse.Name != "" {
			signal.Detail = fmt.Sprintf("referenced by %d OTX pulses, e.g. %q", count, pulse.Name)
		}
	}
	return signal
}

// determineThreatType maps OTX pulse tags to a threat type.
func determineThreatType(pulse OTXPulse) ThreatType {
	tagLower := strings.ToLower(strings.Join(pulse.Tags, " "))

	switch {
	case strings.Contains(tagLower, "phishing"):
		return ThreatTypePhishing
	case strings.Contains(tagLower, "malware"):
		return ThreatTypeMalware
	case strings.Contains(tagLower, "c2") || strings.Contains(tagLower, "command and control"):
		return ThreatTypeC2
	case strings.Contains(tagLower, "botnet"):
		return ThreatTypeBotnet
	case strings.Contains(tagLower, "scanner") || strings.Contains(tagLower, "scan"):
		return ThreatTypeScanner
	case strings.Contains(tagLower, "spam"):
		return ThreatTypeSpam
	case strings.Contains(tagLower, "scam") || strings.Contains(tagLower, "fraud"):
		return ThreatTypeScam
	default:
		return ThreatTypeUnknown
	}
}

// pulseScore maps the number of pulses referencing an indicator to a reputation score.
func pulseScore(pulseCount int) float64 {
	switch {
	case pulseCount >= 10:
		return 0.95
	case pulseCount >= 5:
		return 0.8
	case pulseCount >= 3:
		return 0.65
	case pulseCount >= 1:
		return 0.5
	default:
		return 0
	}
}

// OTX API Response Types

// OTXPulse represents an OTX pulse (threat report).
type OTXPulse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Created     string   `json:"created"`
	Modified    string   `json:"modified"`
	Tags        []string `json:"tags"`
	Adversary   string   `json:"adversary,omitempty"`
}

// OTXGeneralResponse is the response from /indicators/{type}/{value}/general.
type OTXGeneralResponse struct {
	Indicator   string       `json:"indicator"`
	Type        string       `json:"type"`
	Reputation  int          `json:"reputation"`
	PulseInfo   OTXPulseInfo `json:"pulse_info"`
	CountryCode string       `json:"country_code,omitempty"`
}

// OTXPulseInfo contains pulse association info.
type OTXPulseInfo struct {
	Count  int        `json:"count"`
	Pulses []OTXPulse `json:"pulses"`
}
