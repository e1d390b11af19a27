package enrichment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"
	"go.uber.org/zap"
)

const whoisSource = "whois"

// WhoisConfig configures the domain-age adapter.
type WhoisConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
	// Server overrides the WHOIS server; empty lets the client discover it.
	Server string `yaml:"server"`
}

// DefaultWhoisConfig returns sensible defaults for WHOIS lookups.
func DefaultWhoisConfig() WhoisConfig {
	return WhoisConfig{Timeout: 5 * time.Second}
}

// WhoisAdapter scores newly registered domains, which are common in phishing runs.
type WhoisAdapter struct {
	config WhoisConfig
	query  func(domain string) (string, error)
	now    func() time.Time
	logger *zap.Logger
}

var whoisDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02-Jan-2006",
	"2006.01.02",
	"2006/01/02",
}

// NewWhoisAdapter creates a WHOIS adapter.
func NewWhoisAdapter(config WhoisConfig, logger *zap.Logger) *WhoisAdapter {
	if config.Timeout <= 0 {
		config.Timeout = DefaultWhoisConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := whois.NewClient().SetTimeout(config.Timeout)
	var servers []string
	if config.Server != "" {
		servers = []string{config.Server}
	}

	return &WhoisAdapter{
		config: config,
		query: func(domain string) (string, error) {
			return client.Whois(domain, servers...)
		},
		now:    time.Now,
		logger: logger.Named("whois"),
	}
}

// Name returns the provider identifier.
func (w *WhoisAdapter) Name() string {
	return whoisSource
}

// Lookup scores the registrable domain of the target by age.
func (w *WhoisAdapter) Lookup(ctx context.Context, target Target) Signal {
	if target.IsIP {
		return Unavailable(whoisSource, errors.New("WHOIS age does not apply to IP hosts"))
	}
	domain := target.Domain
	if domain == "" {
		domain = target.Hostname
	}
	if domain == "" {
		return Unavailable(whoisSource, errors.New("empty domain"))
	}

	type result struct {
		created time.Time
		err     error
	}
	done := make(chan result, 1)
	go func() {
		created, err := w.creationDate(domain)
		done <- result{created, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return Unavailable(whoisSource, ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return Unavailable(whoisSource, res.err)
	}

	days := int(w.now().Sub(res.created).Hours() / 24)
	w.logger.Debug("WHOIS lookup", zap.String("domain", domain), zap.Int("age_days", days))

	signal := Present{
		Source:     whoisSource,
		Score:      ageScore(days),
		ThreatType: ThreatTypeUnknown,
		Detail:     fmt.Sprintf("domain registered %d days ago", days),
	}
	if signal.Score > 0 {
		signal.ThreatType = ThreatTypeNewborn
	}
	return signal
}

// creationDate queries WHOIS for domain, falling back to parent domains when the
// record cannot be parsed.
func (w *WhoisAdapter) creationDate(domain string) (time.Time, error) {
	raw, err := w.query(domain)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying %s: %w", domain, err)
	}

	info, err := whoisparser.Parse(raw)
	if err != nil || info.Domain == nil {
		parts := strings.Split(domain, ".")
		if len(parts) > 2 {
			return w.creationDate(strings.Join(parts[1:], "."))
		}
		if err == nil {
			err = errors.New("no domain section")
		}
		return time.Time{}, fmt.Errorf("parsing WHOIS for %s: %w", domain, err)
	}

	createdStr := strings.TrimSpace(info.Domain.CreatedDate)
	for _, layout := range whoisDateLayouts {
		if t, err := time.Parse(layout, createdStr); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised creation date %q for %s", createdStr, domain)
}

// ageScore maps domain age in days to a reputation score.
func ageScore(days int) float64 {
	switch {
	case days < 30:
		return 0.8
	case days < 180:
		return 0.4
	default:
		return 0
	}
}
