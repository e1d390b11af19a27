package enrichment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

const contentSource = "content"

// ContentConfig configures page-content inspection.
type ContentConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	UserAgent    string        `yaml:"user_agent"`
	// AllowPrivate permits fetching loopback and private addresses.
	AllowPrivate bool `yaml:"allow_private"`
}

// DefaultContentConfig returns sensible defaults for content inspection.
func DefaultContentConfig() ContentConfig {
	return ContentConfig{
		Timeout:      6 * time.Second,
		MaxBodyBytes: 1 << 20,
		UserAgent:    "Mozilla/5.0 (Raksha/1.0)",
	}
}

var (
	sensitiveFieldWords = []string{
		"password", "passwd", "otp", "cvv", "cvc", "ssn", "card", "credit", "debit", "pincode",
		"routing", "security code", "social security", "expiry",
	}
	urgencyPhrases = []string{
		"verify your account", "update your account", "account suspended", "suspended",
		"unauthorized login", "security alert", "immediate action", "account will be closed",
		"verify identity", "verify your identity", "confirm your information", "urgent verification",
		"account compromised", "suspicious activity", "verify payment", "confirm transaction",
		"account locked", "urgent action required",
	}
	techSupportPhrases = []string{
		"microsoft support", "windows support", "apple support", "google support",
		"amazon support", "paypal support", "bank support",
	}
	scamActions = []string{
		"call now", "install software", "download tool", "remote access", "virus detected",
		"system error", "critical update",
	}
)

// ContentAdapter fetches the page and inspects its HTML for credential harvesting
// forms and pressure language.
type ContentAdapter struct {
	config     ContentConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewContentAdapter creates a content adapter.
func NewContentAdapter(config ContentConfig, logger *zap.Logger) *ContentAdapter {
	defaults := DefaultContentConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ContentAdapter{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: contentTransport(config.AllowPrivate),
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("stopped after 5 redirects")
				}
				return nil
			},
		},
		logger: logger.Named("content"),
	}
}

// errNonPublicAddress is returned when a fetch would reach a loopback, private or
// otherwise internal address.
var errNonPublicAddress = errors.New("refusing to fetch non-public address")

// nonPublicPrefixes are internal ranges netip has no predicate for.
var nonPublicPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

func isPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() {
		return false
	}
	for _, p := range nonPublicPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// refuseNonPublic runs on every connection after DNS resolution, so it covers
// hostnames, redirects and rebinding alike.
func refuseNonPublic(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", errNonPublicAddress, address)
	}
	if !isPublicAddr(ap.Addr()) {
		return fmt.Errorf("%w %s", errNonPublicAddress, ap.Addr())
	}
	return nil
}

func contentTransport(allowPrivate bool) *http.Transport {
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if !allowPrivate {
		dialer.Control = refuseNonPublic
		// A proxy would hide the destination from the dialer.
		tr.Proxy = nil
	}
	tr.DialContext = dialer.DialContext
	return tr
}

// Name returns the provider identifier.
func (c *ContentAdapter) Name() string {
	return contentSource
}

// Lookup fetches target.URL and scores what the page asks of the visitor.
func (c *ContentAdapter) Lookup(ctx context.Context, target Target) Signal {
	page, err := url.Parse(target.URL)
	if err != nil || (page.Scheme != "http" && page.Scheme != "https") {
		return Unavailable(contentSource, fmt.Errorf("not an http(s) URL: %q", target.URL))
	}
	if !c.config.AllowPrivate {
		if addr, err := netip.ParseAddr(page.Hostname()); err == nil && !isPublicAddr(addr) {
			return Unavailable(contentSource, fmt.Errorf("%w %s", errNonPublicAddress, addr))
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return Unavailable(contentSource, err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Unavailable(contentSource, fmt.Errorf("fetching page: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Unavailable(contentSource, fmt.Errorf("page returned status %d", resp.StatusCode))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return Present{Source: contentSource, Score: 0, ThreatType: ThreatTypeUnknown, Detail: "not an HTML page"}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, c.config.MaxBodyBytes))
	if err != nil {
		return Unavailable(contentSource, fmt.Errorf("parsing HTML: %w", err))
	}

	findings := inspectDocument(doc, resp.Request.URL)
	c.logger.Debug("Content inspection",
		zap.String("url", target.URL),
		zap.Strings("findings", findings.labels),
		zap.Float64("score", findings.score),
	)

	if len(findings.labels) == 0 {
		return Present{Source: contentSource, Score: 0, ThreatType: ThreatTypeUnknown, Detail: "no suspicious content"}
	}
	return Present{
		Source:     contentSource,
		Score:      clampScore(findings.score),
		ThreatType: findings.threat,
		Detail:     strings.Join(findings.labels, "; "),
	}
}

type contentFindings struct {
	score  float64
	threat ThreatType
	labels []string
}

func (f *contentFindings) add(label string, weight float64, threat ThreatType) {
	f.labels = append(f.labels, label)
	f.score += weight
	if f.threat == "" || f.threat == ThreatTypeUnknown {
		f.threat = threat
	}
}

// inspectDocument looks for forms that collect secrets, forms that post them to
// another host, and pressure or tech-support-scam wording.
func inspectDocument(doc *goquery.Document, pageURL *url.URL) contentFindings {
	f := contentFindings{threat: ThreatTypeUnknown}

	sensitiveForm := false
	crossHost := false
	doc.Find("form").Each(func(_ int, form *goquery.Selection) {
		formSensitive := false
		form.Find("input, textarea, select").Each(func(_ int, input *goquery.Selection) {
			if t, _ := input.Attr("type"); strings.EqualFold(t, "password") {
				formSensitive = true
				return
			}
			attrs := strings.ToLower(input.AttrOr("name", "") + " " + input.AttrOr("id", "") + " " +
				input.AttrOr("placeholder", "") + " " + input.AttrOr("autocomplete", ""))
			for _, w := range sensitiveFieldWords {
				if strings.Contains(attrs, w) {
					formSensitive = true
					return
				}
			}
		})
		if !formSensitive {
			return
		}
		sensitiveForm = true

		if action, ok := form.Attr("action"); ok && pageURL != nil {
			if target, err := pageURL.Parse(strings.TrimSpace(action)); err == nil &&
				target.Host != "" && !strings.EqualFold(target.Hostname(), pageURL.Hostname()) {
				crossHost = true
			}
		}
	})

	text := strings.ToLower(doc.Find("body").Text())
	if text == "" {
		text = strings.ToLower(doc.Text())
	}
	urgent := containsAny(text, urgencyPhrases)

	switch {
	case sensitiveForm && urgent:
		f.add("form requesting sensitive data with urgent language", 0.7, ThreatTypePhishing)
	case sensitiveForm:
		f.add("form requesting sensitive data", 0.4, ThreatTypePhishing)
	case urgent:
		f.add("urgent or deceptive language", 0.2, ThreatTypePhishing)
	}
	if crossHost {
		f.add("sensitive form posts to another host", 0.3, ThreatTypePhishing)
	}
	if containsAny(text, techSupportPhrases) && containsAny(text, scamActions) {
		f.add("tech support scam wording", 0.4, ThreatTypeScam)
	}
	return f
}

func containsAny(text string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
