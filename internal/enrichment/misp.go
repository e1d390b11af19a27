package enrichment

// Reputation lookups against a MISP (Malware Information Sharing Platform) instance.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"go.uber.org/zap"
)

const mispSource = "misp"

// MISPAdapter implements Adapter for MISP.
type MISPAdapter struct {
	config     MISPConfig
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// MISPConfig holds MISP-specific configuration.
type MISPConfig struct {
	ProviderConfig `yaml:",inline"`
	PublishedOnly  bool `yaml:"published_only"`
	ToIDSOnly      bool `yaml:"to_ids_only"`
}

// DefaultMISPConfig returns sensible defaults for MISP.
func DefaultMISPConfig() MISPConfig {
	cfg := DefaultProviderConfig()
	cfg.APIKey = "MISP_API_KEY"
	return MISPConfig{
		ProviderConfig: cfg,
		PublishedOnly:  true,
	}
}

// NewMISPAdapter creates a MISP adapter.
func NewMISPAdapter(config MISPConfig, logger *zap.Logger) (*MISPAdapter, error) {
	apiKey := os.Getenv(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("MISP API key not found in env var %s: %w", config.APIKey, ErrNotConfigured)
	}

	if config.BaseURL == "" {
		return nil, fmt.Errorf("MISP base URL is required: %w", ErrNotConfigured)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultProviderConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MISPAdapter{
		config: config,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger.Named("misp"),
	}, nil
}

// Name returns the provider identifier.
func (p *MISPAdapter) Name() string {
	return mispSource
}

// HealthCheck verifies connectivity to MISP.
func (p *MISPAdapter) HealthCheck(ctx context.Context) error {
	req, err := p.newRequest(ctx, http.MethodGet, "/servers/getVersion", nil)
	if err != nil {
		return err
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("MISP health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("MISP returned status %d", resp.StatusCode)
	}

	return nil
}

// Lookup searches MISP attributes for the target host and URL. The most severe
// matching event decides the score.
func (p *MISPAdapter) Lookup(ctx context.Context, target Target) Signal {
	if target.Hostname == "" {
		return Unavailable(mispSource, fmt.Errorf("empty hostname"))
	}

	values := []string{target.Hostname}
	if target.URL != "" {
		values = append(values, target.URL)
	}
	searchReq := MISPAttributeSearchRequest{
		Value:     strings.Join(values, "||"),
		Type:      toMISPType(target),
		Published: p.config.PublishedOnly,
		ToIDS:     p.config.ToIDSOnly,
		Limit:     50,
	}

	body, err := json.Marshal(searchReq)
	if err != nil {
		return Unavailable(mispSource, err)
	}

	req, err := p.newRequest(ctx, http.MethodPost, "/attributes/restSearch", bytes.NewReader(body))
	if err != nil {
		return Unavailable(mispSource, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Unavailable(mispSource, fmt.Errorf("MISP search failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Unavailable(mispSource, fmt.Errorf("MISP returned %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes))))
	}

	var searchResp MISPAttributeSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return Unavailable(mispSource, fmt.Errorf("failed to decode MISP response: %w", err))
	}

	attrs := searchResp.Response.Attribute
	if len(attrs) == 0 {
		return Present{Source: mispSource, Score: 0, ThreatType: ThreatTypeUnknown, Detail: "no MISP attributes"}
	}

	best := attrs[0]
	for _, attr := range attrs[1:] {
		if threatLevelToScore(attr.Event.ThreatLevelID) > threatLevelToScore(best.Event.ThreatLevelID) {
			best = attr
		}
	}

	p.logger.Debug("MISP lookup",
		zap.String("indicator", target.Hostname),
		zap.Int("attributes", len(attrs)),
		zap.String("event", best.EventID),
	)

	detail := fmt.Sprintf("%d MISP attributes, event %s", len(attrs), best.EventID)
	if best.Event.Info != "" {
		detail = fmt.Sprintf("%d MISP attributes, event %s (%s)", len(attrs), best.EventID, best.Event.Info)
	}
	return Present{
		Source:     mispSource,
		Score:      threatLevelToScore(best.Event.ThreatLevelID),
		ThreatType: categoryToThreatType(best.Category, best.Tag),
		Detail:     detail,
	}
}

// newRequest creates an authenticated MISP API request.
func (p *MISPAdapter) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	url := strings.TrimSuffix(p.config.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", p.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

// MISP API types

// MISPAttributeSearchRequest is the MISP attribute search request.
type MISPAttributeSearchRequest struct {
	Value     string `json:"value,omitempty"`
	Type      string `json:"type,omitempty"`
	Published bool   `json:"published,omitempty"`
	ToIDS     bool   `json:"to_ids,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// MISPAttributeSearchResponse is the MISP attribute search response.
type MISPAttributeSearchResponse struct {
	Response struct {
		Attribute []MISPAttribute `json:"Attribute"`
	} `json:"response"`
}

// MISPAttribute represents a MISP attribute.
type MISPAttribute struct {
	ID       string    `json:"id"`
	UUID     string    `json:"uuid"`
	EventID  string    `json:"event_id"`
	Type     string    `json:"type"`
	Category string    `json:"category"`
	Value    string    `json:"value"`
	Comment  string    `json:"comment"`
	Tag      []MISPTag `json:"Tag,omitempty"`
	Event    MISPEvent `json:"Event,omitempty"`
}

// MISPTag represents a MISP tag.
type MISPTag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MISPEvent represents minimal MISP event info.
type MISPEvent struct {
	ID            string `json:"id"`
	Info          string `json:"info"`
	ThreatLevelID string `json:"threat_level_id"`
}

// Helper functions

func toMISPType(target Target) string {
	if target.IsIP {
		return "ip-src|ip-dst"
	}
	return "domain|hostname|url"
}

func categoryToThreatType(category string, tags []MISPTag) ThreatType {
	for _, t := range tags {
		if strings.Contains(strings.ToLower(t.Name), "phishing") {
			return ThreatTypePhishing
		}
	}
	switch category {
	case "Network activity":
		return ThreatTypeC2
	case "Payload delivery", "Artifacts dropped", "Payload installation", "Persistence mechanism":
		return ThreatTypeMalware
	case "Social network", "Financial fraud":
		return ThreatTypeScam
	default:
		return ThreatTypeUnknown
	}
}

// threatLevelToScore maps MISP threat levels (1=High, 2=Medium, 3=Low, 4=Undefined).
func threatLevelToScore(level string) float64 {
	switch level {
	case "1":
		return 0.9
	case "2":
		return 0.7
	case "3":
		return 0.5
	default:
		return 0.3
	}
}
