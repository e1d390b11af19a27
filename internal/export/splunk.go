// Package export forwards verdicts to external security tooling.
//
// The Splunk sender batches unsafe verdicts and posts them to an HTTP Event
// Collector (HEC) so SOC analysts can correlate browsing threats with other alerts.
package export

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/raksha/internal/engine"
	"github.com/lvonguyen/raksha/internal/scoring"
)

// ErrNotConfigured is returned by NewSplunkSender when the HEC URL or token is missing.
var ErrNotConfigured = errors.New("splunk export not configured")

// HECEvent is one line of an HEC event batch.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// SplunkConfig holds HEC sender configuration.
type SplunkConfig struct {
	Enabled      bool          `yaml:"enabled"`
	HECURL       string        `yaml:"hec_url"`
	TokenEnv     string        `yaml:"token_env"`
	Index        string        `yaml:"index"`
	SourceType   string        `yaml:"sourcetype"`
	Source       string        `yaml:"source"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	QueueSize    int           `yaml:"queue_size"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryCount   int           `yaml:"retry_count"`
	VerifySSL    bool          `yaml:"verify_ssl"`
	// MinLevel is the lowest threat level forwarded.
	MinLevel string `yaml:"min_level"`
}

// DefaultSplunkConfig returns sensible defaults.
func DefaultSplunkConfig() SplunkConfig {
	return SplunkConfig{
		TokenEnv:     "SPLUNK_HEC_TOKEN",
		Index:        "raksha_verdicts",
		SourceType:   "raksha:verdict",
		Source:       "raksha",
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		QueueSize:    1000,
		Timeout:      30 * time.Second,
		RetryCount:   3,
		VerifySSL:    true,
		MinLevel:     scoring.LevelMedium.String(),
	}
}

// SenderStats counts export outcomes.
type SenderStats struct {
	EventsSent    int64     `json:"events_sent"`
	EventsFailed  int64     `json:"events_failed"`
	EventsDropped int64     `json:"events_dropped"`
	BytesSent     int64     `json:"bytes_sent"`
	LastSendAt    time.Time `json:"last_send_at"`
}

// SplunkSender queues verdicts and sends them to Splunk in batches.
type SplunkSender struct {
	config     SplunkConfig
	token      string
	minLevel   scoring.Level
	httpClient *http.Client
	queue      chan engine.Verdict
	logger     *zap.Logger
	backoff    func(attempt int) time.Duration

	mu    sync.RWMutex
	stats SenderStats
}

// NewSplunkSender creates a sender. The token is read from the environment
// variable named by config.TokenEnv.
func NewSplunkSender(config SplunkConfig, logger *zap.Logger) (*SplunkSender, error) {
	if config.HECURL == "" {
		return nil, fmt.Errorf("HEC URL is required: %w", ErrNotConfigured)
	}
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var %s: %w", config.TokenEnv, ErrNotConfigured)
	}

	minLevel := scoring.LevelMedium
	if config.MinLevel != "" {
		l, err := scoring.ParseLevel(config.MinLevel)
		if err != nil {
			return nil, fmt.Errorf("export min_level: %w", err)
		}
		minLevel = l
	}

	defaults := DefaultSplunkConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = defaults.BatchTimeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RetryCount < 0 {
		config.RetryCount = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &http.Client{Timeout: config.Timeout}
	if !config.VerifySSL {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		}
	}

	return &SplunkSender{
		config:     config,
		token:      token,
		minLevel:   minLevel,
		httpClient: client,
		queue:      make(chan engine.Verdict, config.QueueSize),
		logger:     logger.Named("splunk"),
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt*attempt) * time.Second
		},
	}, nil
}

// Publish queues v when its level is at least MinLevel. It never blocks; a full
// queue drops the verdict.
func (s *SplunkSender) Publish(v engine.Verdict) {
	if v.ThreatLevel < s.minLevel {
		return
	}
	select {
	case s.queue <- v:
	default:
		s.mu.Lock()
		s.stats.EventsDropped++
		s.mu.Unlock()
		s.logger.Warn("Export queue full, dropping verdict", zap.String("scan_id", v.ScanID))
	}
}

// Run sends queued verdicts whenever a batch fills or BatchTimeout passes, until
// ctx is done. Verdicts still queued at shutdown get one final send.
func (s *SplunkSender) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.BatchTimeout)
	defer ticker.Stop()

	batch := make([]engine.Verdict, 0, s.config.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.SendBatch(ctx, batch); err != nil {
			s.logger.Warn("Failed to export verdicts", zap.Int("count", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case v := <-s.queue:
					batch = append(batch, v)
				default:
					drained = true
				}
			}
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Timeout)
			flush(final)
			cancel()
			return
		case v := <-s.queue:
			batch = append(batch, v)
			if len(batch) >= s.config.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// SendBatch sends verdicts to Splunk as newline-delimited HEC events.
func (s *SplunkSender) SendBatch(ctx context.Context, verdicts []engine.Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, v := range verdicts {
		data, err := json.Marshal(s.event(v))
		if err != nil {
			return fmt.Errorf("encoding verdict %s: %w", v.ScanID, err)
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := s.sendWithRetry(ctx, buf.Bytes()); err != nil {
		s.mu.Lock()
		s.stats.EventsFailed += int64(len(verdicts))
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.stats.EventsSent += int64(len(verdicts))
	s.stats.BytesSent += int64(buf.Len())
	s.stats.LastSendAt = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *SplunkSender) event(v engine.Verdict) HECEvent {
	return HECEvent{
		Time:       float64(v.ScannedAt.UnixMilli()) / 1000,
		Host:       v.Hostname,
		Source:     s.config.Source,
		SourceType: s.config.SourceType,
		Index:      s.config.Index,
		Event:      v,
		Fields: map[string]any{
			"threat_level": v.ThreatLevel.String(),
			"risk_score":   v.RiskScore,
			"confidence":   v.Confidence,
			"scan_id":      v.ScanID,
		},
	}
}

// sendWithRetry sends data, backing off quadratically between attempts.
func (s *SplunkSender) sendWithRetry(ctx context.Context, data []byte) error {
	var lastErr error

	for attempt := 0; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("export canceled after %d attempts: %w", attempt, errors.Join(ctx.Err(), lastErr))
			case <-time.After(s.backoff(attempt)):
			}
		}

		err := s.send(ctx, data)
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Debug("HEC send failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}

	return fmt.Errorf("failed after %d retries: %w", s.config.RetryCount, lastErr)
}

// send posts one encoded batch.
func (s *SplunkSender) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("HEC returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Stats returns a snapshot of the export counters.
func (s *SplunkSender) Stats() SenderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// HealthCheck probes the collector health endpoint.
func (s *SplunkSender) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("splunk HEC returned status %d", resp.StatusCode)
	}
	return nil
}
