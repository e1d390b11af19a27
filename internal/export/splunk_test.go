package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lvonguyen/raksha/internal/engine"
	"github.com/lvonguyen/raksha/internal/scoring"
)

// hecServer records events posted to the collector endpoint.
type hecServer struct {
	*httptest.Server
	mu     sync.Mutex
	events []HECEvent
	auth   string
	calls  atomic.Int32
	// failFirst makes the first n requests return 503.
	failFirst int32
	received  chan struct{}
}

func newHECServer(t *testing.T, failFirst int32) *hecServer {
	t.Helper()
	h := &hecServer{failFirst: failFirst, received: make(chan struct{}, 16)}
	h.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/services/collector/health":
			w.WriteHeader(http.StatusOK)
			return
		case "/services/collector/event":
		default:
			http.NotFound(w, r)
			return
		}
		if n := h.calls.Add(1); n <= h.failFirst {
			http.Error(w, `{"text":"Server is busy","code":9}`, http.StatusServiceUnavailable)
			return
		}
		h.mu.Lock()
		h.auth = r.Header.Get("Authorization")
		scanner := bufio.NewScanner(r.Body)
		for scanner.Scan() {
			var ev HECEvent
			if err := json.Unmarshal(scanner.Bytes(), &ev); err == nil {
				h.events = append(h.events, ev)
			}
		}
		h.mu.Unlock()
		w.Write([]byte(`{"text":"Success","code":0}`))
		h.received <- struct{}{}
	}))
	t.Cleanup(h.Close)
	return h
}

func (h *hecServer) snapshot() ([]HECEvent, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HECEvent(nil), h.events...), h.auth
}

func newTestSender(t *testing.T, url string, mutate func(*SplunkConfig)) *SplunkSender {
	t.Helper()
	os.Setenv("RAKSHA_TEST_HEC_TOKEN", "hec-token")
	t.Cleanup(func() { os.Unsetenv("RAKSHA_TEST_HEC_TOKEN") })

	cfg := DefaultSplunkConfig()
	cfg.Enabled = true
	cfg.HECURL = url
	cfg.TokenEnv = "RAKSHA_TEST_HEC_TOKEN"
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewSplunkSender(cfg, nil)
	if err != nil {
		t.Fatalf("NewSplunkSender: %v", err)
	}
	s.backoff = func(int) time.Duration { return 0 }
	return s
}

func verdict(level scoring.Level, id string) engine.Verdict {
	return engine.Verdict{
		URL:         "http://paypa1-secure-login.tk/verify",
		Hostname:    "paypa1-secure-login.tk",
		ThreatLevel: level,
		RiskScore:   7.5,
		Confidence:  0.78,
		ScanID:      id,
		ScannedAt:   time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNewSplunkSender_Errors(t *testing.T) {
	t.Setenv("RAKSHA_TEST_HEC_TOKEN", "")

	cfg := DefaultSplunkConfig()
	cfg.TokenEnv = "RAKSHA_TEST_HEC_TOKEN"
	if _, err := NewSplunkSender(cfg, nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured without URL, got %v", err)
	}

	cfg.HECURL = "https://splunk.example:8088"
	if _, err := NewSplunkSender(cfg, nil); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured without token, got %v", err)
	}

	t.Setenv("RAKSHA_TEST_HEC_TOKEN", "tok")
	cfg.MinLevel = "severe"
	if _, err := NewSplunkSender(cfg, nil); err == nil || errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected min_level error, got %v", err)
	}
}

// =============================================================================
// Sending Tests
// =============================================================================

func TestSendBatch(t *testing.T) {
	hec := newHECServer(t, 0)
	s := newTestSender(t, hec.URL+"/", nil)

	err := s.SendBatch(context.Background(), []engine.Verdict{
		verdict(scoring.LevelHigh, "scan-1"),
		verdict(scoring.LevelCritical, "scan-2"),
	})
	if err != nil {
		t.Fatalf("SendBatch: %v", err)
	}

	events, auth := hec.snapshot()
	if auth != "Splunk hec-token" {
		t.Errorf("unexpected Authorization %q", auth)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	ev := events[0]
	if ev.SourceType != "raksha:verdict" || ev.Index != "raksha_verdicts" || ev.Host != "paypa1-secure-login.tk" {
		t.Errorf("unexpected event metadata %+v", ev)
	}
	if ev.Fields["threat_level"] != "HIGH" || ev.Fields["scan_id"] != "scan-1" {
		t.Errorf("unexpected fields %v", ev.Fields)
	}
	if ev.Time != float64(time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC).Unix()) {
		t.Errorf("unexpected time %v", ev.Time)
	}
	body, _ := ev.Event.(map[string]any)
	if body["threat_level"] != "HIGH" || body["url"] != "http://paypa1-secure-login.tk/verify" {
		t.Errorf("unexpected event body %v", ev.Event)
	}

	stats := s.Stats()
	if stats.EventsSent != 2 || stats.BytesSent == 0 || stats.LastSendAt.IsZero() {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestSendBatch_Retry(t *testing.T) {
	hec := newHECServer(t, 2)
	s := newTestSender(t, hec.URL, nil)

	if err := s.SendBatch(context.Background(), []engine.Verdict{verdict(scoring.LevelHigh, "scan-1")}); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	if n := hec.calls.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestSendBatch_GivesUp(t *testing.T) {
	hec := newHECServer(t, 100)
	s := newTestSender(t, hec.URL, func(c *SplunkConfig) { c.RetryCount = 1 })

	err := s.SendBatch(context.Background(), []engine.Verdict{verdict(scoring.LevelHigh, "scan-1")})
	if err == nil {
		t.Fatal("expected error")
	}
	if n := hec.calls.Load(); n != 2 {
		t.Errorf("expected 2 attempts, got %d", n)
	}
	if s.Stats().EventsFailed != 1 {
		t.Errorf("expected 1 failed event, got %+v", s.Stats())
	}
}

// =============================================================================
// Queue Tests
// =============================================================================

func TestPublish_FiltersAndDrops(t *testing.T) {
	s := newTestSender(t, "http://127.0.0.1:1", func(c *SplunkConfig) {
		c.QueueSize = 1
		c.MinLevel = "high"
	})

	s.Publish(verdict(scoring.LevelMedium, "below"))
	if len(s.queue) != 0 {
		t.Error("verdict below min level should not be queued")
	}
	s.Publish(verdict(scoring.LevelHigh, "first"))
	s.Publish(verdict(scoring.LevelCritical, "second"))
	if len(s.queue) != 1 {
		t.Errorf("expected 1 queued verdict, got %d", len(s.queue))
	}
	if s.Stats().EventsDropped != 1 {
		t.Errorf("expected 1 dropped verdict, got %+v", s.Stats())
	}
}

func TestRun_FlushesFullBatch(t *testing.T) {
	hec := newHECServer(t, 0)
	s := newTestSender(t, hec.URL, func(c *SplunkConfig) {
		c.BatchSize = 2
		c.BatchTimeout = time.Hour
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Publish(verdict(scoring.LevelHigh, "scan-1"))
	s.Publish(verdict(scoring.LevelHigh, "scan-2"))

	select {
	case <-hec.received:
	case <-time.After(2 * time.Second):
		t.Fatal("batch was not sent")
	}
	if events, _ := hec.snapshot(); len(events) != 2 {
		t.Errorf("expected 2 events, got %d", len(events))
	}
}

func TestRun_FlushesOnShutdown(t *testing.T) {
	hec := newHECServer(t, 0)
	s := newTestSender(t, hec.URL, func(c *SplunkConfig) { c.BatchTimeout = time.Hour })

	s.Publish(verdict(scoring.LevelHigh, "scan-1"))
	s.Publish(verdict(scoring.LevelCritical, "scan-2"))
	s.Publish(verdict(scoring.LevelSafe, "ignored"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	events, _ := hec.snapshot()
	if len(events) != 2 {
		t.Errorf("expected 2 events flushed at shutdown, got %d", len(events))
	}
}

func TestHealthCheck(t *testing.T) {
	hec := newHECServer(t, 0)
	s := newTestSender(t, hec.URL, nil)
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}

	down := newTestSender(t, "http://127.0.0.1:1", func(c *SplunkConfig) { c.Timeout = 200 * time.Millisecond })
	if err := down.HealthCheck(context.Background()); err == nil {
		t.Error("expected error for unreachable collector")
	}
}
