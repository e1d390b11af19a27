package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestOTX(t *testing.T, baseURL string) *OTXAdapter {
	t.Helper()
	os.Setenv("TEST_OTX_KEY", "test-api-key")
	t.Cleanup(func() { os.Unsetenv("TEST_OTX_KEY") })

	config := DefaultOTXConfig()
	config.APIKey = "TEST_OTX_KEY"
	config.BaseURL = baseURL

	adapter, err := NewOTXAdapter(config, nil)
	if err != nil {
		t.Fatalf("NewOTXAdapter should succeed: %v", err)
	}
	return adapter
}

func writeGeneral(w http.ResponseWriter, count int, tags ...string) {
	resp := OTXGeneralResponse{
		Indicator: "indicator",
		PulseInfo: OTXPulseInfo{Count: count},
	}
	if count > 0 {
		resp.PulseInfo.Pulses = []OTXPulse{{ID: "pulse-1", Name: "Credential phishing wave", Tags: tags}}
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// =============================================================================
// Adapter Creation Tests
// =============================================================================

// TestNewOTXAdapter_MissingAPIKey verifies that creating an adapter without
// an API key in the environment reports not configured.
func TestNewOTXAdapter_MissingAPIKey(t *testing.T) {
	os.Unsetenv("TEST_OTX_KEY")

	config := OTXConfig{
		ProviderConfig: ProviderConfig{
			APIKey:  "TEST_OTX_KEY",
			BaseURL: "https://otx.alienvault.com",
		},
	}

	_, err := NewOTXAdapter(config, nil)
	if err == nil {
		t.Fatal("NewOTXAdapter should fail when API key env var is empty")
	}

	if !strings.Contains(err.Error(), "OTX API key not found") {
		t.Errorf("error should mention missing API key, got: %v", err)
	}
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error should wrap ErrNotConfigured, got: %v", err)
	}
}

// TestNewOTXAdapter_DefaultKeyEnv verifies REPUTATION_API_KEY is the default source.
func TestNewOTXAdapter_DefaultKeyEnv(t *testing.T) {
	os.Setenv(DefaultAPIKeyEnv, "from-default-env")
	defer os.Unsetenv(DefaultAPIKeyEnv)

	adapter, err := NewOTXAdapter(OTXConfig{}, nil)
	if err != nil {
		t.Fatalf("NewOTXAdapter should succeed: %v", err)
	}

	if adapter.Name() != "otx" {
		t.Errorf("expected name 'otx', got %q", adapter.Name())
	}
	if adapter.config.BaseURL != otxDefaultBaseURL {
		t.Errorf("expected default base URL %q, got %q", otxDefaultBaseURL, adapter.config.BaseURL)
	}
}

// =============================================================================
// Health Check Tests
// =============================================================================

// TestHealthCheck_Success verifies successful health check.
func TestHealthCheck_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/user/me" {
			t.Errorf("expected path /api/v1/user/me, got %s", r.URL.Path)
		}

		if r.Header.Get("X-OTX-API-KEY") != "test-api-key" {
			t.Errorf("expected API key header, got %q", r.Header.Get("X-OTX-API-KEY"))
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"username": "testuser"}`))
	}))
	defer server.Close()

	adapter := newTestOTX(t, server.URL)

	if err := adapter.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck should succeed: %v", err)
	}
}

// TestHealthCheck_Unauthorized verifies health check fails on 401.
func TestHealthCheck_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "Invalid API key"}`))
	}))
	defer server.Close()

	adapter := newTestOTX(t, server.URL)

	err := adapter.HealthCheck(context.Background())
	if err == nil {
		t.Fatal("HealthCheck should fail on unauthorized")
	}

	if !strings.Contains(err.Error(), "invalid API key") {
		t.Errorf("error should mention invalid API key, got: %v", err)
	}
}

// =============================================================================
// Lookup Tests
// =============================================================================

// TestLookup_HostnameFound verifies a hostname referenced by pulses scores by count.
func TestLookup_HostnameFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/indicators/hostname/paypa1-secure-login.tk/general" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeGeneral(w, 5, "phishing", "credential-theft")
	}))
	defer server.Close()

	adapter := newTestOTX(t, server.URL)

	sig := adapter.Lookup(context.Background(), Target{Hostname: "paypa1-secure-login.tk"})
	present, ok := sig.(Present)
	if !ok {
		t.Fatalf("expected Present, got %#v", sig)
	}
	if present.Score != 0.8 {
		t.Errorf("expected score 0.8 for 5 pulses, got %v", present.Score)
	}
	if present.ThreatType != ThreatTypePhishing {
		t.Errorf("expected phishing, got %s", present.ThreatType)
	}
	if present.Source != "otx" {
		t.Errorf("expected source otx, got %q", present.Source)
	}
}

// TestLookup_IPTargets verifies IPv4 and IPv6 indicator sections.
func TestLookup_IPTargets(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		writeGeneral(w, 1, "scanner")
	}))
	defer server.Close()

	adapter := newTestOTX(t, server.URL)

	adapter.Lookup(context.Background(), Target{Hostname: "192.168.1.5", IsIP: true})
	adapter.Lookup(context.Background(), Target{Hostname: "2001:db8::1", IsIP: true})

	if len(paths) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(paths))
	}
	if !strings.Contains(paths[0], "/indicators/IPv4/") {
		t.Errorf("expected IPv4 path, got %s", paths[0])
	}
	if !strings.Contains(paths[1], "/indicators/IPv6/") {
		t.Errorf("expected IPv6 path, got %s", paths[1])
	}
}

// TestLookup_NotFound verifies 404 is a clean answer, not a failure.
func TestLookup_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	adapter := newTestOTX(t, server.URL)

	sig := adapter.Lookup(context.Background(), Target{Hostname: "example.com"})
	present, ok := sig.(Present)
	if !ok {
		t.Fatalf("expected Present for 404, got %#v", sig)
	}
	if present.Score != 0 {
		t.Errorf("expected score 0, got %v", present.Score)
	}
}

// TestLookup_ServerError verifies failures degrade to Absent.
func TestLookup_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	adapter := newTestOTX(t, server.URL)

	sig := adapter.Lookup(context.Background(), Target{Hostname: "example.com"})
	absent, ok := sig.(Absent)
	if !ok {
		t.Fatalf("expected Absent, got %#v", sig)
	}
	if !errors.Is(absent.Reason, ErrEnrichmentUnavailable) {
		t.Errorf("reason should wrap ErrEnrichmentUnavailable, got: %v", absent.Reason)
	}
	if !strings.Contains(absent.Reason.Error(), "status 500") {
		t.Errorf("reason should mention status code, got: %v", absent.Reason)
	}
}

// TestLookup_ContextCancelled verifies a cancelled context yields Absent.
func TestLookup_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeGeneral(w, 1)
	}))
	defer server.Close()

	adapter := newTestOTX(t, server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, ok := adapter.Lookup(ctx, Target{Hostname: "slow.example"}).(Absent); !ok {
		t.Error("expected Absent when context deadline passes")
	}
}

// =============================================================================
// Rate Limit Tests
// =============================================================================

// TestRateLimit_HeadersTracked verifies rate-limit headers are recorded.
func TestRateLimit_HeadersTracked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "42")
		w.Header().Set("X-RateLimit-Limit", "100")
		writeGeneral(w, 0)
	}))
	defer server.Close()

	adapter := newTestOTX(t, server.URL)
	adapter.Lookup(context.Background(), Target{Hostname: "example.com"})

	rl := adapter.RateLimit()
	if rl.Remaining != 42 || rl.Limit != 100 {
		t.Errorf("expected 42/100, got %d/%d", rl.Remaining, rl.Limit)
	}
}

// TestRateLimit_ExhaustedSkipsRequest verifies no request is sent after a 429.
func TestRateLimit_ExhaustedSkipsRequest(t *testing.T) {
	var requestCount int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	adapter := newTestOTX(t, server.URL)

	first := adapter.Lookup(context.Background(), Target{Hostname: "a.example"})
	second := adapter.Lookup(context.Background(), Target{Hostname: "b.example"})

	if _, ok := first.(Absent); !ok {
		t.Error("expected Absent on 429")
	}
	absent, ok := second.(Absent)
	if !ok {
		t.Fatal("expected Absent while rate limited")
	}
	if !strings.Contains(absent.Reason.Error(), "rate limited") {
		t.Errorf("reason should mention rate limiting, got: %v", absent.Reason)
	}
	if atomic.LoadInt32(&requestCount) != 1 {
		t.Errorf("expected 1 request, got %d", requestCount)
	}
}

// =============================================================================
// Cache Tests
// =============================================================================

// TestCache_HitAvoidsDuplicateRequest verifies cache prevents duplicate API calls.
func TestCache_HitAvoidsDuplicateRequest(t *testing.T) {
	var requestCount int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		writeGeneral(w, 1, "test")
	}))
	defer server.Close()

	adapter := newTestOTX(t, server.URL)

	for i := 0; i < 3; i++ {
		adapter.Lookup(context.Background(), Target{Hostname: "Example.COM"})
	}

	if atomic.LoadInt32(&requestCount) != 1 {
		t.Errorf("expected 1 API request (cache hit), got %d", requestCount)
	}
}

// TestCache_Expiration verifies cache entries expire against the adapter clock.
func TestCache_Expiration(t *testing.T) {
	var requestCount int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		writeGeneral(w, 1, "test")
	}))
	defer server.Close()

	adapter := newTestOTX(t, server.URL)
	now := time.Now()
	adapter.now = func() time.Time { return now }

	adapter.Lookup(context.Background(), Target{Hostname: "example.com"})
	now = now.Add(2 * time.Hour)
	adapter.Lookup(context.Background(), Target{Hostname: "example.com"})

	if atomic.LoadInt32(&requestCount) != 2 {
		t.Errorf("expected 2 API requests after cache expiration, got %d", requestCount)
	}

	if removed := adapter.cache.cleanup(now.Add(2 * time.Hour)); removed != 1 {
		t.Errorf("expected cleanup to remove 1 entry, got %d", removed)
	}
}

// TestCache_ConcurrentAccess verifies cache is thread-safe.
func TestCache_ConcurrentAccess(t *testing.T) {
	var requestCount int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		writeGeneral(w, 1, "test")
	}))
	defer server.Close()

	adapter := newTestOTX(t, server.URL)

	// Prime the cache with a single request
	adapter.Lookup(context.Background(), Target{Hostname: "example.com"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adapter.Lookup(context.Background(), Target{Hostname: "example.com"})
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&requestCount) != 1 {
		t.Errorf("expected 1 API request with cache, got %d", requestCount)
	}
}

// =============================================================================
// Scoring Helper Tests
// =============================================================================

func TestPulseScore(t *testing.T) {
	tests := []struct {
		count int
		want  float64
	}{
		{0, 0}, {1, 0.5}, {2, 0.5}, {3, 0.65}, {5, 0.8}, {9, 0.8}, {10, 0.95}, {100, 0.95},
	}
	for _, tt := range tests {
		if got := pulseScore(tt.count); got != tt.want {
			t.Errorf("pulseScore(%d) = %v, want %v", tt.count, got, tt.want)
		}
	}
}

func TestDetermineThreatType(t *testing.T) {
	tests := []struct {
		tags []string
		want ThreatType
	}{
		{[]string{"Phishing", "paypal"}, ThreatTypePhishing},
		{[]string{"malware"}, ThreatTypeMalware},
		{[]string{"command and control"}, ThreatTypeC2},
		{[]string{"tech support fraud"}, ThreatTypeScam},
		{nil, ThreatTypeUnknown},
	}
	for _, tt := range tests {
		if got := determineThreatType(OTXPulse{Tags: tt.tags}); got != tt.want {
			t.Errorf("determineThreatType(%v) = %s, want %s", tt.tags, got, tt.want)
		}
	}
}
