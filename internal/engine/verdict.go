package engine

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/lvonguyen/raksha/internal/rules"
	"github.com/lvonguyen/raksha/internal/scoring"
)

// SafeMessage is the message of verdicts whose level is SAFE or LOW.
const SafeMessage = "Safe browsing!"

// Request is one scan request. Hostname is optional; when it disagrees with the
// URL's host the URL wins.
type Request struct {
	URL      string `json:"url"`
	Hostname string `json:"hostname,omitempty"`
}

// Verdict is the result of one scan. It is created once per computation and
// shared by every caller that hits the same cache entry; Scan hands out copies.
type Verdict struct {
	URL         string        `json:"url"`
	Hostname    string        `json:"hostname"`
	Safe        bool          `json:"safe"`
	ThreatLevel scoring.Level `json:"threat_level"`
	RiskScore   float64       `json:"risk_score"`
	Confidence  float64       `json:"confidence"`
	Threats     []string      `json:"threats"`
	Evidence    []string      `json:"evidence"`
	Message     string        `json:"message"`
	ScanID      string        `json:"scan_id"`
	ScannedAt   time.Time     `json:"scanned_at"`

	// Items is the structured evidence behind Evidence.
	Items []rules.Evidence `json:"-"`
}

// Blocking reports whether the verdict's score exceeds a consumer's block threshold.
func (v Verdict) Blocking(threshold float64) bool {
	return v.RiskScore > threshold
}

func (v Verdict) clone() Verdict {
	v.Threats = slices.Clone(v.Threats)
	v.Evidence = slices.Clone(v.Evidence)
	v.Items = slices.Clone(v.Items)
	return v
}

func newVerdict(url, hostname string, score, confidence float64, level scoring.Level, items []rules.Evidence) Verdict {
	threats := rules.Result{Evidence: items}.Threats()
	evidence := make([]string, len(items))
	for i, item := range items {
		evidence[i] = item.String()
	}

	message := SafeMessage
	if !level.Safe() {
		message = fmt.Sprintf("%s: %s", level, strings.Join(threats, ", "))
	}

	return Verdict{
		URL:         url,
		Hostname:    hostname,
		Safe:        level.Safe(),
		ThreatLevel: level,
		RiskScore:   round2(score),
		Confidence:  round2(confidence),
		Threats:     threats,
		Evidence:    evidence,
		Message:     message,
		Items:       items,
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
