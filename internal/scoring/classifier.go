package scoring

import "fmt"

// Score brackets of the decision table.
const (
	criticalScore     = 8.0
	criticalConfScore = 6.0
	highScore         = 5.0
	highConfScore     = 3.0
	mediumScore       = 3.0
	mediumConfScore   = 1.0
	lowScore          = 1.0
)

// Thresholds are the confidence levels that let a borderline score escalate.
type Thresholds struct {
	High   float64 `yaml:"high" json:"high"`
	Medium float64 `yaml:"medium" json:"medium"`
	Low    float64 `yaml:"low" json:"low"`
}

// DefaultThresholds returns the recommended 0.7 / 0.5 / 0.3 thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.7, Medium: 0.5, Low: 0.3}
}

// Validate checks 0 ≤ low ≤ medium ≤ high ≤ 1.
func (t Thresholds) Validate() error {
	if t.Low < 0 || t.Low > t.Medium || t.Medium > t.High || t.High > 1 {
		return fmt.Errorf("thresholds must satisfy 0 <= low <= medium <= high <= 1, got low=%v medium=%v high=%v",
			t.Low, t.Medium, t.High)
	}
	return nil
}

// Classifier maps (risk score, confidence) to a Level. Confidence can only raise a
// borderline score into the next bracket; it never lowers a high score.
type Classifier struct {
	thresholds Thresholds
}

// NewClassifier validates thresholds and returns a Classifier.
func NewClassifier(t Thresholds) (*Classifier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{thresholds: t}, nil
}

// Thresholds returns the configured thresholds.
func (c *Classifier) Thresholds() Thresholds { return c.thresholds }

// Classify evaluates the decision table top-down; the first matching row wins.
func (c *Classifier) Classify(score, confidence float64) Level {
	t := c.thresholds
	switch {
	case score >= criticalScore || (score >= criticalConfScore && confidence >= t.High):
		return LevelCritical
	case score >= highScore || (score >= highConfScore && confidence >= t.Medium):
		return LevelHigh
	case score >= mediumScore || (score >= mediumConfScore && confidence >= t.Low):
		return LevelMedium
	case score >= lowScore:
		return LevelLow
	default:
		return LevelSafe
	}
}
