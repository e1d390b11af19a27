package scoring

import (
	"math"

	"github.com/lvonguyen/raksha/internal/rules"
)

// Confidence curve parameters. Each evidence item adds itemRate and each category
// beyond the first adds categoryRate to the exponent.
const (
	ConfidenceFloor = 0.1
	itemRate        = 0.2
	categoryRate    = 0.35
)

// Estimate derives a confidence in [ConfidenceFloor, 1] from the number of distinct
// evidence items and the number of distinct categories they span. It is monotonic
// in both. Empty evidence yields the floor.
func Estimate(evidence []rules.Evidence) float64 {
	items := make(map[string]bool, len(evidence))
	categories := make(map[rules.Category]bool)
	for _, e := range evidence {
		items[e.RuleID] = true
		categories[e.Category] = true
	}
	return confidence(len(items), len(categories))
}

func confidence(n, k int) float64 {
	if n == 0 {
		return ConfidenceFloor
	}
	spread := max(k-1, 0)
	c := 1 - (1-ConfidenceFloor)*math.Exp(-(itemRate*float64(n) + categoryRate*float64(spread)))
	return math.Max(ConfidenceFloor, math.Min(1, c))
}
