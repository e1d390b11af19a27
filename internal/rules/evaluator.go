package rules

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lvonguyen/raksha/internal/features"
)

// Result is the raw score and the evidence that produced it. The score is
// additive and unclamped.
type Result struct {
	Score    float64
	Evidence []Evidence
}

// Threats returns the distinct threat labels in evidence order.
func (r Result) Threats() []string {
	seen := make(map[string]bool, len(r.Evidence))
	threats := make([]string, 0, len(r.Evidence))
	for _, e := range r.Evidence {
		if !seen[e.Threat] {
			seen[e.Threat] = true
			threats = append(threats, e.Threat)
		}
	}
	return threats
}

// Evaluator applies an ordered rule registry to feature vectors. It holds no
// mutable state and is safe for concurrent use.
type Evaluator struct {
	rules  []Rule
	logger *zap.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the logger used to report recovered rule panics.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRules replaces the built-in registry.
func WithRules(rules []Rule) Option {
	return func(e *Evaluator) {
		e.rules = append([]Rule(nil), rules...)
	}
}

// NewEvaluator builds an Evaluator over DefaultRules. weights overrides rule
// weights by ID; unknown IDs are an error so typos in configuration surface early.
func NewEvaluator(weights map[string]float64, opts ...Option) (*Evaluator, error) {
	e := &Evaluator{
		rules:  DefaultRules(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	for id, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("rule %s: weight must be non-negative, got %v", id, w)
		}
		found := false
		for i := range e.rules {
			if e.rules[i].ID == id {
				e.rules[i].Weight = w
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown rule %q in weights", id)
		}
	}
	return e, nil
}

// Rules returns a copy of the registry in evaluation order.
func (e *Evaluator) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Weights returns the effective weight of every rule keyed by ID.
func (e *Evaluator) Weights() map[string]float64 {
	w := make(map[string]float64, len(e.rules))
	for _, r := range e.rules {
		w[r.ID] = r.Weight
	}
	return w
}

// Evaluate runs every rule against v. It never panics: a rule whose predicate
// panics contributes nothing.
func (e *Evaluator) Evaluate(v features.Vector) Result {
	var res Result
	for _, r := range e.rules {
		if r.Weight == 0 {
			continue
		}
		desc, ok := e.apply(r, v)
		if !ok {
			continue
		}
		res.Score += r.Weight
		res.Evidence = append(res.Evidence, Evidence{
			RuleID:      r.ID,
			Category:    r.Category,
			Threat:      r.Threat,
			Description: desc,
			Weight:      r.Weight,
		})
	}
	return res
}

func (e *Evaluator) apply(r Rule, v features.Vector) (desc string, matched bool) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("Rule panicked",
				zap.String("rule", r.ID),
				zap.Any("panic", p),
				zap.String("hostname", v.Hostname),
			)
			desc, matched = "", false
		}
	}()

	if r.Match == nil || !r.Match(v) {
		return "", false
	}
	if r.Describe != nil {
		desc = r.Describe(v)
	}
	if desc == "" {
		desc = r.Threat
	}
	return desc, true
}
