package enrichment

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Multi fans a lookup out to several adapters and keeps the strongest answer.
type Multi struct {
	adapters []Adapter
}

// NewMulti combines adapters. With zero adapters it behaves like Noop.
func NewMulti(adapters ...Adapter) *Multi {
	return &Multi{adapters: adapters}
}

// Name joins the names of the combined adapters.
func (m *Multi) Name() string {
	if len(m.adapters) == 0 {
		return Noop{}.Name()
	}
	names := make([]string, len(m.adapters))
	for i, a := range m.adapters {
		names[i] = a.Name()
	}
	return strings.Join(names, "+")
}

// Adapters returns the combined adapters.
func (m *Multi) Adapters() []Adapter {
	return append([]Adapter(nil), m.adapters...)
}

// Lookup queries every adapter concurrently. It returns the highest-scoring Present
// signal, or an Absent joining every reason when no adapter answered. When ctx is
// done before every adapter has answered, the answers collected so far decide.
func (m *Multi) Lookup(ctx context.Context, target Target) Signal {
	if len(m.adapters) == 0 {
		return Noop{}.Lookup(ctx, target)
	}

	// Buffered so adapters that finish after ctx is done never block.
	results := make(chan Signal, len(m.adapters))
	for _, a := range m.adapters {
		go func() {
			results <- a.Lookup(ctx, target)
		}()
	}

	var (
		best    Present
		found   bool
		reasons []error
	)
	for pending := len(m.adapters); pending > 0; pending-- {
		var s Signal
		select {
		case s = <-results:
		case <-ctx.Done():
			if found {
				return best
			}
			reasons = append(reasons, fmt.Errorf("%d of %d sources did not answer: %w", pending, len(m.adapters), ctx.Err()))
			return m.absent(reasons)
		}
		switch sig := s.(type) {
		case Present:
			if !found || sig.Score > best.Score {
				best, found = sig, true
			}
		case Absent:
			reasons = append(reasons, sig.Reason)
		}
	}
	if found {
		return best
	}
	return m.absent(reasons)
}

// absent joins reasons. The result is unavailable unless every source was merely
// not configured.
func (m *Multi) absent(reasons []error) Absent {
	unconfigured := true
	for _, r := range reasons {
		if !errors.Is(r, ErrNotConfigured) || errors.Is(r, ErrEnrichmentUnavailable) {
			unconfigured = false
		}
	}
	reason := errors.Join(reasons...)
	if !unconfigured && !errors.Is(reason, ErrEnrichmentUnavailable) {
		reason = errors.Join(ErrEnrichmentUnavailable, reason)
	}
	return Absent{Source: m.Name(), Reason: reason}
}

// HealthCheck checks every adapter that supports it.
func (m *Multi) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, a := range m.adapters {
		if hc, ok := a.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
