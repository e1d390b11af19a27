// Package engine turns a raw URL into a graded verdict: feature extraction, rule
// evaluation, optional reputation enrichment, confidence estimation and
// classification, memoized per canonical URL.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/raksha/internal/cache"
	"github.com/lvonguyen/raksha/internal/enrichment"
	"github.com/lvonguyen/raksha/internal/features"
	"github.com/lvonguyen/raksha/internal/observability"
	"github.com/lvonguyen/raksha/internal/rules"
	"github.com/lvonguyen/raksha/internal/scoring"
)

// Defaults applied by New for zero-valued options.
const (
	DefaultEnrichmentTimeout = 2 * time.Second
	DefaultReputationWeight  = 4.0
	DefaultCacheTTL          = 5 * time.Minute
)

var (
	// ErrInvalidURL is returned before any scoring when the input is not an
	// http(s) URL with a host. It is a caller error, not a verdict.
	ErrInvalidURL = errors.New("invalid url")

	// ErrScanFailed wraps a failure to compute a verdict.
	ErrScanFailed = errors.New("scan failed")
)

// Evaluator scores a feature vector. *rules.Evaluator implements it.
type Evaluator interface {
	Evaluate(v features.Vector) rules.Result
}

// Publisher receives each freshly computed verdict. Publish must not block.
type Publisher interface {
	Publish(v Verdict)
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Extractor  *features.Extractor
	Evaluator  Evaluator
	Classifier *scoring.Classifier

	// Enrichment is the reputation source; nil means none.
	Enrichment        enrichment.Adapter
	EnrichmentTimeout time.Duration
	ReputationWeight  float64

	CacheTTL time.Duration
	Store    cache.Store[Verdict]
	Clock    cache.Clock

	// BlockThreshold is echoed by Settings for consumers; verdicts ignore it.
	BlockThreshold float64

	// Publisher is notified on cache misses only.
	Publisher Publisher

	Logger  *zap.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer
}

// Engine scores URLs. It is safe for concurrent use; the verdict cache is its only
// mutable shared state.
type Engine struct {
	extractor  *features.Extractor
	evaluator  Evaluator
	classifier *scoring.Classifier
	adapter    enrichment.Adapter
	timeout    time.Duration
	repWeight  float64
	blockAt    float64
	publisher  Publisher

	cache   *cache.Cache[Verdict]
	clock   cache.Clock
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	started time.Time
	scans   atomic.Uint64
}

// New builds an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Extractor == nil {
		opts.Extractor = features.NewExtractor(features.Options{})
	}
	if opts.Evaluator == nil {
		ev, err := rules.NewEvaluator(nil, rules.WithLogger(opts.Logger))
		if err != nil {
			return nil, err
		}
		opts.Evaluator = ev
	}
	if opts.Classifier == nil {
		c, err := scoring.NewClassifier(scoring.DefaultThresholds())
		if err != nil {
			return nil, err
		}
		opts.Classifier = c
	}
	if opts.Enrichment == nil {
		opts.Enrichment = enrichment.Noop{}
	}
	if opts.EnrichmentTimeout <= 0 {
		opts.EnrichmentTimeout = DefaultEnrichmentTimeout
	}
	if opts.ReputationWeight < 0 {
		return nil, fmt.Errorf("reputation weight must be >= 0, got %v", opts.ReputationWeight)
	}
	if opts.ReputationWeight == 0 {
		opts.ReputationWeight = DefaultReputationWeight
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = cache.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(observability.TracerName)
	}

	e := &Engine{
		extractor:  opts.Extractor,
		evaluator:  opts.Evaluator,
		classifier: opts.Classifier,
		adapter:    opts.Enrichment,
		timeout:    opts.EnrichmentTimeout,
		repWeight:  opts.ReputationWeight,
		blockAt:    opts.BlockThreshold,
		publisher:  opts.Publisher,
		clock:      opts.Clock,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
	}
	cacheOpts := []cache.Option[Verdict]{
		cache.WithClock[Verdict](opts.Clock),
		cache.WithLogger[Verdict](opts.Logger),
		cache.WithObserver[Verdict](opts.Metrics.ObserveCache),
	}
	if opts.Store != nil {
		cacheOpts = append(cacheOpts, cache.WithStore[Verdict](opts.Store))
	}
	e.cache = cache.New[Verdict](opts.CacheTTL, cacheOpts...)
	e.started = opts.Clock.Now()
	return e, nil
}

// ParseURL validates raw as an absolute http or https URL with a host.
func ParseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return nil, fmt.Errorf("%w: missing scheme in %q", ErrInvalidURL, raw)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}
	return u, nil
}

// ScanURL is Scan for a bare URL.
func (e *Engine) ScanURL(ctx context.Context, raw string) (Verdict, error) {
	return e.Scan(ctx, Request{URL: raw})
}

// Scan returns the verdict for req.URL, computing it at most once per canonical
// URL and cache TTL. Invalid input fails with ErrInvalidURL before any scoring.
// If ctx ends while another caller's computation is in flight, Scan returns
// ctx.Err() and the computation still completes for the others.
func (e *Engine) Scan(ctx context.Context, req Request) (Verdict, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Scan")
	defer span.End()

	u, err := ParseURL(req.URL)
	if err != nil {
		e.metrics.ObserveScanError("invalid_url")
		span.SetStatus(codes.Error, "invalid url")
		return Verdict{}, err
	}
	if req.Hostname != "" {
		if given, actual := features.NormalizeHost(req.Hostname), features.NormalizeHost(u.Hostname()); given != actual {
			e.logger.Debug("Ignoring hostname that disagrees with URL",
				zap.String("hostname", given), zap.String("url_host", actual))
		}
	}

	key := features.Canonicalize(u)
	span.SetAttributes(attribute.String("url.canonical", key))
	e.scans.Add(1)

	v, hit, err := e.cache.GetOrCompute(ctx, key, func(ctx context.Context) (Verdict, error) {
		return e.compute(ctx, key, u)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return Verdict{}, err
		}
		e.metrics.ObserveScanError("compute")
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return Verdict{}, fmt.Errorf("%w: %w", ErrScanFailed, err)
	}

	span.SetAttributes(
		attribute.Bool("cache.hit", hit),
		attribute.String("threat_level", v.ThreatLevel.String()),
	)
	return v.clone(), nil
}

// compute runs the full pipeline for one cache miss.
func (e *Engine) compute(ctx context.Context, key string, u *url.URL) (v Verdict, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.compute")
	defer span.End()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Verdict computation panicked", zap.String("url", key), zap.Any("panic", r))
			err = fmt.Errorf("computing verdict for %s: panic: %v", key, r)
		}
	}()

	vec := e.extractor.Extract(u)
	result := e.evaluator.Evaluate(vec)

	items := slices.Clone(result.Evidence)
	score := result.Score
	if rep, ok := e.enrich(ctx, vec); ok {
		items = append(items, rep)
		score += rep.Weight
	}

	// Classify what the verdict reports, so consumers re-reading the score
	// against the level table agree with it.
	score = round2(score)
	confidence := round2(scoring.Estimate(items))
	level := e.classifier.Classify(score, confidence)

	v = newVerdict(key, vec.Hostname, score, confidence, level, items)
	v.ScanID = uuid.NewString()
	v.ScannedAt = e.clock.Now().UTC()

	e.metrics.ObserveScan(level.String(), time.Since(start))
	e.logger.Debug("Computed verdict",
		zap.String("url", key),
		zap.String("scan_id", v.ScanID),
		zap.String("threat_level", level.String()),
		zap.Float64("risk_score", v.RiskScore),
		zap.Float64("confidence", v.Confidence),
		zap.Int("evidence", len(items)),
	)
	if e.publisher != nil {
		e.publisher.Publish(v.clone())
	}
	return v, nil
}

// enrich asks the reputation source about vec's host within the configured
// timeout. The timeout holds even if the adapter ignores its context. A positive
// Present score becomes one reputation evidence item; anything else contributes
// nothing and is only logged.
func (e *Engine) enrich(ctx context.Context, vec features.Vector) (rules.Evidence, bool) {
	name := e.adapter.Name()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "enrichment.Lookup", trace.WithAttributes(attribute.String("provider", name)))
	defer span.End()
	// The adapter's deadline falls just before ours so partial answers still arrive.
	lookupCtx, lookupCancel := context.WithTimeout(ctx, e.timeout-lookupMargin(e.timeout))
	defer lookupCancel()

	target := enrichment.Target{
		URL:      vec.URL,
		Hostname: vec.Hostname,
		Domain:   vec.Registrable,
		IsIP:     vec.IsIPHost,
	}

	start := time.Now()
	ch := make(chan enrichment.Signal, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- enrichment.Unavailable(name, fmt.Errorf("panic: %v", r))
			}
		}()
		ch <- e.adapter.Lookup(lookupCtx, target)
	}()

	var sig enrichment.Signal
	select {
	case sig = <-ch:
	case <-ctx.Done():
		sig = enrichment.Unavailable(name, ctx.Err())
	}
	elapsed := time.Since(start)

	switch s := sig.(type) {
	case enrichment.Present:
		e.metrics.ObserveEnrichment(name, "present", elapsed)
		span.SetAttributes(attribute.Float64("reputation.score", s.Score))
		if s.Score <= 0 {
			return rules.Evidence{}, false
		}
		return reputationEvidence(s, e.repWeight), true
	case enrichment.Absent:
		if errors.Is(s.Reason, enrichment.ErrNotConfigured) && !errors.Is(s.Reason, enrichment.ErrEnrichmentUnavailable) {
			e.metrics.ObserveEnrichment(name, "not_configured", elapsed)
			return rules.Evidence{}, false
		}
		e.metrics.ObserveEnrichment(name, "unavailable", elapsed)
		span.RecordError(s.Reason)
		e.logger.Warn("Enrichment unavailable, scoring without reputation",
			zap.String("provider", s.Source),
			zap.String("host", vec.Hostname),
			zap.Duration("elapsed", elapsed),
			zap.Error(s.Reason),
		)
	default:
		e.metrics.ObserveEnrichment(name, "unavailable", elapsed)
		e.logger.Warn("Enrichment returned no signal", zap.String("provider", name))
	}
	return rules.Evidence{}, false
}

// lookupMargin is a tenth of the enrichment timeout, capped at 100ms.
func lookupMargin(timeout time.Duration) time.Duration {
	return min(timeout/10, 100*time.Millisecond)
}

func reputationEvidence(s enrichment.Present, weight float64) rules.Evidence {
	threat := "Bad reputation"
	if s.ThreatType != "" && s.ThreatType != enrichment.ThreatTypeUnknown {
		threat = "Reputation: " + strings.ReplaceAll(string(s.ThreatType), "_", " ")
	}
	desc := fmt.Sprintf("%s reputation score %.2f", s.Source, s.Score)
	if s.Detail != "" {
		desc += " (" + s.Detail + ")"
	}
	return rules.Evidence{
		RuleID:      "reputation:" + s.Source,
		Category:    rules.CategoryReputation,
		Threat:      threat,
		Description: desc,
		Weight:      weight * s.Score,
	}
}

// Run sweeps expired verdicts every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	e.cache.Run(ctx, interval)
}

// Stats is a read-only snapshot of engine counters.
type Stats struct {
	cache.Stats
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	ScansTotal    uint64  `json:"scans_total"`
}

// Stats returns cache counters and uptime.
func (e *Engine) Stats() Stats {
	uptime := e.clock.Now().Sub(e.started)
	return Stats{
		Stats:         e.cache.Stats(),
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		ScansTotal:    e.scans.Load(),
	}
}

// Settings is the read-only echo of the engine's tunables.
type Settings struct {
	Thresholds        scoring.Thresholds `json:"thresholds"`
	TTL               string             `json:"ttl"`
	TTLSeconds        float64            `json:"ttl_seconds"`
	BlockThreshold    float64            `json:"block_threshold"`
	ReputationWeight  float64            `json:"reputation_weight"`
	EnrichmentTimeout string             `json:"enrichment_timeout"`
	EnrichmentEnabled bool               `json:"enrichment_enabled"`
	Providers         []string           `json:"providers"`
	Weights           map[string]float64 `json:"weights,omitempty"`
}

// Settings returns the current tunables.
func (e *Engine) Settings() Settings {
	s := Settings{
		Thresholds:        e.classifier.Thresholds(),
		TTL:               e.cache.TTL().String(),
		TTLSeconds:        e.cache.TTL().Seconds(),
		BlockThreshold:    e.blockAt,
		ReputationWeight:  e.repWeight,
		EnrichmentTimeout: e.timeout.String(),
		Providers:         providerNames(e.adapter),
	}
	s.EnrichmentEnabled = len(s.Providers) > 0
	if w, ok := e.evaluator.(interface{ Weights() map[string]float64 }); ok {
		s.Weights = w.Weights()
	}
	return s
}

// BlockThreshold returns the consumer block threshold.
func (e *Engine) BlockThreshold() float64 { return e.blockAt }

// Ready reports whether the reputation sources answer their health checks.
// Sources without a health check, and an engine without enrichment, are ready.
func (e *Engine) Ready(ctx context.Context) error {
	if hc, ok := e.adapter.(enrichment.HealthChecker); ok {
		ctx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		return hc.HealthCheck(ctx)
	}
	return nil
}

func providerNames(a enrichment.Adapter) []string {
	if m, ok := a.(*enrichment.Multi); ok {
		names := make([]string, 0, len(m.Adapters()))
		for _, sub := range m.Adapters() {
			names = append(names, providerNames(sub)...)
		}
		return names
	}
	if _, ok := a.(enrichment.Noop); ok {
		return []string{}
	}
	return []string{a.Name()}
}
