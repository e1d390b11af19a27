// Package app assembles a scan engine and its supporting services from configuration.
//
// Both the HTTP server and the command-line scanner build their engine here so the
// two surfaces always score URLs the same way.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/raksha/internal/api"
	"github.com/lvonguyen/raksha/internal/api/gateway"
	"github.com/lvonguyen/raksha/internal/cache"
	"github.com/lvonguyen/raksha/internal/config"
	"github.com/lvonguyen/raksha/internal/engine"
	"github.com/lvonguyen/raksha/internal/enrichment"
	"github.com/lvonguyen/raksha/internal/export"
	"github.com/lvonguyen/raksha/internal/features"
	"github.com/lvonguyen/raksha/internal/observability"
	"github.com/lvonguyen/raksha/internal/rules"
	"github.com/lvonguyen/raksha/internal/scoring"
)

const redisPingTimeout = 2 * time.Second

// Application holds the engine and the services shared by its surfaces.
type Application struct {
	Config *config.Config
	Engine *engine.Engine

	logger  *zap.Logger
	metrics *observability.Metrics
	redis   *redis.Client
	limiter *gateway.RateLimiter
	otx     *enrichment.OTXAdapter
	splunk  *export.SplunkSender
}

// New wires an Application from cfg. metrics may be nil.
func New(cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Application{Config: cfg, logger: logger, metrics: metrics}

	extractor, err := newExtractor(cfg)
	if err != nil {
		return nil, err
	}
	evaluator, err := rules.NewEvaluator(cfg.Scoring.Weights, rules.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("building rule evaluator: %w", err)
	}
	classifier, err := scoring.NewClassifier(cfg.Scoring.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("building classifier: %w", err)
	}

	opts := engine.Options{
		Extractor:         extractor,
		Evaluator:         evaluator,
		Classifier:        classifier,
		Enrichment:        a.newAdapter(),
		EnrichmentTimeout: cfg.ThreatIntel.Timeout,
		ReputationWeight:  cfg.Scoring.ReputationWeight,
		CacheTTL:          cfg.Cache.TTL,
		BlockThreshold:    cfg.Scoring.BlockThreshold,
		Logger:            logger,
		Metrics:           metrics,
	}

	if cfg.Export.Splunk.Enabled {
		sender, err := export.NewSplunkSender(cfg.Export.Splunk, logger)
		if err != nil {
			logger.Warn("Splunk export disabled", zap.Error(err))
		} else {
			a.splunk = sender
			opts.Publisher = sender
		}
	}

	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			// Store and limiter both degrade gracefully; keep serving.
			logger.Warn("Redis unreachable, continuing with local cache only",
				zap.String("addr", cfg.Redis.Addr),
				zap.Error(err),
			)
		}
		cancel()
		opts.Store = cache.NewRedisStore[engine.Verdict](a.redis, cfg.Cache.RedisPrefix)

		if cfg.RateLimit.Enabled {
			a.limiter = gateway.NewRateLimiter(a.redis, cfg.RateLimit.Limits, logger)
		}
	}

	e, err := engine.New(opts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("building engine: %w", err)
	}
	a.Engine = e

	logger.Info("Scan engine ready",
		zap.Strings("providers", e.Settings().Providers),
		zap.Duration("cache_ttl", cfg.Cache.TTL),
		zap.Bool("redis", a.redis != nil),
		zap.Bool("rate_limit", a.limiter != nil),
		zap.Bool("splunk_export", a.splunk != nil),
	)
	return a, nil
}

// newExtractor merges the configured lists into the built-in ones.
func newExtractor(cfg *config.Config) (*features.Extractor, error) {
	allow := features.NewDomainSet(features.DefaultAllowlist...)
	extra, err := features.LoadDomainList(cfg.Lists.AllowlistFile)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}
	allow.Merge(extra)

	block, err := features.LoadDomainList(cfg.Lists.BlocklistFile)
	if err != nil {
		return nil, fmt.Errorf("loading blocklist: %w", err)
	}

	return features.NewExtractor(features.Options{
		TyposquatMaxDistance: cfg.Scoring.TyposquatMaxDistance,
		Allowlist:            allow,
		Blocklist:            block,
	}), nil
}

// newAdapter builds the enabled reputation sources. Sources without credentials
// are skipped with a warning rather than failing startup.
func (a *Application) newAdapter() enrichment.Adapter {
	ti := a.Config.ThreatIntel
	ti.OTX.Timeout = clampTimeout(ti.OTX.Timeout, ti.Timeout)
	ti.MISP.Timeout = clampTimeout(ti.MISP.Timeout, ti.Timeout)
	ti.Whois.Timeout = clampTimeout(ti.Whois.Timeout, ti.Timeout)
	ti.Content.Timeout = clampTimeout(ti.Content.Timeout, ti.Timeout)
	var adapters []enrichment.Adapter

	if ti.OTX.Enabled {
		otx, err := enrichment.NewOTXAdapter(ti.OTX, a.logger)
		if err != nil {
			a.logger.Warn("OTX disabled", zap.Error(err))
		} else {
			a.otx = otx
			adapters = append(adapters, otx)
		}
	}
	if ti.MISP.Enabled {
		misp, err := enrichment.NewMISPAdapter(ti.MISP, a.logger)
		if err != nil {
			a.logger.Warn("MISP disabled", zap.Error(err))
		} else {
			adapters = append(adapters, misp)
		}
	}
	if ti.Whois.Enabled {
		adapters = append(adapters, enrichment.NewWhoisAdapter(ti.Whois, a.logger))
	}
	if ti.Content.Enabled {
		adapters = append(adapters, enrichment.NewContentAdapter(ti.Content, a.logger))
	}

	switch len(adapters) {
	case 0:
		return enrichment.Noop{}
	case 1:
		return adapters[0]
	default:
		return enrichment.NewMulti(adapters...)
	}
}

// clampTimeout bounds a provider timeout by the overall enrichment timeout. Unset
// provider timeouts take the limit.
func clampTimeout(d, limit time.Duration) time.Duration {
	if limit <= 0 {
		return d
	}
	if d <= 0 || d > limit {
		return limit
	}
	return d
}

// RateLimit returns the scan route middleware, or nil when rate limiting is off.
func (a *Application) RateLimit() func(http.Handler) http.Handler {
	if a.limiter == nil {
		return nil
	}
	tier := a.Config.RateLimit.Tier
	return a.limiter.Middleware(func(*http.Request) string { return tier }, nil)
}

// Handler builds the HTTP API for the engine.
func (a *Application) Handler(version string) http.Handler {
	return api.NewServer(a.Engine, api.Options{
		Version:        version,
		Logger:         a.logger,
		Metrics:        a.metrics,
		AllowedOrigins: a.Config.Server.AllowedOrigins,
		RequestTimeout: a.Config.Server.WriteTimeout,
		RateLimit:      a.RateLimit(),
	}).Router()
}

// Run drives background maintenance until ctx is done.
func (a *Application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Engine.Run(ctx, a.Config.Cache.SweepInterval)
		return nil
	})
	if a.otx != nil {
		g.Go(func() error {
			a.otx.Run(ctx, a.Config.ThreatIntel.OTX.CacheTTL)
			return nil
		})
	}
	if a.splunk != nil {
		g.Go(func() error {
			a.splunk.Run(ctx)
			return nil
		})
	}
	return g.Wait()
}

// ExportStats returns Splunk sender counters, or false when export is off.
func (a *Application) ExportStats() (export.SenderStats, bool) {
	if a.splunk == nil {
		return export.SenderStats{}, false
	}
	return a.splunk.Stats(), true
}

// Close releases the Redis connection pool.
func (a *Application) Close() error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Close()
}
