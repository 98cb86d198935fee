package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/llmweaver/llmweaver/internal/auth"
	"github.com/llmweaver/llmweaver/internal/balancer"
	lwCache "github.com/llmweaver/llmweaver/internal/cache"
	"github.com/llmweaver/llmweaver/internal/metrics"
	"github.com/llmweaver/llmweaver/internal/outcomelog"
	"github.com/llmweaver/llmweaver/internal/proxy"
	"github.com/llmweaver/llmweaver/internal/ratelimit"
	"github.com/llmweaver/llmweaver/internal/store"
	"github.com/llmweaver/llmweaver/internal/store/clickhousestore"
	"github.com/llmweaver/llmweaver/internal/upstream"
	anthropicup "github.com/llmweaver/llmweaver/internal/upstream/anthropic"
	azureup "github.com/llmweaver/llmweaver/internal/upstream/azure"
	geminiup "github.com/llmweaver/llmweaver/internal/upstream/gemini"
	openaiup "github.com/llmweaver/llmweaver/internal/upstream/openai"
)

// initInfra establishes the optional external connections. Both Redis and
// ClickHouse are best-effort dependencies: the gateway degrades to
// in-process equivalents when they are absent.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouse.URL != "" {
		a.log.Info("connecting to clickhouse", slog.String("url", redactURL(a.cfg.ClickHouse.URL)))

		ch, err := clickhousestore.Open(ctx, a.cfg.ClickHouse.URL)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.ch = ch
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initStores loads the channel, mapping, and credential seed data.
func (a *App) initStores(_ context.Context) error {
	a.mem = store.NewMemory()
	if err := a.mem.LoadSeedFile(a.cfg.ChannelsFile); err != nil {
		return fmt.Errorf("seed file %s: %w", a.cfg.ChannelsFile, err)
	}

	channels, err := a.mem.ActiveChannels(a.baseCtx)
	if err != nil {
		return err
	}
	models, err := a.mem.PublicModels(a.baseCtx)
	if err != nil {
		return err
	}
	a.log.Info("stores loaded",
		slog.Int("active_channels", len(channels)),
		slog.Int("public_models", len(models)))

	return nil
}

// initServices creates the adapters, metrics registry, balancer, and the
// async outcome writer.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.adapters = buildAdapters()

	// Durable outcomes when ClickHouse is up; in-memory window otherwise.
	var sink store.OutcomeStore = a.mem
	if a.ch != nil {
		sink = a.ch
	}
	w, err := outcomelog.New(ctx, sink, a.log, outcomelog.Options{
		OnDropped: a.prom.RecordOutcomeDropped,
	})
	if err != nil {
		return err
	}
	a.outcomes = w

	strategy, ok := balancer.ParseStrategy(a.cfg.Balancer.DefaultStrategy)
	if !ok {
		return fmt.Errorf("unknown strategy: %s", a.cfg.Balancer.DefaultStrategy)
	}

	a.lb = balancer.New(balancer.Options{
		Channels:        a.mem,
		Outcomes:        a.outcomes,
		Adapters:        a.adapters,
		Logger:          a.log,
		Metrics:         a.prom,
		DefaultStrategy: strategy,
		StickyEnabled:   a.cfg.Balancer.CacheTracking,
		Config: balancer.Config{
			WindowMinutes:          a.cfg.Balancer.MetricsWindowMinutes,
			StickyTTL:              a.cfg.Balancer.StickyTTL,
			MaxConsecutiveFailures: a.cfg.Balancer.MaxConsecutiveFailures,
			LatencyWeight:          a.cfg.Balancer.LatencyWeight,
		},
	})

	return nil
}

// initGateway wires together the routing pipeline with all configured
// subsystems.
func (a *App) initGateway(ctx context.Context) error {
	// Credential cache: Redis when available, in-process otherwise. The
	// cache only holds key-digest → credential-id mappings.
	var credCache lwCache.Cache
	if a.rdb != nil {
		credCache = lwCache.NewExactCacheFromClient(a.rdb)
	} else {
		credCache = lwCache.NewMemoryCache(ctx)
	}

	authn := auth.New(a.mem, credCache, a.log)

	// Per-key rate limiting needs the shared sliding window in Redis;
	// without it the limiter is disabled rather than approximated.
	var rpm *ratelimit.RPMLimiter
	if a.rdb != nil && a.cfg.RateLimitPerMinute > 0 {
		rpm = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimitPerMinute)
		a.log.Info("rate limiting enabled", slog.Int("default_rpm", a.cfg.RateLimitPerMinute))
	}

	if a.cfg.AdminToken == "" {
		a.log.Warn("admin token not set, admin routes disabled")
	}

	gw, err := proxy.New(a.baseCtx, proxy.Options{
		Channels:        a.mem,
		Credentials:     a.mem,
		Outcomes:        a.outcomes,
		Auth:            authn,
		Balancer:        a.lb,
		Adapters:        a.adapters,
		Logger:          a.log,
		Metrics:         a.prom,
		RPM:             rpm,
		UpstreamTimeout: a.cfg.UpstreamTimeout,
		AdminToken:      a.cfg.AdminToken,
		CORSOrigins:     a.cfg.CORSOrigins,
		Version:         a.version,
	})
	if err != nil {
		return err
	}
	a.gw = gw

	return nil
}

// buildAdapters returns the full adapter set. Adapters are stateless; a
// channel of any kind can appear at runtime, so all kinds are registered.
func buildAdapters() map[string]upstream.Adapter {
	return map[string]upstream.Adapter{
		store.KindOpenAI:    openaiup.New(),
		store.KindMistral:   openaiup.NewMistral(),
		store.KindCohere:    openaiup.NewCohere(),
		store.KindAzure:     azureup.New(),
		store.KindAnthropic: anthropicup.New(),
		store.KindGemini:    geminiup.New(),
	}
}
