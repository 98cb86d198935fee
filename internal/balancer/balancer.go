// Package balancer selects upstream channels for incoming requests.
//
// The Balancer is the gateway's only process-wide mutable state: a health
// table fed by probes and request outcomes, a windowed performance cache
// over the outcome store, and a sticky-route table for prompt-cache
// affinity. Selection filters candidates to healthy ones (degrading to the
// full active set when nothing is healthy) and applies one of four
// strategies: random, weighted random, lowest cost, or best performance.
package balancer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/llmweaver/llmweaver/internal/metrics"
	"github.com/llmweaver/llmweaver/internal/store"
	"github.com/llmweaver/llmweaver/internal/upstream"
)

// ErrNoChannel is returned by Select when no active channel maps the
// requested model. It is the only error Select produces.
var ErrNoChannel = errors.New("balancer: no channel supports the requested model")

// Config is the tunable part of the balancer, adjustable at runtime via
// SetConfig.
type Config struct {
	WindowMinutes          int           `json:"window_minutes"`
	StickyTTL              time.Duration `json:"sticky_ttl"`
	MaxConsecutiveFailures int           `json:"max_consecutive_failures"`
	LatencyWeight          float64       `json:"latency_weight"`
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		WindowMinutes:          30,
		StickyTTL:              5 * time.Minute,
		MaxConsecutiveFailures: 3,
		LatencyWeight:          0.3,
	}
}

// SelectOptions tweaks a single Select call.
type SelectOptions struct {
	// Strategy overrides the default strategy when non-empty.
	Strategy Strategy
	// DisableSticky skips sticky-route lookup for this call.
	DisableSticky bool
}

// Options configures a Balancer.
type Options struct {
	Channels store.ChannelStore
	Outcomes store.OutcomeStore
	Adapters map[string]upstream.Adapter
	Logger   *slog.Logger
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Registry

	DefaultStrategy Strategy
	StickyEnabled   bool
	Config          Config
}

// Balancer is safe for concurrent use.
type Balancer struct {
	channels store.ChannelStore
	adapters map[string]upstream.Adapter
	log      *slog.Logger
	metrics  *metrics.Registry

	health *healthTable
	sticky *stickyTable
	perf   *perfAnalyzer

	// cfgMu guards the runtime-tunable fields below.
	cfgMu           sync.RWMutex
	cfg             Config
	defaultStrategy Strategy
	stickyEnabled   bool
}

// New creates a Balancer. Zero-value Config fields fall back to defaults.
func New(opts Options) *Balancer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	def := DefaultConfig()
	if opts.Config.WindowMinutes <= 0 {
		opts.Config.WindowMinutes = def.WindowMinutes
	}
	if opts.Config.StickyTTL <= 0 {
		opts.Config.StickyTTL = def.StickyTTL
	}
	if opts.Config.MaxConsecutiveFailures <= 0 {
		opts.Config.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if opts.Config.LatencyWeight <= 0 {
		opts.Config.LatencyWeight = def.LatencyWeight
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = StrategyWeighted
	}

	b := &Balancer{
		channels:        opts.Channels,
		adapters:        opts.Adapters,
		log:             opts.Logger,
		metrics:         opts.Metrics,
		health:          newHealthTable(),
		sticky:          newStickyTable(),
		perf:            newPerfAnalyzer(opts.Outcomes, opts.Logger),
		cfg:             opts.Config,
		defaultStrategy: opts.DefaultStrategy,
		stickyEnabled:   opts.StickyEnabled,
	}
	return b
}

func (b *Balancer) lockCfg() Config {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.cfg
}

func (b *Balancer) windowMinutes() int          { return b.lockCfg().WindowMinutes }
func (b *Balancer) stickyTTL() time.Duration    { return b.lockCfg().StickyTTL }
func (b *Balancer) maxConsecutiveFailures() int { return b.lockCfg().MaxConsecutiveFailures }
func (b *Balancer) latencyWeight() float64      { return b.lockCfg().LatencyWeight }

// DefaultStrategy returns the current default strategy.
func (b *Balancer) DefaultStrategy() Strategy {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.defaultStrategy
}

// SetDefaultStrategy changes the strategy used when a call carries no
// override.
func (b *Balancer) SetDefaultStrategy(s Strategy) {
	b.cfgMu.Lock()
	b.defaultStrategy = s
	b.cfgMu.Unlock()
	b.log.Info("default_strategy_changed", slog.String("strategy", string(s)))
}

// StickyEnabled reports whether cache-affinity routing is on.
func (b *Balancer) StickyEnabled() bool {
	b.cfgMu.RLock()
	defer b.cfgMu.RUnlock()
	return b.stickyEnabled
}

// SetStickyEnabled toggles cache-affinity routing globally.
func (b *Balancer) SetStickyEnabled(enabled bool) {
	b.cfgMu.Lock()
	b.stickyEnabled = enabled
	b.cfgMu.Unlock()
	b.log.Info("sticky_routing_toggled", slog.Bool("enabled", enabled))
}

// SetConfig replaces the tunable configuration. Zero fields keep their
// current values.
func (b *Balancer) SetConfig(cfg Config) {
	b.cfgMu.Lock()
	defer b.cfgMu.Unlock()
	if cfg.WindowMinutes > 0 {
		b.cfg.WindowMinutes = cfg.WindowMinutes
	}
	if cfg.StickyTTL > 0 {
		b.cfg.StickyTTL = cfg.StickyTTL
	}
	if cfg.MaxConsecutiveFailures > 0 {
		b.cfg.MaxConsecutiveFailures = cfg.MaxConsecutiveFailures
	}
	if cfg.LatencyWeight > 0 {
		b.cfg.LatencyWeight = cfg.LatencyWeight
	}
}

// Select picks a channel serving the public model.
//
// Guarantees: if any supporting channel is judged healthy, a healthy one is
// returned; otherwise the full active candidate set stays eligible
// (degraded mode). A valid sticky route to a healthy channel short-circuits
// scoring entirely. Store failures are absorbed and surface as ErrNoChannel.
func (b *Balancer) Select(ctx context.Context, model string, ownerID int64, opts SelectOptions) (*store.Candidate, error) {
	cands, err := b.channels.CandidatesFor(ctx, model)
	if err != nil {
		b.log.Error("select_enumerate_failed",
			slog.String("model", model), slog.String("error", err.Error()))
		return nil, ErrNoChannel
	}
	if len(cands) == 0 {
		return nil, ErrNoChannel
	}

	maxFailures := b.maxConsecutiveFailures()
	now := time.Now()

	if b.StickyEnabled() && !opts.DisableSticky {
		if id := b.sticky.get(ownerID, model, b.stickyTTL(), now); id != 0 {
			for i := range cands {
				c := cands[i]
				if c.Channel.ID == id && b.health.healthy(id, maxFailures, now) {
					b.observeSelection("sticky", c.Channel)
					return &c, nil
				}
			}
		}
	}

	healthy := make([]store.Candidate, 0, len(cands))
	for _, c := range cands {
		if b.health.healthy(c.Channel.ID, maxFailures, now) {
			healthy = append(healthy, c)
		}
	}
	pool := healthy
	if len(pool) == 0 {
		// Degraded mode: nothing healthy, keep serving from the full set.
		pool = cands
		b.log.Warn("select_degraded", slog.String("model", model), slog.Int("candidates", len(cands)))
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = b.DefaultStrategy()
	}

	picked := b.apply(ctx, strategy, model, pool)
	b.observeSelection(string(strategy), picked.Channel)
	return &picked, nil
}

// Record feeds a request outcome back into the health and sticky tables.
func (b *Balancer) Record(channelID int64, model string, ownerID int64, success bool, latencyMS int64, cacheSuspected bool) {
	now := time.Now()
	if success {
		b.health.recordSuccess(channelID, now)
		if b.StickyEnabled() && (cacheSuspected || latencyMS < cacheHitLatencyMS) {
			b.sticky.upsert(ownerID, model, channelID, now)
		}
		return
	}

	failures := b.health.recordFailure(channelID, now)
	b.sticky.invalidate(ownerID, model, channelID)
	if failures >= b.maxConsecutiveFailures() {
		b.log.Warn("channel_unhealthy",
			slog.Int64("channel_id", channelID),
			slog.Int("consecutive_failures", failures))
	}
}

// Metrics exposes the performance view for the admin surface. A
// windowMinutes of 0 uses the configured default.
func (b *Balancer) Metrics(ctx context.Context, channelID int64, model string, windowMinutes int) PerformanceMetrics {
	if windowMinutes <= 0 {
		windowMinutes = b.windowMinutes()
	}
	return b.perf.metrics(ctx, channelID, model, windowMinutes)
}

// Status is the admin dump of all balancer state.
type Status struct {
	DefaultStrategy  Strategy               `json:"default_strategy"`
	StickyEnabled    bool                   `json:"sticky_enabled"`
	Config           Config                 `json:"config"`
	Health           map[int64]HealthStatus `json:"health"`
	StickyRoutes     []StickyRoute          `json:"sticky_routes"`
	MetricsCacheSize int                    `json:"metrics_cache_size"`
}

// Snapshot returns a point-in-time view of the balancer state.
func (b *Balancer) Snapshot() Status {
	now := time.Now()
	cfg := b.lockCfg()
	return Status{
		DefaultStrategy:  b.DefaultStrategy(),
		StickyEnabled:    b.StickyEnabled(),
		Config:           cfg,
		Health:           b.health.snapshot(cfg.MaxConsecutiveFailures, now),
		StickyRoutes:     b.sticky.snapshot(cfg.StickyTTL, now),
		MetricsCacheSize: b.perf.cacheSize(),
	}
}

func (b *Balancer) observeSelection(strategy string, ch *store.Channel) {
	if b.metrics == nil {
		return
	}
	b.metrics.IncSelection(strategy, ch.Name)
}

func (b *Balancer) observeProbe(ch *store.Channel, res ProbeResult) {
	if b.metrics == nil {
		return
	}
	b.metrics.ObserveProbe(ch.Name, res.IsHealthy, res.CheckLatencyMS)
}
