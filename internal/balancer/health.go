package balancer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llmweaver/llmweaver/internal/store"
	"github.com/llmweaver/llmweaver/internal/upstream"
)

// recentProbeWindow bounds how long a probe result influences the fast-path
// health predicate. Older probes are treated as absent.
const recentProbeWindow = 5 * time.Minute

// HealthStatus is the per-channel view exposed on the admin surface.
type HealthStatus struct {
	ChannelID           int64     `json:"channel_id"`
	IsHealthy           bool      `json:"is_healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheckTime       time.Time `json:"last_check_time"`
	LastProbeLatencyMS  int64     `json:"last_probe_latency_ms"`
}

// ProbeResult is the outcome of one reachability probe.
type ProbeResult struct {
	ChannelID           int64     `json:"channel_id"`
	IsHealthy           bool      `json:"is_healthy"`
	CheckLatencyMS      int64     `json:"check_latency_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Message             string    `json:"message"`
	CheckedAt           time.Time `json:"checked_at"`
}

type healthEntry struct {
	consecutiveFailures int
	lastProbeAt         time.Time
	lastProbeHealthy    bool
	lastProbeLatencyMS  int64
	lastCheckAt         time.Time
}

// healthTable tracks consecutive failures and probe results per channel.
// Writers take the table lock; there is no cross-key consistency to keep.
type healthTable struct {
	mu sync.RWMutex
	m  map[int64]*healthEntry
}

func newHealthTable() *healthTable {
	return &healthTable{m: make(map[int64]*healthEntry)}
}

func (t *healthTable) entry(id int64) *healthEntry {
	e, ok := t.m[id]
	if !ok {
		e = &healthEntry{}
		t.m[id] = e
	}
	return e
}

// healthy applies the fast-path predicate: fewer consecutive failures than
// the limit, and either no probe within the recent window or a healthy one.
func (t *healthTable) healthy(id int64, maxFailures int, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.m[id]
	if !ok {
		return true
	}
	if e.consecutiveFailures >= maxFailures {
		return false
	}
	if e.lastProbeAt.IsZero() || now.Sub(e.lastProbeAt) > recentProbeWindow {
		return true
	}
	return e.lastProbeHealthy
}

func (t *healthTable) recordSuccess(id int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(id)
	e.consecutiveFailures = 0
	e.lastCheckAt = now
}

// recordFailure increments and returns the consecutive failure count.
func (t *healthTable) recordFailure(id int64, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(id)
	e.consecutiveFailures++
	e.lastCheckAt = now
	return e.consecutiveFailures
}

func (t *healthTable) recordProbe(id int64, healthy bool, latencyMS int64, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(id)
	e.lastProbeAt = now
	e.lastProbeHealthy = healthy
	e.lastProbeLatencyMS = latencyMS
	e.lastCheckAt = now
	if healthy {
		e.consecutiveFailures = 0
	} else {
		e.consecutiveFailures++
	}
	return e.consecutiveFailures
}

func (t *healthTable) snapshot(maxFailures int, now time.Time) map[int64]HealthStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[int64]HealthStatus, len(t.m))
	for id, e := range t.m {
		healthy := e.consecutiveFailures < maxFailures &&
			(e.lastProbeAt.IsZero() || now.Sub(e.lastProbeAt) > recentProbeWindow || e.lastProbeHealthy)
		out[id] = HealthStatus{
			ChannelID:           id,
			IsHealthy:           healthy,
			ConsecutiveFailures: e.consecutiveFailures,
			LastCheckTime:       e.lastCheckAt,
			LastProbeLatencyMS:  e.lastProbeLatencyMS,
		}
	}
	return out
}

// ProbeChannel probes one channel through its adapter with the probe
// timeout and records the result in the health table. A channel hard-down
// past the failure limit gets its status flipped to error; a succeeding
// probe flips error back to active.
func (b *Balancer) ProbeChannel(ctx context.Context, ch *store.Channel) ProbeResult {
	res := ProbeResult{ChannelID: ch.ID, CheckedAt: time.Now()}

	adapter, ok := b.adapters[ch.Kind]
	if !ok {
		res.Message = "no adapter for kind " + ch.Kind
		res.ConsecutiveFailures = b.health.recordProbe(ch.ID, false, 0, res.CheckedAt)
		return res
	}

	probeCtx, cancel := context.WithTimeout(ctx, upstream.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := adapter.Probe(probeCtx, ch)
	res.CheckLatencyMS = time.Since(start).Milliseconds()
	res.IsHealthy = err == nil
	if err != nil {
		res.Message = err.Error()
	} else {
		res.Message = "ok"
	}

	res.ConsecutiveFailures = b.health.recordProbe(ch.ID, res.IsHealthy, res.CheckLatencyMS, res.CheckedAt)

	b.syncChannelStatus(ctx, ch, res)
	b.observeProbe(ch, res)
	return res
}

// syncChannelStatus reflects hard probe outcomes into the channel status:
// error after maxConsecutiveFailures probe failures, back to active on the
// first succeeding probe. Inactive channels are never touched.
func (b *Balancer) syncChannelStatus(ctx context.Context, ch *store.Channel, res ProbeResult) {
	switch {
	case res.IsHealthy && ch.Status == store.StatusError:
		if err := b.channels.SetStatus(ctx, ch.ID, store.StatusActive); err != nil {
			b.log.Warn("channel_status_update_failed",
				slog.Int64("channel_id", ch.ID), slog.String("error", err.Error()))
		}
	case !res.IsHealthy && ch.Status == store.StatusActive &&
		res.ConsecutiveFailures >= b.maxConsecutiveFailures():
		if err := b.channels.SetStatus(ctx, ch.ID, store.StatusError); err != nil {
			b.log.Warn("channel_status_update_failed",
				slog.Int64("channel_id", ch.ID), slog.String("error", err.Error()))
		}
	}
}

// ProbeAll probes every active and error-status channel concurrently.
func (b *Balancer) ProbeAll(ctx context.Context) []ProbeResult {
	chans, err := b.probeSet(ctx)
	if err != nil {
		b.log.Error("probe_enumerate_failed", slog.String("error", err.Error()))
		return nil
	}

	results := make([]ProbeResult, len(chans))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range chans {
		g.Go(func() error {
			results[i] = b.ProbeChannel(gctx, ch)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// probeSet is every channel eligible for probing: active ones plus those
// the prober itself demoted to error, so they can recover.
func (b *Balancer) probeSet(ctx context.Context) ([]*store.Channel, error) {
	active, err := b.channels.ActiveChannels(ctx)
	if err != nil {
		return nil, err
	}
	// Error-status channels are not in the active set; pick them up by id
	// from the health table.
	b.health.mu.RLock()
	known := make([]int64, 0, len(b.health.m))
	for id := range b.health.m {
		known = append(known, id)
	}
	b.health.mu.RUnlock()

	seen := make(map[int64]struct{}, len(active))
	for _, ch := range active {
		seen[ch.ID] = struct{}{}
	}
	for _, id := range known {
		if _, ok := seen[id]; ok {
			continue
		}
		ch, err := b.channels.Channel(ctx, id)
		if err != nil || ch == nil || ch.Status != store.StatusError {
			continue
		}
		active = append(active, ch)
	}
	return active, nil
}

// RunProber probes all channels on the configured interval until the
// context is cancelled. An immediate first pass warms the health table.
func (b *Balancer) RunProber(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	b.ProbeAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results := b.ProbeAll(ctx)
			unhealthy := 0
			for _, r := range results {
				if !r.IsHealthy {
					unhealthy++
				}
			}
			if unhealthy > 0 {
				b.log.Warn("health_probe_cycle",
					slog.Int("probed", len(results)),
					slog.Int("unhealthy", unhealthy))
			} else {
				b.log.Debug("health_probe_cycle", slog.Int("probed", len(results)))
			}
		}
	}
}
