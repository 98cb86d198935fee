package balancer

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/llmweaver/llmweaver/internal/store"
)

// metricsCacheTTL is the freshness window for cached per-(channel, model)
// metrics. Selection reads metrics on every scored pick, so they must not
// hit the outcome store each time.
const metricsCacheTTL = 5 * time.Minute

// cacheHitLatencyMS: successful responses faster than this are treated as
// upstream prompt-cache hits. A heuristic, not an upstream signal.
const cacheHitLatencyMS = 50

// PerformanceMetrics is the rolling view of one (channel, model) pair.
type PerformanceMetrics struct {
	ChannelID     int64   `json:"channel_id"`
	Model         string  `json:"model"`
	TotalRequests int     `json:"total_requests"`
	SuccessRate   float64 `json:"success_rate"`
	AvgLatencyMS  float64 `json:"avg_latency_ms"`
	P50LatencyMS  float64 `json:"p50_latency_ms"`
	P95LatencyMS  float64 `json:"p95_latency_ms"`
	P99LatencyMS  float64 `json:"p99_latency_ms"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	WindowMinutes int     `json:"window_minutes"`
}

type perfKey struct {
	channelID int64
	model     string
	window    int
}

type perfCacheEntry struct {
	metrics    PerformanceMetrics
	computedAt time.Time
}

type perfAnalyzer struct {
	outcomes store.OutcomeStore
	log      *slog.Logger

	mu    sync.Mutex
	cache map[perfKey]*perfCacheEntry
}

func newPerfAnalyzer(outcomes store.OutcomeStore, log *slog.Logger) *perfAnalyzer {
	return &perfAnalyzer{
		outcomes: outcomes,
		log:      log,
		cache:    make(map[perfKey]*perfCacheEntry),
	}
}

// metrics returns the windowed metrics for (channelID, model), computing
// and caching them when the cached copy is stale. Store failures degrade
// to the empty-window result rather than erroring, so selection never
// blocks on analytics.
func (a *perfAnalyzer) metrics(ctx context.Context, channelID int64, model string, windowMinutes int) PerformanceMetrics {
	key := perfKey{channelID: channelID, model: model, window: windowMinutes}
	now := time.Now()

	a.mu.Lock()
	if e, ok := a.cache[key]; ok && now.Sub(e.computedAt) < metricsCacheTTL {
		m := e.metrics
		a.mu.Unlock()
		return m
	}
	a.mu.Unlock()

	since := now.Add(-time.Duration(windowMinutes) * time.Minute)
	outcomes, err := a.outcomes.Query(ctx, channelID, model, since)
	if err != nil {
		a.log.Warn("metrics_query_failed",
			slog.Int64("channel_id", channelID),
			slog.String("model", model),
			slog.String("error", err.Error()))
		outcomes = nil
	}

	m := computeMetrics(channelID, model, windowMinutes, outcomes)

	a.mu.Lock()
	a.cache[key] = &perfCacheEntry{metrics: m, computedAt: now}
	a.mu.Unlock()
	return m
}

func (a *perfAnalyzer) cacheSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cache)
}

func (a *perfAnalyzer) invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = make(map[perfKey]*perfCacheEntry)
}

// computeMetrics derives the rolling aggregate from raw outcomes.
// Percentiles are nearest-rank over the sorted successful latencies; an
// empty window yields success_rate 1.0 and zero latencies.
func computeMetrics(channelID int64, model string, windowMinutes int, outcomes []store.RequestOutcome) PerformanceMetrics {
	m := PerformanceMetrics{
		ChannelID:     channelID,
		Model:         model,
		WindowMinutes: windowMinutes,
		SuccessRate:   1.0,
	}

	total := len(outcomes)
	m.TotalRequests = total
	if total == 0 {
		return m
	}

	errors := 0
	var latencies []float64
	for _, o := range outcomes {
		if o.Status == store.OutcomeError {
			errors++
			continue
		}
		latencies = append(latencies, float64(o.LatencyMS))
	}
	m.SuccessRate = float64(total-errors) / float64(total)

	n := len(latencies)
	if n == 0 {
		return m
	}

	sort.Float64s(latencies)

	var sum float64
	fast := 0
	for _, l := range latencies {
		sum += l
		if l < cacheHitLatencyMS {
			fast++
		}
	}
	m.AvgLatencyMS = sum / float64(n)
	m.P50LatencyMS = latencies[clampIndex(n/2, n)]
	m.P95LatencyMS = latencies[clampIndex(int(float64(n)*0.95), n)]
	m.P99LatencyMS = latencies[clampIndex(int(float64(n)*0.99), n)]
	m.CacheHitRate = float64(fast) / float64(n)

	return m
}

func clampIndex(i, n int) int {
	if i >= n {
		return n - 1
	}
	if i < 0 {
		return 0
	}
	return i
}
