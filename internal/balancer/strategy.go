package balancer

import (
	"context"
	"math/rand/v2"
	"sort"

	"github.com/llmweaver/llmweaver/internal/store"
)

// Strategy selects one candidate from the healthy pool.
type Strategy string

const (
	StrategyRandom      Strategy = "random"
	StrategyWeighted    Strategy = "weighted"
	StrategyLowestCost  Strategy = "lowest_cost"
	StrategyPerformance Strategy = "performance"
)

// ParseStrategy validates a client-supplied strategy name.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case StrategyRandom, StrategyWeighted, StrategyLowestCost, StrategyPerformance:
		return Strategy(s), true
	}
	return "", false
}

// Score-tie tolerance for the lowest-cost cohort and the cohort cap.
// Randomizing inside the cohort avoids hot-spotting one cheap channel.
const (
	costCohortEpsilon = 1e-3
	scoredCohortSize  = 3
)

// Per-kind default costs (input/output USD per 1K tokens) used when a
// channel configures neither model_costs nor default_costs.
var kindDefaultCosts = map[string]store.CostPair{
	store.KindOpenAI:    {Input: 0.01, Output: 0.03},
	store.KindAzure:     {Input: 0.01, Output: 0.03},
	store.KindAnthropic: {Input: 0.008, Output: 0.024},
	store.KindGemini:    {Input: 0.0005, Output: 0.0015},
}

var fallbackCosts = store.CostPair{Input: 0.01, Output: 0.03}

// resolveCosts walks model_costs → default_costs → per-kind defaults.
func resolveCosts(ch *store.Channel, model string) store.CostPair {
	if c, ok := ch.Config.ModelCosts[model]; ok {
		return c
	}
	if ch.Config.DefaultCosts != nil {
		return *ch.Config.DefaultCosts
	}
	if c, ok := kindDefaultCosts[ch.Kind]; ok {
		return c
	}
	return fallbackCosts
}

func pickRandom(pool []store.Candidate) store.Candidate {
	return pool[rand.IntN(len(pool))]
}

// pickWeighted draws r in [0, Σweight) and returns the first candidate
// whose cumulative weight reaches r. Zero total weight degrades to a
// uniform pick.
func pickWeighted(pool []store.Candidate) store.Candidate {
	total := 0
	for _, c := range pool {
		if c.Channel.Weight > 0 {
			total += c.Channel.Weight
		}
	}
	if total == 0 {
		return pickRandom(pool)
	}

	r := rand.Float64() * float64(total)
	cumulative := 0.0
	for _, c := range pool {
		if c.Channel.Weight > 0 {
			cumulative += float64(c.Channel.Weight)
		}
		if r <= cumulative {
			return c
		}
	}
	return pool[0]
}

type scoredCandidate struct {
	cand  store.Candidate
	score float64
}

// pickLowestCost scores each candidate by expected cost per request
// divided by its success rate, then picks uniformly from the cohort of
// near-minimal scores.
func (b *Balancer) pickLowestCost(ctx context.Context, model string, pool []store.Candidate) store.Candidate {
	window := b.windowMinutes()

	scored := make([]scoredCandidate, 0, len(pool))
	for _, c := range pool {
		costs := resolveCosts(c.Channel, model)
		avgCost := (costs.Input + costs.Output) / 2

		successRate := 1.0
		if m := b.perf.metrics(ctx, c.Channel.ID, model, window); m.TotalRequests > 0 {
			successRate = m.SuccessRate
			if successRate < 0.1 {
				successRate = 0.1
			}
		}

		scored = append(scored, scoredCandidate{cand: c, score: avgCost / successRate})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score < scored[j].score })

	cohort := 1
	for cohort < len(scored) && scored[cohort].score-scored[0].score <= costCohortEpsilon {
		cohort++
	}
	if cohort > scoredCohortSize {
		cohort = scoredCohortSize
	}
	return scored[rand.IntN(cohort)].cand
}

// pickBestPerformance scores by blended success rate and p95 latency and
// picks uniformly from the top three. Channels without data score 0.5 so
// they keep receiving traffic until measured.
func (b *Balancer) pickBestPerformance(ctx context.Context, model string, pool []store.Candidate) store.Candidate {
	window := b.windowMinutes()
	lw := b.latencyWeight()

	scored := make([]scoredCandidate, 0, len(pool))
	for _, c := range pool {
		m := b.perf.metrics(ctx, c.Channel.ID, model, window)

		score := 0.5
		if m.TotalRequests > 0 {
			latencyScore := 1 - m.P95LatencyMS/10000
			if latencyScore < 0 {
				latencyScore = 0
			}
			score = (1-lw)*m.SuccessRate + lw*latencyScore
		}
		scored = append(scored, scoredCandidate{cand: c, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	top := len(scored)
	if top > scoredCohortSize {
		top = scoredCohortSize
	}
	return scored[rand.IntN(top)].cand
}

// apply dispatches to the strategy implementation. pool is never empty.
func (b *Balancer) apply(ctx context.Context, strategy Strategy, model string, pool []store.Candidate) store.Candidate {
	switch strategy {
	case StrategyRandom:
		return pickRandom(pool)
	case StrategyLowestCost:
		return b.pickLowestCost(ctx, model, pool)
	case StrategyPerformance:
		return b.pickBestPerformance(ctx, model, pool)
	default:
		return pickWeighted(pool)
	}
}
