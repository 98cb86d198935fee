package proxy

import (
	"crypto/subtle"
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/llmweaver/llmweaver/internal/balancer"
)

// adminEnvelope is the response shape shared by every /admin handler.
type adminEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeAdmin(ctx *fasthttp.RequestCtx, status int, message string, data any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(adminEnvelope{Code: status, Message: message, Data: data})
	ctx.SetBody(body)
}

// adminAuth guards a handler with the static admin bearer token. The admin
// identity is separate from caller credentials.
func (g *Gateway) adminAuth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := bearerToken(ctx)
		if token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(g.adminToken)) != 1 {
			writeAdmin(ctx, fasthttp.StatusUnauthorized, "invalid admin token", nil)
			return
		}
		next(ctx)
	}
}

// pathChannelID extracts the {id} route parameter.
func pathChannelID(ctx *fasthttp.RequestCtx) (int64, bool) {
	raw, _ := ctx.UserValue("id").(string)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// handleProbeChannel probes one channel on demand and returns the result.
func (g *Gateway) handleProbeChannel(ctx *fasthttp.RequestCtx) {
	id, ok := pathChannelID(ctx)
	if !ok {
		writeAdmin(ctx, fasthttp.StatusBadRequest, "invalid channel id", nil)
		return
	}

	ch, err := g.channels.Channel(ctx, id)
	if err != nil {
		writeAdmin(ctx, fasthttp.StatusInternalServerError, "channel lookup failed", nil)
		return
	}
	if ch == nil {
		writeAdmin(ctx, fasthttp.StatusNotFound, "channel not found", nil)
		return
	}

	res := g.balancer.ProbeChannel(ctx, ch)
	writeAdmin(ctx, fasthttp.StatusOK, "ok", res)
}

// handleProbeAll probes every probeable channel concurrently.
func (g *Gateway) handleProbeAll(ctx *fasthttp.RequestCtx) {
	results := g.balancer.ProbeAll(ctx)
	healthy := 0
	for _, r := range results {
		if r.IsHealthy {
			healthy++
		}
	}
	writeAdmin(ctx, fasthttp.StatusOK, "ok", map[string]any{
		"probed":  len(results),
		"healthy": healthy,
		"results": results,
	})
}

// handleChannelPerformance returns the windowed performance view for one
// (channel, model) pair.
func (g *Gateway) handleChannelPerformance(ctx *fasthttp.RequestCtx) {
	id, ok := pathChannelID(ctx)
	if !ok {
		writeAdmin(ctx, fasthttp.StatusBadRequest, "invalid channel id", nil)
		return
	}

	model := string(ctx.QueryArgs().Peek("model"))
	if model == "" {
		writeAdmin(ctx, fasthttp.StatusBadRequest, "query parameter 'model' is required", nil)
		return
	}
	window, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("window_minutes")))

	ch, err := g.channels.Channel(ctx, id)
	if err != nil {
		writeAdmin(ctx, fasthttp.StatusInternalServerError, "channel lookup failed", nil)
		return
	}
	if ch == nil {
		writeAdmin(ctx, fasthttp.StatusNotFound, "channel not found", nil)
		return
	}

	writeAdmin(ctx, fasthttp.StatusOK, "ok", g.balancer.Metrics(ctx, id, model, window))
}

// handleBalancerStatus dumps the balancer state: strategy, config, health
// table, sticky routes, metrics cache size.
func (g *Gateway) handleBalancerStatus(ctx *fasthttp.RequestCtx) {
	writeAdmin(ctx, fasthttp.StatusOK, "ok", g.balancer.Snapshot())
}

// handleSetStrategy changes the default selection strategy.
func (g *Gateway) handleSetStrategy(ctx *fasthttp.RequestCtx) {
	raw := string(ctx.QueryArgs().Peek("strategy"))
	s, ok := balancer.ParseStrategy(raw)
	if !ok {
		writeAdmin(ctx, fasthttp.StatusBadRequest,
			"unknown strategy: must be one of random, weighted, lowest_cost, performance", nil)
		return
	}
	g.balancer.SetDefaultStrategy(s)
	writeAdmin(ctx, fasthttp.StatusOK, "strategy updated", map[string]string{
		"strategy": string(s),
	})
}

// handleCacheTracking toggles sticky cache-affinity routing.
func (g *Gateway) handleCacheTracking(ctx *fasthttp.RequestCtx) {
	enabled, err := strconv.ParseBool(string(ctx.QueryArgs().Peek("enabled")))
	if err != nil {
		writeAdmin(ctx, fasthttp.StatusBadRequest,
			"query parameter 'enabled' must be true or false", nil)
		return
	}
	g.balancer.SetStickyEnabled(enabled)
	writeAdmin(ctx, fasthttp.StatusOK, "cache tracking updated", map[string]bool{
		"enabled": enabled,
	})
}
