package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/llmweaver/llmweaver/pkg/apierr"
)

// ServerTimeouts configures the fasthttp server. Zero fields use the
// defaults below.
type ServerTimeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// Handler builds the full route table wrapped in the middleware chain.
// Exposed separately from Start so tests can drive it in-process.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.GET("/v1/models", g.handleListModels)
	r.GET("/health", g.handleHealth)

	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	if g.adminToken != "" {
		r.POST("/admin/channels/{id}/health-check", g.adminAuth(g.handleProbeChannel))
		r.POST("/admin/channels/health-check/all", g.adminAuth(g.handleProbeAll))
		r.GET("/admin/channels/{id}/performance", g.adminAuth(g.handleChannelPerformance))
		r.GET("/admin/load-balancer/status", g.adminAuth(g.handleBalancerStatus))
		r.POST("/admin/load-balancer/strategy", g.adminAuth(g.handleSetStrategy))
		r.POST("/admin/load-balancer/cache-tracking", g.adminAuth(g.handleCacheTracking))
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start runs the HTTP server on addr (e.g. ":8080") until it fails.
func (g *Gateway) Start(addr string, timeouts ServerTimeouts) error {
	if timeouts.Read <= 0 {
		timeouts.Read = 60 * time.Second
	}
	if timeouts.Write <= 0 {
		// Write covers the whole response; streams need headroom beyond
		// the upstream timeout.
		timeouts.Write = g.upstreamTimeout + 30*time.Second
	}
	if timeouts.Idle <= 0 {
		timeouts.Idle = 120 * time.Second
	}

	srv := &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  timeouts.Read,
		WriteTimeout: timeouts.Write,
		IdleTimeout:  timeouts.Idle,
	}

	return srv.ListenAndServe(addr)
}

type (
	modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	modelList struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}
)

// handleListModels returns the public model ids the caller may use, in the
// OpenAI list envelope.
func (g *Gateway) handleListModels(ctx *fasthttp.RequestCtx) {
	cred, err := g.auth.Authenticate(ctx, bearerToken(ctx))
	if err != nil {
		apierr.WriteUnauthenticated(ctx)
		return
	}

	models, err := g.channels.PublicModels(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to list models", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	created := time.Now().Unix()
	out := modelList{Object: "list", Data: make([]modelEntry, 0, len(models))}
	for _, m := range models {
		if !cred.Allows(m) {
			continue
		}
		out.Data = append(out.Data, modelEntry{ID: m, Object: "model", Created: created, OwnedBy: "llmweaver"})
	}
	writeJSON(ctx, out)
}

// handleHealth is the unauthenticated liveness endpoint. It reports the
// service plus the per-channel health snapshot.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := g.balancer.Snapshot()
	writeJSON(ctx, map[string]any{
		"status":   "ok",
		"version":  g.version,
		"channels": snap.Health,
	})
}
