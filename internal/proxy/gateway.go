// Package proxy is the gateway's HTTP edge: the OpenAI-compatible
// completion API, the routing pipeline, and the admin surface.
//
// Pipeline for POST /v1/chat/completions:
//
//	parse → authenticate → model allow-list → budget gate → per-key rate
//	limit → channel selection → upstream invoke → unary JSON or SSE fan-out
//	→ accounting (async outcome log, budget charge, balancer feedback).
//
// Key design constraints:
//   - Metrics and the rate limiter are optional and nil-safe.
//   - Accounting never blocks the hot path; outcomes go through the async
//     batched writer.
//   - Streaming failures after the first byte surface as an in-band error
//     frame followed by [DONE]; the HTTP status is already on the wire.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/llmweaver/llmweaver/internal/auth"
	"github.com/llmweaver/llmweaver/internal/balancer"
	"github.com/llmweaver/llmweaver/internal/metrics"
	"github.com/llmweaver/llmweaver/internal/pricing"
	"github.com/llmweaver/llmweaver/internal/ratelimit"
	"github.com/llmweaver/llmweaver/internal/store"
	"github.com/llmweaver/llmweaver/internal/upstream"
	"github.com/llmweaver/llmweaver/pkg/apierr"
)

// defaultUpstreamTimeout bounds one upstream completion call, streaming
// included, when no explicit timeout is configured.
const defaultUpstreamTimeout = 120 * time.Second

// strategyHeader lets a single request override the default selection
// strategy. Unknown values fall back to the default.
const strategyHeader = "X-LB-Strategy"

// Options holds the Gateway's dependencies. Channels, Credentials, Outcomes,
// Auth, Balancer, and Adapters are required; the rest are optional.
type Options struct {
	Channels    store.ChannelStore
	Credentials store.CredentialStore
	// Outcomes receives one RequestOutcome per proxied request. In
	// production this is the outcomelog.Writer.
	Outcomes store.OutcomeStore
	Auth     *auth.Authenticator
	Balancer *balancer.Balancer
	// Adapters maps channel kind to its provider adapter.
	Adapters map[string]upstream.Adapter

	Logger *slog.Logger
	// Metrics enables Prometheus instrumentation. Nil disables it.
	Metrics *metrics.Registry
	// RPM enables per-credential rate limiting. Nil disables it.
	RPM *ratelimit.RPMLimiter

	// UpstreamTimeout is the per-request upstream deadline.
	// Default: 120s.
	UpstreamTimeout time.Duration

	// AdminToken authenticates /admin routes. Empty disables them.
	AdminToken string

	// CORSOrigins is the allowed origin list; empty means "*".
	CORSOrigins []string

	Version string
}

// Gateway is the HTTP front end. All dependencies are injected so they can
// be replaced with doubles in unit tests.
type Gateway struct {
	channels store.ChannelStore
	creds    store.CredentialStore
	outcomes store.OutcomeStore
	auth     *auth.Authenticator
	balancer *balancer.Balancer
	adapters map[string]upstream.Adapter

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	rpm     *ratelimit.RPMLimiter

	upstreamTimeout time.Duration
	adminToken      string
	corsOrigins     []string
	version         string
}

// New creates a Gateway. baseCtx bounds upstream calls that outlive the
// fasthttp handler (streaming responses).
func New(baseCtx context.Context, opts Options) (*Gateway, error) {
	if baseCtx == nil {
		return nil, errors.New("proxy: context must not be nil")
	}
	switch {
	case opts.Channels == nil:
		return nil, errors.New("proxy: channel store must not be nil")
	case opts.Credentials == nil:
		return nil, errors.New("proxy: credential store must not be nil")
	case opts.Outcomes == nil:
		return nil, errors.New("proxy: outcome store must not be nil")
	case opts.Auth == nil:
		return nil, errors.New("proxy: authenticator must not be nil")
	case opts.Balancer == nil:
		return nil, errors.New("proxy: balancer must not be nil")
	case len(opts.Adapters) == 0:
		return nil, errors.New("proxy: adapters must not be empty")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.UpstreamTimeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	return &Gateway{
		channels:        opts.Channels,
		creds:           opts.Credentials,
		outcomes:        opts.Outcomes,
		auth:            opts.Auth,
		balancer:        opts.Balancer,
		adapters:        opts.Adapters,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		rpm:             opts.RPM,
		upstreamTimeout: timeout,
		adminToken:      opts.AdminToken,
		corsOrigins:     opts.CORSOrigins,
		version:         version,
	}, nil
}

// ── Wire types ────────────────────────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// inboundChatRequest mirrors the OpenAI POST /v1/chat/completions body.
	inboundChatRequest struct {
		Model            string           `json:"model"`
		Messages         []inboundMessage `json:"messages"`
		Temperature      float64          `json:"temperature"`
		TopP             float64          `json:"top_p"`
		MaxTokens        int              `json:"max_tokens"`
		FrequencyPenalty float64          `json:"frequency_penalty"`
		PresencePenalty  float64          `json:"presence_penalty"`
		Stream           bool             `json:"stream"`
	}

	chatUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	chatChoice struct {
		Index        int            `json:"index"`
		Message      inboundMessage `json:"message"`
		FinishReason string         `json:"finish_reason"`
	}

	chatResponse struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []chatChoice `json:"choices"`
		Usage   chatUsage    `json:"usage"`
	}

	chunkDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}

	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}

	chatChunk struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []chunkChoice `json:"choices"`
	}
)

// ── Chat completions ──────────────────────────────────────────────────────────

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse and validate.
	var req inboundChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	// 2. Authenticate.
	cred, err := g.auth.Authenticate(ctx, bearerToken(ctx))
	if err != nil {
		apierr.WriteUnauthenticated(ctx)
		return
	}

	// 3. Allow-list.
	if !cred.Allows(req.Model) {
		apierr.WriteForbidden(ctx, req.Model)
		return
	}

	// 4. Budget gate. Checked before the request so an exhausted key fails
	// fast; the charge itself lands after a successful completion.
	if cred.OverBudget() {
		if g.metrics != nil {
			g.metrics.RecordBudgetRejection()
		}
		apierr.WriteBudgetExceeded(ctx)
		return
	}

	// 5. Rate limit.
	if g.rpm != nil {
		allowed, _ := g.rpm.Allow(ctx, cred.ID, cred.RPMLimit)
		if g.metrics != nil {
			result := "allowed"
			if !allowed {
				result = "limited"
			}
			g.metrics.RecordRateLimit(result)
		}
		if !allowed {
			apierr.WriteRateLimit(ctx)
			return
		}
	}

	// 6. Select a channel.
	cand, err := g.balancer.Select(ctx, req.Model, cred.OwnerID, balancer.SelectOptions{
		Strategy: g.strategyOverride(ctx),
	})
	if err != nil {
		apierr.WriteNoUpstream(ctx, req.Model)
		return
	}

	adapter, ok := g.adapters[cand.Channel.Kind]
	if !ok {
		g.log.Error("adapter_missing",
			slog.String("kind", cand.Channel.Kind),
			slog.Int64("channel_id", cand.Channel.ID))
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"channel kind "+cand.Channel.Kind+" is not supported",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	upReq := &upstream.ChatRequest{
		Model:            cand.Mapping.UpstreamModelID(),
		Messages:         toUpstreamMessages(req.Messages),
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stream:           req.Stream,
		RequestID:        reqID,
	}

	// 7. Invoke upstream. The deadline derives from the gateway's base
	// context, not the fasthttp one: a streaming body writer runs after the
	// handler returns, when the request context is no longer valid.
	upCtx, cancel := context.WithTimeout(g.baseCtx, g.upstreamTimeout)

	upStart := time.Now()
	comp, err := adapter.Complete(upCtx, cand.Channel, upReq)
	if err != nil {
		cancel()
		if g.metrics != nil {
			g.metrics.ObserveUpstream(cand.Channel.Kind, "error", time.Since(upStart))
		}
		g.finishRequest(requestResult{
			requestID: reqID,
			cred:      cred,
			channel:   cand.Channel,
			model:     req.Model,
			tokensIn:  upstream.EstimateMessageTokens(upReq.Messages),
			latencyMS: time.Since(upStart).Milliseconds(),
			errMsg:    err.Error(),
		})
		g.writeUpstreamFailure(ctx, cand.Channel, err)
		return
	}

	if !req.Stream {
		defer cancel()
		g.writeUnaryResponse(ctx, reqID, cred, cand, req.Model, upReq, comp, upStart)
		return
	}

	g.streamResponse(ctx, reqID, cred, cand, req.Model, upReq, comp, upStart, cancel)
}

func (g *Gateway) writeUnaryResponse(
	ctx *fasthttp.RequestCtx,
	reqID string,
	cred *store.CallerCredential,
	cand *store.Candidate,
	publicModel string,
	upReq *upstream.ChatRequest,
	comp *upstream.Completion,
	upStart time.Time,
) {
	usage := comp.Usage
	if usage.InputTokens == 0 {
		usage.InputTokens = upstream.EstimateMessageTokens(upReq.Messages)
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = upstream.EstimateTokens(comp.Content)
	}

	id := comp.ID
	if id == "" {
		id = "chatcmpl-" + reqID
	}
	finish := comp.FinishReason
	if finish == "" {
		finish = "stop"
	}

	writeJSON(ctx, chatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   publicModel,
		Choices: []chatChoice{{
			Message:      inboundMessage{Role: "assistant", Content: comp.Content},
			FinishReason: finish,
		}},
		Usage: chatUsage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.InputTokens + usage.OutputTokens,
		},
	})

	dur := time.Since(upStart)
	if g.metrics != nil {
		g.metrics.ObserveUpstream(cand.Channel.Kind, "success", dur)
	}
	g.finishRequest(requestResult{
		requestID: reqID,
		cred:      cred,
		channel:   cand.Channel,
		model:     publicModel,
		success:   true,
		tokensIn:  usage.InputTokens,
		tokensOut: usage.OutputTokens,
		latencyMS: dur.Milliseconds(),
	})
}

// streamResponse fans the upstream chunk channel out as SSE. It owns cancel:
// the upstream call is released when the stream drains or the client goes
// away.
func (g *Gateway) streamResponse(
	ctx *fasthttp.RequestCtx,
	reqID string,
	cred *store.CallerCredential,
	cand *store.Candidate,
	publicModel string,
	upReq *upstream.ChatRequest,
	comp *upstream.Completion,
	upStart time.Time,
	cancel context.CancelFunc,
) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	id := comp.ID
	if id == "" {
		id = "chatcmpl-" + reqID
	}
	created := time.Now().Unix()
	stream := comp.Stream
	tokensIn := upstream.EstimateMessageTokens(upReq.Messages)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()

		var content strings.Builder
		var streamErr error

		for chunk := range stream {
			if chunk.Err != nil {
				streamErr = chunk.Err
				// Headers are gone; the error travels in-band.
				writeSSE(w, map[string]any{"error": map[string]string{
					"message": chunk.Err.Error(),
					"type":    apierr.TypeUpstreamError,
					"code":    apierr.CodeUpstreamError,
				}})
				break
			}

			content.WriteString(chunk.Content)

			var finish *string
			if chunk.FinishReason != "" {
				f := chunk.FinishReason
				finish = &f
			}
			ok := writeSSE(w, chatChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   publicModel,
				Choices: []chunkChoice{{
					Delta:        chunkDelta{Role: chunk.Role, Content: chunk.Content},
					FinishReason: finish,
				}},
			})
			if !ok {
				streamErr = errors.New("client disconnected")
				break
			}
		}

		// Upstream must not keep producing into an abandoned stream.
		cancel()
		if streamErr != nil {
			for range stream {
			}
		}

		_, _ = w.WriteString("data: [DONE]\n\n")
		_ = w.Flush()

		dur := time.Since(upStart)
		outcome := "success"
		errMsg := ""
		if streamErr != nil {
			outcome = "error"
			errMsg = streamErr.Error()
		}
		if g.metrics != nil {
			g.metrics.ObserveUpstream(cand.Channel.Kind, outcome, dur)
		}
		g.finishRequest(requestResult{
			requestID: reqID,
			cred:      cred,
			channel:   cand.Channel,
			model:     publicModel,
			success:   streamErr == nil,
			tokensIn:  tokensIn,
			tokensOut: upstream.EstimateTokens(content.String()),
			latencyMS: dur.Milliseconds(),
			errMsg:    errMsg,
		})
	})
}

// writeUpstreamFailure maps an upstream error to the client response.
func (g *Gateway) writeUpstreamFailure(ctx *fasthttp.RequestCtx, ch *store.Channel, err error) {
	var perr *upstream.ProviderError
	switch {
	case errors.As(err, &perr):
		if g.metrics != nil {
			g.metrics.RecordUpstreamError(ch.Name, perr.Type)
		}
		apierr.WriteUpstreamError(ctx, perr.HTTPStatus(),
			fmt.Sprintf("upstream error (status %d): %s", perr.StatusCode, perr.Message))
	case errors.Is(err, context.DeadlineExceeded):
		if g.metrics != nil {
			g.metrics.RecordUpstreamError(ch.Name, "timeout")
		}
		apierr.WriteTimeout(ctx)
	default:
		if g.metrics != nil {
			g.metrics.RecordUpstreamError(ch.Name, "transport")
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(),
			apierr.TypeUpstreamError, apierr.CodeUpstreamError)
	}
}

// ── Accounting ────────────────────────────────────────────────────────────────

type requestResult struct {
	requestID string
	cred      *store.CallerCredential
	channel   *store.Channel
	model     string
	success   bool
	tokensIn  int
	tokensOut int
	latencyMS int64
	errMsg    string
}

// finishRequest runs post-request accounting: outcome append, budget charge
// (success only), balancer feedback, metrics, request log line.
func (g *Gateway) finishRequest(res requestResult) {
	status := store.OutcomeError
	cost := 0.0
	if res.success {
		status = store.OutcomeSuccess
		cost = pricing.Cost(res.model, res.tokensIn, res.tokensOut)
	}

	actCtx := context.WithoutCancel(g.baseCtx)

	if err := g.outcomes.Append(actCtx, &store.RequestOutcome{
		RequestID:    res.requestID,
		CallerID:     res.cred.ID,
		OwnerID:      res.cred.OwnerID,
		ChannelID:    res.channel.ID,
		Model:        res.model,
		Status:       status,
		TokensIn:     res.tokensIn,
		TokensOut:    res.tokensOut,
		Cost:         cost,
		LatencyMS:    res.latencyMS,
		ErrorMessage: res.errMsg,
		Timestamp:    time.Now(),
	}); err != nil {
		g.log.Warn("outcome_append_failed",
			slog.String("request_id", res.requestID),
			slog.String("error", err.Error()))
	}

	if res.success && cost > 0 {
		if err := g.creds.AddBudgetUsed(actCtx, res.cred.ID, cost); err != nil {
			g.log.Error("budget_charge_failed",
				slog.Int64("credential_id", res.cred.ID),
				slog.Float64("cost", cost),
				slog.String("error", err.Error()))
		}
	}

	// Record applies the low-latency cache heuristic itself.
	g.balancer.Record(res.channel.ID, res.model, res.cred.OwnerID, res.success, res.latencyMS, false)

	if g.metrics != nil {
		g.metrics.RecordRequest(res.channel.Name, res.model, status)
		g.metrics.AddTokens(res.channel.Name, res.model, res.tokensIn, res.tokensOut)
	}

	g.log.Info("request_completed",
		slog.String("request_id", res.requestID),
		slog.Int64("credential_id", res.cred.ID),
		slog.Int64("channel_id", res.channel.ID),
		slog.String("channel", res.channel.Name),
		slog.String("model", res.model),
		slog.String("status", status),
		slog.Int("tokens_in", res.tokensIn),
		slog.Int("tokens_out", res.tokensOut),
		slog.Float64("cost", cost),
		slog.Int64("latency_ms", res.latencyMS))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func (g *Gateway) strategyOverride(ctx *fasthttp.RequestCtx) balancer.Strategy {
	raw := string(ctx.Request.Header.Peek(strategyHeader))
	if raw == "" {
		return ""
	}
	s, ok := balancer.ParseStrategy(raw)
	if !ok {
		g.log.Debug("unknown_strategy_header", slog.String("value", raw))
		return ""
	}
	return s
}

func bearerToken(ctx *fasthttp.RequestCtx) string {
	h := string(ctx.Request.Header.Peek("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

func toUpstreamMessages(in []inboundMessage) []upstream.Message {
	out := make([]upstream.Message, len(in))
	for i, m := range in {
		out[i] = upstream.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// writeSSE writes one data frame and flushes it so chunks reach the client
// immediately. A false return means the client connection is gone.
func writeSSE(w *bufio.Writer, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	return w.Flush() == nil
}
