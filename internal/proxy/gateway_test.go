package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/llmweaver/llmweaver/internal/auth"
	"github.com/llmweaver/llmweaver/internal/balancer"
	"github.com/llmweaver/llmweaver/internal/store"
	"github.com/llmweaver/llmweaver/internal/upstream"
)

// --- helpers ----------------------------------------------------------------

// fakeAdapter implements upstream.Adapter with a pluggable Complete.
type fakeAdapter struct {
	kind       string
	completeFn func(ctx context.Context, ch *store.Channel, req *upstream.ChatRequest) (*upstream.Completion, error)
}

func (f *fakeAdapter) Kind() string { return f.kind }

func (f *fakeAdapter) Probe(context.Context, *store.Channel) error { return nil }

func (f *fakeAdapter) Complete(ctx context.Context, ch *store.Channel, req *upstream.ChatRequest) (*upstream.Completion, error) {
	return f.completeFn(ctx, ch, req)
}

// okAdapter answers every completion with a fixed unary response.
func okAdapter() *fakeAdapter {
	return &fakeAdapter{
		kind: store.KindOpenAI,
		completeFn: func(_ context.Context, _ *store.Channel, req *upstream.ChatRequest) (*upstream.Completion, error) {
			return &upstream.Completion{
				ID:           "resp-" + req.RequestID,
				Model:        req.Model,
				Content:      "hello from openai",
				FinishReason: "stop",
				Usage:        upstream.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	gw  *Gateway
	mem *store.Memory
	key string
}

// newTestEnv wires a gateway over the in-memory store with one active
// openai channel serving gpt-4 and one seeded credential.
func newTestEnv(t *testing.T, adapter upstream.Adapter, mutate func(*Options)) *testEnv {
	t.Helper()

	mem := store.NewMemory()
	mem.AddChannel(&store.Channel{
		ID: 1, Name: "primary", Kind: store.KindOpenAI,
		Status: store.StatusActive, Weight: 100,
	},
		store.ModelMapping{ChannelID: 1, PublicModel: "gpt-4", UpstreamModel: "gpt-4o"},
		store.ModelMapping{ChannelID: 1, PublicModel: "gpt-3.5-turbo"},
	)

	key, err := auth.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	hash, err := auth.HashKey(key)
	if err != nil {
		t.Fatal(err)
	}
	mem.AddCredential(&store.CallerCredential{
		ID: 1, OwnerID: 10, Name: "test", KeyHash: hash, Status: store.StatusActive,
	})

	adapters := map[string]upstream.Adapter{adapter.Kind(): adapter}
	lb := balancer.New(balancer.Options{
		Channels:        mem,
		Outcomes:        mem,
		Adapters:        adapters,
		Logger:          quietLogger(),
		DefaultStrategy: balancer.StrategyWeighted,
		StickyEnabled:   true,
		Config: balancer.Config{
			WindowMinutes:          30,
			StickyTTL:              5 * time.Minute,
			MaxConsecutiveFailures: 3,
			LatencyWeight:          0.3,
		},
	})

	opts := Options{
		Channels:        mem,
		Credentials:     mem,
		Outcomes:        mem,
		Auth:            auth.New(mem, nil, quietLogger()),
		Balancer:        lb,
		Adapters:        adapters,
		Logger:          quietLogger(),
		UpstreamTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}

	gw, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{gw: gw, mem: mem, key: key}
}

// serveGateway runs the full handler chain on an in-memory listener.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler())
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doRequest(t *testing.T, client *http.Client, method, path, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://gateway"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func decodeError(t *testing.T, data []byte) (string, string) {
	t.Helper()
	var env struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return env.Error.Type, env.Error.Code
}

func chatBody(model string, stream bool) []byte {
	body, _ := json.Marshal(map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": "Hello"}},
		"stream":   stream,
	})
	return body
}

// waitForOutcomes polls the outcome log; streaming accounting runs in the
// body writer after the response completes.
func waitForOutcomes(t *testing.T, mem *store.Memory, model string, want int) []store.RequestOutcome {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := mem.Query(context.Background(), 1, model, time.Now().Add(-time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		if len(got) >= want {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d outcomes, have %d", want, len(got))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// --- chat completions -------------------------------------------------------

func TestChatCompletionsUnary(t *testing.T) {
	var upstreamModel string
	adapter := okAdapter()
	inner := adapter.completeFn
	adapter.completeFn = func(ctx context.Context, ch *store.Channel, req *upstream.ChatRequest) (*upstream.Completion, error) {
		upstreamModel = req.Model
		return inner(ctx, ch, req)
	}

	env := newTestEnv(t, adapter, nil)
	client := serveGateway(t, env.gw)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", env.key, chatBody("gpt-4", false))
	data := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}

	var out struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode response: %v (%s)", err, data)
	}

	if out.Object != "chat.completion" {
		t.Errorf("object = %q", out.Object)
	}
	// The client sees the public model id, the adapter the upstream one.
	if out.Model != "gpt-4" {
		t.Errorf("model = %q, want gpt-4", out.Model)
	}
	if upstreamModel != "gpt-4o" {
		t.Errorf("upstream model = %q, want gpt-4o", upstreamModel)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello from openai" {
		t.Errorf("unexpected choices: %+v", out.Choices)
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("finish reason = %q", out.Choices[0].FinishReason)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", out.Usage.TotalTokens)
	}

	outcomes := waitForOutcomes(t, env.mem, "gpt-4", 1)
	if outcomes[0].Status != store.OutcomeSuccess {
		t.Errorf("outcome status = %q", outcomes[0].Status)
	}
	if outcomes[0].TokensIn != 10 || outcomes[0].TokensOut != 5 {
		t.Errorf("outcome tokens = %d/%d, want 10/5", outcomes[0].TokensIn, outcomes[0].TokensOut)
	}

	cred, _ := env.mem.Credential(context.Background(), 1)
	if cred.BudgetUsed <= 0 {
		t.Error("successful request must charge the budget")
	}
}

func TestChatCompletionsAuthRequired(t *testing.T) {
	env := newTestEnv(t, okAdapter(), nil)
	client := serveGateway(t, env.gw)

	for _, token := range []string{"", "sk-llmweaver-" + strings.Repeat("A", 32)} {
		resp := doRequest(t, client, "POST", "/v1/chat/completions", token, chatBody("gpt-4", false))
		data := readBody(t, resp)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %d, want 401", token, resp.StatusCode)
		}
		if typ, code := decodeError(t, data); typ != "authentication_error" || code != "invalid_api_key" {
			t.Fatalf("error = %s/%s", typ, code)
		}
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	env := newTestEnv(t, okAdapter(), nil)
	client := serveGateway(t, env.gw)

	cases := [][]byte{
		[]byte("{not json"),
		[]byte(`{"messages":[{"role":"user","content":"hi"}]}`),
		[]byte(`{"model":"gpt-4","messages":[]}`),
	}
	for _, body := range cases {
		resp := doRequest(t, client, "POST", "/v1/chat/completions", env.key, body)
		data := readBody(t, resp)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d, want 400", body, resp.StatusCode)
		}
		if typ, _ := decodeError(t, data); typ != "invalid_request_error" {
			t.Fatalf("error type = %q", typ)
		}
	}
}

func TestChatCompletionsModelNotAllowed(t *testing.T) {
	env := newTestEnv(t, okAdapter(), nil)

	cred, _ := env.mem.Credential(context.Background(), 1)
	cred.AllowedModels = []string{"gpt-3.5-turbo"}
	env.mem.AddCredential(cred)

	client := serveGateway(t, env.gw)
	resp := doRequest(t, client, "POST", "/v1/chat/completions", env.key, chatBody("gpt-4", false))
	data := readBody(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if _, code := decodeError(t, data); code != "model_not_allowed" {
		t.Fatalf("code = %q", code)
	}
}

func TestChatCompletionsBudgetExhausted(t *testing.T) {
	called := false
	adapter := okAdapter()
	inner := adapter.completeFn
	adapter.completeFn = func(ctx context.Context, ch *store.Channel, req *upstream.ChatRequest) (*upstream.Completion, error) {
		called = true
		return inner(ctx, ch, req)
	}
	env := newTestEnv(t, adapter, nil)

	cred, _ := env.mem.Credential(context.Background(), 1)
	cred.BudgetLimit = 5
	cred.BudgetUsed = 5
	env.mem.AddCredential(cred)

	client := serveGateway(t, env.gw)
	resp := doRequest(t, client, "POST", "/v1/chat/completions", env.key, chatBody("gpt-4", false))
	data := readBody(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if _, code := decodeError(t, data); code != "budget_exceeded" {
		t.Fatalf("code = %q", code)
	}
	if called {
		t.Error("exhausted budget must fail before the upstream call")
	}
}

func TestChatCompletionsNoUpstreamChannel(t *testing.T) {
	env := newTestEnv(t, okAdapter(), nil)
	client := serveGateway(t, env.gw)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", env.key, chatBody("unknown-model", false))
	data := readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if _, code := decodeError(t, data); code != "no_upstream_channel" {
		t.Fatalf("code = %q", code)
	}
}

func TestChatCompletionsUpstreamErrorMapping(t *testing.T) {
	adapter := &fakeAdapter{
		kind: store.KindOpenAI,
		completeFn: func(context.Context, *store.Channel, *upstream.ChatRequest) (*upstream.Completion, error) {
			return nil, &upstream.ProviderError{
				Provider: "openai", StatusCode: 429, Message: "rate limited", Type: "rate_limit_error",
			}
		},
	}
	env := newTestEnv(t, adapter, nil)
	client := serveGateway(t, env.gw)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", env.key, chatBody("gpt-4", false))
	data := readBody(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 passed through", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Error("upstream 429 must carry Retry-After")
	}
	if typ, _ := decodeError(t, data); typ != "rate_limit_error" {
		t.Fatalf("error type = %q", typ)
	}

	outcomes := waitForOutcomes(t, env.mem, "gpt-4", 1)
	if outcomes[0].Status != store.OutcomeError {
		t.Errorf("outcome status = %q, want error", outcomes[0].Status)
	}
	cred, _ := env.mem.Credential(context.Background(), 1)
	if cred.BudgetUsed != 0 {
		t.Error("failed request must not charge the budget")
	}
}

func TestChatCompletionsTransportError(t *testing.T) {
	adapter := &fakeAdapter{
		kind: store.KindOpenAI,
		completeFn: func(context.Context, *store.Channel, *upstream.ChatRequest) (*upstream.Completion, error) {
			return nil, io.ErrUnexpectedEOF
		},
	}
	env := newTestEnv(t, adapter, nil)
	client := serveGateway(t, env.gw)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", env.key, chatBody("gpt-4", false))
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestChatCompletionsTimeout(t *testing.T) {
	adapter := &fakeAdapter{
		kind: store.KindOpenAI,
		completeFn: func(context.Context, *store.Channel, *upstream.ChatRequest) (*upstream.Completion, error) {
			return nil, context.DeadlineExceeded
		},
	}
	env := newTestEnv(t, adapter, nil)
	client := serveGateway(t, env.gw)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", env.key, chatBody("gpt-4", false))
	data := readBody(t, resp)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", resp.StatusCode)
	}
	if _, code := decodeError(t, data); code != "request_timeout" {
		t.Fatalf("code = %q", code)
	}
}

func TestStrategyOverrideHeaderUnknownValueIgnored(t *testing.T) {
	env := newTestEnv(t, okAdapter(), nil)
	client := serveGateway(t, env.gw)

	for _, value := range []string{"bogus", "random"} {
		req, _ := http.NewRequest("POST", "http://gateway/v1/chat/completions",
			bytes.NewReader(chatBody("gpt-4", false)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+env.key)
		req.Header.Set("X-LB-Strategy", value)

		resp, err := client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("header %q: status = %d, want 200", value, resp.StatusCode)
		}
	}
}

// --- streaming --------------------------------------------------------------

func streamingAdapter(chunks []upstream.StreamChunk) *fakeAdapter {
	return &fakeAdapter{
		kind: store.KindOpenAI,
		completeFn: func(context.Context, *store.Channel, *upstream.ChatRequest) (*upstream.Completion, error) {
			ch := make(chan upstream.StreamChunk, len(chunks))
			for _, c := range chunks {
				ch <- c
			}
			close(ch)
			return &upstream.Completion{Stream: ch}, nil
		},
	}
}

// parseSSE splits a full SSE body into data payloads.
func parseSSE(t *testing.T, body []byte) []string {
	t.Helper()
	var frames []string
	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	return frames
}

func TestChatCompletionsStreaming(t *testing.T) {
	env := newTestEnv(t, streamingAdapter([]upstream.StreamChunk{
		{Role: "assistant", Content: "Hello"},
		{Content: " world"},
		{FinishReason: "stop"},
	}), nil)
	client := serveGateway(t, env.gw)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", env.key, chatBody("gpt-4", true))
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	frames := parseSSE(t, body)
	if len(frames) == 0 || frames[len(frames)-1] != "[DONE]" {
		t.Fatalf("stream must end with [DONE], frames: %v", frames)
	}

	var content, finish string
	for _, frame := range frames[:len(frames)-1] {
		var chunk struct {
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(frame), &chunk); err != nil {
			t.Fatalf("decode frame %q: %v", frame, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Fatalf("object = %q", chunk.Object)
		}
		content += chunk.Choices[0].Delta.Content
		if fr := chunk.Choices[0].FinishReason; fr != nil {
			finish = *fr
		}
	}
	if content != "Hello world" {
		t.Errorf("content = %q, want 'Hello world'", content)
	}
	if finish != "stop" {
		t.Errorf("finish reason = %q, want stop", finish)
	}

	outcomes := waitForOutcomes(t, env.mem, "gpt-4", 1)
	if outcomes[0].Status != store.OutcomeSuccess {
		t.Errorf("outcome status = %q, want success", outcomes[0].Status)
	}
}

func TestStreamingUpstreamErrorInBand(t *testing.T) {
	env := newTestEnv(t, streamingAdapter([]upstream.StreamChunk{
		{Role: "assistant", Content: "partial"},
		{Err: &upstream.ProviderError{Provider: "openai", StatusCode: 500, Message: "backend died", Type: "server_error"}},
	}), nil)
	client := serveGateway(t, env.gw)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", env.key, chatBody("gpt-4", true))
	body := readBody(t, resp)

	// Headers were already on the wire; the failure travels in-band.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	frames := parseSSE(t, body)
	if frames[len(frames)-1] != "[DONE]" {
		t.Fatalf("stream must still end with [DONE], frames: %v", frames)
	}

	sawError := false
	for _, frame := range frames {
		if strings.Contains(frame, `"upstream_error"`) {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("expected an in-band error frame")
	}

	outcomes := waitForOutcomes(t, env.mem, "gpt-4", 1)
	if outcomes[0].Status != store.OutcomeError {
		t.Errorf("outcome status = %q, want error", outcomes[0].Status)
	}
	cred, _ := env.mem.Credential(context.Background(), 1)
	if cred.BudgetUsed != 0 {
		t.Error("failed stream must not charge the budget")
	}
}

func TestStreamingClientDisconnect(t *testing.T) {
	var cancelled atomic.Bool

	// The producer keeps emitting chunks until the request context is
	// cancelled, so the stream only ends if the gateway tears it down.
	adapter := &fakeAdapter{
		kind: store.KindOpenAI,
		completeFn: func(ctx context.Context, _ *store.Channel, _ *upstream.ChatRequest) (*upstream.Completion, error) {
			ch := make(chan upstream.StreamChunk)
			go func() {
				defer close(ch)
				for {
					select {
					case <-ctx.Done():
						cancelled.Store(true)
						return
					case ch <- upstream.StreamChunk{Role: "assistant", Content: "chunk "}:
					}
					time.Sleep(5 * time.Millisecond)
				}
			}()
			return &upstream.Completion{Stream: ch}, nil
		},
	}

	env := newTestEnv(t, adapter, nil)
	client := serveGateway(t, env.gw)

	req, err := http.NewRequest("POST", "http://gateway/v1/chat/completions",
		bytes.NewReader(chatBody("gpt-4", true)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+env.key)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// Read one data frame, then hang up mid-stream.
	r := bufio.NewReader(resp.Body)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading first frame: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	resp.Body.Close()

	outcomes := waitForOutcomes(t, env.mem, "gpt-4", 1)
	if outcomes[0].Status != store.OutcomeError {
		t.Errorf("outcome status = %q, want error", outcomes[0].Status)
	}
	if !cancelled.Load() {
		t.Error("upstream stream was not cancelled after the client hung up")
	}
	cred, _ := env.mem.Credential(context.Background(), 1)
	if cred.BudgetUsed != 0 {
		t.Error("an abandoned stream must not charge the budget")
	}
}

// --- models and health ------------------------------------------------------

func TestListModelsFiltersAllowList(t *testing.T) {
	env := newTestEnv(t, okAdapter(), nil)

	cred, _ := env.mem.Credential(context.Background(), 1)
	cred.AllowedModels = []string{"gpt-3.5-turbo"}
	env.mem.AddCredential(cred)

	client := serveGateway(t, env.gw)
	resp := doRequest(t, client, "GET", "/v1/models", env.key, nil)
	data := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			Object  string `json:"object"`
			Created int64  `json:"created"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "list" || len(out.Data) != 1 || out.Data[0].ID != "gpt-3.5-turbo" {
		t.Fatalf("unexpected model list: %s", data)
	}
	entry := out.Data[0]
	if entry.Object != "model" || entry.OwnedBy != "llmweaver" {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Created <= 0 {
		t.Errorf("created = %d, want a unix timestamp", entry.Created)
	}
}

func TestListModelsRequiresAuth(t *testing.T) {
	env := newTestEnv(t, okAdapter(), nil)
	client := serveGateway(t, env.gw)

	resp := doRequest(t, client, "GET", "/v1/models", "", nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, okAdapter(), func(o *Options) { o.Version = "1.2.3" })
	client := serveGateway(t, env.gw)

	resp := doRequest(t, client, "GET", "/health", "", nil)
	data := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "ok" || out.Version != "1.2.3" {
		t.Fatalf("health = %s", data)
	}
}

// --- admin ------------------------------------------------------------------

func adminEnv(t *testing.T) (*testEnv, *http.Client) {
	t.Helper()
	env := newTestEnv(t, okAdapter(), func(o *Options) { o.AdminToken = "secret" })
	return env, serveGateway(t, env.gw)
}

func decodeAdmin(t *testing.T, data []byte) adminEnvelope {
	t.Helper()
	var env adminEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode admin envelope: %v (%s)", err, data)
	}
	return env
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	env := newTestEnv(t, okAdapter(), nil)
	client := serveGateway(t, env.gw)

	resp := doRequest(t, client, "GET", "/admin/load-balancer/status", "anything", nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when admin is disabled", resp.StatusCode)
	}
}

func TestAdminRejectsBadToken(t *testing.T) {
	_, client := adminEnv(t)

	for _, token := range []string{"", "wrong"} {
		resp := doRequest(t, client, "GET", "/admin/load-balancer/status", token, nil)
		data := readBody(t, resp)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("token %q: status = %d, want 401", token, resp.StatusCode)
		}
		if env := decodeAdmin(t, data); env.Code != http.StatusUnauthorized {
			t.Fatalf("envelope code = %d", env.Code)
		}
	}
}

func TestAdminBalancerStatus(t *testing.T) {
	_, client := adminEnv(t)

	resp := doRequest(t, client, "GET", "/admin/load-balancer/status", "secret", nil)
	data := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out struct {
		Code int `json:"code"`
		Data struct {
			DefaultStrategy string `json:"default_strategy"`
			StickyEnabled   bool   `json:"sticky_enabled"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Data.DefaultStrategy != "weighted" || !out.Data.StickyEnabled {
		t.Fatalf("unexpected status payload: %s", data)
	}
}

func TestAdminSetStrategy(t *testing.T) {
	env, client := adminEnv(t)

	resp := doRequest(t, client, "POST", "/admin/load-balancer/strategy?strategy=lowest_cost", "secret", nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := env.gw.balancer.DefaultStrategy(); got != balancer.StrategyLowestCost {
		t.Fatalf("default strategy = %q, want lowest_cost", got)
	}

	resp = doRequest(t, client, "POST", "/admin/load-balancer/strategy?strategy=bogus", "secret", nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown strategy: status = %d, want 400", resp.StatusCode)
	}
}

func TestAdminCacheTrackingToggle(t *testing.T) {
	env, client := adminEnv(t)

	resp := doRequest(t, client, "POST", "/admin/load-balancer/cache-tracking?enabled=false", "secret", nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if env.gw.balancer.StickyEnabled() {
		t.Fatal("sticky routing should be disabled")
	}

	resp = doRequest(t, client, "POST", "/admin/load-balancer/cache-tracking", "secret", nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing 'enabled': status = %d, want 400", resp.StatusCode)
	}
}

func TestAdminChannelPerformance(t *testing.T) {
	_, client := adminEnv(t)

	resp := doRequest(t, client, "GET", "/admin/channels/1/performance?model=gpt-4", "secret", nil)
	data := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, data)
	}

	resp = doRequest(t, client, "GET", "/admin/channels/1/performance", "secret", nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing model: status = %d, want 400", resp.StatusCode)
	}

	resp = doRequest(t, client, "GET", "/admin/channels/99/performance?model=gpt-4", "secret", nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown channel: status = %d, want 404", resp.StatusCode)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t, okAdapter(), nil)
	client := serveGateway(t, env.gw)

	resp := doRequest(t, client, "POST", "/v1/chat/completions", env.key, chatBody("gpt-4", false))
	readBody(t, resp)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("response must carry X-Request-ID")
	}
}
