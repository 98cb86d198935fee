package gemini

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/llmweaver/llmweaver/internal/store"
	"github.com/llmweaver/llmweaver/internal/upstream"
)

func testChannel(srv *httptest.Server) *store.Channel {
	return &store.Channel{
		ID:   6,
		Kind: store.KindGemini,
		Config: store.ChannelConfig{
			APIKey:  "gemini-key",
			APIBase: srv.URL,
		},
	}
}

func baseRequest() *upstream.ChatRequest {
	return &upstream.ChatRequest{
		Model:     "gemini-1.5-pro",
		Messages:  []upstream.Message{{Role: "user", Content: "Hello"}},
		RequestID: "req-gem-1",
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	cases := []struct {
		raw      string
		wantBase string
		wantVer  string
	}{
		{"https://generativelanguage.googleapis.com/v1beta", "https://generativelanguage.googleapis.com/", "v1beta"},
		{"https://proxy.example.com/gemini/v1", "https://proxy.example.com/gemini/", "v1"},
		{"https://proxy.example.com/custom", "https://proxy.example.com/custom/", ""},
		{"http://localhost:8080", "http://localhost:8080/", ""},
	}
	for _, tc := range cases {
		base, ver := splitBaseURLAndVersion(tc.raw)
		if base != tc.wantBase || ver != tc.wantVer {
			t.Errorf("split(%q) = (%q, %q), want (%q, %q)", tc.raw, base, ver, tc.wantBase, tc.wantVer)
		}
	}
}

func TestLooksLikeAPIVersion(t *testing.T) {
	for s, want := range map[string]bool{
		"v1": true, "v1beta": true, "v2alpha": true,
		"vertex": false, "v": false, "beta": false,
	} {
		if got := looksLikeAPIVersion(s); got != want {
			t.Errorf("looksLikeAPIVersion(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestBuildContentsAndConfig(t *testing.T) {
	req := &upstream.ChatRequest{
		Model: "gemini-1.5-pro",
		Messages: []upstream.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
		Temperature: 0.5,
	}

	contents, cfg := buildContentsAndConfig(req)

	if len(contents) != 2 {
		t.Fatalf("got %d contents, want 2 (system lifted out)", len(contents))
	}
	if contents[1].Role != string(genai.RoleModel) {
		t.Fatalf("assistant turn role = %q, want model", contents[1].Role)
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "be brief" {
		t.Fatalf("system instruction missing: %+v", cfg.SystemInstruction)
	}
	if cfg.MaxOutputTokens != defaultMaxOutputTokens {
		t.Fatalf("maxOutputTokens = %d, want default %d", cfg.MaxOutputTokens, defaultMaxOutputTokens)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.5 {
		t.Fatalf("temperature not set: %v", cfg.Temperature)
	}

	req.MaxTokens = 256
	_, cfg = buildContentsAndConfig(req)
	if cfg.MaxOutputTokens != 256 {
		t.Fatalf("maxOutputTokens = %d, want caller value 256", cfg.MaxOutputTokens)
	}
}

func TestCandidateText(t *testing.T) {
	if got := candidateText(nil); got != "" {
		t.Fatalf("nil candidate text = %q", got)
	}
	c := &genai.Candidate{Content: &genai.Content{Parts: []*genai.Part{
		{Text: "a"}, nil, {Text: "b"},
	}}}
	if got := candidateText(c); got != "ab" {
		t.Fatalf("candidate text = %q, want ab", got)
	}
}

func TestCompleteUnary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "models/gemini-1.5-pro") ||
			!strings.HasSuffix(r.URL.Path, ":generateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if !strings.Contains(r.URL.Path, "/v1beta/") {
			t.Errorf("path %q should carry the default api version", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"responseId": "resp-1",
			"candidates": [{
				"content": {"parts":[{"text":"G"}], "role":"model"},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount":4, "candidatesTokenCount":1}
		}`)
	}))
	defer srv.Close()

	resp, err := New().Complete(context.Background(), testChannel(srv), baseRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.ID != "resp-1" || resp.Content != "G" {
		t.Fatalf("unexpected completion: %+v", resp)
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("finish reason = %q, want stop (normalized from STOP)", resp.FinishReason)
	}
	if resp.Usage.InputTokens != 4 || resp.Usage.OutputTokens != 1 {
		t.Fatalf("usage = %+v, want 4/1", resp.Usage)
	}
}

func TestCompleteFallsBackToRequestID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"x"}],"role":"model"}}]}`)
	}))
	defer srv.Close()

	resp, err := New().Complete(context.Background(), testChannel(srv), baseRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.ID != "req-gem-1" {
		t.Fatalf("ID = %q, want the gateway request id when upstream omits one", resp.ID)
	}
}

func TestCompleteMissingAPIKey(t *testing.T) {
	ch := &store.Channel{ID: 9, Kind: store.KindGemini}
	if _, err := New().Complete(context.Background(), ch, baseRequest()); err == nil {
		t.Fatal("expected error for channel without api_key")
	}
}
