// Package gemini adapts chat completions for Google Gemini via the official
// GenAI SDK. Assistant turns map to the "model" role, system prompts become
// systemInstruction, and generation parameters are packed into the
// generation config with maxOutputTokens defaulting to 8192.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/llmweaver/llmweaver/internal/store"
	"github.com/llmweaver/llmweaver/internal/upstream"
)

const (
	kind                   = "gemini"
	defaultBaseURL         = "https://generativelanguage.googleapis.com/v1beta"
	defaultMaxOutputTokens = 8192
)

// Adapter implements upstream.Adapter for Google Gemini.
type Adapter struct{}

// New creates the Gemini adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Kind() string { return kind }

func client(ctx context.Context, ch *store.Channel) (*genai.Client, error) {
	if ch.Config.APIKey == "" {
		return nil, fmt.Errorf("gemini: channel %d has no api_key", ch.ID)
	}

	raw := ch.Config.APIBase
	if raw == "" {
		raw = defaultBaseURL
	}
	base, ver := splitBaseURLAndVersion(raw)
	if ver == "" {
		ver = ch.Config.APIVersion
	}
	if ver == "" {
		ver = "v1beta"
	}

	cli, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      ch.Config.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	return cli, nil
}

func (a *Adapter) Probe(ctx context.Context, ch *store.Channel) error {
	cli, err := client(ctx, ch)
	if err != nil {
		return err
	}
	if _, err := cli.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("gemini: probe: %w", toProviderError(err))
	}
	return nil
}

func (a *Adapter) Complete(ctx context.Context, ch *store.Channel, req *upstream.ChatRequest) (*upstream.Completion, error) {
	cli, err := client(ctx, ch)
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)
	if req.Stream {
		return handleStreaming(ctx, cli, req.Model, contents, cfg), nil
	}
	return handleResponse(ctx, cli, req, contents, cfg)
}

func buildContentsAndConfig(req *upstream.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: defaultMaxOutputTokens,
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.TopP > 0 {
		cfg.TopP = genai.Ptr[float32](float32(req.TopP))
	}

	return contents, cfg
}

func handleResponse(
	ctx context.Context,
	cli *genai.Client,
	req *upstream.ChatRequest,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*upstream.Completion, error) {
	resp, err := cli.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := req.RequestID
	out := ""
	finish := ""
	if resp != nil {
		if resp.ResponseID != "" {
			id = resp.ResponseID
		}
		out = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = upstream.NormalizeFinishReason(string(resp.Candidates[0].FinishReason))
		}
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &upstream.Completion{
		ID:           id,
		Model:        req.Model,
		Content:      out,
		FinishReason: finish,
		Usage: upstream.Usage{
			InputTokens:  inTok,
			OutputTokens: outTok,
		},
	}, nil
}

func handleStreaming(
	ctx context.Context,
	cli *genai.Client,
	model string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) *upstream.Completion {
	ch := make(chan upstream.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range cli.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- upstream.StreamChunk{Err: toProviderError(err)}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := ""
			if c.FinishReason != "" {
				finish = upstream.NormalizeFinishReason(string(c.FinishReason))
			}

			if text != "" || finish != "" {
				ch <- upstream.StreamChunk{Content: text, FinishReason: finish}
			}
		}
	}()

	return &upstream.Completion{Stream: ch}
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &upstream.ProviderError{
			Provider:   kind,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
			Code:       fmt.Sprintf("%d", apiErr.Code),
		}
	}
	return err
}
