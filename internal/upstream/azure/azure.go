// Package azure adapts chat completions for Azure OpenAI. Azure uses
// deployment-scoped URLs and the "api-key" header instead of bearer auth;
// the upstream model id from the mapping doubles as the deployment name.
package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/llmweaver/llmweaver/internal/store"
	"github.com/llmweaver/llmweaver/internal/upstream"
)

const (
	kind              = "azure"
	defaultAPIVersion = "2024-02-01"
)

type chatRequest struct {
	Messages         []upstream.Message `json:"messages"`
	Stream           bool               `json:"stream,omitempty"`
	Temperature      float64            `json:"temperature,omitempty"`
	TopP             float64            `json:"top_p,omitempty"`
	MaxTokens        int                `json:"max_tokens,omitempty"`
	FrequencyPenalty float64            `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64            `json:"presence_penalty,omitempty"`
}

type chatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   usage    `json:"usage"`
	Error   *apiErr  `json:"error,omitempty"`
}

type choice struct {
	Message      *upstream.Message `json:"message,omitempty"`
	Delta        *upstream.Message `json:"delta,omitempty"`
	FinishReason string            `json:"finish_reason"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type apiErr struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Adapter implements upstream.Adapter for Azure OpenAI.
// Request deadlines come from the caller's context, so the shared client
// carries no timeout of its own.
type Adapter struct {
	client *http.Client
}

// New creates the Azure adapter.
func New() *Adapter {
	return &Adapter{client: &http.Client{}}
}

func (a *Adapter) Kind() string { return kind }

func apiVersion(ch *store.Channel) string {
	if ch.Config.APIVersion != "" {
		return ch.Config.APIVersion
	}
	return defaultAPIVersion
}

func endpoint(ch *store.Channel) string {
	return strings.TrimRight(ch.Config.APIBase, "/")
}

func (a *Adapter) Probe(ctx context.Context, ch *store.Channel) error {
	url := fmt.Sprintf("%s/openai/models?api-version=%s", endpoint(ch), apiVersion(ch))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("azure: probe: %w", err)
	}
	req.Header.Set("api-key", ch.Config.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("azure: probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("azure: probe: status %d", resp.StatusCode)
	}
	return nil
}

func (a *Adapter) Complete(ctx context.Context, ch *store.Channel, req *upstream.ChatRequest) (*upstream.Completion, error) {
	if ch.Config.APIBase == "" {
		return nil, fmt.Errorf("azure: channel %d has no api_base", ch.ID)
	}

	url := fmt.Sprintf(
		"%s/openai/deployments/%s/chat/completions?api-version=%s",
		endpoint(ch), req.Model, apiVersion(ch),
	)

	body, err := buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}
	httpReq.Header.Set("api-key", ch.Config.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	if req.Stream {
		return handleStreaming(resp), nil
	}
	defer resp.Body.Close()
	return handleResponse(resp)
}

func buildRequest(req *upstream.ChatRequest) ([]byte, error) {
	cr := chatRequest{Messages: req.Messages}
	if req.Stream {
		cr.Stream = true
	}
	if req.Temperature > 0 {
		cr.Temperature = req.Temperature
	}
	if req.TopP > 0 {
		cr.TopP = req.TopP
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}
	if req.FrequencyPenalty != 0 {
		cr.FrequencyPenalty = req.FrequencyPenalty
	}
	if req.PresencePenalty != 0 {
		cr.PresencePenalty = req.PresencePenalty
	}

	data, err := json.Marshal(cr)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

func handleResponse(resp *http.Response) (*upstream.Completion, error) {
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("azure: decode response: %w", err)
	}

	content := ""
	finish := ""
	if len(cr.Choices) > 0 {
		if cr.Choices[0].Message != nil {
			content = cr.Choices[0].Message.Content
		}
		finish = cr.Choices[0].FinishReason
	}

	return &upstream.Completion{
		ID:           cr.ID,
		Model:        cr.Model,
		Content:      content,
		FinishReason: finish,
		Usage: upstream.Usage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
		},
	}, nil
}

func handleStreaming(resp *http.Response) *upstream.Completion {
	ch := make(chan upstream.StreamChunk, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var cr chatResponse
			if err := json.Unmarshal([]byte(data), &cr); err != nil {
				continue
			}
			if len(cr.Choices) == 0 {
				continue
			}
			c := cr.Choices[0]
			chunk := upstream.StreamChunk{FinishReason: c.FinishReason}
			if c.Delta != nil {
				chunk.Role = c.Delta.Role
				chunk.Content = c.Delta.Content
			}
			if chunk.Role == "" && chunk.Content == "" && chunk.FinishReason == "" {
				continue
			}
			ch <- chunk
		}
		if err := scanner.Err(); err != nil {
			ch <- upstream.StreamChunk{Err: fmt.Errorf("azure: read stream: %w", err)}
		}
	}()

	return &upstream.Completion{Stream: ch}
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var cr chatResponse
	if json.Unmarshal(body, &cr) == nil && cr.Error != nil {
		return &upstream.ProviderError{
			Provider:   kind,
			StatusCode: resp.StatusCode,
			Message:    cr.Error.Message,
			Type:       cr.Error.Type,
			Code:       cr.Error.Code,
		}
	}

	return &upstream.ProviderError{
		Provider:   kind,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("unexpected status %d", resp.StatusCode),
		Type:       "azure_error",
	}
}
