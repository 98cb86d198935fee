// Package openai adapts chat completions for OpenAI and any
// OpenAI-compatible provider (Mistral and Cohere ship compatibility
// endpoints, so all three kinds share this adapter with different
// canonical base URLs).
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/llmweaver/llmweaver/internal/store"
	"github.com/llmweaver/llmweaver/internal/upstream"
)

// Canonical base URLs per kind, used when the channel config omits api_base.
const (
	defaultOpenAIBaseURL  = "https://api.openai.com/v1"
	defaultMistralBaseURL = "https://api.mistral.ai/v1"
	defaultCohereBaseURL  = "https://api.cohere.ai/compatibility/v1"
)

// Adapter implements upstream.Adapter for OpenAI-compatible providers.
type Adapter struct {
	kind        string
	defaultBase string
}

// New returns the adapter for native OpenAI channels.
func New() *Adapter {
	return &Adapter{kind: store.KindOpenAI, defaultBase: defaultOpenAIBaseURL}
}

// NewMistral returns the adapter for Mistral channels.
func NewMistral() *Adapter {
	return &Adapter{kind: store.KindMistral, defaultBase: defaultMistralBaseURL}
}

// NewCohere returns the adapter for Cohere channels (compatibility API).
func NewCohere() *Adapter {
	return &Adapter{kind: store.KindCohere, defaultBase: defaultCohereBaseURL}
}

func (a *Adapter) Kind() string { return a.kind }

func (a *Adapter) client(ch *store.Channel) (openaiSDK.Client, error) {
	if ch.Config.APIKey == "" {
		return openaiSDK.Client{}, fmt.Errorf("%s: channel %d has no api_key", a.kind, ch.ID)
	}

	base := strings.TrimRight(ch.Config.APIBase, "/")
	if base == "" {
		base = a.defaultBase
	}

	opts := []option.RequestOption{
		option.WithAPIKey(ch.Config.APIKey),
		option.WithBaseURL(base),
	}
	if ch.Config.Organization != "" {
		opts = append(opts, option.WithOrganization(ch.Config.Organization))
	}
	return openaiSDK.NewClient(opts...), nil
}

func (a *Adapter) Probe(ctx context.Context, ch *store.Channel) error {
	client, err := a.client(ch)
	if err != nil {
		return err
	}
	if _, err := client.Models.List(ctx); err != nil {
		return fmt.Errorf("%s: probe: %w", a.kind, a.toProviderError(err))
	}
	return nil
}

func (a *Adapter) Complete(ctx context.Context, ch *store.Channel, req *upstream.ChatRequest) (*upstream.Completion, error) {
	client, err := a.client(ch)
	if err != nil {
		return nil, err
	}

	params := a.buildParams(req)
	if req.Stream {
		return a.handleStreaming(ctx, client, params)
	}
	return a.handleResponse(ctx, client, params)
}

func (a *Adapter) buildParams(req *upstream.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.FrequencyPenalty != 0 {
		params.FrequencyPenalty = openaiSDK.Float(req.FrequencyPenalty)
	}
	if req.PresencePenalty != 0 {
		params.PresencePenalty = openaiSDK.Float(req.PresencePenalty)
	}

	return params
}

func (a *Adapter) handleResponse(
	ctx context.Context,
	client openaiSDK.Client,
	params openaiSDK.ChatCompletionNewParams,
) (*upstream.Completion, error) {
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, a.toProviderError(err)
	}

	content := ""
	finish := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}

	return &upstream.Completion{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      content,
		FinishReason: finish,
		Usage: upstream.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (a *Adapter) handleStreaming(
	ctx context.Context,
	client openaiSDK.Client,
	params openaiSDK.ChatCompletionNewParams,
) (*upstream.Completion, error) {
	ch := make(chan upstream.StreamChunk, 64)

	stream := client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" || c.Delta.Role != "" {
				ch <- upstream.StreamChunk{
					Role:         c.Delta.Role,
					Content:      c.Delta.Content,
					FinishReason: c.FinishReason,
				}
				continue
			}
			if c.FinishReason != "" {
				ch <- upstream.StreamChunk{FinishReason: c.FinishReason}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- upstream.StreamChunk{Err: a.toProviderError(err)}
		}
	}()

	return &upstream.Completion{Stream: ch}, nil
}

func (a *Adapter) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &upstream.ProviderError{
			Provider:   a.kind,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       a.kind + "_error",
		}
	}
	return err
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
