// Package anthropic adapts chat completions for the Anthropic Messages API
// (official SDK). System messages are lifted into the top-level system
// field, max_tokens is mandatory upstream and defaults to 4096, and stop
// reasons are normalized onto the OpenAI vocabulary.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/llmweaver/llmweaver/internal/store"
	"github.com/llmweaver/llmweaver/internal/upstream"
)

const (
	kind             = "anthropic"
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultMaxTokens = 4096

	// Cheapest known model, used for the 1-token reachability probe.
	probeModel = "claude-3-haiku-20240307"
)

// Adapter implements upstream.Adapter for Anthropic.
type Adapter struct{}

// New creates the Anthropic adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Kind() string { return kind }

func client(ch *store.Channel) (anthropic.Client, error) {
	if ch.Config.APIKey == "" {
		return anthropic.Client{}, fmt.Errorf("anthropic: channel %d has no api_key", ch.ID)
	}
	base := strings.TrimRight(ch.Config.APIBase, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return anthropic.NewClient(
		option.WithAPIKey(ch.Config.APIKey),
		option.WithBaseURL(base),
	), nil
}

// Probe sends a 1-token message. Auth and quota errors (400, 429) still
// prove the endpoint is reachable, so only transport failures and 5xx/401
// class errors count against the channel.
func (a *Adapter) Probe(ctx context.Context, ch *store.Channel) error {
	cli, err := client(ch)
	if err != nil {
		return err
	}

	_, err = cli.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(probeModel),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			toSDKMessage("user", "hi"),
		},
	})
	if err == nil {
		return nil
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case 200, 400, 429:
			return nil
		}
	}
	return fmt.Errorf("anthropic: probe: %w", toProviderError(err))
}

func (a *Adapter) Complete(ctx context.Context, ch *store.Channel, req *upstream.ChatRequest) (*upstream.Completion, error) {
	cli, err := client(ch)
	if err != nil {
		return nil, err
	}

	params := buildParams(req)
	if req.Stream {
		return handleStreaming(ctx, cli, params), nil
	}
	return handleResponse(ctx, cli, params)
}

func buildParams(req *upstream.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	r := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		r = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: r,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{Text: content},
			},
		},
	}
}

func handleResponse(ctx context.Context, cli anthropic.Client, params anthropic.MessageNewParams) (*upstream.Completion, error) {
	msg, err := cli.Messages.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &upstream.Completion{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Content:      sb.String(),
		FinishReason: upstream.NormalizeFinishReason(string(msg.StopReason)),
		Usage: upstream.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func handleStreaming(ctx context.Context, cli anthropic.Client, params anthropic.MessageNewParams) *upstream.Completion {
	ch := make(chan upstream.StreamChunk, 64)

	stream := cli.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- upstream.StreamChunk{Content: deltaVariant.Text}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- upstream.StreamChunk{Content: deltaVariant.Text}
					}
				}
			case anthropic.MessageDeltaEvent:
				if reason := string(eventVariant.Delta.StopReason); reason != "" {
					ch <- upstream.StreamChunk{
						FinishReason: upstream.NormalizeFinishReason(reason),
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- upstream.StreamChunk{Err: toProviderError(err)}
		}
	}()

	return &upstream.Completion{Stream: ch}
}

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &upstream.ProviderError{
			Provider:   kind,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
