// Package upstream defines the adapter contract shared by all provider
// integrations (OpenAI, Azure OpenAI, Anthropic, Gemini, Mistral, Cohere).
//
// Each adapter lives in its own sub-package, translates between the OpenAI
// wire shapes and the provider's native protocol, and is driven entirely by
// per-channel configuration: channels are data, so adapters receive the
// channel on every call instead of holding credentials themselves.
package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/llmweaver/llmweaver/internal/store"
)

// ProbeTimeout bounds a single health probe, independent of the upstream
// request timeout.
const ProbeTimeout = 10 * time.Second

type (
	// Message is a single conversation turn.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// ChatRequest is the normalized client request handed to an adapter.
	// Model is already the upstream model id resolved from the mapping.
	ChatRequest struct {
		Model            string
		Messages         []Message
		Temperature      float64
		TopP             float64
		MaxTokens        int
		FrequencyPenalty float64
		PresencePenalty  float64
		Stream           bool
		RequestID        string
	}

	// StreamChunk is one delta of a streaming response. Err is set on a
	// mid-stream failure; the pipeline turns it into an in-band error
	// frame since headers are already on the wire.
	StreamChunk struct {
		Role         string
		Content      string
		FinishReason string
		Err          error
	}

	// Usage is normalized token accounting.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// Completion is the normalized upstream response. For streaming calls
	// Stream is non-nil and closes at end-of-stream; the scalar fields are
	// zero.
	Completion struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
		Stream       <-chan StreamChunk
	}
)

// Adapter translates requests for one provider kind.
type Adapter interface {
	Kind() string
	// Complete issues a unary or streaming chat completion against the
	// channel's endpoint. The context carries the upstream deadline.
	Complete(ctx context.Context, ch *store.Channel, req *ChatRequest) (*Completion, error)
	// Probe performs the provider-specific reachability check.
	Probe(ctx context.Context, ch *store.Channel) error
}

// ProviderError is a normalized upstream failure.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Type       string
	Code       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d, type=%s)", e.Provider, e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements the status-coder contract consumed by the pipeline's
// error rendering.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// EstimateTokens approximates the token count of a text when the upstream
// response omits usage. Intentionally crude; accounting prefers upstream
// numbers whenever present.
func EstimateTokens(text string) int {
	return len(text)/3 + 1
}

// EstimateMessageTokens sums the estimate over all message contents.
func EstimateMessageTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	return total
}

// NormalizeFinishReason maps provider-native stop reasons onto the OpenAI
// vocabulary. Unknown reasons pass through untouched.
func NormalizeFinishReason(reason string) string {
	switch reason {
	case "max_tokens", "MAX_TOKENS":
		return "length"
	case "stop_sequence", "STOP":
		return "stop"
	default:
		return reason
	}
}
