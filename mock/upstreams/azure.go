package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newAzureHandler simulates Azure OpenAI: deployment-scoped chat completion
// URLs authenticated by the api-key header, plus the models endpoint used by
// health probes.
func newAzureHandler(cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") == "" {
			writeError(w, http.StatusUnauthorized, "missing api-key header", "authentication_error")
			return
		}
		applyLatency(cfg)

		switch {
		case strings.HasPrefix(r.URL.Path, "/openai/deployments/") &&
			strings.HasSuffix(r.URL.Path, "/chat/completions"):
			if shouldError(cfg) {
				writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
				return
			}
			serveAzureChat(w, r, cfg)

		case r.URL.Path == "/openai/models":
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []map[string]any{{"id": "gpt-4", "object": "model"}},
			})

		default:
			writeError(w, http.StatusNotFound, "unknown endpoint "+r.URL.Path, "invalid_request_error")
		}
	})
}

func serveAzureChat(w http.ResponseWriter, r *http.Request, cfg Config) {
	// /openai/deployments/{deployment}/chat/completions
	parts := strings.Split(r.URL.Path, "/")
	deployment := "unknown"
	if len(parts) >= 4 {
		deployment = parts[3]
	}

	var req struct {
		Stream bool `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}

	id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
	content := fakeSentence(cfg.StreamWords)

	if req.Stream {
		serveOpenAIStream(w, id, deployment, content)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   deployment,
		"choices": []map[string]any{{
			"index":         0,
			"message":       chatTurn{Role: "assistant", Content: content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": cfg.StreamWords,
			"total_tokens":      10 + cfg.StreamWords,
		},
	})
}
