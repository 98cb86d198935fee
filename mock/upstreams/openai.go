package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// newOpenAIHandler simulates the OpenAI chat completions API. Mistral and
// Cohere channels use the same wire format, so one handler covers all three
// kinds.
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "invalid_request_error")
			return
		}
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
			return
		}

		var req struct {
			Model    string     `json:"model"`
			Stream   bool       `json:"stream"`
			Messages []chatTurn `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
			return
		}

		model := req.Model
		if model == "" {
			model = "gpt-4o"
		}
		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)

		if req.Stream {
			serveOpenAIStream(w, id, model, content)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
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
	})

	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o", "object": "model", "owned_by": "mock"},
				{"id": "gpt-4", "object": "model", "owned_by": "mock"},
				{"id": "gpt-3.5-turbo", "object": "model", "owned_by": "mock"},
			},
		})
	})

	return mux
}

// serveOpenAIStream emits the content word by word as chat.completion.chunk
// frames, then a finish chunk and [DONE].
func serveOpenAIStream(w http.ResponseWriter, id, model, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	created := time.Now().Unix()
	writeChunk := func(delta map[string]string, finish any) {
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": created,
			"model":   model,
			"choices": []map[string]any{{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			}},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flush(w)
	}

	for i, word := range strings.Fields(content) {
		text := word
		if i > 0 {
			text = " " + word
		}
		delta := map[string]string{"content": text}
		if i == 0 {
			delta["role"] = "assistant"
		}
		writeChunk(delta, nil)
	}
	writeChunk(map[string]string{}, "stop")

	fmt.Fprint(w, "data: [DONE]\n\n")
	flush(w)
}
