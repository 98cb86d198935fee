package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler simulates the Gemini generateContent API. Paths look like
// /v1beta/models/{model}:generateContent; the model list endpoint serves the
// reachability probe.
func newGeminiHandler(cfg Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)

		switch {
		case strings.Contains(r.URL.Path, ":generateContent") ||
			strings.Contains(r.URL.Path, ":streamGenerateContent"):
			if shouldError(cfg) {
				writeGeminiError(w, http.StatusInternalServerError, "mock internal server error")
				return
			}
			serveGeminiContent(w, r, cfg)

		case strings.HasSuffix(r.URL.Path, "/models"):
			writeJSON(w, http.StatusOK, map[string]any{
				"models": []map[string]any{
					{"name": "models/gemini-1.5-pro"},
					{"name": "models/gemini-1.5-flash"},
				},
			})

		default:
			writeGeminiError(w, http.StatusNotFound, "unknown endpoint "+r.URL.Path)
		}
	})
}

func writeGeminiError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"code": status, "message": message, "status": "INTERNAL"},
	})
}

func serveGeminiContent(w http.ResponseWriter, r *http.Request, cfg Config) {
	content := fakeSentence(cfg.StreamWords)
	body := map[string]any{
		"responseId": fmt.Sprintf("mock-%x", rand.Int64()),
		"candidates": []map[string]any{{
			"content": map[string]any{
				"parts": []map[string]string{{"text": content}},
				"role":  "model",
			},
			"finishReason": "STOP",
		}},
		"usageMetadata": map[string]int{
			"promptTokenCount":     10,
			"candidatesTokenCount": cfg.StreamWords,
		},
	}

	// The SDK streams via server-sent events with ?alt=sse.
	if strings.Contains(r.URL.Path, ":streamGenerateContent") {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		data, _ := json.Marshal(body)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flush(w)
		return
	}

	writeJSON(w, http.StatusOK, body)
}
