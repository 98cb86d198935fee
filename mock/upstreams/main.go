// Command upstreams runs lightweight HTTP mock servers that simulate the
// provider APIs the gateway routes to. Point a channel's api_base at one of
// them for E2E/load testing without real credentials.
//
// Each provider kind listens on its own port:
//
//	OpenAI / Mistral / Cohere (compat)  :19001
//	Anthropic                           :19002
//	Gemini                              :19003
//	Azure OpenAI                        :19004
//
// Environment overrides (PORT_<KIND>):
//
//	PORT_OPENAI, PORT_ANTHROPIC, PORT_GEMINI, PORT_AZURE
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS — words in the generated response (default 10)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime behaviour shared across all mock servers.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func port(env string, def int) string {
	if v := os.Getenv(env); v != "" {
		return ":" + v
	}
	return fmt.Sprintf(":%d", def)
}

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	cfg := loadConfig()

	servers := []struct {
		name    string
		addr    string
		handler http.Handler
	}{
		{"openai", port("PORT_OPENAI", 19001), newOpenAIHandler(cfg)},
		{"anthropic", port("PORT_ANTHROPIC", 19002), newAnthropicHandler(cfg)},
		{"gemini", port("PORT_GEMINI", 19003), newGeminiHandler(cfg)},
		{"azure", port("PORT_AZURE", 19004), newAzureHandler(cfg)},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	var srvs []*http.Server

	for _, s := range servers {
		srv := &http.Server{Addr: s.addr, Handler: s.handler}
		srvs = append(srvs, srv)

		wg.Add(1)
		go func(name string, srv *http.Server) {
			defer wg.Done()
			log.Info("mock_upstream_started", slog.String("kind", name), slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("mock_upstream_failed", slog.String("kind", name), slog.String("error", err.Error()))
			}
		}(s.name, srv)
	}

	<-ctx.Done()
	log.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range srvs {
		_ = srv.Shutdown(shutdownCtx)
	}
	wg.Wait()
}

// ── Shared helpers ────────────────────────────────────────────────────────────

var words = []string{
	"alpha", "bravo", "charlie", "delta", "echo", "foxtrot",
	"golf", "hotel", "india", "juliett", "kilo", "lima",
}

func fakeSentence(n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = words[rand.IntN(len(words))]
	}
	return strings.Join(out, " ")
}

func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func shouldError(cfg Config) bool {
	return cfg.ErrorRate > 0 && rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": message, "type": errType},
	})
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
