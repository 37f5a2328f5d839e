// Command mock-backend runs a deterministic OpenAI-compatible Chat
// Completions server for local runs and demos. Streaming requests echo the
// last user turn back word by word.
//
// Configuration:
//
//	MOCK_PORT       - Listen port (default: 9090)
//	MOCK_DELAY      - Pause between chunks, e.g. "50ms" (default: 0)
//	MOCK_FAIL_AFTER - Send an error event after N content chunks (default: off)
//	MOCK_API_KEY    - Require this bearer token (default: any)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rhuss/chatrelay/pkg/provider/openaicompat"
	"github.com/rhuss/chatrelay/pkg/provider/scripted"
)

const mockModel = "mock-model"

type mockConfig struct {
	Delay     time.Duration
	FailAfter int
	APIKey    string
}

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}

	cfg, err := configFromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newRouter(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port, "delay", cfg.Delay, "fail_after", cfg.FailAfter)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

func configFromEnv() (mockConfig, error) {
	cfg := mockConfig{APIKey: os.Getenv("MOCK_API_KEY")}
	if v := os.Getenv("MOCK_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("MOCK_DELAY: %w", err)
		}
		cfg.Delay = d
	}
	if v := os.Getenv("MOCK_FAIL_AFTER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("MOCK_FAIL_AFTER: %w", err)
		}
		cfg.FailAfter = n
	}
	return cfg, nil
}

func newRouter(cfg mockConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	r.Group(func(r chi.Router) {
		r.Use(requireKey(cfg.APIKey))
		r.Post("/v1/chat/completions", handleChatCompletions(cfg))
		r.Get("/v1/models", handleModels)
	})
	return r
}

func requireKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key != "" && r.Header.Get("Authorization") != "Bearer "+key {
				writeError(w, http.StatusUnauthorized, "invalid_api_key", "Incorrect API key provided")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func handleChatCompletions(cfg mockConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openaicompat.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body")
			return
		}
		if len(req.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "messages must not be empty")
			return
		}

		model := req.Model
		if model == "" {
			model = mockModel
		}
		words := scripted.SplitWords(lastUserMessage(req.Messages))

		if !req.Stream {
			writeCompletion(w, model, strings.Join(words, ""))
			return
		}
		stream(r.Context(), w, cfg, model, words, req.StreamOptions != nil && req.StreamOptions.IncludeUsage)
	}
}

func stream(ctx context.Context, w http.ResponseWriter, cfg mockConfig, model string, words []string, usage bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(chunk openaicompat.ChatCompletionChunk) {
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	// Role-only chunk first, as hosted backends do.
	send(deltaChunk(model, openaicompat.ChatChunkDelta{Role: "assistant"}, nil))

	for i, word := range words {
		if cfg.FailAfter > 0 && i == cfg.FailAfter {
			send(openaicompat.ChatCompletionChunk{
				ID:     "chatcmpl-mock-stream",
				Object: "chat.completion.chunk",
				Model:  model,
				Error: &openaicompat.ChatErrorBody{
					Message: "mock failure after " + strconv.Itoa(i) + " chunks",
					Type:    "server_error",
				},
			})
			return
		}
		if cfg.Delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.Delay):
			}
		}
		content := word
		send(deltaChunk(model, openaicompat.ChatChunkDelta{Content: &content}, nil))
	}

	stop := "stop"
	finish := deltaChunk(model, openaicompat.ChatChunkDelta{}, &stop)
	if usage {
		finish.Usage = &openaicompat.ChatUsage{
			PromptTokens:     10,
			CompletionTokens: len(words),
			TotalTokens:      10 + len(words),
		}
	}
	send(finish)

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func deltaChunk(model string, delta openaicompat.ChatChunkDelta, finish *string) openaicompat.ChatCompletionChunk {
	return openaicompat.ChatCompletionChunk{
		ID:     "chatcmpl-mock-stream",
		Object: "chat.completion.chunk",
		Model:  model,
		Choices: []openaicompat.ChatChunkChoice{
			{Index: 0, Delta: delta, FinishReason: finish},
		},
	}
}

func writeCompletion(w http.ResponseWriter, model, text string) {
	resp := map[string]any{
		"id":     "chatcmpl-mock-text",
		"object": "chat.completion",
		"model":  model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": text},
				"finish_reason": "stop",
			},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, typ, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(openaicompat.ChatErrorResponse{
		Error: openaicompat.ChatErrorBody{Message: msg, Type: typ},
	})
}

func handleModels(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": mockModel, "object": "model", "owned_by": "chatrelay-mock"},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func lastUserMessage(msgs []openaicompat.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return msgs[len(msgs)-1].Content
}
