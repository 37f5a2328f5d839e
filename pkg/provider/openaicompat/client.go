package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/credential"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/provider"
)

// Config configures a Source.
type Config struct {
	// BaseURL is the backend root, e.g. "http://localhost:8000". The
	// "/v1/chat/completions" path is appended.
	BaseURL string

	Model string

	// ConnectTimeout bounds dialing and waiting for response headers.
	ConnectTimeout time.Duration

	// MaxRetries is the number of additional attempts after a connection
	// error or a 5xx status. Retries happen only before any increment has
	// been read.
	MaxRetries int

	// Name overrides the provider identifier reported in logs and records.
	Name string
}

// Source performs streaming requests against an OpenAI-compatible Chat
// Completions backend.
type Source struct {
	httpClient *http.Client
	baseURL    string
	model      string
	name       string
	maxRetries int

	// retryBackoff is the base delay between attempts.
	retryBackoff time.Duration
}

var _ provider.Source = (*Source)(nil)

// New creates a new Source for an OpenAI-compatible backend.
func New(cfg Config) *Source {
	// Normalize: remove trailing slash from base URL.
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "openaicompat"
	}

	// No overall client timeout: a stream can legitimately last longer than
	// any fixed limit. Lifecycle control relies on context cancellation.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	return &Source{
		httpClient:   &http.Client{Transport: transport},
		baseURL:      baseURL,
		model:        cfg.Model,
		name:         name,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: 500 * time.Millisecond,
	}
}

func (s *Source) Name() string  { return s.name }
func (s *Source) Model() string { return s.model }

// Generate sends the streaming request and returns once response headers
// arrived. Status errors are returned here; errors in the body surface from
// Recv.
func (s *Source) Generate(ctx context.Context, turns []api.ConversationTurn, cred credential.Credential) (provider.Stream, error) {
	if len(turns) == 0 {
		return nil, provider.Failf(s.name, "no conversation turns")
	}

	body, err := json.Marshal(TranslateTurns(s.model, turns))
	if err != nil {
		return nil, provider.Fail(s.name, fmt.Errorf("failed to marshal request: %w", err))
	}

	url := s.baseURL + "/v1/chat/completions"
	var lastErr *api.APIError
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			debug.Log("providers", "retrying upstream request", "attempt", attempt, "error", lastErr.Message)
			if err := sleep(ctx, time.Duration(attempt)*s.retryBackoff); err != nil {
				return nil, provider.Fail(s.name, MapNetworkError(err))
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, provider.Fail(s.name, fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		if !cred.IsZero() {
			httpReq.Header.Set("Authorization", "Bearer "+cred.Value())
		}

		debug.Log("providers", "streaming request", "url", url, "model", s.model, "turns", len(turns))
		if debug.TraceIsEnabled("providers") {
			debug.Raw("providers", string(body))
		}

		httpResp, err := s.httpClient.Do(httpReq)
		if err != nil {
			lastErr = MapNetworkError(err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			lastErr = MapHTTPError(httpResp)
			httpResp.Body.Close()
			if httpResp.StatusCode >= http.StatusInternalServerError {
				continue
			}
			break
		}

		return newSSEStream(ctx, s.name, httpResp.Body), nil
	}
	return nil, provider.Fail(s.name, lastErr)
}

// Close releases client resources.
func (s *Source) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
