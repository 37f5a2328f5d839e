// Package openai implements the generation source on top of the official
// OpenAI Go SDK. It is the canonical adapter: each Recv pulls the next chunk
// from the SDK's server-sent-event stream on the caller's goroutine.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/credential"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/provider"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o"

// Completions is the subset of the SDK's chat completion service the
// source relies on.
type Completions interface {
	NewStreaming(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// Config configures the OpenAI source.
type Config struct {
	// BaseURL overrides the API endpoint (e.g. "https://api.openai.com/v1/").
	BaseURL string

	Model string

	// ConnectTimeout bounds dialing and waiting for response headers. The
	// stream body itself is bounded only by the request context.
	ConnectTimeout time.Duration

	MaxRetries int

	// HTTPClient replaces the transport used by the SDK.
	HTTPClient *http.Client
}

// Source streams chat completions through the OpenAI SDK.
type Source struct {
	completions Completions
	model       string
	httpClient  *http.Client
}

var _ provider.Source = (*Source)(nil)

// New creates a Source from cfg.
func New(cfg Config) *Source {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(cfg.ConnectTimeout)
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := openai.NewClient(opts...)
	return NewWithCompletions(&client.Chat.Completions, cfg.Model, httpClient)
}

// NewWithCompletions creates a Source around an existing completions
// service. httpClient may be nil.
func NewWithCompletions(c Completions, model string, httpClient *http.Client) *Source {
	if model == "" {
		model = DefaultModel
	}
	return &Source{completions: c, model: model, httpClient: httpClient}
}

func newHTTPClient(connectTimeout time.Duration) *http.Client {
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = connectTimeout
	transport.TLSHandshakeTimeout = connectTimeout
	return &http.Client{Transport: transport}
}

func (s *Source) Name() string  { return "openai" }
func (s *Source) Model() string { return s.model }

// Close releases idle upstream connections.
func (s *Source) Close() error {
	if s.httpClient != nil {
		s.httpClient.CloseIdleConnections()
	}
	return nil
}

// Generate opens a streaming chat completion. Request errors surface from
// the first Recv, since the SDK reports them through the stream.
func (s *Source) Generate(ctx context.Context, turns []api.ConversationTurn, cred credential.Credential) (provider.Stream, error) {
	if len(turns) == 0 {
		return nil, provider.Failf(s.Name(), "no conversation turns")
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(s.model),
		Messages: toMessages(turns),
	}

	var opts []option.RequestOption
	if !cred.IsZero() {
		opts = append(opts, option.WithAPIKey(cred.Value()))
	}

	debug.Log("providers", "openai streaming request", "model", s.model, "turns", len(turns))
	return &stream{
		name: s.Name(),
		sse:  s.completions.NewStreaming(ctx, params, opts...),
	}, nil
}

func toMessages(turns []api.ConversationTurn) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case api.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	return msgs
}

// stream adapts ssestream.Stream to provider.Stream.
type stream struct {
	name string
	sse  *ssestream.Stream[openai.ChatCompletionChunk]
}

func (s *stream) Recv() (api.Increment, error) {
	for s.sse.Next() {
		chunk := s.sse.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			return api.Increment(text), nil
		}
	}
	if err := s.sse.Err(); err != nil {
		return "", provider.Fail(s.name, mapError(err))
	}
	return "", io.EOF
}

func (s *stream) Close() error {
	return s.sse.Close()
}

// mapError turns SDK errors into upstream API errors with a readable
// message.
func mapError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return api.NewTooManyRequestsError(fmt.Sprintf("upstream rate limit exceeded: %s", msg))
		}
		return api.NewUpstreamError(fmt.Sprintf("upstream returned HTTP %d: %s", apiErr.StatusCode, msg))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return api.NewUpstreamError("upstream request timed out")
	}
	return api.NewUpstreamError(fmt.Sprintf("upstream connection error: %s", err.Error()))
}
