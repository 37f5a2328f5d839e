package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/provider"
)

// maxLineSize bounds a single SSE line.
const maxLineSize = 1 << 20

// sseStream reads Chat Completions SSE chunks from the response body on the
// caller's goroutine. Each Recv reads lines until the next content delta.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	\n
//	data: [DONE]\n
//	\n
//
// A malformed chunk ends the stream with a GenerationFailure.
type sseStream struct {
	ctx      context.Context
	provider string
	body     io.ReadCloser
	scanner  *bufio.Scanner

	finished bool // saw finish_reason
	terminal error
}

func newSSEStream(ctx context.Context, providerName string, body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &sseStream{
		ctx:      ctx,
		provider: providerName,
		body:     body,
		scanner:  scanner,
	}
}

func (s *sseStream) Recv() (api.Increment, error) {
	if s.terminal != nil {
		return "", s.terminal
	}
	text, err := s.next()
	if err != nil {
		s.terminal = err
		return "", err
	}
	return text, nil
}

func (s *sseStream) next() (api.Increment, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		debug.Raw("providers", line)

		// SSE lines that don't carry data are ignored
		// (e.g., empty lines, comments starting with ":").
		payload, ok := dataPayload(line)
		if !ok {
			continue
		}

		if payload == "[DONE]" {
			return "", io.EOF
		}

		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Skipping would drop content and still end the stream as a success.
			slog.Warn("malformed SSE chunk",
				"provider", s.provider,
				"error", err.Error(),
				"data", debug.Truncate(payload, 200),
			)
			return "", provider.Fail(s.provider, api.NewUpstreamError("malformed stream chunk"))
		}

		if chunk.Error != nil {
			msg := chunk.Error.Message
			if msg == "" {
				msg = "upstream reported an error mid-stream"
			}
			return "", provider.Fail(s.provider, api.NewUpstreamError(msg))
		}

		if len(chunk.Choices) == 0 {
			// Usage-only final chunk.
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != nil {
			s.finished = true
		}
		if c := choice.Delta.Content; c != nil && *c != "" {
			return api.Increment(*c), nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		if s.ctx.Err() != nil {
			return "", provider.Fail(s.provider, s.ctx.Err())
		}
		return "", provider.Fail(s.provider, MapNetworkError(err))
	}

	// The body ended without [DONE]. Backends that omit the marker still
	// send a finish_reason; without either the connection was cut.
	if s.finished {
		return "", io.EOF
	}
	if s.ctx.Err() != nil {
		return "", provider.Fail(s.provider, s.ctx.Err())
	}
	return "", provider.Fail(s.provider, api.NewUpstreamError("upstream stream ended unexpectedly"))
}

func (s *sseStream) Close() error {
	if s.terminal == nil {
		s.terminal = provider.Failf(s.provider, "stream closed")
	}
	return s.body.Close()
}

// dataPayload returns the payload of an SSE data line. Both "data: x" and
// "data:x" are accepted.
func dataPayload(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "), true
}
