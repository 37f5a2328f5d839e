package http

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/transport"
)

// writerState tracks the state of a streamWriter.
type writerState int

const (
	writerIdle      writerState = iota // Headers not sent yet
	writerStreaming                    // Open succeeded, increments may follow
	writerCompleted                    // Terminal frame written
)

// streamWriter implements transport.StreamWriter over an http.ResponseWriter.
// Every frame is flushed before the call returns, so a returned nil means
// the bytes were handed to the connection.
type streamWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu      sync.Mutex
	state   writerState
	framing api.Framing
}

var _ transport.StreamWriter = (*streamWriter)(nil)

func newStreamWriter(w http.ResponseWriter) *streamWriter {
	return &streamWriter{
		w:  w,
		rc: http.NewResponseController(w),
	}
}

// Open commits the response: it sends the status line and stream headers.
func (s *streamWriter) Open(_ context.Context, mode api.FramingMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != writerIdle {
		return fmt.Errorf("cannot open stream: %w", transport.ErrWriterClosed)
	}

	s.framing = api.FramingFor(mode)
	h := s.w.Header()
	h.Set("Content-Type", s.framing.ContentType())
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.state = writerStreaming

	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush headers: %w", err)
	}
	return nil
}

// WriteIncrement frames and flushes one increment.
func (s *streamWriter) WriteIncrement(_ context.Context, text api.Increment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStreaming(); err != nil {
		return err
	}
	return s.writeLocked(s.framing.Increment(text))
}

// Finish writes the terminator and completes the stream.
func (s *streamWriter) Finish(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStreaming(); err != nil {
		return err
	}
	s.state = writerCompleted
	return s.writeLocked(s.framing.Done())
}

// Fail writes the in-band failure frame followed by the terminator.
func (s *streamWriter) Fail(_ context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkStreaming(); err != nil {
		return err
	}
	s.state = writerCompleted
	return s.writeLocked(s.framing.Failure(message))
}

// Flush ensures buffered data is sent to the client.
func (s *streamWriter) Flush() error {
	return s.rc.Flush()
}

func (s *streamWriter) checkStreaming() error {
	switch s.state {
	case writerIdle:
		return transport.ErrWriterNotOpen
	case writerCompleted:
		return transport.ErrWriterClosed
	}
	return nil
}

func (s *streamWriter) writeLocked(frame []byte) error {
	if len(frame) > 0 {
		if _, err := s.w.Write(frame); err != nil {
			return fmt.Errorf("failed to write frame: %w", err)
		}
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// opened reports whether the response has been committed.
func (s *streamWriter) opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != writerIdle
}

// completed reports whether a terminal frame was written.
func (s *streamWriter) completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == writerCompleted
}
