package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/credential"
)

// Source abstracts an upstream generation backend.
//
// Implementations must be safe for concurrent use by multiple goroutines and
// keep no state across Generate calls.
type Source interface {
	// Name returns the provider identifier (e.g., "openai", "scripted").
	Name() string

	// Model returns the model name sent upstream, if any.
	Model() string

	// Generate starts one generation for the given non-empty turns. Errors
	// returned here and from Stream.Recv are *GenerationFailure values.
	// Cancelling ctx aborts the upstream request.
	Generate(ctx context.Context, turns []api.ConversationTurn, cred credential.Credential) (Stream, error)

	// Close releases provider resources (HTTP clients, connections).
	Close() error
}

// Stream is a lazy, finite sequence of increments.
//
// Recv returns the next increment in upstream order. It returns io.EOF once
// the upstream signalled completion and a *GenerationFailure on any upstream
// error, including errors after some increments were already delivered.
// A Stream is consumed by a single goroutine.
type Stream interface {
	Recv() (api.Increment, error)
	Close() error
}

// GenerationFailure reports an upstream error: a rejected request, a
// timeout, a dropped connection or a malformed stream.
type GenerationFailure struct {
	Provider string
	Cause    error
}

func (f *GenerationFailure) Error() string {
	if f.Cause == nil {
		return f.Provider + ": generation failed"
	}
	return f.Cause.Error()
}

func (f *GenerationFailure) Unwrap() error { return f.Cause }

// Fail wraps cause into a *GenerationFailure for the named provider. An
// error that already is a GenerationFailure is returned unchanged.
func Fail(provider string, cause error) error {
	var gf *GenerationFailure
	if errors.As(cause, &gf) {
		return cause
	}
	return &GenerationFailure{Provider: provider, Cause: cause}
}

// Failf is Fail with a formatted cause.
func Failf(provider, format string, args ...any) error {
	return &GenerationFailure{Provider: provider, Cause: fmt.Errorf(format, args...)}
}

// IsGenerationFailure reports whether err is or wraps a GenerationFailure.
func IsGenerationFailure(err error) bool {
	var gf *GenerationFailure
	return errors.As(err, &gf)
}
