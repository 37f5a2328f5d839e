package credential

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// DefaultEnvVar is the environment variable read by EnvSource when no name
// is configured.
const DefaultEnvVar = "OPENAI_API_KEY"

// Source looks up the raw secret value.
type Source interface {
	// Name identifies the source in logs and health messages.
	Name() string

	// Resolve returns the secret or an error wrapping ErrMissing when the
	// source has no value.
	Resolve(ctx context.Context) (string, error)
}

// EnvSource reads the secret from an environment variable.
type EnvSource struct {
	Var string
}

func (s EnvSource) Name() string { return "env:" + s.varName() }

func (s EnvSource) Resolve(_ context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(s.varName()))
	if v == "" {
		return "", fmt.Errorf("%s is not set: %w", s.varName(), ErrMissing)
	}
	return v, nil
}

func (s EnvSource) varName() string {
	if s.Var == "" {
		return DefaultEnvVar
	}
	return s.Var
}

// FileSource reads the secret from a file, trimming surrounding whitespace.
// Mounted secret volumes are the usual producer of such files.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return "file:" + s.Path }

func (s FileSource) Resolve(_ context.Context) (string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s does not exist: %w", s.Path, ErrMissing)
		}
		return "", fmt.Errorf("reading %s: %w", s.Path, err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return "", fmt.Errorf("%s is empty: %w", s.Path, ErrMissing)
	}
	return v, nil
}

// StaticSource returns a fixed value. Useful for tests and for secrets that
// were already resolved by the configuration layer.
type StaticSource struct {
	Value string
	Label string
}

func (s StaticSource) Name() string {
	if s.Label != "" {
		return s.Label
	}
	return "static"
}

func (s StaticSource) Resolve(_ context.Context) (string, error) {
	if s.Value == "" {
		return "", fmt.Errorf("%s: %w", s.Name(), ErrMissing)
	}
	return s.Value, nil
}
