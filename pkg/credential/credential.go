package credential

import (
	"errors"
	"log/slog"
	"strings"
)

// ErrMissing is returned when a source has no value for the credential.
var ErrMissing = errors.New("credential is not configured")

const redacted = "[REDACTED]"

// Credential is an opaque upstream secret. The zero value is empty.
type Credential struct {
	value string
}

// New wraps a secret value.
func New(value string) Credential {
	return Credential{value: value}
}

// Value returns the secret. Only provider adapters should call it.
func (c Credential) Value() string {
	return c.value
}

// IsZero reports whether the credential is empty.
func (c Credential) IsZero() bool {
	return c.value == ""
}

// String implements fmt.Stringer without revealing the secret.
func (c Credential) String() string {
	if c.IsZero() {
		return ""
	}
	return redacted
}

// LogValue implements slog.LogValuer without revealing the secret.
func (c Credential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

// Redact replaces every occurrence of the secret in s.
func (c Credential) Redact(s string) string {
	if c.IsZero() {
		return s
	}
	return strings.ReplaceAll(s, c.value, redacted)
}
