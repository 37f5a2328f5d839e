// Package credential resolves the secret used to call the upstream
// generation service.
//
// A [Resolver] wraps one [Source] (environment variable, file, or a
// Kubernetes Secret when running in a managed cluster) and caches the first
// successful resolution for the lifetime of the process. Failed resolutions
// are not cached, so a later request can succeed once the secret appears.
//
// The resolved [Credential] is opaque: its String and LogValue methods
// redact the value, and [Credential.Redact] scrubs it from error text before
// anything is sent to a client.
package credential
