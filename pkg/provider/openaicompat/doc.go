// Package openaicompat provides a generation source for any OpenAI-compatible
// Chat Completions backend (vLLM, LiteLLM, local gateways). It speaks the
// wire protocol directly: request serialization, SSE line parsing and error
// mapping, without an SDK in between.
package openaicompat
