// Package storage provides utilities shared across stream ledger
// implementations, including sentinel errors and tenant context helpers.
//
// Ledger backends (memory, postgres) implement the transport.StreamLedger
// interface defined in pkg/transport/handler.go. This package contains
// only shared types and helpers, not the interface itself.
package storage
