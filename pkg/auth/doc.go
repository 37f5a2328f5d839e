// Package auth authenticates chat relay clients and limits their request
// rate.
//
// Authentication uses a chain of authenticators with three-outcome voting:
// each returns Yes (identity found), No (credentials invalid), or Abstain
// (can't handle). A configurable default decides when all abstain.
//
// Auth is HTTP middleware in front of the chat routes; health and metrics
// bypass it. The middleware also places the caller's tenant in the request
// context so stream ledger reads are scoped per tenant.
package auth
