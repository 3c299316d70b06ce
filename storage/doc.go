// Package storage provides the persistence contracts for the desktop
// authentication subsystem.
//
// Two interfaces carry all cross-call state:
//   - ChallengeStore: pending PKCE challenges, saved with a TTL and consumed
//     exactly once via an atomic get-and-delete
//   - QuotaStore: fixed-window quota counters mutated through an atomic
//     per-key check-and-record primitive, plus bounded-batch sweeping
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, testing and
//     single-instance deployments
//   - storage/valkey: Valkey-backed distributed storage for production
//     multi-worker deployments
//   - storage/bunt: BuntDB-backed embedded storage for single-binary
//     deployments that need persistence without an external store
//   - storage/mock: func-field mocks for unit testing
package storage
