// Package memory provides an in-memory implementation of the storage interfaces.
//
// This package implements the ChallengeStore and QuotaStore interfaces using
// Go's built-in maps with mutex protection. It is suitable for development,
// testing, and single-instance deployments where persistence is not required.
//
// Features:
//   - Thread-safe operations using sync.Mutex
//   - Atomic consume and check-and-record under the store lock
//   - Automatic cleanup of expired challenges
//   - Configurable cleanup intervals
//   - Code verifier encryption at rest via Encryptor
//
// For multi-worker deployments, use the storage/valkey package instead: the
// single-use and quota guarantees only hold across workers when the state is
// shared.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	limiter, _ := quota.NewLimiter(store, quota.DefaultClasses(), logger)
//	engine, _ := server.New(provider, store, limiter, identities, sessions, config, logger)
package memory
