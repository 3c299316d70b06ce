// Package security provides security-related functionality for the
// authentication subsystem: at-rest encryption of stored code verifiers,
// key derivation from a master secret, audit logging with PII hashing,
// security event throttling, client IP extraction, and request ID
// propagation.
//
// # Event throttling
//
// RateLimiter throttles security event emission per source using a token
// bucket, so a sustained attack cannot flood the audit log. Tracked sources
// are bounded by LRU eviction (default 10,000) and idle sources are reaped
// after 30 minutes.
//
//	throttle := security.NewRateLimiter(1, 5, logger)
//	defer throttle.Stop()
//
//	if throttle.Allow(requesterID) {
//	    auditor.LogVerifierMismatch(ip, state)
//	}
//
// GetStats exposes tracked source counts, eviction totals, and memory
// pressure for monitoring. A rapidly climbing eviction count usually means
// a distributed source is spraying events.
//
// # Audit logging
//
// Auditor writes structured "security_audit" records through slog. User
// identifiers and flow state values are hashed (sha256 prefix) before
// logging so the audit trail correlates events without storing PII.
package security
