// Package storage defines interfaces for the shared state behind the desktop
// authentication flows: pending PKCE challenges and quota counters.
// It supports various backend implementations including in-memory, Valkey, and BuntDB.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations.
var (
	// ErrChallengeNotFound indicates no pending challenge exists for a state.
	// After a successful consume, subsequent lookups return this error; that
	// is the single-use guarantee observed by callers.
	ErrChallengeNotFound = errors.New("pending challenge not found")
)

// PendingChallenge binds a CSRF state parameter to the PKCE code verifier it
// was issued with. It is created when an authorization URL is issued and
// consumed exactly once during code exchange.
//
// # Why the delete happens at lookup
//
// Two concurrent exchanges for the same state race on the consume operation.
// Whichever caller deletes the record proceeds; the other observes
// ErrChallengeNotFound and fails. The delete is therefore the replay
// protection itself, not an optimization. Backends must implement
// ConsumeChallenge as one atomic get-and-delete step.
type PendingChallenge struct {
	State        string    // opaque key, URL-safe encoding of 32 random bytes
	CodeVerifier string    // PKCE verifier retained until exchange
	RequesterID  string    // caller identifier the challenge was issued to
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// QuotaCounter is the accounting record for one (class, identifier) pair.
// Counters use fixed windows: once WindowStart is older than the class
// window, the next call resets Count to 1 rather than sliding.
type QuotaCounter struct {
	Class       string
	Identifier  string
	Count       int64
	WindowStart time.Time
	LastSeen    time.Time
}

// QuotaDecision is the outcome of an atomic check-and-record operation.
type QuotaDecision struct {
	// Allowed reports whether the call was admitted and counted.
	Allowed bool

	// Count is the counter value after the operation. When the call is
	// rejected the counter is left unchanged and Count reports its
	// current value.
	Count int64

	// WindowStart is the start of the fixed window the decision applies to.
	WindowStart time.Time

	// RetryAfter is how long until the window resets. Only meaningful when
	// Allowed is false.
	RetryAfter time.Duration
}

// ChallengeStore persists pending authorization challenges.
// All methods accept context.Context for tracing and cancellation.
type ChallengeStore interface {
	// SaveChallenge stores a challenge under its state key. Backends must
	// expire the record at ExpiresAt even if it is never consumed.
	SaveChallenge(ctx context.Context, challenge *PendingChallenge) error

	// ConsumeChallenge retrieves and deletes the challenge for a state in a
	// single atomic step, returning ErrChallengeNotFound when absent.
	// The returned challenge may already be past its ExpiresAt; expiry is
	// the caller's check, the store only guarantees single-use.
	// SECURITY: This operation MUST be atomic to prevent concurrent
	// exchanges from both redeeming the same state.
	ConsumeChallenge(ctx context.Context, state string) (*PendingChallenge, error)
}

// QuotaStore provides the atomic accounting primitive behind the quota
// limiter, plus bulk cleanup of idle counters.
// All methods accept context.Context for tracing and cancellation.
type QuotaStore interface {
	// CheckAndRecordQuota runs the fixed-window decision for one
	// (class, identifier) key as a single atomic read-check-write:
	//
	//   - no counter          -> create {count: 1, windowStart: now}, allow
	//   - window elapsed      -> reset to {count: 1, windowStart: now}, allow
	//   - count >= maxCalls   -> reject without mutation
	//   - otherwise           -> increment count, update lastSeen, allow
	//
	// SECURITY: atomicity per key is required so concurrent callers can
	// neither jointly exceed maxCalls nor under-count.
	CheckAndRecordQuota(ctx context.Context, class, identifier string, maxCalls int64, window time.Duration) (*QuotaDecision, error)

	// SweepQuotaCounters deletes counters whose LastSeen predates cutoff,
	// visiting at most limit counters per call. Returns the number removed.
	SweepQuotaCounters(ctx context.Context, cutoff time.Time, limit int) (int, error)
}
