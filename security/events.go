package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Authorization flow events

	// EventAuthorizationURLIssued is logged when an authorization URL is issued
	EventAuthorizationURLIssued = "authorization_url_issued"

	// EventExchangeCompleted is logged when a code exchange reaches COMPLETE
	EventExchangeCompleted = "exchange_completed"

	// EventExchangeFailed is logged when a code exchange fails; details carry
	// the stage the exchange reached
	EventExchangeFailed = "exchange_failed"

	// EventChallengeNotFound is logged when an exchange presents a state with
	// no pending challenge (replay, expiry eviction, or guessing)
	EventChallengeNotFound = "challenge_not_found"

	// EventChallengeExpired is logged when a consumed challenge was past its TTL
	EventChallengeExpired = "challenge_expired"

	// EventVerifierMismatch is logged when the supplied code verifier does not
	// match the stored one. Treated as a potential authorization code
	// interception attack.
	EventVerifierMismatch = "verifier_mismatch"

	// Token lifecycle events

	// EventTokenRefreshed is logged when an upstream access token is refreshed
	EventTokenRefreshed = "token_refreshed"

	// EventRefreshRejected is logged when the upstream provider rejects a
	// refresh token (revoked or expired; the caller must restart the flow)
	EventRefreshRejected = "refresh_rejected"

	// EventSessionMinted is logged when a local session credential is minted
	EventSessionMinted = "session_minted"

	// EventIdentityCreated is logged when a first login creates a local identity
	EventIdentityCreated = "identity_created"

	// EventUnverifiedEmailRejected is logged when an exchange is denied because
	// the upstream profile's email is not verified
	EventUnverifiedEmailRejected = "unverified_email_rejected"

	// Security violation events

	// EventAuthFailure is logged when authentication fails for a reason not
	// covered by a more specific event
	EventAuthFailure = "auth_failure"

	// EventQuotaExceeded is logged when a caller exhausts a quota class
	EventQuotaExceeded = "quota_exceeded"

	// EventClientAgentRejected is logged when the client-agent heuristic
	// rejects a request
	EventClientAgentRejected = "client_agent_rejected"

	// EventInvalidRedirect is logged when a non-loopback redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// EventValidationFailed is logged when request parameters fail shape checks
	EventValidationFailed = "validation_failed"

	// Provider-related events

	// EventProviderExchangeFailed is logged when the upstream token endpoint
	// rejects a code exchange
	EventProviderExchangeFailed = "provider_exchange_failed"

	// EventProviderUnavailable is logged when an upstream call times out or
	// fails at the transport level
	EventProviderUnavailable = "provider_unavailable"
)
