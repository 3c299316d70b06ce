package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogAuthorizationURLIssued logs the start of a flow
func (a *Auditor) LogAuthorizationURLIssued(ipAddress, redirectURI string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationURLIssued,
		IPAddress: ipAddress,
		Details: map[string]any{
			"redirect_uri": redirectURI,
		},
	})
}

// LogExchangeCompleted logs a successful code exchange
func (a *Auditor) LogExchangeCompleted(userID, ipAddress, provider string) {
	a.LogEvent(Event{
		Type:      EventExchangeCompleted,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"provider": provider,
		},
	})
}

// LogExchangeFailed logs a failed code exchange with the stage it reached
func (a *Auditor) LogExchangeFailed(ipAddress, stage, reason string) {
	a.LogEvent(Event{
		Type:      EventExchangeFailed,
		IPAddress: ipAddress,
		Details: map[string]any{
			"stage":  stage,
			"reason": reason,
		},
	})
}

// LogVerifierMismatch logs a PKCE verifier mismatch. The state is hashed:
// the event must be correlatable across attempts without making the log a
// replay oracle.
func (a *Auditor) LogVerifierMismatch(ipAddress, state string) {
	a.LogEvent(Event{
		Type:      EventVerifierMismatch,
		IPAddress: ipAddress,
		Details: map[string]any{
			"state_hash":       hashForLogging(state),
			"potential_attack": true,
		},
	})
}

// LogQuotaExceeded logs a quota rejection for a class
func (a *Auditor) LogQuotaExceeded(ipAddress, class string) {
	a.LogEvent(Event{
		Type:      EventQuotaExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"class": class,
		},
	})
}

// LogTokenRefreshed logs an upstream token refresh outcome
func (a *Auditor) LogTokenRefreshed(ipAddress string, success bool) {
	eventType := EventTokenRefreshed
	if !success {
		eventType = EventRefreshRejected
	}
	a.LogEvent(Event{
		Type:      eventType,
		IPAddress: ipAddress,
	})
}

// LogAuthFailure logs a generic authentication failure
func (a *Auditor) LogAuthFailure(userID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
