package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/hallpass-io/desktop-oauth/identity"
	"github.com/hallpass-io/desktop-oauth/internal/util"
	"github.com/hallpass-io/desktop-oauth/providers"
	"github.com/hallpass-io/desktop-oauth/quota"
	"github.com/hallpass-io/desktop-oauth/security"
	"github.com/hallpass-io/desktop-oauth/storage"
)

// Sentinel errors crossing the engine boundary. The HTTP layer maps these
// onto wire error codes; the engine logs the precise cause server-side and
// keeps the client-facing category deliberately coarse. Challenge not-found,
// challenge expired and verifier mismatch all collapse into ErrInvalidGrant
// so a caller cannot probe which sub-condition failed.
var (
	// ErrValidation indicates malformed input. Never retried as-is.
	ErrValidation = errors.New("request validation failed")

	// ErrInvalidRedirectURI indicates a redirect URI outside the loopback rule
	ErrInvalidRedirectURI = errors.New("invalid redirect URI")

	// ErrInvalidGrant indicates the grant could not be redeemed. The caller
	// must restart the authorization flow.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrAccessDenied indicates the upstream account is not eligible
	// (unverified email)
	ErrAccessDenied = errors.New("access denied")

	// ErrUpstreamUnavailable indicates the upstream provider could not be
	// reached in time
	ErrUpstreamUnavailable = errors.New("upstream provider unavailable")
)

// IssuedAuthorization is the result of issuing an authorization URL.
// The code verifier is returned to the caller and not retained anywhere
// outside the pending challenge; losing it means restarting the flow.
type IssuedAuthorization struct {
	AuthorizationURL string
	State            string
	CodeVerifier     string
}

// ExchangeInput carries the parameters of a code exchange.
type ExchangeInput struct {
	Code         string
	State        string
	CodeVerifier string
	RedirectURI  string

	// RequesterID is the caller identifier for quota accounting,
	// derived from the network origin by the transport layer.
	RequesterID string
}

// ExchangeResult is the outcome of a completed code exchange.
type ExchangeResult struct {
	SessionToken string
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	IDToken      string
	Identity     *identity.Identity
}

// RefreshResult is the outcome of an upstream token refresh.
type RefreshResult struct {
	AccessToken string
	ExpiresIn   int64
	IDToken     string
}

// exchangeStage tracks how far a code exchange progressed. The reached
// stage is logged on failure and attached to metrics so stuck flows are
// diagnosable without detailed client-facing errors.
type exchangeStage string

const (
	stageReceived          exchangeStage = "RECEIVED"
	stageValidated         exchangeStage = "VALIDATED"
	stageChallengeFound    exchangeStage = "CHALLENGE_FOUND"
	stageVerifierChecked   exchangeStage = "VERIFIER_CHECKED"
	stageUpstreamExchanged exchangeStage = "UPSTREAM_EXCHANGED"
	stageIdentityResolved  exchangeStage = "IDENTITY_RESOLVED"
	stageComplete          exchangeStage = "COMPLETE"
)

// IssueAuthorizationURL starts a new authorization flow for a desktop
// client: it accounts the call against the "get-url" quota class, validates
// the loopback redirect URI, generates a fresh CSRF state and PKCE verifier,
// persists the pending challenge, and composes the upstream consent URL.
//
// Re-issuing is always safe: every call creates an independent state, and
// unredeemed challenges simply expire.
func (s *Server) IssueAuthorizationURL(ctx context.Context, redirectURI, requesterID string) (*IssuedAuthorization, error) {
	if err := s.limiter.Allow(ctx, quota.ClassGetURL, requesterID); err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			s.auditQuotaExceeded(requesterID, quota.ClassGetURL)
			return nil, err
		}
		return nil, fmt.Errorf("quota check failed: %w", err)
	}

	if redirectURI == "" {
		redirectURI = s.Config.DefaultRedirectURI
	}
	if err := s.validateRedirectURI(redirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventInvalidRedirect,
				IPAddress: requesterID,
				Details:   map[string]any{"redirect_uri": util.SafeTruncate(redirectURI, 128)},
			})
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidRedirectURI, err)
	}

	state := generateRandomToken()
	verifier := generateRandomToken()
	challenge := computeCodeChallenge(verifier)

	now := time.Now()
	pending := &storage.PendingChallenge{
		State:        state,
		CodeVerifier: verifier,
		RequesterID:  requesterID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.Config.ChallengeTTL),
	}
	if err := s.challenges.SaveChallenge(ctx, pending); err != nil {
		s.Logger.Error("Failed to save pending challenge", "error", err)
		return nil, fmt.Errorf("failed to save pending challenge: %w", err)
	}

	authURL := s.provider.AuthorizationURL(redirectURI, state, challenge)

	if s.Auditor != nil {
		s.Auditor.LogAuthorizationURLIssued(requesterID, redirectURI)
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordAuthorizationURLIssued(ctx)
	}
	s.Logger.Debug("Authorization URL issued",
		"provider", s.provider.Name(),
		"state_prefix", util.SafeTruncate(state, 8),
		"expires_at", pending.ExpiresAt)

	return &IssuedAuthorization{
		AuthorizationURL: authURL,
		State:            state,
		CodeVerifier:     verifier,
	}, nil
}

// ExchangeCode redeems a one-time authorization code for upstream tokens and
// a local session. The exchange advances through a fixed sequence of stages;
// a session is minted only after every stage has passed.
//
// Single-use enforcement: the pending challenge is deleted at lookup. Two
// concurrent exchanges for the same state race on that delete; the loser
// observes not-found and fails. Re-submitting a redeemed (code, state) pair
// therefore fails deterministically.
func (s *Server) ExchangeCode(ctx context.Context, input *ExchangeInput) (*ExchangeResult, error) {
	stage := stageReceived

	// RECEIVED -> VALIDATED: shape checks before any store work, then the
	// stricter "exchange-code" quota ceiling.
	if input.Code == "" {
		return nil, s.failExchange(ctx, stage, input, fmt.Errorf("%w: code is required", ErrValidation))
	}
	if err := s.validateState(input.State); err != nil {
		return nil, s.failExchange(ctx, stage, input, fmt.Errorf("%w: %v", ErrValidation, err))
	}
	if err := s.validateCodeVerifier(input.CodeVerifier); err != nil {
		return nil, s.failExchange(ctx, stage, input, fmt.Errorf("%w: %v", ErrValidation, err))
	}
	redirectURI := input.RedirectURI
	if redirectURI == "" {
		redirectURI = s.Config.DefaultRedirectURI
	}
	if err := s.validateRedirectURI(redirectURI); err != nil {
		return nil, s.failExchange(ctx, stage, input, fmt.Errorf("%w: %v", ErrInvalidRedirectURI, err))
	}
	if err := s.limiter.Allow(ctx, quota.ClassExchangeCode, input.RequesterID); err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			s.auditQuotaExceeded(input.RequesterID, quota.ClassExchangeCode)
			return nil, s.failExchange(ctx, stage, input, err)
		}
		return nil, s.failExchange(ctx, stage, input, fmt.Errorf("quota check failed: %w", err))
	}
	stage = stageValidated

	// VALIDATED -> CHALLENGE_FOUND: the consume deletes the record in the
	// same step, which is the replay protection.
	challenge, err := s.challenges.ConsumeChallenge(ctx, input.State)
	if err != nil {
		if errors.Is(err, storage.ErrChallengeNotFound) {
			s.recordChallengeConsumed(ctx, "not_found")
			s.auditSecurityEvent(input.RequesterID, security.Event{
				Type:      security.EventChallengeNotFound,
				IPAddress: input.RequesterID,
			})
			return nil, s.failExchange(ctx, stage, input, fmt.Errorf("%w: unknown or already redeemed state", ErrInvalidGrant))
		}
		s.Logger.Error("Failed to consume pending challenge", "error", err)
		return nil, s.failExchange(ctx, stage, input, fmt.Errorf("failed to consume pending challenge: %w", err))
	}
	stage = stageChallengeFound

	// CHALLENGE_FOUND -> VERIFIER_CHECKED: the record is already gone from
	// the store at this point, so an expired or mismatched attempt burns
	// the whole flow. That is deliberate: it closes the repeated-guessing
	// window per state.
	if time.Now().After(challenge.ExpiresAt) {
		s.recordChallengeConsumed(ctx, "expired")
		s.auditSecurityEvent(input.RequesterID, security.Event{
			Type:      security.EventChallengeExpired,
			IPAddress: input.RequesterID,
		})
		return nil, s.failExchange(ctx, stage, input, fmt.Errorf("%w: challenge expired", ErrInvalidGrant))
	}
	if !verifiersMatch(challenge.CodeVerifier, input.CodeVerifier) {
		s.recordChallengeConsumed(ctx, "verifier_mismatch")
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordVerifierMismatch(ctx)
		}
		if s.allowSecurityEvent(input.RequesterID) && s.Auditor != nil {
			s.Auditor.LogVerifierMismatch(input.RequesterID, input.State)
		}
		s.Logger.Warn("PKCE verifier mismatch, possible code interception attempt",
			"state_prefix", util.SafeTruncate(input.State, 8),
			"requester", input.RequesterID)
		return nil, s.failExchange(ctx, stage, input, fmt.Errorf("%w: verifier mismatch", ErrInvalidGrant))
	}
	s.recordChallengeConsumed(ctx, "consumed")
	stage = stageVerifierChecked

	// VERIFIER_CHECKED -> UPSTREAM_EXCHANGED: the confidential client
	// credentials live inside the provider and never reach the caller.
	token, err := s.exchangeUpstream(ctx, input.Code, input.CodeVerifier, redirectURI)
	if err != nil {
		return nil, s.failExchange(ctx, stage, input, err)
	}
	stage = stageUpstreamExchanged

	// UPSTREAM_EXCHANGED -> IDENTITY_RESOLVED
	ident, err := s.resolveIdentity(ctx, input, token.AccessToken)
	if err != nil {
		return nil, s.failExchange(ctx, stage, input, err)
	}
	stage = stageIdentityResolved

	// IDENTITY_RESOLVED -> COMPLETE
	sessionToken, err := s.sessions.MintSession(ctx, ident)
	if err != nil {
		s.Logger.Error("Failed to mint session", "error", err)
		return nil, s.failExchange(ctx, stage, input, fmt.Errorf("failed to mint session: %w", err))
	}
	stage = stageComplete

	if s.Auditor != nil {
		s.Auditor.LogExchangeCompleted(ident.ID, input.RequesterID, s.provider.Name())
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordCodeExchange(ctx, string(stage), true)
	}
	s.Logger.Info("Code exchange completed",
		"provider", s.provider.Name(),
		"identity_id", ident.ID)

	return &ExchangeResult{
		SessionToken: sessionToken,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresIn:    expiresIn(token),
		IDToken:      providers.IDToken(token),
		Identity:     ident,
	}, nil
}

// RefreshToken renews an upstream access token. It does not mint a new
// session: the caller already holds one, this only extends upstream API
// access. An upstream rejection means the refresh token is revoked or
// expired and the caller must restart the authorization flow.
func (s *Server) RefreshToken(ctx context.Context, refreshToken, requesterID string) (*RefreshResult, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh_token is required", ErrValidation)
	}

	if err := s.limiter.Allow(ctx, quota.ClassRefresh, requesterID); err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			s.auditQuotaExceeded(requesterID, quota.ClassRefresh)
			return nil, err
		}
		return nil, fmt.Errorf("quota check failed: %w", err)
	}

	start := time.Now()
	token, err := s.provider.RefreshToken(ctx, refreshToken)
	s.recordProviderCall(ctx, "refresh_token", start, err)
	if err != nil {
		if s.Auditor != nil {
			s.Auditor.LogTokenRefreshed(requesterID, false)
		}
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordTokenRefresh(ctx, false)
		}
		if isUpstreamRejection(err) {
			s.Logger.Info("Upstream rejected refresh token", "error", err)
			return nil, fmt.Errorf("%w: refresh token rejected upstream", ErrInvalidGrant)
		}
		s.Logger.Error("Upstream refresh failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenRefreshed(requesterID, true)
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenRefresh(ctx, true)
	}

	return &RefreshResult{
		AccessToken: token.AccessToken,
		ExpiresIn:   expiresIn(token),
		IDToken:     providers.IDToken(token),
	}, nil
}

// exchangeUpstream redeems the code at the upstream token endpoint and
// classifies failures: protocol rejections become ErrInvalidGrant, anything
// at the transport level becomes ErrUpstreamUnavailable.
func (s *Server) exchangeUpstream(ctx context.Context, code, verifier, redirectURI string) (*oauth2.Token, error) {
	start := time.Now()
	token, err := s.provider.ExchangeCode(ctx, code, verifier, redirectURI)
	s.recordProviderCall(ctx, "exchange_code", start, err)
	if err != nil {
		if isUpstreamRejection(err) {
			s.Logger.Warn("Upstream rejected authorization code", "error", err)
			return nil, fmt.Errorf("%w: code rejected upstream", ErrInvalidGrant)
		}
		s.Logger.Error("Upstream code exchange failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return token, nil
}

// resolveIdentity fetches the verified profile behind the new access token
// and resolves it to a local identity. An unverified email never mints an
// identity.
func (s *Server) resolveIdentity(ctx context.Context, input *ExchangeInput, accessToken string) (*identity.Identity, error) {
	start := time.Now()
	info, err := s.provider.FetchUserInfo(ctx, accessToken)
	s.recordProviderCall(ctx, "fetch_user_info", start, err)
	if err != nil {
		s.Logger.Error("Failed to fetch upstream profile", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if !info.EmailVerified {
		s.auditSecurityEvent(input.RequesterID, security.Event{
			Type:      security.EventUnverifiedEmailRejected,
			IPAddress: input.RequesterID,
		})
		return nil, fmt.Errorf("%w: upstream email not verified", ErrAccessDenied)
	}

	ident, err := s.identities.ResolveOrCreate(ctx, &identity.Profile{
		Email:       info.Email,
		DisplayName: info.Name,
		AvatarURL:   info.Picture,
		Provider:    s.provider.Name(),
	})
	if err != nil {
		s.Logger.Error("Failed to resolve identity", "error", err)
		return nil, fmt.Errorf("failed to resolve identity: %w", err)
	}
	return ident, nil
}

// failExchange records the failure of an exchange at the stage it reached
// and passes the error through unchanged.
func (s *Server) failExchange(ctx context.Context, stage exchangeStage, input *ExchangeInput, err error) error {
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordCodeExchange(ctx, string(stage), false)
	}
	if s.allowSecurityEvent(input.RequesterID) && s.Auditor != nil {
		s.Auditor.LogExchangeFailed(input.RequesterID, string(stage), err.Error())
	}
	s.Logger.Warn("Code exchange failed",
		"stage", string(stage),
		"error", err)
	return err
}

// auditQuotaExceeded logs a quota rejection, throttled per requester.
func (s *Server) auditQuotaExceeded(requesterID, class string) {
	if s.allowSecurityEvent(requesterID) && s.Auditor != nil {
		s.Auditor.LogQuotaExceeded(requesterID, class)
	}
}

// auditSecurityEvent logs an audit event, throttled per requester.
func (s *Server) auditSecurityEvent(requesterID string, event security.Event) {
	if s.allowSecurityEvent(requesterID) && s.Auditor != nil {
		s.Auditor.LogEvent(event)
	}
}

// allowSecurityEvent throttles security event logging per requester so
// repeated attacks cannot flood the audit log.
func (s *Server) allowSecurityEvent(requesterID string) bool {
	return s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(requesterID)
}

// recordChallengeConsumed records a challenge consumption outcome metric
func (s *Server) recordChallengeConsumed(ctx context.Context, outcome string) {
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordChallengeConsumed(ctx, outcome)
	}
}

// recordProviderCall records an upstream call duration metric
func (s *Server) recordProviderCall(ctx context.Context, operation string, start time.Time, err error) {
	if s.Instrumentation != nil {
		durationMs := float64(time.Since(start).Microseconds()) / 1000.0
		s.Instrumentation.Metrics().RecordProviderAPICall(ctx, s.provider.Name(), operation, durationMs, err)
	}
}

// isUpstreamRejection reports whether an upstream error is an explicit
// protocol rejection (HTTP response from the token endpoint) rather than a
// transport failure.
func isUpstreamRejection(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	return errors.As(err, &retrieveErr)
}

// expiresIn converts a token's absolute expiry into seconds from now.
// Tokens without an expiry report zero.
func expiresIn(token *oauth2.Token) int64 {
	if token.Expiry.IsZero() {
		return 0
	}
	remaining := time.Until(token.Expiry)
	if remaining < 0 {
		return 0
	}
	return int64(remaining.Seconds())
}
