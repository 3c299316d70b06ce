package server

import (
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/hallpass-io/desktop-oauth/identity"
	"github.com/hallpass-io/desktop-oauth/instrumentation"
	"github.com/hallpass-io/desktop-oauth/providers"
	"github.com/hallpass-io/desktop-oauth/quota"
	"github.com/hallpass-io/desktop-oauth/security"
	"github.com/hallpass-io/desktop-oauth/storage"
)

// Server implements the desktop authorization flow engine. It coordinates
// issuance, exchange and refresh across a Provider, the challenge store, the
// quota limiter and the identity collaborators. The engine itself is
// stateless; every piece of cross-call state lives behind the stores so any
// worker can serve any step of a flow.
type Server struct {
	provider                 providers.Provider
	challenges               storage.ChallengeStore
	limiter                  *quota.Limiter
	identities               identity.Service
	sessions                 identity.SessionMinter
	Encryptor                *security.Encryptor
	Auditor                  *security.Auditor
	SecurityEventRateLimiter *security.RateLimiter // Throttles security event logging (DoS prevention)
	Instrumentation          *instrumentation.Instrumentation
	Logger                   *slog.Logger
	Config                   *Config
}

// New creates a new flow engine
func New(
	provider providers.Provider,
	challenges storage.ChallengeStore,
	limiter *quota.Limiter,
	identities identity.Service,
	sessions identity.SessionMinter,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if challenges == nil {
		return nil, fmt.Errorf("challenge store is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("quota limiter is required")
	}
	if identities == nil {
		return nil, fmt.Errorf("identity service is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session minter is required")
	}
	if config == nil {
		config = &Config{}
	}

	if logger == nil {
		logger = slog.Default()
	}

	// Apply secure defaults
	config = applySecureDefaults(config, logger)

	if _, err := parseLoopbackRedirectURI(config.DefaultRedirectURI, config.MinRedirectPort); err != nil {
		return nil, fmt.Errorf("invalid default redirect URI: %w", err)
	}

	return &Server{
		provider:   provider,
		challenges: challenges,
		limiter:    limiter,
		identities: identities,
		sessions:   sessions,
		Config:     config,
		Logger:     logger,
	}, nil
}

// SetEncryptor sets the at-rest encryptor for stored code verifiers
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.Encryptor = enc

	// Also set encryptor on the store if it supports encryption at rest
	type encryptorSetter interface {
		SetEncryptor(*security.Encryptor)
	}
	if setter, ok := s.challenges.(encryptorSetter); ok {
		setter.SetEncryptor(enc)
	}
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging
// This prevents DoS attacks via log flooding from repeated security events
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation sets the OpenTelemetry instrumentation
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
}

// Provider returns the configured upstream provider
func (s *Server) Provider() providers.Provider {
	return s.provider
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces the URL-safe
// base64 encoding of 32 random bytes, suitable for both the CSRF state and
// the PKCE verifier.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
