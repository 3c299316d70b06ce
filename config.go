package oauth

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hallpass-io/desktop-oauth/identity"
	"github.com/hallpass-io/desktop-oauth/identity/session"
	"github.com/hallpass-io/desktop-oauth/instrumentation"
	"github.com/hallpass-io/desktop-oauth/providers"
	"github.com/hallpass-io/desktop-oauth/providers/google"
	"github.com/hallpass-io/desktop-oauth/quota"
	"github.com/hallpass-io/desktop-oauth/security"
	"github.com/hallpass-io/desktop-oauth/server"
	"github.com/hallpass-io/desktop-oauth/storage"
	"github.com/hallpass-io/desktop-oauth/storage/memory"
)

// Config holds the authentication service configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// GoogleAuth holds the upstream Google OAuth credentials
	GoogleAuth GoogleAuthConfig

	// Flow holds flow engine settings (redirect rule, challenge TTL)
	Flow FlowConfig

	// Quota holds quota limiter settings
	Quota QuotaConfig

	// Security holds key material and audit settings (secure by default)
	Security SecurityConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for upstream provider requests.
	// If not provided, a client with a 30 second timeout is used.
	HTTPClient *http.Client
}

// GoogleAuthConfig holds Google OAuth credentials and scopes
type GoogleAuthConfig struct {
	// ClientID is the Google OAuth Client ID (required)
	ClientID string

	// ClientSecret is the Google OAuth Client Secret (required).
	// It never leaves the server; desktop clients are public clients.
	ClientSecret string

	// Scopes are the upstream scopes requested for every flow.
	// Default: ["openid", "email", "profile"]
	Scopes []string
}

// FlowConfig holds flow engine settings
type FlowConfig struct {
	// DefaultRedirectURI is used when an issuance request carries no
	// redirect URI. Must satisfy the loopback rule.
	// Default: "http://127.0.0.1:8400/callback"
	DefaultRedirectURI string

	// ChallengeTTL is how long a pending challenge stays redeemable.
	// Default: 10 minutes
	ChallengeTTL time.Duration

	// MinRedirectPort is the lowest loopback port accepted in redirect URIs.
	// Default: 1024
	MinRedirectPort int

	// BlockedClientAgents overrides the automation signature blocklist.
	// Nil keeps the defaults.
	BlockedClientAgents []string
}

// QuotaConfig holds quota limiter settings
type QuotaConfig struct {
	// Classes overrides the quota class map. Nil keeps the defaults:
	// get-url 10/60s, exchange-code 5/60s, refresh 20/60s.
	Classes []quota.Class

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// when deriving the quota identifier.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is how many proxies to trust from the right of
	// X-Forwarded-For when TrustProxy is enabled.
	TrustedProxyCount int
}

// SecurityConfig holds key material and audit settings
type SecurityConfig struct {
	// MasterSecret is the secret all key material derives from (required,
	// at least 32 bytes). Workers sharing a secret verify each other's
	// sessions and decrypt each other's stored challenges.
	MasterSecret []byte

	// SessionTTL is the minted session lifetime. Default: 24 hours.
	SessionTTL time.Duration

	// SessionIssuer is the session token iss claim. Default: "desktop-oauth".
	SessionIssuer string

	// EncryptChallenges enables AES-256-GCM encryption of stored code
	// verifiers, keyed from the master secret.
	EncryptChallenges bool

	// EnableAuditLogging enables security audit logging.
	// Logs flow events, quota rejections, and violations (sensitive data hashed).
	EnableAuditLogging bool

	// AuditEventsPerSecond throttles audit emission per event source.
	// Default: 1 event/second with a burst of 5.
	AuditEventsPerSecond int

	// AuditEventBurst is the audit throttle burst size. Default: 5.
	AuditEventBurst int
}

// Dependencies carries the pluggable collaborators for New. Zero values get
// library defaults where one exists.
type Dependencies struct {
	// Provider overrides the upstream provider. Default: Google built from
	// Config.GoogleAuth.
	Provider providers.Provider

	// ChallengeStore overrides the pending challenge backend.
	// Default: a process-local in-memory store.
	ChallengeStore storage.ChallengeStore

	// QuotaStore overrides the quota counter backend.
	// Default: shares the in-memory store with ChallengeStore.
	QuotaStore storage.QuotaStore

	// Identity resolves verified upstream profiles to local identities
	// (required). Use identity/gormstore for the library default.
	Identity identity.Service

	// Sessions overrides session minting. Default: HS256 JWT minter with a
	// key derived from the master secret.
	Sessions identity.SessionMinter

	// Instrumentation enables OpenTelemetry metrics and tracing (optional)
	Instrumentation *instrumentation.Instrumentation
}

const (
	// DefaultAuditEventsPerSecond throttles audit records per event source
	DefaultAuditEventsPerSecond = 1

	// DefaultAuditEventBurst is the audit throttle burst size
	DefaultAuditEventBurst = 5
)

// Service is the fully wired authentication service: the flow engine plus
// its HTTP handler and any backends the service owns.
type Service struct {
	server  *server.Server
	handler *Handler
	logger  *slog.Logger

	// ownedStore is the in-memory store created by New when no backend was
	// supplied; Close stops its cleanup loop.
	ownedStore *memory.Store
}

// New wires a complete service from configuration. Identity resolution has
// no safe default, so Dependencies.Identity is required; every other
// collaborator defaults.
func New(cfg Config, deps Dependencies) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if deps.Identity == nil {
		return nil, fmt.Errorf("identity service is required")
	}

	keys, err := security.DeriveKeys(cfg.Security.MasterSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid master secret: %w", err)
	}

	provider := deps.Provider
	if provider == nil {
		provider, err = google.NewProvider(&google.Config{
			ClientID:     cfg.GoogleAuth.ClientID,
			ClientSecret: cfg.GoogleAuth.ClientSecret,
			Scopes:       cfg.GoogleAuth.Scopes,
			HTTPClient:   cfg.HTTPClient,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build Google provider: %w", err)
		}
	}

	svc := &Service{logger: logger}

	challenges := deps.ChallengeStore
	quotaStore := deps.QuotaStore
	if challenges == nil || quotaStore == nil {
		store := memory.New()
		store.SetLogger(logger)
		svc.ownedStore = store
		if challenges == nil {
			challenges = store
		}
		if quotaStore == nil {
			quotaStore = store
		}
		logger.Warn("Using in-memory storage: state is lost on restart and not shared across workers")
	}

	classes := cfg.Quota.Classes
	if classes == nil {
		classes = quota.DefaultClasses()
	}
	limiter, err := quota.NewLimiter(quotaStore, classes, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build quota limiter: %w", err)
	}

	sessions := deps.Sessions
	if sessions == nil {
		minter, err := session.New(session.Config{
			Key:    keys.SessionSigningKey,
			TTL:    cfg.Security.SessionTTL,
			Issuer: cfg.Security.SessionIssuer,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build session minter: %w", err)
		}
		sessions = minter
	}

	srv, err := server.New(provider, challenges, limiter, deps.Identity, sessions, &server.Config{
		DefaultRedirectURI:  cfg.Flow.DefaultRedirectURI,
		ChallengeTTL:        cfg.Flow.ChallengeTTL,
		MinRedirectPort:     cfg.Flow.MinRedirectPort,
		BlockedClientAgents: cfg.Flow.BlockedClientAgents,
	}, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Security.EncryptChallenges {
		enc, err := security.NewEncryptor(keys.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to build encryptor: %w", err)
		}
		srv.SetEncryptor(enc)
	}

	if cfg.Security.EnableAuditLogging {
		srv.SetAuditor(security.NewAuditor(logger, true))

		rate := cfg.Security.AuditEventsPerSecond
		if rate <= 0 {
			rate = DefaultAuditEventsPerSecond
		}
		burst := cfg.Security.AuditEventBurst
		if burst <= 0 {
			burst = DefaultAuditEventBurst
		}
		srv.SetSecurityEventRateLimiter(security.NewRateLimiter(rate, burst, logger))
	}

	if deps.Instrumentation != nil {
		srv.SetInstrumentation(deps.Instrumentation)
		limiter.SetInstrumentation(deps.Instrumentation)
		if svc.ownedStore != nil {
			svc.ownedStore.SetInstrumentation(deps.Instrumentation)
		}
	}

	svc.server = srv
	svc.handler = NewHandler(srv, HandlerConfig{
		TrustProxy:        cfg.Quota.TrustProxy,
		TrustedProxyCount: cfg.Quota.TrustedProxyCount,
		Logger:            logger,
	})

	return svc, nil
}

// Server returns the underlying flow engine.
func (s *Service) Server() *server.Server {
	return s.server
}

// Handler returns the HTTP handler for the three flow endpoints.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Close releases service-owned resources. Backends supplied through
// Dependencies are the caller's to close.
func (s *Service) Close() {
	if s.ownedStore != nil {
		s.ownedStore.Stop()
	}
	if s.server.SecurityEventRateLimiter != nil {
		s.server.SecurityEventRateLimiter.Stop()
	}
}
