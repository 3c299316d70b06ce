// Package session mints and verifies local session tokens. The session token
// is what the desktop application holds after a completed exchange; upstream
// provider tokens never leave the server once the session is minted.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hallpass-io/desktop-oauth/identity"
	"github.com/hallpass-io/desktop-oauth/security"
)

const (
	// DefaultTTL is the default session token lifetime
	DefaultTTL = 24 * time.Hour

	// DefaultIssuer is the default iss claim
	DefaultIssuer = "desktop-oauth"
)

// Claims are the session token claims. Subject carries the local identity ID.
type Claims struct {
	Email    string `json:"email,omitempty"`
	Provider string `json:"provider,omitempty"`
	jwt.RegisteredClaims
}

// Minter issues HMAC-SHA256 signed session tokens.
type Minter struct {
	key     []byte
	ttl     time.Duration
	issuer  string
	logger  *slog.Logger
	auditor *security.Auditor
}

var _ identity.SessionMinter = (*Minter)(nil)

// Config configures a Minter. Key is required; the rest default.
type Config struct {
	// Key is the HMAC signing key. Must be at least 32 bytes.
	Key []byte

	// TTL is the session lifetime (default 24h)
	TTL time.Duration

	// Issuer is the iss claim (default "desktop-oauth")
	Issuer string

	// Logger is the optional structured logger
	Logger *slog.Logger
}

// New creates a session minter.
func New(cfg Config) (*Minter, error) {
	if len(cfg.Key) < 32 {
		return nil, fmt.Errorf("session signing key must be at least 32 bytes, got %d", len(cfg.Key))
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = DefaultIssuer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Minter{
		key:    cfg.Key,
		ttl:    ttl,
		issuer: issuer,
		logger: logger,
	}, nil
}

// SetAuditor enables security audit logging for minted sessions.
func (m *Minter) SetAuditor(auditor *security.Auditor) {
	m.auditor = auditor
}

// MintSession issues a signed session token for the identity.
func (m *Minter) MintSession(ctx context.Context, ident *identity.Identity) (string, error) {
	if ident == nil || ident.ID == "" {
		return "", fmt.Errorf("identity is required")
	}

	now := time.Now()
	claims := Claims{
		Email:    ident.Email,
		Provider: ident.Provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   ident.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}

	if m.auditor != nil {
		m.auditor.LogEvent(security.Event{
			Type:   security.EventSessionMinted,
			UserID: ident.ID,
			Details: map[string]any{
				"expires_at": claims.ExpiresAt.Time,
			},
		})
	}
	m.logger.Debug("Session minted",
		"identity_id", ident.ID,
		"expires_at", claims.ExpiresAt.Time)

	return token, nil
}

// Verify parses and validates a session token, returning its claims.
func (m *Minter) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.key, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	return claims, nil
}
