// Package providers defines the boundary to the upstream OAuth identity
// provider: building consent URLs, redeeming authorization codes, fetching
// verified profiles, and refreshing access tokens.
package providers

import (
	"context"

	"golang.org/x/oauth2"
)

// Provider is the upstream identity provider consumed by the flow engine.
//
// Desktop clients are public clients: the confidential client credentials
// live only inside the Provider implementation, server-side. Redirect URIs
// are passed per call because every desktop client listens on its own
// ephemeral loopback port.
type Provider interface {
	// Name returns the provider name (e.g., "google")
	Name() string

	// AuthorizationURL builds the consent URL for a flow. The challenge is
	// the S256-derived PKCE challenge; implementations must request offline
	// access with forced consent so a refresh token is always granted.
	AuthorizationURL(redirectURI, state, codeChallenge string) string

	// ExchangeCode redeems a one-time authorization code, presenting the
	// PKCE verifier and the redirect URI the code was issued for.
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*oauth2.Token, error)

	// FetchUserInfo retrieves the profile behind an access token
	FetchUserInfo(ctx context.Context, accessToken string) (*UserInfo, error)

	// RefreshToken renews an access token using a refresh token
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// HealthCheck verifies the provider endpoints are reachable.
	// Useful for readiness probes and startup validation.
	HealthCheck(ctx context.Context) error
}

// UserInfo is the verified profile returned by a provider.
type UserInfo struct {
	// ID is the unique user identifier at the provider
	ID string

	// Email is the user's email address
	Email string

	// EmailVerified indicates whether the provider verified the email.
	// Identities are only ever minted for verified addresses.
	EmailVerified bool

	// Name is the user's display name
	Name string

	// Picture is the URL of the user's profile picture
	Picture string
}
