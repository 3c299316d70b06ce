package oauth

// ErrorResponse is the error envelope returned by every endpoint.
type ErrorResponse struct {
	// Error is the OAuth error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationURLRequest is the request body for the get-url endpoint.
type AuthorizationURLRequest struct {
	// RedirectURI is the loopback callback the desktop client listens on.
	// Optional: the configured default loopback URI is used when empty.
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// AuthorizationURLResponse is returned by the get-url endpoint.
//
// The client must retain CodeVerifier until the exchange call: the server
// keeps its only copy inside the pending challenge, which is deleted the
// first time the state is looked up.
type AuthorizationURLResponse struct {
	// AuthorizationURL is the upstream consent URL to open in the browser
	AuthorizationURL string `json:"authorization_url"`

	// State is the CSRF state bound to this flow
	State string `json:"state"`

	// CodeVerifier is the PKCE verifier the client presents at exchange
	CodeVerifier string `json:"code_verifier"`
}

// ExchangeRequest is the request body for the code-exchange endpoint.
type ExchangeRequest struct {
	// Code is the one-time authorization code from the upstream callback
	Code string `json:"code"`

	// State is the CSRF state returned by the get-url endpoint
	State string `json:"state"`

	// CodeVerifier is the PKCE verifier returned by the get-url endpoint
	CodeVerifier string `json:"code_verifier"`

	// RedirectURI must match the URI the authorization URL was issued with.
	// Optional when the default loopback URI was used.
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// IdentitySummary describes the local identity minted or reused during
// code exchange.
type IdentitySummary struct {
	// ID is the local identity identifier
	ID string `json:"id"`

	// Email is the verified email address the identity is keyed by
	Email string `json:"email"`

	// DisplayName is the human-readable name from the upstream profile
	DisplayName string `json:"display_name,omitempty"`

	// AvatarURL is the upstream profile picture URL
	AvatarURL string `json:"avatar_url,omitempty"`

	// Provider is the upstream identity provider name (e.g., "google")
	Provider string `json:"provider"`
}

// ExchangeResponse is returned by the code-exchange endpoint.
type ExchangeResponse struct {
	// SessionToken is the local session credential bound to the identity
	SessionToken string `json:"session_token"`

	// AccessToken is the upstream access token for provider API calls
	AccessToken string `json:"access_token"`

	// RefreshToken is the upstream refresh token; present when the
	// upstream granted offline access
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresIn is the upstream access token lifetime in seconds
	ExpiresIn int64 `json:"expires_in"`

	// IDToken is the upstream OIDC ID token when present
	IDToken string `json:"id_token,omitempty"`

	// Identity summarizes the resolved local identity
	Identity IdentitySummary `json:"identity"`
}

// RefreshRequest is the request body for the token-refresh endpoint.
type RefreshRequest struct {
	// RefreshToken is a previously issued upstream refresh token
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse is returned by the token-refresh endpoint.
//
// No new session is minted: the caller already holds one. Refresh only
// extends upstream API access.
type RefreshResponse struct {
	// AccessToken is the renewed upstream access token
	AccessToken string `json:"access_token"`

	// ExpiresIn is the renewed token lifetime in seconds
	ExpiresIn int64 `json:"expires_in"`

	// IDToken is the renewed OIDC ID token when present
	IDToken string `json:"id_token,omitempty"`
}
