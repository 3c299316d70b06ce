// Package google implements the providers.Provider interface for Google.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/hallpass-io/desktop-oauth/providers"
)

const defaultUserInfoEndpoint = "https://openidconnect.googleapis.com/v1/userinfo"

// Provider implements providers.Provider for Google OAuth.
type Provider struct {
	config      *oauth2.Config
	httpClient  *http.Client
	userInfoURL string
}

// Config holds Google OAuth configuration.
// ClientID and ClientSecret are the confidential credentials held only
// server-side; they never cross the wire to a desktop client.
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	HTTPClient   *http.Client // Optional custom HTTP client
}

// NewProvider creates a new Google OAuth provider
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: providers.DefaultHTTPTimeout,
		}
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       scopes,
			Endpoint:     google.Endpoint,
		},
		httpClient:  httpClient,
		userInfoURL: defaultUserInfoEndpoint,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return "google"
}

// AuthorizationURL builds the Google consent URL for one flow.
// access_type=offline with prompt=consent makes Google issue a refresh
// token on every grant, not just the first.
func (p *Provider) AuthorizationURL(redirectURI, state, codeChallenge string) string {
	cfg := *p.config
	cfg.RedirectURL = redirectURI

	return cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode redeems an authorization code at Google's token endpoint
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*oauth2.Token, error) {
	return providers.ExchangeCodeWithPKCE(ctx, p.config, p.httpClient, code, codeVerifier, redirectURI)
}

// FetchUserInfo retrieves the profile behind an access token from the
// OIDC userinfo endpoint
func (p *Provider) FetchUserInfo(ctx context.Context, accessToken string) (*providers.UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("userinfo request failed with status %d: %s", resp.StatusCode, body)
	}

	var googleUserInfo struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&googleUserInfo); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	return &providers.UserInfo{
		ID:            googleUserInfo.Sub,
		Email:         googleUserInfo.Email,
		EmailVerified: googleUserInfo.EmailVerified,
		Name:          googleUserInfo.Name,
		Picture:       googleUserInfo.Picture,
	}, nil
}

// RefreshToken renews an access token using a refresh token
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	tokenSource := p.config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
	})

	newToken, err := tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	return newToken, nil
}

// HealthCheck verifies Google's OAuth endpoints are reachable
func (p *Provider) HealthCheck(ctx context.Context) error {
	endpoint, err := url.Parse(p.config.Endpoint.AuthURL)
	if err != nil {
		return fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	return nil
}
