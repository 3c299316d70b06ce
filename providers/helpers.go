package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DefaultHTTPTimeout bounds calls to provider token and userinfo endpoints.
// Blocking operations must surface failure rather than hang.
const DefaultHTTPTimeout = 30 * time.Second

// OAuth2ConfigExchanger is the Exchange method of oauth2.Config, extracted
// so shared helpers work with any provider's config.
type OAuth2ConfigExchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
}

// ExchangeCodeWithPKCE redeems an authorization code with a PKCE verifier
// and a per-flow redirect URI through the given HTTP client.
func ExchangeCodeWithPKCE(ctx context.Context, config OAuth2ConfigExchanger, httpClient *http.Client, code, verifier, redirectURI string) (*oauth2.Token, error) {
	opts := []oauth2.AuthCodeOption{
		oauth2.VerifierOption(verifier),
	}
	if redirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)

	token, err := config.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return token, nil
}

// IDToken extracts the OIDC id_token from a token response, if present.
// oauth2.Token keeps extra fields in a private raw map accessible only
// through Extra.
func IDToken(token *oauth2.Token) string {
	if token == nil {
		return ""
	}
	if id, ok := token.Extra("id_token").(string); ok {
		return id
	}
	return ""
}
