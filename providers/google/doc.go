// Package google provides the Google OAuth provider implementation.
//
// The provider requests offline access with forced consent so Google
// returns a refresh token on every grant, and resolves user profiles
// through the OIDC userinfo endpoint.
package google
