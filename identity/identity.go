// Package identity defines the local identity and session collaborators
// consumed by the flow engine. Identities are keyed by verified email; an
// exchange either reuses the existing identity for that email or creates one.
package identity

import (
	"context"
	"time"
)

// Identity is a local account resolved from a verified upstream profile.
type Identity struct {
	// ID is the stable local identifier (UUID)
	ID string

	// Email is the verified email address. Exactly one identity exists
	// per verified email.
	Email string

	// DisplayName is the user's display name, copied from the provider
	DisplayName string

	// AvatarURL is the URL of the user's profile picture
	AvatarURL string

	// Provider names the upstream provider the identity came from
	Provider string

	CreatedAt   time.Time
	LastLoginAt time.Time
}

// Profile carries the verified upstream attributes an identity is resolved
// from. Callers must only build a Profile from an email the provider has
// verified.
type Profile struct {
	Email       string
	DisplayName string
	AvatarURL   string
	Provider    string
}

// Service resolves upstream profiles to local identities.
type Service interface {
	// ResolveOrCreate returns the identity for the profile's email,
	// creating one on first login. Existing identities get their display
	// name, avatar and LastLoginAt refreshed.
	ResolveOrCreate(ctx context.Context, profile *Profile) (*Identity, error)
}

// SessionMinter issues session credentials bound to a local identity.
type SessionMinter interface {
	// MintSession returns an opaque session credential for the identity.
	// The credential's lifetime and format are the minter's concern.
	MintSession(ctx context.Context, ident *Identity) (string, error)
}
