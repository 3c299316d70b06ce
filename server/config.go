package server

import (
	"log/slog"
	"time"
)

// Config holds flow engine configuration
type Config struct {
	// DefaultRedirectURI is used when an issuance request carries no
	// redirect URI. Desktop clients that have not yet bound their loopback
	// port get a placeholder they can rebind at exchange time.
	DefaultRedirectURI string

	// ChallengeTTL is how long a pending challenge stays redeemable
	// Default: 10 minutes
	ChallengeTTL time.Duration

	// MinTokenLength and MaxTokenLength bound the accepted state and code
	// verifier shapes. The defaults match the URL-safe base64 encoding of a
	// 32-byte random value (43 characters) with slack on either side.
	// Reject before any store lookup so malformed input never costs a
	// round trip.
	MinTokenLength int // default: 40
	MaxTokenLength int // default: 50

	// MinRedirectPort is the lowest loopback port accepted in redirect URIs
	// Ports below 1024 are privileged and never legitimately bound by a
	// desktop client.
	// Default: 1024
	MinRedirectPort int

	// BlockedClientAgents lists case-insensitive substrings that mark a
	// client-agent string as automation. Weak defense-in-depth: desktop
	// clients cannot attest, so this only filters the casual scrapers.
	// Default: see defaultBlockedClientAgents
	BlockedClientAgents []string
}

// defaultBlockedClientAgents marks the common automation signatures.
var defaultBlockedClientAgents = []string{
	"bot",
	"crawler",
	"spider",
	"scraper",
	"curl",
	"wget",
	"python-requests",
	"go-http-client",
	"okhttp",
	"java/",
	"libwww",
}

// applySecureDefaults applies secure-by-default configuration values
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.ChallengeTTL == 0 {
		config.ChallengeTTL = 10 * time.Minute
	}
	if config.MinTokenLength == 0 {
		config.MinTokenLength = 40
	}
	if config.MaxTokenLength == 0 {
		config.MaxTokenLength = 50
	}
	if config.MinRedirectPort == 0 {
		config.MinRedirectPort = 1024
	}
	if config.DefaultRedirectURI == "" {
		config.DefaultRedirectURI = "http://127.0.0.1:8400/callback"
	}
	if config.BlockedClientAgents == nil {
		config.BlockedClientAgents = defaultBlockedClientAgents
	}

	if config.MinRedirectPort < 1024 {
		logger.Warn("⚠️  SECURITY WARNING: Privileged redirect ports are ALLOWED",
			"min_redirect_port", config.MinRedirectPort,
			"risk", "Privileged ports are never bound by legitimate desktop clients",
			"recommendation", "Keep MinRedirectPort at 1024 or above")
	}

	return config
}
