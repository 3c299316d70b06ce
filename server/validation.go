package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/hallpass-io/desktop-oauth/internal/util"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

// PKCEMethodS256 is the only accepted code challenge derivation method.
const PKCEMethodS256 = "S256"

// ValidateClientAgent checks that a client-agent string is plausible for a
// desktop client. Automation signatures are matched as case-insensitive
// substrings. Weak defense-in-depth: desktop clients cannot use
// app-attestation, so this only raises the bar for casual abuse.
// The transport layer runs this before any store work.
func (s *Server) ValidateClientAgent(agent string) error {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return fmt.Errorf("client agent is required")
	}

	agentLower := strings.ToLower(agent)
	for _, blocked := range s.Config.BlockedClientAgents {
		if strings.Contains(agentLower, blocked) {
			return fmt.Errorf("client agent %q matches automation signature %q", util.SafeTruncate(agent, 64), blocked)
		}
	}

	return nil
}

// parseLoopbackRedirectURI validates a desktop redirect URI and returns the
// parsed form. Accepted URIs address the local machine only:
//
//   - scheme must be plain http: no secret crosses the wire to the device,
//     and desktop clients cannot hold a certificate for a public callback
//   - hostname must be a loopback name (localhost, 127.0.0.0/8, ::1)
//   - port must be explicit and unprivileged (minPort through 65535)
func parseLoopbackRedirectURI(redirectURI string, minPort int) (*url.URL, error) {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != SchemeHTTP {
		if scheme == SchemeHTTPS {
			return nil, fmt.Errorf("redirect_uri must use the http scheme for loopback callbacks (got https)")
		}
		return nil, fmt.Errorf("redirect_uri scheme %q is not allowed (must be http)", parsed.Scheme)
	}

	if !isLoopbackHostname(parsed.Hostname()) {
		return nil, fmt.Errorf("redirect_uri host %q is not a loopback address", parsed.Hostname())
	}

	portStr := parsed.Port()
	if portStr == "" {
		return nil, fmt.Errorf("redirect_uri must carry an explicit port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect_uri port %q", portStr)
	}
	if port < minPort || port > 65535 {
		return nil, fmt.Errorf("redirect_uri port %d outside allowed range [%d, 65535]", port, minPort)
	}

	if parsed.Fragment != "" {
		return nil, fmt.Errorf("redirect_uri must not contain fragments")
	}

	return parsed, nil
}

// isLoopbackHostname checks if a hostname refers to the local machine.
// This includes IPv4 loopback (entire 127.0.0.0/8 range per RFC 1122),
// IPv6 loopback (::1), and the localhost hostname. URI hosts compare
// case-insensitively per RFC 3986.
func isLoopbackHostname(hostname string) bool {
	if strings.EqualFold(hostname, "localhost") {
		return true
	}

	// Strip brackets from IPv6 addresses for parsing
	// net.ParseIP doesn't handle brackets, but url.Hostname() may include them
	cleanHostname := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		cleanHostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(cleanHostname); ip != nil {
		return ip.IsLoopback()
	}

	return false
}

// validateRedirectURI applies the loopback rule with the configured port floor
func (s *Server) validateRedirectURI(redirectURI string) error {
	_, err := parseLoopbackRedirectURI(redirectURI, s.Config.MinRedirectPort)
	return err
}

// validateFlowToken checks the shape shared by the state parameter and the
// code verifier: the URL-safe base64 alphabet at the length produced by a
// 32-byte random draw. Shape violations are rejected before any store
// lookup so malformed input never reaches the backend.
func (s *Server) validateFlowToken(name, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	if len(value) < s.Config.MinTokenLength || len(value) > s.Config.MaxTokenLength {
		return fmt.Errorf("%s length must be between %d and %d characters", name, s.Config.MinTokenLength, s.Config.MaxTokenLength)
	}
	for _, ch := range value {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '_'
		if !isValid {
			return fmt.Errorf("%s contains invalid characters (must be [A-Za-z0-9_-])", name)
		}
	}
	return nil
}

// validateState validates the CSRF state parameter shape
func (s *Server) validateState(state string) error {
	return s.validateFlowToken("state", state)
}

// validateCodeVerifier validates the PKCE code verifier shape
func (s *Server) validateCodeVerifier(verifier string) error {
	return s.validateFlowToken("code_verifier", verifier)
}

// computeCodeChallenge derives the S256 challenge from a verifier per
// RFC 7636: the URL-safe base64 encoding of its SHA-256 digest.
func computeCodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// verifiersMatch compares the stored verifier against the supplied one in
// constant time to prevent timing side-channels.
func verifiersMatch(stored, supplied string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(supplied)) == 1
}
