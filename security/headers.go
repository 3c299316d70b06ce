package security

import "net/http"

// SetSecurityHeaders hardens a flow endpoint response. Every endpoint here
// serves JSON to a desktop client, never a browser page, so the policy is
// maximally strict: nothing may frame, embed, or cache these responses.
// HSTS is left to the TLS-terminating proxy in front of the service.
func SetSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()

	// No browser context ever legitimately frames a flow response
	h.Set("X-Frame-Options", "DENY")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Referrer-Policy", "no-referrer")

	// Responses carry tokens and verifiers; nothing may cache them
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")
}
