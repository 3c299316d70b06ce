// Package server implements the desktop authorization flow engine:
// PKCE-protected authorization URL issuance, staged one-time code exchange
// with local identity and session minting, and upstream token refresh.
//
// The engine is stateless. Pending challenges and quota counters live in
// the shared store, so any worker can serve any step of a flow.
package server
