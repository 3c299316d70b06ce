// Package providers defines the upstream identity provider boundary and
// shared helpers for code exchange and token handling.
//
// Implementations live in subpackages:
//   - google: Google OAuth with offline access and forced consent
//   - mock: func-field test double with call counting
package providers
