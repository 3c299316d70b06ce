// Package valkey provides a Valkey-backed implementation of the challenge
// and quota storage interfaces for multi-worker deployments.
//
// All cross-worker guarantees run server-side as Lua scripts: challenge
// consume is an atomic get-and-delete, and the fixed-window quota decision
// is a single atomic read-check-write per counter. Any number of stateless
// workers can therefore share one Valkey instance without double-redeeming
// a state or jointly exceeding a quota ceiling.
//
// The package also provides Valkey-based leader election so that exactly
// one worker in a fleet runs the quota counter sweeper.
//
// Code verifiers can optionally be encrypted at rest with AES-256-GCM via
// SetEncryptor. Challenge keys carry a native TTL matching their expiry;
// quota counter keys carry a retention TTL as a backstop behind the sweeper.
package valkey
