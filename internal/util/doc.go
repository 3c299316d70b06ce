// Package util holds small helpers shared across the library. SafeTruncate
// bounds how much of a sensitive value (state, verifier, client agent) a
// log line may carry.
package util
