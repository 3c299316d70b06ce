// Package bunt provides a BuntDB-backed implementation of the challenge and
// quota storage interfaces.
//
// It targets single-process deployments that want state to survive restarts
// without operating an external server: a desktop helper daemon or an
// embedded agent. BuntDB keeps the working set in memory and persists to a
// single append-only file, and its exclusive write transactions supply the
// atomicity the storage contracts require.
//
// For multi-worker deployments use the valkey package instead; BuntDB state
// is local to one process.
package bunt
