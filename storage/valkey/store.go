package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/hallpass-io/desktop-oauth/security"
	"github.com/hallpass-io/desktop-oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "hallpass:auth:"

	// DefaultCounterRetention is how long an untouched quota counter key
	// lives before Valkey expires it natively. The sweeper enforces the
	// retention horizon earlier; the key TTL is the backstop.
	DefaultCounterRetention = 25 * time.Hour

	// stateLogLength is the number of characters to include when logging states
	stateLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "hallpass:auth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// CounterRetention is the native TTL applied to quota counter keys.
	// Default: 25 hours, slightly past the sweeper's 24-hour horizon.
	CounterRetention time.Duration
}

// Store is a Valkey-backed implementation of ChallengeStore and QuotaStore.
// All cross-worker guarantees (challenge single-use, quota atomicity) are
// enforced with Lua scripts so any number of stateless workers can share
// one instance.
type Store struct {
	client           valkeygo.Client
	prefix           string
	logger           *slog.Logger
	counterRetention time.Duration

	// encryptor provides optional code verifier encryption at rest
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks
var (
	_ storage.ChallengeStore = (*Store)(nil)
	_ storage.QuotaStore     = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.CounterRetention
	if retention <= 0 {
		retention = DefaultCounterRetention
	}

	// Build client options
	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:           client,
		prefix:           prefix,
		logger:           logger,
		counterRetention: retention,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// Client returns the underlying Valkey client, for collaborators that share
// the connection (leader election).
func (s *Store) Client() valkeygo.Client {
	return s.client
}

// KeyPrefix returns the configured key prefix.
func (s *Store) KeyPrefix() string {
	return s.prefix
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the encryptor for code verifiers at rest.
// When set, stored verifiers are encrypted with AES-256-GCM before being
// written to Valkey and decrypted on consume.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Challenge encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// challengeKey builds the key for a pending challenge
func (s *Store) challengeKey(state string) string {
	return s.prefix + "challenge:" + state
}

// counterKey builds the key for a quota counter
func (s *Store) counterKey(class, identifier string) string {
	return s.prefix + "quota:" + class + ":" + identifier
}

// counterKeyPattern matches all quota counter keys for SCAN
func (s *Store) counterKeyPattern() string {
	return s.prefix + "quota:*"
}

// isNilError checks whether an error is the Valkey nil reply
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// calculateTTL calculates the TTL for a key based on expiry time.
// Returns 0 if the key has already expired.
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}


// luaConsumeChallenge atomically retrieves and deletes a pending challenge.
//
// SECURITY: the delete in the same script as the read is the single-use
// guarantee: of two concurrent consumers for the same state, exactly one
// receives the record, the other receives NOT_FOUND.
//
// KEYS[1] = challenge key
const luaConsumeChallenge = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end
redis.call('DEL', KEYS[1])
return data
`

// luaCheckAndRecordQuota runs the fixed-window quota decision atomically.
// Concurrent callers for the same key serialize on the script, so the
// counter can neither jointly exceed the ceiling nor under-count.
//
// KEYS[1] = counter key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = max calls for the window
// ARGV[3] = window length in seconds
// ARGV[4] = key retention in seconds (native TTL backstop)
//
// Returns 'ALLOWED:{count}:{windowStart}' or
// 'REJECTED:{count}:{windowStart}:{retryAfterSecs}'.
const luaCheckAndRecordQuota = `
local now = tonumber(ARGV[1])
local maxCalls = tonumber(ARGV[2])
local windowSecs = tonumber(ARGV[3])
local retention = tonumber(ARGV[4])

local data = redis.call('GET', KEYS[1])
if not data then
    local counter = {count = 1, window_start = now, last_seen = now}
    redis.call('SET', KEYS[1], cjson.encode(counter), 'EX', retention)
    return 'ALLOWED:1:' .. now
end

local counter = cjson.decode(data)

-- Fixed-window reset once the window has fully elapsed
if now - counter.window_start >= windowSecs then
    counter.count = 1
    counter.window_start = now
    counter.last_seen = now
    redis.call('SET', KEYS[1], cjson.encode(counter), 'EX', retention)
    return 'ALLOWED:1:' .. now
end

-- Rejection leaves the counter untouched
if counter.count >= maxCalls then
    local retry = counter.window_start + windowSecs - now
    if retry < 0 then
        retry = 0
    end
    return 'REJECTED:' .. counter.count .. ':' .. counter.window_start .. ':' .. retry
end

counter.count = counter.count + 1
counter.last_seen = now
redis.call('SET', KEYS[1], cjson.encode(counter), 'EX', retention)
return 'ALLOWED:' .. counter.count .. ':' .. counter.window_start
`
