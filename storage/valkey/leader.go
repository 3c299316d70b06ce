package valkey

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	valkeygo "github.com/valkey-io/valkey-go"
)

const (
	// DefaultLockTTL is how long the leader lock lives without renewal
	DefaultLockTTL = 30 * time.Second

	// DefaultRenewPeriod is how often the current leader renews the lock
	DefaultRenewPeriod = 10 * time.Second
)

// luaRenewLock renews the leader lock only when this instance still holds it.
// KEYS[1] = lock key, ARGV[1] = instance identity, ARGV[2] = TTL seconds
const luaRenewLock = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('EXPIRE', KEYS[1], ARGV[2])
    return 1
end
return 0
`

// luaReleaseLock releases the leader lock only when this instance holds it.
// KEYS[1] = lock key, ARGV[1] = instance identity
const luaReleaseLock = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    redis.call('DEL', KEYS[1])
    return 1
end
return 0
`

// LeaderElection coordinates which worker runs singleton background work,
// such as the quota counter sweeper, across a fleet sharing one Valkey
// instance. Exactly one instance holds the lock at a time; the others keep
// retrying and take over when the leader's lock expires.
type LeaderElection struct {
	client   valkeygo.Client
	lockKey  string
	identity string
	lockTTL  time.Duration
	renew    time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	isLeader bool

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// LeaderConfig holds optional tuning for leader election.
type LeaderConfig struct {
	// LockTTL is how long the lock survives without renewal (default 30s)
	LockTTL time.Duration

	// RenewPeriod is how often the leader renews and followers retry
	// (default 10s). Must be shorter than LockTTL.
	RenewPeriod time.Duration

	// Logger is the optional structured logger
	Logger *slog.Logger
}

// NewLeaderElection creates a leader election on the store's Valkey
// connection. The lock key is derived from the store's key prefix so
// separate deployments sharing one Valkey instance do not contend.
func NewLeaderElection(store *Store, cfg LeaderConfig) (*LeaderElection, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}

	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	renew := cfg.RenewPeriod
	if renew <= 0 {
		renew = DefaultRenewPeriod
	}
	if renew >= lockTTL {
		return nil, fmt.Errorf("renew period (%s) must be shorter than lock TTL (%s)", renew, lockTTL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}

	return &LeaderElection{
		client:   store.Client(),
		lockKey:  store.KeyPrefix() + "sweeper:leader",
		identity: hostname + "-" + uuid.NewString()[:8],
		lockTTL:  lockTTL,
		renew:    renew,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins competing for leadership in the background. It returns
// immediately; use IsLeader to observe the outcome.
func (le *LeaderElection) Start(ctx context.Context) {
	go le.run(ctx)
}

// Stop releases the lock if held and stops the election loop.
func (le *LeaderElection) Stop() {
	le.stopOnce.Do(func() {
		close(le.stopChan)
	})
	<-le.done
}

// IsLeader reports whether this instance currently holds the lock.
func (le *LeaderElection) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

func (le *LeaderElection) run(ctx context.Context) {
	defer close(le.done)

	le.attempt(ctx)

	ticker := time.NewTicker(le.renew)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			le.attempt(ctx)
		case <-le.stopChan:
			le.release()
			return
		case <-ctx.Done():
			le.release()
			return
		}
	}
}

// attempt renews the lock when held, otherwise tries to acquire it.
func (le *LeaderElection) attempt(ctx context.Context) {
	if le.IsLeader() {
		if !le.renewLock(ctx) {
			le.setLeader(false)
			le.logger.Warn("Lost sweeper leadership", "identity", le.identity)
		}
		return
	}

	if le.tryAcquireLock(ctx) {
		le.setLeader(true)
		le.logger.Info("Acquired sweeper leadership", "identity", le.identity)
	}
}

// tryAcquireLock attempts an atomic SET NX EX acquire with TTL.
func (le *LeaderElection) tryAcquireLock(ctx context.Context) bool {
	err := le.client.Do(ctx, le.client.B().Set().Key(le.lockKey).
		Value(le.identity).Nx().Ex(le.lockTTL).Build()).Error()
	if err != nil {
		if isNilError(err) {
			return false // another instance holds the lock
		}
		le.logger.Warn("Leader lock acquire failed", "error", err)
		return false
	}
	return true
}

func (le *LeaderElection) renewLock(ctx context.Context) bool {
	result, err := le.client.Do(ctx, le.client.B().Eval().
		Script(luaRenewLock).
		Numkeys(1).
		Key(le.lockKey).
		Arg(le.identity).
		Arg(strconv.FormatInt(int64(le.lockTTL/time.Second), 10)).
		Build()).AsInt64()
	if err != nil {
		le.logger.Warn("Leader lock renew failed", "error", err)
		return false
	}
	return result == 1
}

func (le *LeaderElection) release() {
	if !le.IsLeader() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	_, err := le.client.Do(ctx, le.client.B().Eval().
		Script(luaReleaseLock).
		Numkeys(1).
		Key(le.lockKey).
		Arg(le.identity).
		Build()).AsInt64()
	if err != nil {
		le.logger.Warn("Leader lock release failed", "error", err)
	}
	le.setLeader(false)
	le.logger.Info("Released sweeper leadership", "identity", le.identity)
}

func (le *LeaderElection) setLeader(v bool) {
	le.mu.Lock()
	le.isLeader = v
	le.mu.Unlock()
}
