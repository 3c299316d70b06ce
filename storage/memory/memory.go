// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hallpass-io/desktop-oauth/instrumentation"
	"github.com/hallpass-io/desktop-oauth/security"
	"github.com/hallpass-io/desktop-oauth/storage"
)

// Store is an in-memory implementation of ChallengeStore and QuotaStore.
//
// All cross-call state lives behind one mutex; the consume and
// check-and-record operations hold it across their whole read-check-write,
// which gives the same per-key atomicity the shared backends provide with
// transactions.
type Store struct {
	mu sync.Mutex

	// Pending challenges by state (verifier encrypted at rest if encryptor is set)
	challenges map[string]*storage.PendingChallenge

	// Quota counters by (class, identifier)
	counters map[counterKey]*storage.QuotaCounter

	// Security
	encryptor *security.Encryptor // Verifier encryption at rest (optional)

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	challengesCountAtomic atomic.Int64
	countersCountAtomic   atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

type counterKey struct {
	class      string
	identifier string
}

// Compile-time interface checks
var (
	_ storage.ChallengeStore = (*Store)(nil)
	_ storage.QuotaStore     = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		challenges:      make(map[string]*storage.PendingChallenge),
		counters:        make(map[counterKey]*storage.QuotaCounter),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	// Start background cleanup
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the encryptor for code verifiers at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Challenge encryption at rest enabled for storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	// Initialize atomic counters with current counts
	s.challengesCountAtomic.Store(int64(len(s.challenges)))
	s.countersCountAtomic.Store(int64(len(s.counters)))
	s.mu.Unlock()

	if inst != nil {
		// Register storage size callbacks using atomic counters (lock-free)
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.challengesCountAtomic.Load() },
			func() int64 { return s.countersCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// ChallengeStore Implementation
// ============================================================

// SaveChallenge stores a pending challenge under its state key
func (s *Store) SaveChallenge(ctx context.Context, challenge *storage.PendingChallenge) error {
	ctx, span := s.startStorageSpan(ctx, "save_challenge")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_challenge", err, startTime)
	}()

	if challenge == nil {
		err = fmt.Errorf("challenge cannot be nil")
		return err
	}
	if challenge.State == "" {
		err = fmt.Errorf("challenge state cannot be empty")
		return err
	}

	stored := *challenge
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		encrypted, encErr := s.encryptor.Encrypt(challenge.CodeVerifier)
		if encErr != nil {
			err = fmt.Errorf("failed to encrypt code verifier: %w", encErr)
			return err
		}
		stored.CodeVerifier = encrypted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.challenges[challenge.State]
	s.challenges[challenge.State] = &stored
	if !existed {
		s.challengesCountAtomic.Add(1)
	}

	return nil
}

// ConsumeChallenge retrieves and deletes the challenge for a state in one
// step under the store mutex. The delete is the single-use guarantee.
func (s *Store) ConsumeChallenge(ctx context.Context, state string) (*storage.PendingChallenge, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_challenge")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_challenge", err, startTime)
	}()

	s.mu.Lock()
	challenge, ok := s.challenges[state]
	if ok {
		delete(s.challenges, state)
		s.challengesCountAtomic.Add(-1)
	}
	encryptor := s.encryptor
	s.mu.Unlock()

	if !ok {
		err = storage.ErrChallengeNotFound
		return nil, err
	}

	result := *challenge
	if encryptor != nil && encryptor.IsEnabled() {
		verifier, decErr := encryptor.Decrypt(challenge.CodeVerifier)
		if decErr != nil {
			err = fmt.Errorf("failed to decrypt code verifier: %w", decErr)
			return nil, err
		}
		result.CodeVerifier = verifier
	}

	return &result, nil
}

// ============================================================
// QuotaStore Implementation
// ============================================================

// CheckAndRecordQuota runs the fixed-window decision under the store mutex
func (s *Store) CheckAndRecordQuota(ctx context.Context, class, identifier string, maxCalls int64, window time.Duration) (*storage.QuotaDecision, error) {
	ctx, span := s.startStorageSpan(ctx, "check_and_record_quota")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "check_and_record_quota", err, startTime)
	}()

	if class == "" || identifier == "" {
		err = fmt.Errorf("class and identifier cannot be empty")
		return nil, err
	}
	if maxCalls <= 0 {
		err = fmt.Errorf("maxCalls must be positive")
		return nil, err
	}

	now := time.Now()
	key := counterKey{class: class, identifier: identifier}

	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.counters[key]
	if !ok || now.Sub(counter.WindowStart) >= window {
		// First call for the key, or a fresh fixed window.
		s.counters[key] = &storage.QuotaCounter{
			Class:       class,
			Identifier:  identifier,
			Count:       1,
			WindowStart: now,
			LastSeen:    now,
		}
		if !ok {
			s.countersCountAtomic.Add(1)
		}
		return &storage.QuotaDecision{
			Allowed:     true,
			Count:       1,
			WindowStart: now,
		}, nil
	}

	if counter.Count >= maxCalls {
		// Rejected calls leave the counter untouched.
		retryAfter := counter.WindowStart.Add(window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &storage.QuotaDecision{
			Allowed:     false,
			Count:       counter.Count,
			WindowStart: counter.WindowStart,
			RetryAfter:  retryAfter,
		}, nil
	}

	counter.Count++
	counter.LastSeen = now
	return &storage.QuotaDecision{
		Allowed:     true,
		Count:       counter.Count,
		WindowStart: counter.WindowStart,
	}, nil
}

// SweepQuotaCounters deletes counters whose LastSeen predates cutoff,
// oldest first, visiting at most limit counters per call
func (s *Store) SweepQuotaCounters(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "sweep_quota_counters")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "sweep_quota_counters", err, startTime)
	}()

	if limit <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	type idleCounter struct {
		key      counterKey
		lastSeen time.Time
	}
	var idle []idleCounter
	for key, counter := range s.counters {
		if counter.LastSeen.Before(cutoff) {
			idle = append(idle, idleCounter{key: key, lastSeen: counter.LastSeen})
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].lastSeen.Before(idle[j].lastSeen)
	})

	removed := 0
	for _, c := range idle {
		if removed >= limit {
			break
		}
		delete(s.counters, c.key)
		removed++
	}
	s.countersCountAtomic.Add(int64(-removed))

	if removed > 0 {
		s.logger.Debug("Swept idle quota counters", "removed", removed)
	}

	return removed, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes expired challenges. A small clock-skew grace period keeps
// the background eviction from racing a legitimate consume near the TTL
// boundary; the flow still enforces the exact expiry itself.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for state, challenge := range s.challenges {
		if security.IsTokenExpired(challenge.ExpiresAt) {
			delete(s.challenges, state)
			removed++
		}
	}
	s.challengesCountAtomic.Add(int64(-removed))

	if removed > 0 {
		s.logger.Debug("Cleaned up expired challenges", "removed", removed)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
