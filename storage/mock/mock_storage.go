// Package mock provides mock implementations of storage interfaces for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/hallpass-io/desktop-oauth/storage"
)

// MockChallengeStore is a mock implementation of ChallengeStore for testing
type MockChallengeStore struct {
	mu                   sync.Mutex
	challenges           map[string]*storage.PendingChallenge
	SaveChallengeFunc    func(ctx context.Context, challenge *storage.PendingChallenge) error
	ConsumeChallengeFunc func(ctx context.Context, state string) (*storage.PendingChallenge, error)
	CallCounts           map[string]int
}

// NewMockChallengeStore creates a new mock challenge store backed by a map,
// with working single-use semantics by default.
func NewMockChallengeStore() *MockChallengeStore {
	m := &MockChallengeStore{
		challenges: make(map[string]*storage.PendingChallenge),
		CallCounts: make(map[string]int),
	}

	// Set default implementations
	m.SaveChallengeFunc = func(ctx context.Context, challenge *storage.PendingChallenge) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		copied := *challenge
		m.challenges[challenge.State] = &copied
		return nil
	}

	m.ConsumeChallengeFunc = func(ctx context.Context, state string) (*storage.PendingChallenge, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		challenge, ok := m.challenges[state]
		if !ok {
			return nil, storage.ErrChallengeNotFound
		}
		delete(m.challenges, state)
		return challenge, nil
	}

	return m
}

// SaveChallenge stores a pending challenge
func (m *MockChallengeStore) SaveChallenge(ctx context.Context, challenge *storage.PendingChallenge) error {
	m.CallCounts["SaveChallenge"]++
	return m.SaveChallengeFunc(ctx, challenge)
}

// ConsumeChallenge retrieves and deletes a pending challenge
func (m *MockChallengeStore) ConsumeChallenge(ctx context.Context, state string) (*storage.PendingChallenge, error) {
	m.CallCounts["ConsumeChallenge"]++
	return m.ConsumeChallengeFunc(ctx, state)
}

// ResetCallCounts resets all call counters
func (m *MockChallengeStore) ResetCallCounts() {
	m.CallCounts = make(map[string]int)
}

// MockQuotaStore is a mock implementation of QuotaStore for testing
type MockQuotaStore struct {
	mu                    sync.Mutex
	counters              map[string]*storage.QuotaCounter
	CheckAndRecordFunc    func(ctx context.Context, class, identifier string, maxCalls int64, window time.Duration) (*storage.QuotaDecision, error)
	SweepQuotaCounterFunc func(ctx context.Context, cutoff time.Time, limit int) (int, error)
	CallCounts            map[string]int
}

// NewMockQuotaStore creates a new mock quota store with working
// fixed-window semantics by default.
func NewMockQuotaStore() *MockQuotaStore {
	m := &MockQuotaStore{
		counters:   make(map[string]*storage.QuotaCounter),
		CallCounts: make(map[string]int),
	}

	m.CheckAndRecordFunc = func(ctx context.Context, class, identifier string, maxCalls int64, window time.Duration) (*storage.QuotaDecision, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		now := time.Now()
		key := class + ":" + identifier
		counter, ok := m.counters[key]
		if !ok || now.Sub(counter.WindowStart) >= window {
			counter = &storage.QuotaCounter{
				Class:       class,
				Identifier:  identifier,
				Count:       0,
				WindowStart: now,
			}
			m.counters[key] = counter
		}

		if counter.Count >= maxCalls {
			return &storage.QuotaDecision{
				Allowed:     false,
				Count:       counter.Count,
				WindowStart: counter.WindowStart,
				RetryAfter:  counter.WindowStart.Add(window).Sub(now),
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

	m.SweepQuotaCounterFunc = func(ctx context.Context, cutoff time.Time, limit int) (int, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		removed := 0
		for key, counter := range m.counters {
			if removed >= limit {
				break
			}
			if counter.LastSeen.Before(cutoff) {
				delete(m.counters, key)
				removed++
			}
		}
		return removed, nil
	}

	return m
}

// CheckAndRecordQuota runs the fixed-window decision
func (m *MockQuotaStore) CheckAndRecordQuota(ctx context.Context, class, identifier string, maxCalls int64, window time.Duration) (*storage.QuotaDecision, error) {
	m.CallCounts["CheckAndRecordQuota"]++
	return m.CheckAndRecordFunc(ctx, class, identifier, maxCalls, window)
}

// SweepQuotaCounters deletes idle counters
func (m *MockQuotaStore) SweepQuotaCounters(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	m.CallCounts["SweepQuotaCounters"]++
	return m.SweepQuotaCounterFunc(ctx, cutoff, limit)
}

// ResetCallCounts resets all call counters
func (m *MockQuotaStore) ResetCallCounts() {
	m.CallCounts = make(map[string]int)
}

// Compile-time interface checks
var (
	_ storage.ChallengeStore = (*MockChallengeStore)(nil)
	_ storage.QuotaStore     = (*MockQuotaStore)(nil)
)
