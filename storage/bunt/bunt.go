package bunt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/hallpass-io/desktop-oauth/security"
	"github.com/hallpass-io/desktop-oauth/storage"
)

const (
	challengeKeyPrefix = "challenge:"
	counterKeyPrefix   = "quota:"
)

// Store is a BuntDB-backed implementation of ChallengeStore and QuotaStore
// for single-process deployments that need persistence across restarts
// without an external server.
//
// BuntDB runs every Update callback under an exclusive write transaction,
// which supplies the atomic get-and-delete for challenge consume and the
// atomic read-check-write for quota decisions.
type Store struct {
	db     *buntdb.DB
	logger *slog.Logger

	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks
var (
	_ storage.ChallengeStore = (*Store)(nil)
	_ storage.QuotaStore     = (*Store)(nil)
)

// New opens a BuntDB-backed store at the given path. Use ":memory:" for a
// non-persistent store.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open buntdb at %s: %w", path, err)
	}

	return &Store{
		db:     db,
		logger: slog.Default(),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetEncryptor sets the encryptor for code verifiers at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Challenge encryption at rest enabled for BuntDB storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// challengeRecord is the stored form of a pending challenge.
type challengeRecord struct {
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
	RequesterID  string `json:"requester_id,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresAt    int64  `json:"expires_at"`
	Encrypted    bool   `json:"encrypted,omitempty"`
}

// counterRecord is the stored form of a quota counter.
type counterRecord struct {
	Count       int64 `json:"count"`
	WindowStart int64 `json:"window_start"`
	LastSeen    int64 `json:"last_seen"`
}

// SaveChallenge stores a pending challenge with a native TTL derived from
// its expiry.
func (s *Store) SaveChallenge(ctx context.Context, challenge *storage.PendingChallenge) error {
	if challenge == nil {
		return fmt.Errorf("challenge cannot be nil")
	}
	if challenge.State == "" {
		return fmt.Errorf("challenge state cannot be empty")
	}

	ttl := time.Until(challenge.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("challenge is already expired")
	}

	record := challengeRecord{
		State:        challenge.State,
		CodeVerifier: challenge.CodeVerifier,
		RequesterID:  challenge.RequesterID,
		CreatedAt:    challenge.CreatedAt.Unix(),
		ExpiresAt:    challenge.ExpiresAt.Unix(),
	}

	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		encrypted, err := enc.Encrypt(record.CodeVerifier)
		if err != nil {
			return fmt.Errorf("failed to encrypt code verifier: %w", err)
		}
		record.CodeVerifier = encrypted
		record.Encrypted = true
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(challengeKeyPrefix+challenge.State, string(data),
			&buntdb.SetOptions{Expires: true, TTL: ttl})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}

	return nil
}

// ConsumeChallenge retrieves and deletes the challenge for a state inside a
// single write transaction. Of two concurrent consumers, exactly one
// receives the record.
func (s *Store) ConsumeChallenge(ctx context.Context, state string) (*storage.PendingChallenge, error) {
	if state == "" {
		return nil, fmt.Errorf("state cannot be empty")
	}

	var data string
	err := s.db.Update(func(tx *buntdb.Tx) error {
		key := challengeKeyPrefix + state
		value, err := tx.Get(key)
		if err != nil {
			return err
		}
		data = value
		_, err = tx.Delete(key)
		return err
	})
	if err != nil {
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil, storage.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}

	var record challengeRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}

	verifier := record.CodeVerifier
	if record.Encrypted {
		enc := s.getEncryptor()
		if enc == nil || !enc.IsEnabled() {
			return nil, fmt.Errorf("challenge is encrypted but no encryptor is configured")
		}
		decrypted, err := enc.Decrypt(verifier)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt code verifier: %w", err)
		}
		verifier = decrypted
	}

	return &storage.PendingChallenge{
		State:        record.State,
		CodeVerifier: verifier,
		RequesterID:  record.RequesterID,
		CreatedAt:    time.Unix(record.CreatedAt, 0),
		ExpiresAt:    time.Unix(record.ExpiresAt, 0),
	}, nil
}

// CheckAndRecordQuota runs the fixed-window decision for one
// (class, identifier) key inside a single write transaction.
func (s *Store) CheckAndRecordQuota(ctx context.Context, class, identifier string, maxCalls int64, window time.Duration) (*storage.QuotaDecision, error) {
	if class == "" {
		return nil, fmt.Errorf("quota class cannot be empty")
	}
	if identifier == "" {
		return nil, fmt.Errorf("quota identifier cannot be empty")
	}

	key := counterKeyPrefix + class + ":" + identifier
	now := time.Now()
	var decision *storage.QuotaDecision

	err := s.db.Update(func(tx *buntdb.Tx) error {
		var record counterRecord

		value, err := tx.Get(key)
		switch {
		case errors.Is(err, buntdb.ErrNotFound):
			record = counterRecord{Count: 0, WindowStart: now.Unix()}
		case err != nil:
			return err
		default:
			if err := json.Unmarshal([]byte(value), &record); err != nil {
				// Unparseable counter, start a fresh window
				record = counterRecord{Count: 0, WindowStart: now.Unix()}
			}
		}

		windowStart := time.Unix(record.WindowStart, 0)
		if now.Sub(windowStart) >= window {
			record.Count = 0
			record.WindowStart = now.Unix()
			windowStart = time.Unix(record.WindowStart, 0)
		}

		if record.Count >= maxCalls {
			// Rejection leaves the counter untouched
			decision = &storage.QuotaDecision{
				Allowed:     false,
				Count:       record.Count,
				WindowStart: windowStart,
				RetryAfter:  windowStart.Add(window).Sub(now),
			}
			return nil
		}

		record.Count++
		record.LastSeen = now.Unix()

		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(key, string(data), nil); err != nil {
			return err
		}

		decision = &storage.QuotaDecision{
			Allowed:     true,
			Count:       record.Count,
			WindowStart: windowStart,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to run quota check: %w", err)
	}

	return decision, nil
}

// SweepQuotaCounters deletes counters whose last activity predates cutoff,
// visiting at most limit counters per call.
func (s *Store) SweepQuotaCounters(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	cutoffUnix := cutoff.Unix()
	var stale []string

	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(counterKeyPrefix+"*", func(key, value string) bool {
			var record counterRecord
			if err := json.Unmarshal([]byte(value), &record); err != nil || record.LastSeen < cutoffUnix {
				stale = append(stale, key)
			}
			return len(stale) < limit
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan quota counters: %w", err)
	}

	if len(stale) == 0 {
		return 0, nil
	}

	removed := 0
	err = s.db.Update(func(tx *buntdb.Tx) error {
		for _, key := range stale {
			if _, err := tx.Delete(key); err != nil {
				if errors.Is(err, buntdb.ErrNotFound) {
					continue
				}
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to delete quota counters: %w", err)
	}

	if removed > 0 {
		s.logger.Debug("Swept idle quota counters", "removed", removed)
	}

	return removed, nil
}
