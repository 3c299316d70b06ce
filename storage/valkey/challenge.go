package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hallpass-io/desktop-oauth/internal/util"
	"github.com/hallpass-io/desktop-oauth/storage"
)

// challengeRecord is the wire format for a pending challenge in Valkey.
// Timestamps are stored as Unix seconds to keep the payload compact and
// comparable inside Lua.
type challengeRecord struct {
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
	RequesterID  string `json:"requester_id,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresAt    int64  `json:"expires_at"`
	Encrypted    bool   `json:"encrypted,omitempty"`
}

// SaveChallenge stores a pending challenge keyed by state with a native TTL
// derived from its expiry. The code verifier is encrypted at rest when an
// encryptor is configured.
func (s *Store) SaveChallenge(ctx context.Context, challenge *storage.PendingChallenge) error {
	if challenge == nil {
		return fmt.Errorf("challenge cannot be nil")
	}
	if challenge.State == "" {
		return fmt.Errorf("challenge state cannot be empty")
	}

	ttl := calculateTTL(challenge.ExpiresAt)
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

	key := s.challengeKey(challenge.State)
	err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(string(data)).
		Ex(ttl).Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}

	s.logger.Debug("Challenge stored",
		"state_prefix", util.SafeTruncate(challenge.State, stateLogLength),
		"ttl", ttl.Round(time.Second))

	return nil
}

// ConsumeChallenge atomically retrieves and deletes the challenge for the
// given state. A second consume for the same state, concurrent or later,
// returns storage.ErrChallengeNotFound.
func (s *Store) ConsumeChallenge(ctx context.Context, state string) (*storage.PendingChallenge, error) {
	if state == "" {
		return nil, fmt.Errorf("state cannot be empty")
	}

	key := s.challengeKey(state)
	result, err := s.client.Do(ctx, s.client.B().Eval().
		Script(luaConsumeChallenge).
		Numkeys(1).
		Key(key).
		Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}

	if result == "NOT_FOUND" {
		return nil, storage.ErrChallengeNotFound
	}

	var record challengeRecord
	if err := json.Unmarshal([]byte(result), &record); err != nil {
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
