package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hallpass-io/desktop-oauth/internal/util"
	"github.com/hallpass-io/desktop-oauth/storage"
)

// counterRecord is the wire format for a quota counter in Valkey. It is
// written and mutated exclusively by the check-and-record Lua script; Go
// code only reads it back during sweeps.
type counterRecord struct {
	Count       int64 `json:"count"`
	WindowStart int64 `json:"window_start"`
	LastSeen    int64 `json:"last_seen"`
}

// CheckAndRecordQuota runs the fixed-window decision for one
// (class, identifier) key. The whole read-check-write happens inside a Lua
// script, so concurrent workers sharing this Valkey instance serialize on
// the counter.
func (s *Store) CheckAndRecordQuota(ctx context.Context, class, identifier string, maxCalls int64, window time.Duration) (*storage.QuotaDecision, error) {
	if class == "" {
		return nil, fmt.Errorf("quota class cannot be empty")
	}
	if identifier == "" {
		return nil, fmt.Errorf("quota identifier cannot be empty")
	}

	key := s.counterKey(class, identifier)
	now := time.Now()

	result, err := s.client.Do(ctx, s.client.B().Eval().
		Script(luaCheckAndRecordQuota).
		Numkeys(1).
		Key(key).
		Arg(strconv.FormatInt(now.Unix(), 10)).
		Arg(strconv.FormatInt(maxCalls, 10)).
		Arg(strconv.FormatInt(int64(window/time.Second), 10)).
		Arg(strconv.FormatInt(int64(s.counterRetention/time.Second), 10)).
		Build()).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to run quota check: %w", err)
	}

	decision, err := parseQuotaResult(result)
	if err != nil {
		return nil, err
	}

	if !decision.Allowed {
		s.logger.Debug("Quota rejected",
			"class", class,
			"identifier_prefix", util.SafeTruncate(identifier, stateLogLength),
			"count", decision.Count,
			"retry_after", decision.RetryAfter)
	}

	return decision, nil
}

// parseQuotaResult decodes a quota script reply of the form
// 'ALLOWED:{count}:{windowStart}' or
// 'REJECTED:{count}:{windowStart}:{retrySecs}'.
func parseQuotaResult(result string) (*storage.QuotaDecision, error) {
	parts := strings.Split(result, ":")

	switch parts[0] {
	case "ALLOWED":
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed quota result: %q", result)
		}
		count, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed quota count in %q: %w", result, err)
		}
		windowStart, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed quota window start in %q: %w", result, err)
		}
		return &storage.QuotaDecision{
			Allowed:     true,
			Count:       count,
			WindowStart: time.Unix(windowStart, 0),
		}, nil

	case "REJECTED":
		if len(parts) != 4 {
			return nil, fmt.Errorf("malformed quota result: %q", result)
		}
		count, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed quota count in %q: %w", result, err)
		}
		windowStart, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed quota window start in %q: %w", result, err)
		}
		retrySecs, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed quota retry in %q: %w", result, err)
		}
		return &storage.QuotaDecision{
			Allowed:     false,
			Count:       count,
			WindowStart: time.Unix(windowStart, 0),
			RetryAfter:  time.Duration(retrySecs) * time.Second,
		}, nil

	default:
		return nil, fmt.Errorf("unexpected quota result: %q", result)
	}
}

// SweepQuotaCounters scans the quota keyspace and deletes counters whose
// last activity predates cutoff, visiting at most limit counters per call.
// Valkey's native key TTL is the backstop; the sweep enforces the shorter
// retention horizon and reports how much it removed.
func (s *Store) SweepQuotaCounters(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	cutoffUnix := cutoff.Unix()
	removed := 0
	visited := 0
	cursor := uint64(0)

	for {
		entry, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).
			Match(s.counterKeyPattern()).
			Count(scanBatchSize).Build()).AsScanEntry()
		if err != nil {
			return removed, fmt.Errorf("failed to scan quota counters: %w", err)
		}

		for _, key := range entry.Elements {
			if visited >= limit {
				return removed, nil
			}
			visited++

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // expired between scan and read
				}
				return removed, fmt.Errorf("failed to read quota counter: %w", err)
			}

			var record counterRecord
			if err := json.Unmarshal([]byte(data), &record); err != nil {
				s.logger.Warn("Removing unparseable quota counter", "key", key, "error", err)
				record.LastSeen = 0
			}

			if record.LastSeen < cutoffUnix {
				if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
					return removed, fmt.Errorf("failed to delete quota counter: %w", err)
				}
				removed++
			}
		}

		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}

	if removed > 0 {
		s.logger.Debug("Swept idle quota counters", "removed", removed, "visited", visited)
	}

	return removed, nil
}
