// Package quota implements fixed-window call quotas keyed by
// (class, identifier), backed by the shared store's atomic
// check-and-record primitive so stateless workers cannot jointly
// exceed a ceiling.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hallpass-io/desktop-oauth/instrumentation"
	"github.com/hallpass-io/desktop-oauth/storage"
)

// Well-known quota class names used by the authentication flows.
const (
	ClassGetURL       = "get-url"
	ClassExchangeCode = "exchange-code"
	ClassRefresh      = "refresh"
)

// Class configures one quota class: at most MaxCalls per Window for each
// identifier. Windows are fixed, not sliding: once a window elapses the
// next call resets the counter to 1 regardless of how the previous window
// was filled.
type Class struct {
	Name     string
	MaxCalls int64
	Window   time.Duration
}

// ExceededError is returned when an identifier has exhausted a class.
// RetryAfter reports how long until the fixed window resets.
type ExceededError struct {
	Class      string
	Identifier string
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for class %q (retry after %s)", e.Class, e.RetryAfter.Round(time.Second))
}

// ErrExceeded matches any ExceededError via errors.Is.
var ErrExceeded = errors.New("quota exceeded")

// Is reports whether target is ErrExceeded.
func (e *ExceededError) Is(target error) bool {
	return target == ErrExceeded
}

// ErrUnknownClass indicates a class name with no configuration.
// Unknown classes fail closed: a misconfigured caller never gets an
// unlimited class by accident.
var ErrUnknownClass = errors.New("unknown quota class")

// Limiter enforces quota classes against a QuotaStore.
//
// There is no singleton registry: each Limiter carries an explicit class
// map passed at construction, so tests and deployments can tune ceilings
// without touching package state.
type Limiter struct {
	store           storage.QuotaStore
	classes         map[string]Class
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// DefaultClasses returns the standard quota configuration for the desktop
// authentication flows: get-url 10/60s, exchange-code 5/60s, refresh 20/60s.
func DefaultClasses() []Class {
	return []Class{
		{Name: ClassGetURL, MaxCalls: 10, Window: 60 * time.Second},
		{Name: ClassExchangeCode, MaxCalls: 5, Window: 60 * time.Second},
		{Name: ClassRefresh, MaxCalls: 20, Window: 60 * time.Second},
	}
}

// NewLimiter creates a limiter over the given store and class configuration.
func NewLimiter(store storage.QuotaStore, classes []Class, logger *slog.Logger) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("quota store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := make(map[string]Class, len(classes))
	for _, c := range classes {
		if c.Name == "" {
			return nil, fmt.Errorf("quota class name cannot be empty")
		}
		if c.MaxCalls <= 0 {
			return nil, fmt.Errorf("quota class %q: max calls must be positive", c.Name)
		}
		if c.Window <= 0 {
			return nil, fmt.Errorf("quota class %q: window must be positive", c.Name)
		}
		if _, dup := m[c.Name]; dup {
			return nil, fmt.Errorf("quota class %q configured twice", c.Name)
		}
		m[c.Name] = c
	}

	return &Limiter{
		store:   store,
		classes: m,
		logger:  logger,
	}, nil
}

// SetInstrumentation sets the OpenTelemetry instrumentation for decision metrics
func (l *Limiter) SetInstrumentation(inst *instrumentation.Instrumentation) {
	l.instrumentation = inst
}

// recordDecision records a quota decision metric when instrumentation is set
func (l *Limiter) recordDecision(ctx context.Context, class string, allowed bool) {
	if l.instrumentation != nil {
		l.instrumentation.Metrics().RecordQuotaDecision(ctx, class, allowed)
	}
}

// Allow records one call for the identifier in the named class and returns
// nil when the call is admitted.
//
// Failure policy: a quota-exceeded outcome is always a hard rejection
// (*ExceededError). Any other error while accounting (store unreachable,
// timeout) is logged and the call is admitted: availability wins over
// strict enforcement for infrastructure failures, never for the
// quota-exceeded outcome itself.
func (l *Limiter) Allow(ctx context.Context, class, identifier string) error {
	c, ok := l.classes[class]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}

	decision, err := l.store.CheckAndRecordQuota(ctx, c.Name, identifier, c.MaxCalls, c.Window)
	if err != nil {
		// Fail open on accounting errors.
		l.logger.Error("Quota accounting failed, admitting call",
			"class", c.Name,
			"error", err)
		return nil
	}

	if !decision.Allowed {
		l.recordDecision(ctx, c.Name, false)
		return &ExceededError{
			Class:      c.Name,
			Identifier: identifier,
			RetryAfter: decision.RetryAfter,
		}
	}

	l.recordDecision(ctx, c.Name, true)
	return nil
}

// Class returns the configuration for a class name.
func (l *Limiter) Class(name string) (Class, bool) {
	c, ok := l.classes[name]
	return c, ok
}
