package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hallpass-io/desktop-oauth/instrumentation"
	"github.com/hallpass-io/desktop-oauth/storage"
)

const (
	// DefaultRetention is how long idle counters are kept before sweeping
	DefaultRetention = 24 * time.Hour

	// DefaultSweepInterval is how often the sweeper runs
	DefaultSweepInterval = 10 * time.Minute

	// DefaultSweepBatch bounds how many counters one run may delete
	DefaultSweepBatch = 1000
)

// LeaderChecker reports whether this instance should run shared cleanup
// work. Multi-worker deployments pass a store-backed election so only one
// worker sweeps; single-instance deployments can leave it nil and always
// sweep.
type LeaderChecker interface {
	IsLeader() bool
}

// SweeperConfig configures a Sweeper. Zero values use the defaults above.
type SweeperConfig struct {
	Retention time.Duration
	Interval  time.Duration
	Batch     int

	// Leader gates sweep runs in multi-worker deployments (optional)
	Leader LeaderChecker

	Logger *slog.Logger
}

// Sweeper periodically deletes quota counters whose last activity predates
// the retention horizon, a bounded batch per run.
type Sweeper struct {
	store           storage.QuotaStore
	retention       time.Duration
	interval        time.Duration
	batch           int
	leader          LeaderChecker
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	stop            chan struct{}
	stopOnce        sync.Once
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store storage.QuotaStore, cfg SweeperConfig) *Sweeper {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultSweepBatch
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sweeper{
		store:     store,
		retention: cfg.Retention,
		interval:  cfg.Interval,
		batch:     cfg.Batch,
		leader:    cfg.Leader,
		logger:    cfg.Logger,
		stop:      make(chan struct{}),
	}
}

// SetInstrumentation enables OpenTelemetry metrics for sweep runs.
func (s *Sweeper) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Start launches the sweep loop in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop terminates the sweep loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single bounded sweep. It is safe to call directly,
// e.g. from tests or an operational endpoint.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	if s.leader != nil && !s.leader.IsLeader() {
		return
	}

	cutoff := time.Now().Add(-s.retention)
	removed, err := s.store.SweepQuotaCounters(ctx, cutoff, s.batch)
	if err != nil {
		s.logger.Warn("Quota counter sweep failed", "error", err)
		return
	}

	if s.instrumentation != nil && removed > 0 {
		s.instrumentation.Metrics().RecordQuotaSweep(ctx, removed)
	}
	if removed > 0 {
		s.logger.Debug("Swept idle quota counters",
			"removed", removed,
			"cutoff", cutoff)
	}
}
