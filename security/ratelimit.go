package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultMaxSources bounds how many distinct event sources are tracked
	defaultMaxSources = 10000

	// cleanupEvery is how often idle source buckets are reaped
	cleanupEvery = 5 * time.Minute

	// maxSourceIdle is how long a bucket may sit unused before reaping
	maxSourceIdle = 30 * time.Minute
)

// sourceEntry pairs a token bucket with the source it throttles
type sourceEntry struct {
	source     string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter throttles audit and security event emission per event source
// (normally the requester identifier) so a sustained attack cannot flood the
// audit log. Sources are tracked in an LRU so memory stays bounded.
type RateLimiter struct {
	sources    map[string]*list.Element
	lruList    *list.List // front = most recently active source
	mu         sync.RWMutex
	rate       int
	burst      int
	maxEntries int
	logger     *slog.Logger
	stop       chan struct{}

	totalEvictions int64
	totalCleanups  int64
}

// NewRateLimiter creates an event throttle tracking up to defaultMaxSources
// sources. Use NewRateLimiterWithConfig to change the bound.
func NewRateLimiter(eventsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(eventsPerSecond, burst, defaultMaxSources, logger)
}

// NewRateLimiterWithConfig creates an event throttle with an explicit bound
// on tracked sources. When the bound is hit the least recently active source
// is evicted. A bound of 0 means unlimited, which leaves memory growth to
// the caller's inputs.
func NewRateLimiterWithConfig(eventsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Negative maxEntries, using default", "default", defaultMaxSources)
		maxEntries = defaultMaxSources
	}

	rl := &RateLimiter{
		sources:    make(map[string]*list.Element),
		lruList:    list.New(),
		rate:       eventsPerSecond,
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
		stop:       make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether source may emit another event right now.
func (rl *RateLimiter) Allow(source string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.sources[source]; ok {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*sourceEntry)
		entry.lastAccess = now
		return entry.limiter.Allow()
	}

	if rl.maxEntries > 0 && len(rl.sources) >= rl.maxEntries {
		rl.evictOldest()
	}

	entry := &sourceEntry{
		source:     source,
		limiter:    rate.NewLimiter(rate.Limit(rl.rate), rl.burst),
		lastAccess: now,
	}
	rl.sources[source] = rl.lruList.PushFront(entry)

	return entry.limiter.Allow()
}

// evictOldest drops the least recently active source.
// Must be called with the mutex held.
func (rl *RateLimiter) evictOldest() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*sourceEntry)
	delete(rl.sources, entry.source)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Event throttle evicted source",
		"source", entry.source,
		"total_evictions", rl.totalEvictions,
		"tracked_sources", len(rl.sources))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup(maxSourceIdle)
		case <-rl.stop:
			return
		}
	}
}

// Cleanup reaps sources that have not emitted for maxIdleTime.
func (rl *RateLimiter) Cleanup(maxIdleTime time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	removed := 0

	var next *list.Element
	for elem := rl.lruList.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*sourceEntry)

		if now.Sub(entry.lastAccess) > maxIdleTime {
			delete(rl.sources, entry.source)
			rl.lruList.Remove(elem)
			removed++
		}
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Event throttle cleanup",
			"removed", removed,
			"remaining", len(rl.sources),
			"total_cleanups", rl.totalCleanups)
	}
}

// Stop terminates the background cleanup goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.stop)
}

// Stats holds throttle counters for monitoring
type Stats struct {
	CurrentEntries int   // sources currently tracked
	MaxEntries     int   // configured bound (0 = unlimited)
	TotalEvictions int64 // LRU evictions so far
	TotalCleanups  int64 // cleanup passes that removed something
	// MemoryPressure is the share of the bound in use, 0 to 100
	MemoryPressure float64
}

// GetStats returns a snapshot of the throttle counters.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := Stats{
		CurrentEntries: len(rl.sources),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
	}

	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}

	return stats
}
