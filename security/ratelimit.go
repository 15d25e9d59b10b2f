package security

import (
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// RateLimiter applies a token bucket per identifier (client IP or client ID).
// Idle buckets expire from the cache, which bounds memory under churn.
type RateLimiter struct {
	limiters   *cache.Cache
	mu         sync.Mutex
	rate       rate.Limit
	burst      int
	maxEntries int
	idle       time.Duration
	logger     *slog.Logger
}

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
	// MaxEntries caps tracked identifiers; new identifiers beyond the cap
	// are rejected until idle entries expire. 0 means 10000.
	MaxEntries int
	// IdleTimeout drops buckets unused for this long. 0 means 30 minutes.
	IdleTimeout time.Duration
}

// NewRateLimiter creates a rate limiter. Call Stop to release the janitor.
func NewRateLimiter(cfg RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &RateLimiter{
		limiters:   cache.New(cfg.IdleTimeout, cfg.IdleTimeout/6),
		rate:       rate.Limit(cfg.RequestsPerSecond),
		burst:      cfg.Burst,
		maxEntries: cfg.MaxEntries,
		idle:       cfg.IdleTimeout,
		logger:     logger,
	}
}

// Allow reports whether a request from identifier may proceed.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, ok := rl.limiters.Get(identifier); ok {
		// refresh the idle deadline
		rl.limiters.Set(identifier, v, rl.idle)
		return v.(*rate.Limiter).Allow()
	}
	if rl.limiters.ItemCount() >= rl.maxEntries {
		rl.logger.Warn("Rate limiter at capacity, rejecting new identifier",
			"max_entries", rl.maxEntries)
		return false
	}
	l := rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters.Set(identifier, l, rl.idle)
	return l.Allow()
}

// Len returns the number of tracked identifiers.
func (rl *RateLimiter) Len() int {
	return rl.limiters.ItemCount()
}

// Stop releases the limiter's entries. go-cache stops its janitor once the
// cache is unreachable.
func (rl *RateLimiter) Stop() {
	rl.limiters.Flush()
}
