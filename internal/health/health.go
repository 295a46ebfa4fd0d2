// Package health provides liveness and readiness checks for the pipeline's
// dependencies (database, blob store, notifier).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status represents the health of a single dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) Status

// Checker runs registered checks and caches the latest results.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	latest  map[string]Status
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a Checker with a 5s per-check timeout.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		latest:  make(map[string]Status),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named check. Re-registering a name replaces it.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// Run executes all checks concurrently and returns per-dependency status.
func (c *Checker) Run(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string]Status, len(checks))

	for name, fn := range checks {
		wg.Add(1)
		go func(name string, fn CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			status := fn(checkCtx)
			mu.Lock()
			results[name] = status
			mu.Unlock()
			if status == StatusDown {
				c.logger.Warn().Str("dependency", name).Msg("health check failed")
			}
		}(name, fn)
	}
	wg.Wait()

	c.mu.Lock()
	c.latest = results
	c.mu.Unlock()
	return results
}

// Ready returns true when no dependency is down.
func (c *Checker) Ready(ctx context.Context) bool {
	for _, status := range c.Run(ctx) {
		if status == StatusDown {
			return false
		}
	}
	return true
}

// Latest returns the cached results from the most recent Run.
func (c *Checker) Latest() map[string]Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Status, len(c.latest))
	for name, status := range c.latest {
		out[name] = status
	}
	return out
}

// ReadinessHandler returns an http.HandlerFunc reporting all check results.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := c.Run(r.Context())
		code := http.StatusOK
		for _, status := range results {
			if status == StatusDown {
				code = http.StatusServiceUnavailable
				break
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(results)
	}
}
