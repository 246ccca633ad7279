// Package health reports whether the console can serve requests: the user
// directory is reachable, module sockets can be created and uploads have
// room.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"grimm.is/umc/internal/clock"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Report represents the overall health report.
type Report struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	Timestamp time.Time        `json:"timestamp"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) Check

// Checker runs registered checks and caches the report briefly.
type Checker struct {
	clock clock.Clock
	ttl   time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
	cache  *Report
}

// NewChecker creates a checker without any checks.
func NewChecker(clk clock.Clock) *Checker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Checker{
		clock:  clk,
		ttl:    5 * time.Second,
		checks: make(map[string]CheckFunc),
	}
}

// Register adds a health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
	c.cache = nil
}

// Check runs all health checks concurrently and returns a report.
func (c *Checker) Check(ctx context.Context) Report {
	c.mu.RLock()
	if c.cache != nil && c.clock.Since(c.cache.Timestamp) < c.ttl {
		report := *c.cache
		c.mu.RUnlock()
		return report
	}
	funcs := make(map[string]CheckFunc, len(c.checks))
	for name, fn := range c.checks {
		funcs[name] = fn
	}
	c.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		checks  = make(map[string]Check, len(funcs))
		overall = StatusHealthy
	)
	for name, fn := range funcs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := c.clock.Now()
			check := fn(ctx)
			check.Name = name
			check.LastChecked = start
			check.Duration = c.clock.Since(start)

			mu.Lock()
			defer mu.Unlock()
			checks[name] = check
			switch {
			case check.Status == StatusUnhealthy:
				overall = StatusUnhealthy
			case check.Status == StatusDegraded && overall != StatusUnhealthy:
				overall = StatusDegraded
			}
		}()
	}
	wg.Wait()

	report := Report{Status: overall, Checks: checks, Timestamp: c.clock.Now()}
	c.mu.Lock()
	c.cache = &report
	c.mu.Unlock()
	return report
}

// Handler returns an HTTP handler serving the full report.
func (c *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		report := c.Check(ctx)
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	}
}

// LivenessHandler returns a simple liveness probe handler.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

// ReadinessHandler returns a readiness probe handler.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if c.Check(ctx).Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	}
}

// Ping turns a connectivity probe into a check. A failing probe makes the
// component unhealthy, or only degraded when optional is set.
func Ping(ping func(ctx context.Context) error, optional bool) CheckFunc {
	return func(ctx context.Context) Check {
		if err := ping(ctx); err != nil {
			st := StatusUnhealthy
			if optional {
				st = StatusDegraded
			}
			return Check{Status: st, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}

// DirWritable checks that files can be created in dir.
func DirWritable(dir string) CheckFunc {
	return func(ctx context.Context) Check {
		f, err := os.CreateTemp(dir, ".health-")
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("%s not writable: %v", dir, err)}
		}
		f.Close()
		os.Remove(f.Name())
		return Check{Status: StatusHealthy, Message: filepath.Clean(dir) + " writable"}
	}
}

// FreeSpace reports degraded when less than minBytes remain in dir.
func FreeSpace(dir string, minBytes int64, free func(string) (int64, error)) CheckFunc {
	return func(ctx context.Context) Check {
		n, err := free(dir)
		if err != nil {
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("cannot stat %s: %v", dir, err)}
		}
		msg := fmt.Sprintf("%d KB free", n/1024)
		if n < minBytes {
			return Check{Status: StatusDegraded, Message: msg}
		}
		return Check{Status: StatusHealthy, Message: msg}
	}
}

// CertificateExpiry reports degraded within warn of notAfter and unhealthy
// once it has passed.
func CertificateExpiry(notAfter func() time.Time, clk clock.Clock, warn time.Duration) CheckFunc {
	return func(ctx context.Context) Check {
		expiry := notAfter()
		if expiry.IsZero() {
			return Check{Status: StatusDegraded, Message: "no certificate loaded"}
		}
		left := expiry.Sub(clk.Now())
		msg := "expires " + expiry.UTC().Format(time.RFC3339)
		switch {
		case left <= 0:
			return Check{Status: StatusUnhealthy, Message: "expired " + expiry.UTC().Format(time.RFC3339)}
		case left < warn:
			return Check{Status: StatusDegraded, Message: msg}
		}
		return Check{Status: StatusHealthy, Message: msg}
	}
}
