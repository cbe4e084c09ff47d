// Package health aggregates per-dependency probes into liveness and
// readiness answers. Services register a Check per backend they need; the
// readiness endpoint runs them in parallel and reports the worst result.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/seral-labs/harbinger/pkg/resilience"
)

// Status is the health of one component or of the service overall.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// checkBudget bounds a single probe. Probes run through
// resilience.WithTimeout, so even a check that ignores its context cannot
// wedge the readiness endpoint.
const checkBudget = 5 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) ComponentHealth

// ComponentHealth is one probe's answer.
type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Report aggregates every registered probe.
type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

// Checker holds the registered probes.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]Check
	logger *slog.Logger
}

func NewChecker() *Checker {
	return &Checker{
		checks: make(map[string]Check),
		logger: slog.Default().With("component", "health"),
	}
}

// Register adds a named probe. Re-registering a name replaces it.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// Run executes every probe in parallel and aggregates the worst status:
// any down component makes the report down, any degraded one makes it
// degraded.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]Check, len(c.checks))
	for name, check := range c.checks {
		checks[name] = check
	}
	c.mu.RUnlock()

	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(checks)),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.probe(ctx, name, check)
			mu.Lock()
			report.Components[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	for name, comp := range report.Components {
		switch comp.Status {
		case StatusDown:
			c.logger.Warn("component down", "component", name, "message", comp.Message)
			report.Status = StatusDown
		case StatusDegraded:
			if report.Status == StatusUp {
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

func (c *Checker) probe(ctx context.Context, name string, check Check) ComponentHealth {
	start := time.Now()
	answer := make(chan ComponentHealth, 1)
	err := resilience.WithTimeout(ctx, checkBudget, "health-"+name, func(ctx context.Context) error {
		answer <- check(ctx)
		return nil
	})
	var result ComponentHealth
	if err != nil {
		result = ComponentHealth{Status: StatusDown, Message: err.Error()}
	} else {
		result = <-answer
	}
	result.Latency = time.Since(start).Round(time.Millisecond).String()
	return result
}

// LiveHandler answers liveness probes. Alive means the process serves HTTP;
// dependency state is readiness' concern.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]Status{"status": StatusUp})
	}
}

// ReadyHandler answers readiness probes with the full component report.
// Only a down component fails readiness; degraded means serving with
// reduced capability, an optional backend being away.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(report)
	}
}
