package health

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pingsantohq/timelapse/internal/metrics"
)

const (
	defaultFailureThreshold = 3
	defaultErrorWindow      = time.Minute
)

const (
	categoryCaptureFailing  = "CAPTURE_FAILING"
	categoryCaptureStale    = "CAPTURE_STALE"
	categoryQuitUnavailable = "QUIT_UNAVAILABLE"
	categoryIterationError  = "ITERATION_ERROR"
)

const (
	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

// Checker evaluates whether the capture loop is healthy.
type Checker struct {
	metrics          *metrics.Store
	failureThreshold int
	staleAfter       time.Duration
	errorWindow      time.Duration

	mu              sync.RWMutex
	iterationErr    string
	lastIterationAt time.Time
}

// Evaluation is the outcome of one readiness check.
type Evaluation struct {
	Ready   bool
	Reasons []string
	// Changed reports a flip relative to the previous evaluation.
	Changed bool
}

// NewChecker constructs a checker bound to the provided metrics store.
// staleAfter of zero disables the stale-capture condition.
func NewChecker(store *metrics.Store, failureThreshold int, staleAfter time.Duration) *Checker {
	if failureThreshold <= 0 {
		failureThreshold = defaultFailureThreshold
	}
	return &Checker{
		metrics:          store,
		failureThreshold: failureThreshold,
		staleAfter:       staleAfter,
		errorWindow:      defaultErrorWindow,
	}
}

// ObserveIterationError records an error caught at the control loop boundary.
func (c *Checker) ObserveIterationError(ts time.Time, err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.iterationErr = err.Error()
	c.lastIterationAt = ts
	c.mu.Unlock()
}

// Ready evaluates all conditions and returns the overall status and reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	ev := c.Evaluate(now)
	return ev.Ready, ev.Reasons
}

func (c *Checker) Evaluate(now time.Time) Evaluation {
	reasons := make([]string, 0, 4)
	categories := make([]metrics.ReadinessCategory, 0, 4)
	appendCategory := func(name, severity string) {
		categories = append(categories, metrics.ReadinessCategory{
			Name:     name,
			Severity: severity,
		})
	}

	var snap metrics.Snapshot
	if c.metrics != nil {
		snap = c.metrics.Snapshot()
	} else {
		snap.QuitAvailable = true
	}

	if snap.ConsecutiveFailures >= int64(c.failureThreshold) {
		reasons = append(reasons, fmt.Sprintf("capture failing (%d consecutive)", snap.ConsecutiveFailures))
		appendCategory(categoryCaptureFailing, severityCritical)
	}

	if c.staleAfter > 0 && !snap.LastSuccess.IsZero() && now.Sub(snap.LastSuccess) > c.staleAfter {
		reasons = append(reasons, fmt.Sprintf("no successful capture for %s", now.Sub(snap.LastSuccess).Round(time.Second)))
		appendCategory(categoryCaptureStale, severityWarning)
	}

	if !snap.QuitAvailable {
		reasons = append(reasons, "quit detection unavailable")
		appendCategory(categoryQuitUnavailable, severityInfo)
	}

	c.mu.RLock()
	iterationErr := c.iterationErr
	lastIterationAt := c.lastIterationAt
	c.mu.RUnlock()

	if iterationErr != "" && now.Sub(lastIterationAt) <= c.errorWindow {
		reasons = append(reasons, fmt.Sprintf("iteration error: %s", iterationErr))
		appendCategory(categoryIterationError, severityWarning)
	}

	ready := len(reasons) == 0
	ev := Evaluation{Ready: ready}
	if !ready {
		ev.Reasons = reasons
	}
	if c.metrics != nil {
		if ready {
			ev.Changed = c.metrics.ObserveReadiness(true, "", nil)
		} else {
			ev.Changed = c.metrics.ObserveReadiness(false, strings.Join(reasons, "; "), categories)
		}
	}
	return ev
}
