package runtime

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/pingsantohq/timelapse/internal/capture"
	"github.com/pingsantohq/timelapse/internal/clock"
	"github.com/pingsantohq/timelapse/internal/events"
	"github.com/pingsantohq/timelapse/internal/health"
	"github.com/pingsantohq/timelapse/internal/logging"
	"github.com/pingsantohq/timelapse/internal/metrics"
	"github.com/pingsantohq/timelapse/internal/quit"
	"github.com/pingsantohq/timelapse/internal/scheduler"
	"github.com/pingsantohq/timelapse/internal/sysstat"
	"github.com/pingsantohq/timelapse/pkg/types"
)

type Option func(*config)

type config struct {
	wait        time.Duration
	maxAttempts int
	quit        quit.Detector
	sampler     sysstat.Sampler
	recorder    events.Recorder
	metrics     metrics.Recorder
	checker     *health.Checker
	logger      *log.Logger
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
}

func WithWaitInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.wait = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithQuitDetector(d quit.Detector) Option {
	return func(c *config) {
		if d != nil {
			c.quit = d
		}
	}
}

func WithSampler(s sysstat.Sampler) Option {
	return func(c *config) {
		c.sampler = s
	}
}

func WithRecorder(rec events.Recorder) Option {
	return func(c *config) {
		if rec != nil {
			c.recorder = rec
		}
	}
}

func WithMetrics(rec metrics.Recorder) Option {
	return func(c *config) {
		if rec != nil {
			c.metrics = rec
		}
	}
}

func WithHealthChecker(checker *health.Checker) Option {
	return func(c *config) {
		c.checker = checker
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSleep replaces the wait between ticks; tests use it to advance a fake clock.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *config) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// Runtime is the single-threaded poll loop driving the scheduler.
type Runtime struct {
	cfg    config
	sched  *scheduler.Scheduler
	paths  *clock.Paths
	device capture.Device

	quitReport rate.Sometimes
}

func New(sched *scheduler.Scheduler, paths *clock.Paths, device capture.Device, opts ...Option) *Runtime {
	cfg := config{
		wait:        time.Second,
		maxAttempts: capture.DefaultMaxAttempts,
		quit:        quit.Never{},
		recorder:    events.NoopRecorder{},
		metrics:     metrics.NoopRecorder{},
		logger:      logging.Discard(),
		now:         time.Now,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Runtime{
		cfg:        cfg,
		sched:      sched,
		paths:      paths,
		device:     device,
		quitReport: rate.Sometimes{First: 1},
	}
}

// Run ticks until the quit detector fires, returning nil, or ctx is
// cancelled, returning ctx.Err(). Stop requests are honoured between ticks.
func (r *Runtime) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if r.pollQuit() {
			r.cfg.logger.Printf("quit requested, stopping timelapse")
			return nil
		}

		now := r.cfg.now()
		if err := r.step(now); err != nil {
			r.handleIterationError(now, err)
		}
		r.evaluateHealth(now)

		if err := r.cfg.sleep(ctx, r.cfg.wait); err != nil {
			return err
		}
	}
}

func (r *Runtime) pollQuit() bool {
	requested, err := r.cfg.quit.QuitRequested()
	if err != nil {
		r.cfg.metrics.ObserveQuitAvailable(false)
		r.quitReport.Do(func() {
			r.cfg.logger.Printf("%v; continuing without quit key", err)
		})
	} else {
		r.cfg.metrics.ObserveQuitAvailable(true)
	}
	return requested
}

// step runs one scheduler tick and any capture it triggers. Panics are
// converted into iteration errors so the loop survives them.
func (r *Runtime) step(now time.Time) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &IterationError{Kind: KindUnexpected, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	r.cfg.metrics.IncTicks()
	switch r.sched.Tick(clock.TimeOfDayString(now)) {
	case scheduler.Capture:
		if _, err := r.captureAndLog(now); err != nil && !exhausted(err) {
			return err
		}
		return nil
	default:
		return nil
	}
}

// CaptureNow takes one picture through the bounded-retry protocol outside
// the schedule and logs the outcome.
func (r *Runtime) CaptureNow() (capture.Result, error) {
	now := r.cfg.now()
	res, err := r.captureAndLog(now)
	if err != nil && !exhausted(err) {
		r.handleIterationError(now, err)
	}
	return res, err
}

// exhausted reports a capture that ran out of attempts; captureAndLog has
// already logged it.
func exhausted(err error) bool {
	var attemptErr *capture.AttemptError
	return errors.As(err, &attemptErr)
}

func (r *Runtime) captureAndLog(now time.Time) (capture.Result, error) {
	path, err := r.paths.NewImagePath()
	if err != nil {
		return capture.Result{}, &IterationError{Kind: KindIO, Err: err}
	}

	res, err := capture.Attempt(r.device, path, r.cfg.maxAttempts)
	usage := sysstat.Snapshot(r.cfg.sampler)
	if err != nil {
		var attemptErr *capture.AttemptError
		if !errors.As(err, &attemptErr) {
			return capture.Result{}, &IterationError{Kind: KindCapture, Err: err}
		}
		r.cfg.metrics.ObserveCapture(now, attemptErr.Attempts, false)
		r.cfg.logger.Printf("capture failed after %d attempts: %v", attemptErr.Attempts, attemptErr.History)
		r.record(types.StatusFailed, "Could not capture snapshot.\n!!EXCEPTION!!: "+attemptErr.Last.Error()+usageLines(usage))
		return capture.Result{}, attemptErr
	}

	r.cfg.metrics.ObserveCapture(now, res.Attempts, true)
	r.record(types.StatusOK, "Snapshot saved to path: "+res.Path+usageLines(usage))
	return res, nil
}

func (r *Runtime) handleIterationError(now time.Time, err error) {
	kind := KindOf(err)
	r.cfg.metrics.IncIterationError(string(kind))
	if r.cfg.checker != nil {
		r.cfg.checker.ObserveIterationError(now, err)
	}
	r.cfg.logger.Printf("iteration error (%s): %v", kind, err)
	r.record(types.StatusError, fmt.Sprintf("!!EXCEPTION!! (%s): %v", kind, err)+usageLines(sysstat.Snapshot(r.cfg.sampler)))
}

func (r *Runtime) evaluateHealth(now time.Time) {
	if r.cfg.checker == nil {
		return
	}
	ev := r.cfg.checker.Evaluate(now)
	if !ev.Changed {
		return
	}
	if ev.Ready {
		r.cfg.logger.Printf("health recovered")
		r.record(types.StatusInfo, "Health recovered")
		return
	}
	r.cfg.logger.Printf("health degraded: %s", strings.Join(ev.Reasons, "; "))
	r.record(types.StatusError, "Health degraded: "+strings.Join(ev.Reasons, "; ")+usageLines(sysstat.Snapshot(r.cfg.sampler)))
}

func (r *Runtime) record(status types.EntryStatus, message string) {
	r.cfg.recorder.Record(types.LogEntry{
		Category:  types.CategoryLog,
		Timestamp: r.cfg.now(),
		Status:    status,
		Message:   message,
	})
}

func usageLines(usage types.ResourceSnapshot) string {
	return "\nCPU: " + usage.CPU + "\nRAM: " + usage.RAM
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ErrorKind classifies errors caught at the iteration boundary.
type ErrorKind string

const (
	KindCapture     ErrorKind = "capture"
	KindIO          ErrorKind = "io"
	KindUnavailable ErrorKind = "unavailable"
	KindUnexpected  ErrorKind = "unexpected"
)

type IterationError struct {
	Kind ErrorKind
	Err  error
}

func (e *IterationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *IterationError) Unwrap() error {
	return e.Err
}

// KindOf maps an error to its kind, falling back to structural checks for
// errors that were not wrapped in an IterationError.
func KindOf(err error) ErrorKind {
	var iterErr *IterationError
	if errors.As(err, &iterErr) {
		return iterErr.Kind
	}
	var attemptErr *capture.AttemptError
	var pathErr *fs.PathError
	switch {
	case errors.As(err, &attemptErr), errors.Is(err, capture.ErrNoDevice):
		return KindCapture
	case errors.Is(err, quit.ErrUnavailable):
		return KindUnavailable
	case errors.As(err, &pathErr):
		return KindIO
	default:
		return KindUnexpected
	}
}
