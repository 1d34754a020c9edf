package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Store maintains in-memory gauges and counters for capture telemetry.
type Store struct {
	ticks               atomic.Uint64
	duplicates          atomic.Uint64
	capturesOK          atomic.Uint64
	capturesFailed      atomic.Uint64
	captureAttempts     atomic.Uint64
	consecutiveFailures atomic.Int64
	lastCaptureUnix     atomic.Int64
	lastSuccessUnix     atomic.Int64
	quitAvailable       atomic.Int64
	logWriteErrors      atomic.Uint64
	iterationErrors     sync.Map // string -> *atomic.Uint64
	readinessState      atomic.Int64
	readinessReason     atomic.Value
	readinessCategories atomic.Value
	readyTransitions    atomic.Uint64
	notReadyTransitions atomic.Uint64
	categoryTotals      sync.Map // categoryKey -> *atomic.Uint64
}

// ReadinessCategory captures a categorized readiness reason with severity.
type ReadinessCategory struct {
	Name     string
	Severity string
}

type categoryKey struct {
	Name     string
	Severity string
}

// NewStore constructs a Store with zeroed metrics. Quit detection is assumed
// available until observed otherwise.
func NewStore() *Store {
	store := &Store{}
	store.quitAvailable.Store(1)
	store.readinessState.Store(1)
	store.readinessReason.Store("")
	store.readinessCategories.Store([]ReadinessCategory(nil))
	return store
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	Ticks               uint64
	Duplicates          uint64
	CapturesOK          uint64
	CapturesFailed      uint64
	CaptureAttempts     uint64
	ConsecutiveFailures int64
	LastCapture         time.Time
	LastSuccess         time.Time
	QuitAvailable       bool
	LogWriteErrors      uint64
	IterationErrors     []KindCount
	Ready               bool
	ReadyReason         string
	ReadyTransitions    uint64
	NotReadyTransitions uint64
	ReadyCategories     []ReadinessCategory
	CategoryTransitions []CategoryCount
}

// KindCount is the number of iteration errors of one kind.
type KindCount struct {
	Kind  string
	Count uint64
}

// CategoryCount captures accumulated transition counts per category/severity.
type CategoryCount struct {
	Category string
	Severity string
	Count    uint64
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	readyReason, _ := s.readinessReason.Load().(string)
	rawCategories, _ := s.readinessCategories.Load().([]ReadinessCategory)
	categories := make([]ReadinessCategory, len(rawCategories))
	copy(categories, rawCategories)

	categoryCounts := make([]CategoryCount, 0)
	s.categoryTotals.Range(func(key, value any) bool {
		ckey, ok := key.(categoryKey)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		categoryCounts = append(categoryCounts, CategoryCount{
			Category: ckey.Name,
			Severity: ckey.Severity,
			Count:    counter.Load(),
		})
		return true
	})

	kinds := make([]KindCount, 0)
	s.iterationErrors.Range(func(key, value any) bool {
		kind, _ := key.(string)
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		kinds = append(kinds, KindCount{Kind: kind, Count: counter.Load()})
		return true
	})
	sort.Slice(kinds, func(i, j int) bool { return kinds[i].Kind < kinds[j].Kind })

	return Snapshot{
		Ticks:               s.ticks.Load(),
		Duplicates:          s.duplicates.Load(),
		CapturesOK:          s.capturesOK.Load(),
		CapturesFailed:      s.capturesFailed.Load(),
		CaptureAttempts:     s.captureAttempts.Load(),
		ConsecutiveFailures: s.consecutiveFailures.Load(),
		LastCapture:         unixOrZero(s.lastCaptureUnix.Load()),
		LastSuccess:         unixOrZero(s.lastSuccessUnix.Load()),
		QuitAvailable:       s.quitAvailable.Load() == 1,
		LogWriteErrors:      s.logWriteErrors.Load(),
		IterationErrors:     kinds,
		Ready:               s.readinessState.Load() == 1,
		ReadyReason:         readyReason,
		ReadyTransitions:    s.readyTransitions.Load(),
		NotReadyTransitions: s.notReadyTransitions.Load(),
		ReadyCategories:     categories,
		CategoryTransitions: categoryCounts,
	}
}

func (s *Store) IncTicks() {
	s.ticks.Add(1)
}

func (s *Store) IncDuplicates() {
	s.duplicates.Add(1)
}

// ObserveCapture records the outcome of one bounded-retry capture sequence.
func (s *Store) ObserveCapture(at time.Time, attempts int, ok bool) {
	if attempts > 0 {
		s.captureAttempts.Add(uint64(attempts))
	}
	s.lastCaptureUnix.Store(at.Unix())
	if ok {
		s.capturesOK.Add(1)
		s.consecutiveFailures.Store(0)
		s.lastSuccessUnix.Store(at.Unix())
		return
	}
	s.capturesFailed.Add(1)
	s.consecutiveFailures.Add(1)
}

func (s *Store) IncIterationError(kind string) {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		kind = "unknown"
	}
	if value, ok := s.iterationErrors.Load(kind); ok {
		if counter, ok := value.(*atomic.Uint64); ok && counter != nil {
			counter.Add(1)
			return
		}
	}
	counter := &atomic.Uint64{}
	actual, _ := s.iterationErrors.LoadOrStore(kind, counter)
	if existing, ok := actual.(*atomic.Uint64); ok && existing != nil {
		existing.Add(1)
	}
}

func (s *Store) ObserveQuitAvailable(available bool) {
	if available {
		s.quitAvailable.Store(1)
		return
	}
	s.quitAvailable.Store(0)
}

func (s *Store) IncLogWriteErrors() {
	s.logWriteErrors.Add(1)
}

// ObserveReadiness records the latest readiness evaluation and reports
// whether the state flipped or, while not ready, the set of active
// categories changed.
func (s *Store) ObserveReadiness(ready bool, reason string, categories []ReadinessCategory) bool {
	prev := s.readinessState.Load()
	if ready {
		s.readinessState.Store(1)
		s.readinessReason.Store("")
		s.readinessCategories.Store([]ReadinessCategory(nil))
		if prev == 0 {
			s.readyTransitions.Add(1)
			return true
		}
		return false
	}
	s.readinessState.Store(0)
	s.readinessReason.Store(reason)
	deduped := dedupeCategories(categories)
	previous, _ := s.readinessCategories.Load().([]ReadinessCategory)
	s.readinessCategories.Store(deduped)
	if prev == 1 {
		s.notReadyTransitions.Add(1)
		for _, cat := range deduped {
			s.getCategoryCounter(cat).Add(1)
		}
		return true
	}
	added := newCategories(previous, deduped)
	for _, cat := range added {
		s.getCategoryCounter(cat).Add(1)
	}
	return len(added) > 0 || len(previous) != len(deduped)
}

// newCategories returns the entries of next missing from prev. Both slices
// are expected to be deduped.
func newCategories(prev, next []ReadinessCategory) []ReadinessCategory {
	seen := make(map[categoryKey]struct{}, len(prev))
	for _, c := range prev {
		seen[categoryKey{Name: c.Name, Severity: c.Severity}] = struct{}{}
	}
	var added []ReadinessCategory
	for _, c := range next {
		if _, ok := seen[categoryKey{Name: c.Name, Severity: c.Severity}]; !ok {
			added = append(added, c)
		}
	}
	return added
}

func (s *Store) getCategoryCounter(category ReadinessCategory) *atomic.Uint64 {
	key := categoryKey{
		Name:     normalizeCategoryName(category.Name),
		Severity: normalizeSeverity(category.Severity),
	}
	if value, ok := s.categoryTotals.Load(key); ok {
		if counter, ok := value.(*atomic.Uint64); ok && counter != nil {
			return counter
		}
	}
	counter := &atomic.Uint64{}
	actual, _ := s.categoryTotals.LoadOrStore(key, counter)
	if existing, ok := actual.(*atomic.Uint64); ok && existing != nil {
		return existing
	}
	return counter
}

func dedupeCategories(categories []ReadinessCategory) []ReadinessCategory {
	if len(categories) == 0 {
		return nil
	}
	seen := make(map[categoryKey]struct{}, len(categories))
	result := make([]ReadinessCategory, 0, len(categories))
	for _, c := range categories {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		key := categoryKey{Name: normalizeCategoryName(c.Name), Severity: normalizeSeverity(c.Severity)}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, ReadinessCategory{Name: key.Name, Severity: key.Severity})
	}
	return result
}

func normalizeCategoryName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	return name
}

func normalizeSeverity(severity string) string {
	severity = strings.TrimSpace(strings.ToLower(severity))
	switch severity {
	case "":
		return "unknown"
	case "info", "informational":
		return "info"
	case "warn", "warning":
		return "warning"
	case "critical", "crit":
		return "critical"
	default:
		return severity
	}
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}

// WritePrometheus renders the current metrics using the Prometheus text format.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	reason := snap.ReadyReason
	if snap.Ready {
		reason = "ready"
	} else if reason == "" {
		reason = "unknown"
	}
	var lastCapture, lastSuccess int64
	if !snap.LastCapture.IsZero() {
		lastCapture = snap.LastCapture.Unix()
	}
	if !snap.LastSuccess.IsZero() {
		lastSuccess = snap.LastSuccess.Unix()
	}
	lines := []string{
		"# HELP timelapse_ticks_total Control loop iterations.",
		"# TYPE timelapse_ticks_total counter",
		fmt.Sprintf("timelapse_ticks_total %d", snap.Ticks),
		"# HELP timelapse_duplicate_ticks_total Ticks suppressed because the trigger slot already fired.",
		"# TYPE timelapse_duplicate_ticks_total counter",
		fmt.Sprintf("timelapse_duplicate_ticks_total %d", snap.Duplicates),
		"# HELP timelapse_captures_total Capture sequences by result.",
		"# TYPE timelapse_captures_total counter",
		fmt.Sprintf("timelapse_captures_total{result=%q} %d", "success", snap.CapturesOK),
		fmt.Sprintf("timelapse_captures_total{result=%q} %d", "failure", snap.CapturesFailed),
		"# HELP timelapse_capture_attempts_total Individual camera calls across all sequences.",
		"# TYPE timelapse_capture_attempts_total counter",
		fmt.Sprintf("timelapse_capture_attempts_total %d", snap.CaptureAttempts),
		"# HELP timelapse_consecutive_failures_number Failed capture sequences since the last success.",
		"# TYPE timelapse_consecutive_failures_number gauge",
		fmt.Sprintf("timelapse_consecutive_failures_number %d", snap.ConsecutiveFailures),
		"# HELP timelapse_last_capture_timestamp_seconds Unix time of the most recent capture sequence.",
		"# TYPE timelapse_last_capture_timestamp_seconds gauge",
		fmt.Sprintf("timelapse_last_capture_timestamp_seconds %d", lastCapture),
		"# HELP timelapse_last_success_timestamp_seconds Unix time of the most recent successful capture.",
		"# TYPE timelapse_last_success_timestamp_seconds gauge",
		fmt.Sprintf("timelapse_last_success_timestamp_seconds %d", lastSuccess),
		"# HELP timelapse_quit_detection_available Whether the quit collaborator can be polled (1=yes).",
		"# TYPE timelapse_quit_detection_available gauge",
		fmt.Sprintf("timelapse_quit_detection_available %d", boolGauge(snap.QuitAvailable)),
		"# HELP timelapse_log_write_errors_total Append log writes that failed.",
		"# TYPE timelapse_log_write_errors_total counter",
		fmt.Sprintf("timelapse_log_write_errors_total %d", snap.LogWriteErrors),
		"# HELP timelapse_iteration_errors_total Errors caught at the control loop boundary by kind.",
		"# TYPE timelapse_iteration_errors_total counter",
	}
	if len(snap.IterationErrors) == 0 {
		lines = append(lines, fmt.Sprintf("timelapse_iteration_errors_total{kind=%q} 0", "none"))
	}
	for _, kc := range snap.IterationErrors {
		lines = append(lines, fmt.Sprintf("timelapse_iteration_errors_total{kind=%q} %d", kc.Kind, kc.Count))
	}
	lines = append(lines,
		"# HELP timelapse_ready Whether the daemon considers itself healthy (1=ready).",
		"# TYPE timelapse_ready gauge",
		fmt.Sprintf("timelapse_ready %d", boolGauge(snap.Ready)),
		"# HELP timelapse_ready_info Reason associated with the most recent readiness evaluation.",
		"# TYPE timelapse_ready_info gauge",
		fmt.Sprintf("timelapse_ready_info{reason=%q} 1", reason),
		"# HELP timelapse_ready_transitions_total Count of readiness state transitions by resulting state.",
		"# TYPE timelapse_ready_transitions_total counter",
		fmt.Sprintf("timelapse_ready_transitions_total{state=%q} %d", "ready", snap.ReadyTransitions),
		fmt.Sprintf("timelapse_ready_transitions_total{state=%q} %d", "not_ready", snap.NotReadyTransitions),
		"# HELP timelapse_ready_categories_info Categories associated with the most recent readiness evaluation.",
		"# TYPE timelapse_ready_categories_info gauge",
	)
	if len(snap.ReadyCategories) == 0 {
		lines = append(lines, fmt.Sprintf("timelapse_ready_categories_info{category=%q,severity=%q} 1", "none", "none"))
	} else {
		cats := append([]ReadinessCategory(nil), snap.ReadyCategories...)
		sort.Slice(cats, func(i, j int) bool {
			if cats[i].Name == cats[j].Name {
				return cats[i].Severity < cats[j].Severity
			}
			return cats[i].Name < cats[j].Name
		})
		for _, cat := range cats {
			lines = append(lines, fmt.Sprintf("timelapse_ready_categories_info{category=%q,severity=%q} 1", cat.Name, cat.Severity))
		}
	}
	lines = append(lines,
		"# HELP timelapse_ready_category_transitions_total Count of readiness degradations annotated by category.",
		"# TYPE timelapse_ready_category_transitions_total counter",
	)
	if len(snap.CategoryTransitions) == 0 {
		lines = append(lines, fmt.Sprintf("timelapse_ready_category_transitions_total{category=%q,severity=%q} %d", "none", "none", 0))
	} else {
		counts := append([]CategoryCount(nil), snap.CategoryTransitions...)
		sort.Slice(counts, func(i, j int) bool {
			if counts[i].Category == counts[j].Category {
				return counts[i].Severity < counts[j].Severity
			}
			return counts[i].Category < counts[j].Category
		})
		for _, cc := range counts {
			lines = append(lines, fmt.Sprintf("timelapse_ready_category_transitions_total{category=%q,severity=%q} %d", cc.Category, cc.Severity, cc.Count))
		}
	}
	lines = append(lines, "")
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}
