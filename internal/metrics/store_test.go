package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestStoreCaptureCounters(t *testing.T) {
	store := NewStore()
	at := time.Unix(1_700_000_000, 0).UTC()

	store.ObserveCapture(at, 3, true)
	store.ObserveCapture(at.Add(time.Hour), 10, false)
	store.ObserveCapture(at.Add(2*time.Hour), 10, false)

	snap := store.Snapshot()
	if snap.CapturesOK != 1 || snap.CapturesFailed != 2 {
		t.Fatalf("unexpected capture counts %+v", snap)
	}
	if snap.CaptureAttempts != 23 {
		t.Fatalf("expected 23 attempts got %d", snap.CaptureAttempts)
	}
	if snap.ConsecutiveFailures != 2 {
		t.Fatalf("expected 2 consecutive failures got %d", snap.ConsecutiveFailures)
	}
	if !snap.LastSuccess.Equal(at) {
		t.Fatalf("unexpected last success %s", snap.LastSuccess)
	}
	if !snap.LastCapture.Equal(at.Add(2 * time.Hour)) {
		t.Fatalf("unexpected last capture %s", snap.LastCapture)
	}

	store.ObserveCapture(at.Add(3*time.Hour), 1, true)
	if got := store.Snapshot().ConsecutiveFailures; got != 0 {
		t.Fatalf("expected consecutive failures reset, got %d", got)
	}
}

func TestStoreIterationErrors(t *testing.T) {
	store := NewStore()
	store.IncIterationError("io")
	store.IncIterationError("io")
	store.IncIterationError("capture")
	store.IncIterationError("")

	got := store.Snapshot().IterationErrors
	want := []KindCount{{Kind: "capture", Count: 1}, {Kind: "io", Count: 2}, {Kind: "unknown", Count: 1}}
	if len(got) != len(want) {
		t.Fatalf("unexpected kinds %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected kinds %+v want %+v", got, want)
		}
	}
}

func TestStoreReadinessTransitions(t *testing.T) {
	store := NewStore()

	if flipped := store.ObserveReadiness(true, "", nil); flipped {
		t.Fatalf("store starts ready, expected no transition")
	}
	cats := []ReadinessCategory{{Name: "CAPTURE_FAILING", Severity: "crit"}, {Name: "CAPTURE_FAILING", Severity: "critical"}}
	if flipped := store.ObserveReadiness(false, "camera failing", cats); !flipped {
		t.Fatalf("expected transition to not ready")
	}
	if flipped := store.ObserveReadiness(false, "camera failing", cats); flipped {
		t.Fatalf("expected no transition while still not ready")
	}

	snap := store.Snapshot()
	if snap.Ready || snap.ReadyReason != "camera failing" {
		t.Fatalf("unexpected readiness %+v", snap)
	}
	if len(snap.ReadyCategories) != 1 || snap.ReadyCategories[0].Severity != "critical" {
		t.Fatalf("expected deduped categories, got %+v", snap.ReadyCategories)
	}
	if snap.NotReadyTransitions != 1 || len(snap.CategoryTransitions) != 1 || snap.CategoryTransitions[0].Count != 1 {
		t.Fatalf("unexpected transition counters %+v", snap)
	}

	if flipped := store.ObserveReadiness(true, "", nil); !flipped {
		t.Fatalf("expected recovery transition")
	}
	if got := store.Snapshot().ReadyTransitions; got != 1 {
		t.Fatalf("expected 1 ready transition, got %d", got)
	}
}

func TestStoreReadinessCategoryChanges(t *testing.T) {
	store := NewStore()
	quitOnly := []ReadinessCategory{{Name: "QUIT_UNAVAILABLE", Severity: "info"}}
	failing := []ReadinessCategory{
		{Name: "CAPTURE_FAILING", Severity: "critical"},
		{Name: "QUIT_UNAVAILABLE", Severity: "info"},
	}

	if changed := store.ObserveReadiness(false, "quit detection unavailable", quitOnly); !changed {
		t.Fatalf("expected transition to not ready")
	}
	if changed := store.ObserveReadiness(false, "capture failing; quit detection unavailable", failing); !changed {
		t.Fatalf("expected change when a category is added")
	}
	reordered := []ReadinessCategory{failing[1], failing[0]}
	if changed := store.ObserveReadiness(false, "capture failing; quit detection unavailable", reordered); changed {
		t.Fatalf("expected no change for the same categories")
	}
	if changed := store.ObserveReadiness(false, "quit detection unavailable", quitOnly); !changed {
		t.Fatalf("expected change when a category is cleared")
	}

	snap := store.Snapshot()
	if snap.NotReadyTransitions != 1 {
		t.Fatalf("expected a single not-ready transition, got %d", snap.NotReadyTransitions)
	}
	counts := make(map[string]uint64)
	for _, c := range snap.CategoryTransitions {
		counts[c.Category] = c.Count
	}
	if counts["QUIT_UNAVAILABLE"] != 1 || counts["CAPTURE_FAILING"] != 1 {
		t.Fatalf("unexpected category counters %+v", snap.CategoryTransitions)
	}
}

func TestStoreWritePrometheus(t *testing.T) {
	store := NewStore()
	store.IncTicks()
	store.IncTicks()
	store.IncDuplicates()
	store.ObserveCapture(time.Unix(1_700_000_000, 0), 2, true)
	store.ObserveQuitAvailable(false)
	store.IncIterationError("io")

	var sb strings.Builder
	if err := store.WritePrometheus(&sb); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	output := sb.String()
	expect := []string{
		"timelapse_ticks_total 2",
		"timelapse_duplicate_ticks_total 1",
		"timelapse_captures_total{result=\"success\"} 1",
		"timelapse_captures_total{result=\"failure\"} 0",
		"timelapse_capture_attempts_total 2",
		"timelapse_last_success_timestamp_seconds 1700000000",
		"timelapse_quit_detection_available 0",
		"timelapse_iteration_errors_total{kind=\"io\"} 1",
		"timelapse_ready 1",
		"timelapse_ready_info{reason=\"ready\"} 1",
		"timelapse_ready_categories_info{category=\"none\",severity=\"none\"} 1",
	}
	for _, fragment := range expect {
		if !strings.Contains(output, fragment) {
			t.Fatalf("expected output to contain %q, got:\n%s", fragment, output)
		}
	}
}

func TestWriteTextfile(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore()
	store.IncTicks()

	if err := WriteTextfile(fs, "/srv/timelapse/log/timelapse.prom", store); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := afero.ReadFile(fs, "/srv/timelapse/log/timelapse.prom")
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), "timelapse_ticks_total 1") {
		t.Fatalf("unexpected textfile contents:\n%s", data)
	}
	if _, err := fs.Stat("/srv/timelapse/log/timelapse.prom.tmp"); err == nil {
		t.Fatalf("expected temp file to be renamed away")
	}
}

func TestFlusherWritesOnShutdown(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore()
	flusher := NewFlusher(fs, "/m/timelapse.prom", store, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- flusher.Run(ctx) }()

	store.IncTicks()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for flusher")
	}

	data, err := afero.ReadFile(fs, "/m/timelapse.prom")
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), "timelapse_ticks_total 1") {
		t.Fatalf("expected final flush to include tick, got:\n%s", data)
	}
}
