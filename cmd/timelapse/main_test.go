package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/google/go-cmp/cmp"

	"github.com/pingsantohq/timelapse/internal/config"
	"github.com/pingsantohq/timelapse/internal/logging"
	"github.com/pingsantohq/timelapse/internal/scheduler"
)

type stubKeyboard struct {
	closed bool
}

func (k *stubKeyboard) QuitRequested() (bool, error) { return false, nil }

func (k *stubKeyboard) Close() error {
	k.closed = true
	return nil
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "timelapse.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TIMELAPSE_CONFIG", "")
	t.Setenv("TIMELAPSE_CONFIG_PUBKEY", "")
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("TIMELAPSE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	flags := newCommonFlags("run")
	if err := flags.set.Parse(nil); err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	cfg, err := loadConfig(context.Background(), flags, logging.Discard())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(config.Default(), cfg); diff != "" {
		t.Fatalf("unexpected config (-want +got):\n%s", diff)
	}
}

func TestLoadConfigExplicitMissingFails(t *testing.T) {
	clearEnv(t)

	flags := newCommonFlags("run")
	if err := flags.set.Parse([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}); err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if _, err := loadConfig(context.Background(), flags, logging.Discard()); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestListTriggers(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, t.TempDir(), `timelapse:
  wait_interval: 2s
  triggers: ["12-00-00", "06-30-00"]
camera:
  driver: mock
`)

	var out bytes.Buffer
	if err := listTriggers(context.Background(), []string{"--config", path}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"12-00-00",
		"06-30-00",
		"2 triggers, min gap 5h30m0s",
		"warning: " + scheduler.ErrPollTooCoarse.Error() + ": 2s > 1s, trigger seconds may be missed",
	}
	got := strings.Split(strings.TrimSpace(out.String()), "\n")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected output (-want +got):\n%s", diff)
	}
}

func TestInitConfigWritesLoadableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "etc", "timelapse.yaml")
	root := filepath.Join(dir, "root")

	var out bytes.Buffer
	if err := initConfig([]string{"--config", path, "--root", root, "--driver", "mock"}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), path) {
		t.Fatalf("expected path in output, got %q", out.String())
	}

	cfg, err := config.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Timelapse.Root != root || cfg.Camera.Driver != "mock" {
		t.Fatalf("unexpected config %+v", cfg)
	}

	if err := initConfig([]string{"--config", path}, &out); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := initConfig([]string{"--config", path, "--force"}, &out); err != nil {
		t.Fatalf("unexpected error with --force: %v", err)
	}
}

func TestInitConfigRejectsUnknownDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timelapse.yaml")
	if err := initConfig([]string{"--config", path, "--driver", "webcam"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no file to be written, got %v", err)
	}
}

func TestCaptureOnceWithMockDriver(t *testing.T) {
	clearEnv(t)
	color.NoColor = true
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	path := writeConfig(t, dir, "timelapse:\n  root: "+root+"\ncamera:\n  driver: mock\n")

	var out bytes.Buffer
	if err := captureOnce(context.Background(), []string{"--config", path}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snapshots := filepath.Join(root, "snapshots", time.Now().Format("2006-01-02"))
	entries, err := os.ReadDir(snapshots)
	if err != nil {
		t.Fatalf("read snapshots: %v", err)
	}
	if len(entries) != 1 || !strings.HasSuffix(entries[0].Name(), ".jpg") {
		t.Fatalf("expected one jpeg, got %v", entries)
	}
	if !strings.Contains(out.String(), "captured "+filepath.Join(snapshots, entries[0].Name())) {
		t.Fatalf("unexpected output %q", out.String())
	}

	logData, err := os.ReadFile(filepath.Join(root, "log", "Log.txt"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(logData), "Snapshot saved to path: ") {
		t.Fatalf("expected success entry, got %q", logData)
	}
}

func TestRunStopsOnStopFile(t *testing.T) {
	clearEnv(t)
	color.NoColor = true
	dir := t.TempDir()
	root := filepath.Join(dir, "root")
	path := writeConfig(t, dir, "timelapse:\n  root: "+root+"\ncamera:\n  driver: mock\nquit:\n  stop_file: STOP\n")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir root: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "STOP"), nil, 0o600); err != nil {
		t.Fatalf("write stop file: %v", err)
	}

	keyboard := &stubKeyboard{}
	prev := openKeyboard
	openKeyboard = func([]string) quitKeyboard { return keyboard }
	t.Cleanup(func() { openKeyboard = prev })

	var out bytes.Buffer
	if err := run(context.Background(), []string{"--config", path}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !keyboard.closed {
		t.Fatalf("expected keyboard to be closed")
	}
	if !strings.Contains(out.String(), "Hold q and p to quit program") {
		t.Fatalf("expected quit hint, got %q", out.String())
	}
	logData, err := os.ReadFile(filepath.Join(root, "log", "Log.txt"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(logData), "Start timelapse") || !strings.Contains(string(logData), "Stop timelapse") {
		t.Fatalf("expected start and stop entries, got %q", logData)
	}
	prom, err := os.ReadFile(filepath.Join(root, "log", "timelapse.prom"))
	if err != nil {
		t.Fatalf("expected metrics textfile: %v", err)
	}
	if !strings.Contains(string(prom), "timelapse_ticks_total") {
		t.Fatalf("unexpected metrics textfile %q", prom)
	}
}

func TestStaleWindow(t *testing.T) {
	if got := staleWindow(scheduler.DefaultTriggers()); got != time.Hour {
		t.Fatalf("expected 1h for half-hourly triggers, got %s", got)
	}
	single, err := scheduler.NewTriggerSet([]string{"12-00-00"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := staleWindow(single); got != 48*time.Hour {
		t.Fatalf("expected 48h for a single trigger, got %s", got)
	}
}
