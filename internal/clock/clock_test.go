package clock

import (
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

var filenamePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}--\d{2}-\d{2}-\d{2}--[0-9a-f]{10}\.jpg$`)

func TestFormatting(t *testing.T) {
	ts := time.Date(2024, time.March, 5, 7, 8, 9, 0, time.UTC)

	if got := DateString(ts); got != "2024-03-05" {
		t.Fatalf("unexpected date string %q", got)
	}
	if got := TimeOfDayString(ts); got != "07-08-09" {
		t.Fatalf("unexpected time string %q", got)
	}
	if got := DateTimeString(ts); got != "2024-03-05--07-08-09" {
		t.Fatalf("unexpected date time string %q", got)
	}
}

func TestUniqueFilenameSameSecond(t *testing.T) {
	ts := time.Date(2024, time.March, 5, 12, 0, 0, 0, time.UTC)

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		name := UniqueFilename(ts, ImageExtension)
		if !filenamePattern.MatchString(name) {
			t.Fatalf("unexpected filename layout %q", name)
		}
		if _, dup := seen[name]; dup {
			t.Fatalf("duplicate filename %q after %d calls", name, i)
		}
		seen[name] = struct{}{}
	}
}

func TestNewImagePathCreatesDateDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	ts := time.Date(2024, time.March, 5, 12, 30, 0, 0, time.UTC)
	paths := NewPaths(fs, "/data/timelapse", WithNow(func() time.Time { return ts }))

	first, err := paths.NewImagePath()
	if err != nil {
		t.Fatalf("NewImagePath: %v", err)
	}
	second, err := paths.NewImagePath()
	if err != nil {
		t.Fatalf("NewImagePath: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct paths within one second, got %q twice", first)
	}

	wantDir := filepath.Join("/data/timelapse", SnapshotsDirName, "2024-03-05")
	if filepath.Dir(first) != wantDir {
		t.Fatalf("unexpected dir %q want %q", filepath.Dir(first), wantDir)
	}
	if !strings.HasPrefix(filepath.Base(first), "2024-03-05--12-30-00--") {
		t.Fatalf("unexpected filename %q", filepath.Base(first))
	}

	info, err := fs.Stat(wantDir)
	if err != nil {
		t.Fatalf("stat date dir: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected %q to be a directory", wantDir)
	}
}

func TestNewImagePathFailsOnReadOnlyFs(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	paths := NewPaths(fs, "/data/timelapse")

	if _, err := paths.NewImagePath(); err == nil {
		t.Fatalf("expected error creating snapshot dir on read-only fs")
	}
}
