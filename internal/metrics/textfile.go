package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const defaultFlushInterval = 30 * time.Second

// WriteTextfile renders the store into path atomically, for scraping by a
// node exporter textfile collector.
func WriteTextfile(fs afero.Fs, path string, store *Store) error {
	var buf bytes.Buffer
	if err := store.WritePrometheus(&buf); err != nil {
		return fmt.Errorf("render metrics: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure metrics dir %q: %w", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write temp metrics %q: %w", tmp, err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit metrics %q: %w", path, err)
	}
	return nil
}

// Flusher periodically writes the store to a textfile until cancelled.
type Flusher struct {
	fs       afero.Fs
	path     string
	store    *Store
	interval time.Duration
	logger   *log.Logger
}

func NewFlusher(fs afero.Fs, path string, store *Store, interval time.Duration, logger *log.Logger) *Flusher {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Flusher{fs: fs, path: path, store: store, interval: interval, logger: logger}
}

// Run flushes once immediately, on every interval and once more on shutdown.
func (f *Flusher) Run(ctx context.Context) error {
	f.flush()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.flush()
			return ctx.Err()
		case <-ticker.C:
			f.flush()
		}
	}
}

func (f *Flusher) flush() {
	if err := WriteTextfile(f.fs, f.path, f.store); err != nil {
		f.logger.Printf("metrics textfile flush failed: %v", err)
	}
}
