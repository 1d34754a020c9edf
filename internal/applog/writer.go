package applog

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/afero"

	"github.com/pingsantohq/timelapse/internal/clock"
	"github.com/pingsantohq/timelapse/pkg/types"
)

const (
	DirName       = "log"
	fileExtension = ".txt"
	entryDelim    = "-----"
)

// Writer appends timestamped entries to <root>/log/<category>.txt.
type Writer struct {
	fs      afero.Fs
	dir     string
	now     func() time.Time
	logger  *log.Logger
	onError func(error)

	mu sync.Mutex
}

type Option func(*Writer)

func WithNow(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// WithLogger sets where write failures are reported. Defaults to stderr.
func WithLogger(logger *log.Logger) Option {
	return func(w *Writer) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithErrorHook registers a callback observing every failed write.
func WithErrorHook(fn func(error)) Option {
	return func(w *Writer) {
		w.onError = fn
	}
}

func NewWriter(fs afero.Fs, root string, opts ...Option) *Writer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	w := &Writer{
		fs:     fs,
		dir:    filepath.Join(root, DirName),
		now:    time.Now,
		logger: log.New(os.Stderr, "timelapse ", log.LstdFlags|log.LUTC),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Dir returns the directory holding the log files.
func (w *Writer) Dir() string {
	return w.dir
}

// Path returns the file backing a category.
func (w *Writer) Path(category string) string {
	if category == "" {
		category = types.CategoryLog
	}
	return filepath.Join(w.dir, category+fileExtension)
}

// Append writes message under category. Failures are reported to the logger
// and never returned.
func (w *Writer) Append(category, message string) {
	w.Record(types.LogEntry{
		Category:  category,
		Timestamp: w.now(),
		Status:    types.StatusInfo,
		Message:   message,
	})
}

// Record implements events.Recorder.
func (w *Writer) Record(entry types.LogEntry) {
	if err := w.Write(entry); err != nil {
		w.logger.Printf("append log failed: %v", err)
		if w.onError != nil {
			w.onError(err)
		}
	}
}

// Write appends entry, creating the log directory first when needed.
func (w *Writer) Write(entry types.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = w.now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.fs.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("ensure log dir %q: %w", w.dir, err)
	}

	path := w.Path(entry.Category)
	f, err := w.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log %q: %w", path, err)
	}
	if _, err := io.WriteString(f, FormatEntry(entry)); err != nil {
		f.Close()
		return fmt.Errorf("append log %q: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close log %q: %w", path, err)
	}
	return nil
}

// FormatEntry renders an entry the way it is stored on disk.
func FormatEntry(entry types.LogEntry) string {
	return "\n" + clock.DateTimeString(entry.Timestamp) + ":\n" + entry.Message + "\n" + entryDelim
}

// Console echoes entries to a terminal after they are written.
type Console struct {
	out    io.Writer
	writer *Writer
}

func NewConsole(out io.Writer, writer *Writer) *Console {
	if out == nil {
		out = color.Output
	}
	return &Console{out: out, writer: writer}
}

func (c *Console) Record(entry types.LogEntry) {
	var paint func(format string, a ...interface{}) string
	switch entry.Status {
	case types.StatusOK:
		paint = color.GreenString
	case types.StatusFailed, types.StatusError:
		paint = color.RedString
	default:
		paint = fmt.Sprintf
	}
	var b strings.Builder
	b.WriteString("\nDone logging:\n")
	b.WriteString(paint("%s", entry.Message))
	if c.writer != nil {
		b.WriteString("\nTo: ")
		b.WriteString(c.writer.Path(entry.Category))
	}
	b.WriteString("\n")
	io.WriteString(c.out, b.String())
}
