package clock

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const (
	dateLayout     = "2006-01-02"
	timeLayout     = "15-04-05"
	dateTimeLayout = dateLayout + "--" + timeLayout

	shortHashLen = 10

	SnapshotsDirName = "snapshots"
	ImageExtension   = ".jpg"
)

// DateString formats t as yyyy-MM-dd.
func DateString(t time.Time) string {
	return t.Format(dateLayout)
}

// TimeOfDayString formats t as HH-mm-ss, the form trigger slots are written in.
func TimeOfDayString(t time.Time) string {
	return t.Format(timeLayout)
}

// DateTimeString formats t as yyyy-MM-dd--HH-mm-ss.
func DateTimeString(t time.Time) string {
	return t.Format(dateTimeLayout)
}

var tokenSeq atomic.Uint64

// ShortHash returns a 10 character hex token derived from the clock reading.
// The sequence number and random UUID keep tokens distinct when two calls
// observe the same nanosecond.
func ShortHash(t time.Time) string {
	h := sha1.New()
	h.Write([]byte(strconv.FormatInt(t.UnixNano(), 10)))
	h.Write([]byte(strconv.FormatUint(tokenSeq.Add(1), 10)))
	id := uuid.New()
	h.Write(id[:])
	return hex.EncodeToString(h.Sum(nil))[:shortHashLen]
}

// UniqueFilename builds <datetime>--<hash><ext>.
func UniqueFilename(t time.Time, ext string) string {
	return DateTimeString(t) + "--" + ShortHash(t) + ext
}

// Paths lays out snapshot files under a program root.
type Paths struct {
	fs   afero.Fs
	root string
	now  func() time.Time
}

type PathsOption func(*Paths)

func WithNow(now func() time.Time) PathsOption {
	return func(p *Paths) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPaths(fs afero.Fs, root string, opts ...PathsOption) *Paths {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	p := &Paths{fs: fs, root: root, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Root returns the program root directory.
func (p *Paths) Root() string {
	return p.root
}

// NewImagePath returns <root>/snapshots/<date>/<date>--<time>--<hash>.jpg and
// ensures the date directory exists.
func (p *Paths) NewImagePath() (string, error) {
	now := p.now()
	dir := filepath.Join(p.root, SnapshotsDirName, DateString(now))
	if err := p.fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure snapshot dir %q: %w", dir, err)
	}
	return filepath.Join(dir, UniqueFilename(now, ImageExtension)), nil
}
