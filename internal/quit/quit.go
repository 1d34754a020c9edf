package quit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// ErrUnavailable means the detector cannot observe quit requests at all,
// for example when no interactive terminal is attached.
var ErrUnavailable = errors.New("quit detection unavailable")

// Detector is polled once per control-loop tick.
type Detector interface {
	QuitRequested() (bool, error)
}

// Never reports no quit request; used where no input device exists.
type Never struct{}

func (Never) QuitRequested() (bool, error) { return false, nil }

// StopFile requests a stop once the file exists.
type StopFile struct {
	fs   afero.Fs
	path string
}

func NewStopFile(fs afero.Fs, path string) *StopFile {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &StopFile{fs: fs, path: filepath.Clean(path)}
}

func (s *StopFile) QuitRequested() (bool, error) {
	_, err := s.fs.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat stop file %q: %v", ErrUnavailable, s.path, err)
}

func (s *StopFile) Path() string {
	return s.path
}

// Any requests a stop when any detector does. Errors from individual
// detectors are joined and returned alongside the result.
type Any []Detector

func (a Any) QuitRequested() (bool, error) {
	var errs []error
	for _, d := range a {
		if d == nil {
			continue
		}
		requested, err := d.QuitRequested()
		if requested {
			return true, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return false, errors.Join(errs...)
}
