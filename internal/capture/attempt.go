package capture

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DefaultMaxAttempts is the retry ceiling for a single trigger.
const DefaultMaxAttempts = 10

var ErrNoDevice = errors.New("capture device not configured")

// Device takes a single still image and writes it to path.
type Device interface {
	Capture(path string) error
}

// DeviceFunc adapts a function to Device.
type DeviceFunc func(path string) error

func (f DeviceFunc) Capture(path string) error {
	return f(path)
}

// Result describes a capture that succeeded.
type Result struct {
	Path     string
	Attempts int
}

// AttemptError is returned once every attempt has failed. Error and Unwrap
// expose only the last failure; History keeps all of them.
type AttemptError struct {
	Path     string
	Attempts int
	Last     error
	History  *multierror.Error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("capture %q failed after %d attempts: %v", e.Path, e.Attempts, e.Last)
}

func (e *AttemptError) Unwrap() error {
	return e.Last
}

// Attempt calls dev.Capture in a tight loop until it succeeds or maxAttempts
// calls have failed. There is no delay between attempts.
func Attempt(dev Device, path string, maxAttempts int) (Result, error) {
	if dev == nil {
		return Result{}, ErrNoDevice
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var (
		history  *multierror.Error
		lastErr  error
		attempts int
	)
	for attempts < maxAttempts {
		attempts++
		err := dev.Capture(path)
		if err == nil {
			return Result{Path: path, Attempts: attempts}, nil
		}
		lastErr = err
		history = multierror.Append(history, fmt.Errorf("attempt %d: %w", attempts, err))
	}
	return Result{}, &AttemptError{
		Path:     path,
		Attempts: attempts,
		Last:     lastErr,
		History:  history,
	}
}
