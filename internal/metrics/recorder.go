package metrics

import "time"

// Recorder is the subset of Store the control loop reports into.
type Recorder interface {
	IncTicks()
	IncDuplicates()
	ObserveCapture(at time.Time, attempts int, ok bool)
	IncIterationError(kind string)
	ObserveQuitAvailable(available bool)
	IncLogWriteErrors()
}

type NoopRecorder struct{}

func (NoopRecorder) IncTicks()                           {}
func (NoopRecorder) IncDuplicates()                      {}
func (NoopRecorder) ObserveCapture(time.Time, int, bool) {}
func (NoopRecorder) IncIterationError(string)            {}
func (NoopRecorder) ObserveQuitAvailable(bool)           {}
func (NoopRecorder) IncLogWriteErrors()                  {}

var _ Recorder = (*Store)(nil)
