package events

import "github.com/pingsantohq/timelapse/pkg/types"

type Recorder interface {
	Record(entry types.LogEntry)
}

type NoopRecorder struct{}

func (NoopRecorder) Record(entry types.LogEntry) {}

type Multi struct {
	recorders []Recorder
}

func NewMulti(recorders ...Recorder) Multi {
	return Multi{recorders: recorders}
}

func (m Multi) Record(entry types.LogEntry) {
	for _, rec := range m.recorders {
		if rec != nil {
			rec.Record(entry)
		}
	}
}

// Func adapts a plain function to the Recorder interface.
type Func func(types.LogEntry)

func (f Func) Record(entry types.LogEntry) {
	if f != nil {
		f(entry)
	}
}
