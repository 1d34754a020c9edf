package scheduler

import (
	"errors"
	"fmt"
	"time"
)

type Decision int

const (
	NoAction Decision = iota
	Capture
)

func (d Decision) String() string {
	switch d {
	case Capture:
		return "capture"
	default:
		return "no-action"
	}
}

type State int

const (
	Armed State = iota
	Fired
)

func (s State) String() string {
	if s == Fired {
		return "fired"
	}
	return "armed"
}

var ErrPollTooCoarse = errors.New("poll interval exceeds trigger resolution")

// Scheduler decides once per tick whether a capture is due. It holds no lock;
// the control loop is its only caller.
type Scheduler struct {
	triggers TriggerSet
	fired    bool

	onDuplicate func(timeOfDay string)
}

type Option func(*Scheduler)

// WithDuplicateHook observes ticks suppressed because the slot already fired.
func WithDuplicateHook(fn func(timeOfDay string)) Option {
	return func(s *Scheduler) {
		s.onDuplicate = fn
	}
}

func New(triggers TriggerSet, opts ...Option) *Scheduler {
	s := &Scheduler{triggers: triggers}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tick feeds the current HH-MM-SS time of day into the state machine.
func (s *Scheduler) Tick(timeOfDay string) Decision {
	if !s.triggers.Contains(timeOfDay) {
		s.fired = false
		return NoAction
	}
	if s.fired {
		if s.onDuplicate != nil {
			s.onDuplicate(timeOfDay)
		}
		return NoAction
	}
	s.fired = true
	return Capture
}

func (s *Scheduler) State() State {
	if s.fired {
		return Fired
	}
	return Armed
}

func (s *Scheduler) Triggers() TriggerSet {
	return s.triggers
}

// CheckPollInterval reports whether ticking every wait can skip a trigger
// second entirely.
func CheckPollInterval(wait time.Duration) error {
	if wait > time.Second {
		return fmt.Errorf("%w: %s > 1s, trigger seconds may be missed", ErrPollTooCoarse, wait)
	}
	return nil
}
