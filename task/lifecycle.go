package task

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// State of a Lifecycle.
type State int32

const (
	Stopped State = iota
	Starting
	Started
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Starting:
		return "Starting"
	case Started:
		return "Started"
	case Stopping:
		return "Stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ErrNotStopped is returned by Start of a Lifecycle which isn't Stopped.
var ErrNotStopped = errors.New("component is not stopped")

// ErrStarting is returned by Stop of a Lifecycle which is still Starting.
var ErrStarting = errors.New("component is starting")

// Lifecycle is a small state machine over {Stopped, Starting, Started,
// Stopping} which components embed to guard their Start and Stop. The zero
// value is Stopped. Start and Stop callbacks run without the Lifecycle lock
// held, and may call State.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// State returns the current State.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// IsStarted is true iff the State is Started.
func (l *Lifecycle) IsStarted() bool { return l.State() == Started }

// Start transitions Stopped => Starting, runs |fn|, and then transitions to
// Started if |fn| succeeds or back to Stopped if it fails.
func (l *Lifecycle) Start(fn func() error) error {
	if !l.transition(Stopped, Starting) {
		return ErrNotStopped
	}
	var err error
	if fn != nil {
		err = fn()
	}
	l.mu.Lock()
	if err != nil {
		l.state = Stopped
	} else {
		l.state = Started
	}
	l.mu.Unlock()
	return err
}

// Stop transitions Started => Stopping, runs |fn|, and then transitions to
// Stopped regardless of the result of |fn|. Stop of a Lifecycle which is
// already Stopped or Stopping is a no-op.
func (l *Lifecycle) Stop(fn func() error) error {
	l.mu.Lock()
	switch l.state {
	case Stopped, Stopping:
		l.mu.Unlock()
		return nil
	case Starting:
		l.mu.Unlock()
		return ErrStarting
	}
	l.state = Stopping
	l.mu.Unlock()

	var err error
	if fn != nil {
		err = fn()
	}
	l.mu.Lock()
	l.state = Stopped
	l.mu.Unlock()
	return err
}

func (l *Lifecycle) transition(from, to State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != from {
		return false
	}
	l.state = to
	return true
}

// Stopper is a component which may be stopped.
type Stopper interface {
	Stop() error
}

// StopperFunc adapts a function to a Stopper.
type StopperFunc func() error

// Stop invokes the StopperFunc.
func (fn StopperFunc) Stop() error { return fn() }

// StopAll stops |stoppers| in reverse order, which is the reverse of the
// order in which dependent components are expected to have been started.
// All Stoppers are stopped even if some fail. Failures are logged, and the
// first is returned.
func StopAll(stoppers ...Stopper) error {
	var first error
	for i := len(stoppers) - 1; i >= 0; i-- {
		if stoppers[i] == nil {
			continue
		} else if err := stoppers[i].Stop(); err != nil {
			log.WithFields(log.Fields{"index": i, "err": err}).Warn("failed to stop component")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
