// Package session coordinates the live MJPEG stream and still captures over
// one frame pool.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrAlreadyActive rejects a second stream or still of the same kind.
	ErrAlreadyActive = errors.New("session: already active")
	// ErrTryAgain means no chunk is ready; the caller should wait and retry.
	ErrTryAgain = errors.New("session: not ready, try again")
	// ErrNoFrame means a still could not obtain a frame in time.
	ErrNoFrame = errors.New("session: no frame available")
	// ErrClosed is returned by a stream emitter after Close.
	ErrClosed = errors.New("session: stream closed")
)

// Mode is the single state shared by the stream and still paths.
type Mode int

const (
	Idle      Mode = iota
	Streaming      // stream owns acquisition
	Pausing        // still requested, stream finishing its current frame
	Paused         // stream suspended while a still runs
	Still          // still runs with no stream attached
)

var modeNames = [...]string{
	Idle:      "idle",
	Streaming: "streaming",
	Pausing:   "pausing",
	Paused:    "paused",
	Still:     "still",
}

func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "unknown"
}

// StreamActive reports whether a stream is attached in this mode.
func (m Mode) StreamActive() bool {
	return m == Streaming || m == Pausing || m == Paused
}

// StillActive reports whether a still is in progress in this mode.
func (m Mode) StillActive() bool {
	return m == Pausing || m == Paused || m == Still
}

// Machine holds the mode and wakes waiters on every transition.
type Machine struct {
	mu          sync.Mutex
	mode        Mode
	changed     chan struct{}
	since       time.Time
	transitions uint64
}

// NewMachine starts in Idle.
func NewMachine() *Machine {
	return &Machine{changed: make(chan struct{}), since: time.Now()}
}

// Mode returns the current mode.
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Changed returns a channel closed at the next transition.
func (m *Machine) Changed() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

func (m *Machine) setLocked(mode Mode) {
	if m.mode == mode {
		return
	}
	m.mode = mode
	m.since = time.Now()
	m.transitions++
	close(m.changed)
	m.changed = make(chan struct{})
}

// BeginStream attaches a stream. A stream requested during a still starts
// paused.
func (m *Machine) BeginStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.mode {
	case Idle:
		m.setLocked(Streaming)
	case Still:
		m.setLocked(Paused)
	default:
		return ErrAlreadyActive
	}
	return nil
}

// EndStream detaches the stream from any mode. A still in progress keeps
// running on its own.
func (m *Machine) EndStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.mode {
	case Streaming:
		m.setLocked(Idle)
	case Pausing, Paused:
		m.setLocked(Still)
	}
}

// BeginStill starts a still. It reports true when a running stream was asked
// to pause and the caller should wait for the acknowledgement.
func (m *Machine) BeginStill() (pauseRequested bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.mode {
	case Idle:
		m.setLocked(Still)
		return false, nil
	case Streaming:
		m.setLocked(Pausing)
		return true, nil
	default:
		return false, ErrAlreadyActive
	}
}

// AckPause is called by the stream at a frame boundary.
func (m *Machine) AckPause() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != Pausing {
		return false
	}
	m.setLocked(Paused)
	return true
}

// ForcePause moves Pausing to Paused without the stream's acknowledgement.
func (m *Machine) ForcePause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == Pausing {
		m.setLocked(Paused)
	}
}

// EndStill finishes a still and resumes a paused stream.
func (m *Machine) EndStill() {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.mode {
	case Still:
		m.setLocked(Idle)
	case Pausing, Paused:
		m.setLocked(Streaming)
	}
}

// WaitPaused blocks until the machine leaves Pausing, timeout elapses or ctx
// is done. It reports whether the pause was acknowledged in time.
func (m *Machine) WaitPaused(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		mode, ch := m.mode, m.changed
		m.mu.Unlock()
		if mode != Pausing {
			return true
		}
		select {
		case <-ch:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// State is a snapshot of the machine.
type State struct {
	Mode        string    `json:"mode"`
	Since       time.Time `json:"since"`
	Transitions uint64    `json:"transitions"`
}

// State returns a snapshot.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{Mode: m.mode.String(), Since: m.since, Transitions: m.transitions}
}
