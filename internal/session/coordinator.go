package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/camstream/internal/framepool"
	"github.com/dj-oyu/camstream/internal/logger"
	"github.com/dj-oyu/camstream/internal/metrics"
	"github.com/dj-oyu/camstream/pkg/types"
)

// Options configures a Coordinator.
type Options struct {
	// StreamInterval is the minimum spacing between stream frames.
	StreamInterval time.Duration
	// PauseTimeout bounds the wait for a stream to pause before a still
	// proceeds anyway.
	PauseTimeout time.Duration
	// StillTimeout bounds the wait for a frame when serving a still.
	StillTimeout time.Duration
	Metrics      *metrics.Metrics
	Log          *logger.Module
}

// Coordinator owns the session machine and hands out the stream and still
// roles over one pool.
type Coordinator struct {
	pool    *framepool.Pool
	machine *Machine
	still   *framepool.Consumer
	opts    Options
	metrics *metrics.Metrics
	log     *logger.Module

	mu     sync.Mutex
	stream *StreamEmitter
	stills uint64
}

// NewCoordinator wires a session machine to pool.
func NewCoordinator(pool *framepool.Pool, opts Options) *Coordinator {
	if opts.Log == nil {
		opts.Log = logger.For("Session")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.PauseTimeout <= 0 {
		opts.PauseTimeout = 300 * time.Millisecond
	}
	if opts.StillTimeout <= 0 {
		opts.StillTimeout = 2 * time.Second
	}
	return &Coordinator{
		pool:    pool,
		machine: NewMachine(),
		still:   pool.NewConsumer("still", 0),
		opts:    opts,
		metrics: opts.Metrics,
		log:     opts.Log,
	}
}

// Machine exposes the underlying state machine.
func (c *Coordinator) Machine() *Machine { return c.machine }

// OpenStream attaches a new stream. Only one may be open at a time.
func (c *Coordinator) OpenStream() (*StreamEmitter, error) {
	if err := c.machine.BeginStream(); err != nil {
		c.metrics.StreamConflicts.Add(1)
		c.log.Warn("stream rejected, mode=%s", c.machine.Mode())
		return nil, err
	}
	e := &StreamEmitter{
		id:       uuid.NewString(),
		machine:  c.machine,
		consumer: c.pool.NewConsumer("stream", c.opts.StreamInterval),
		metrics:  c.metrics,
		log:      c.log,
		started:  time.Now(),
	}
	c.mu.Lock()
	c.stream = e
	c.mu.Unlock()
	c.metrics.ActiveStreams.Store(1)
	c.log.Info("stream %s opened", e.id)
	return e, nil
}

// Still pauses a running stream, waits for one frame and passes it to serve.
// The frame is released and the prior mode restored on every path.
func (c *Coordinator) Still(ctx context.Context, serve func(*types.FrameBuffer) error) error {
	pauseRequested, err := c.machine.BeginStill()
	if err != nil {
		c.metrics.StillConflicts.Add(1)
		c.log.Warn("still rejected, mode=%s", c.machine.Mode())
		return err
	}
	defer c.machine.EndStill()

	if pauseRequested && !c.machine.WaitPaused(ctx, c.opts.PauseTimeout) {
		c.log.Warn("stream did not pause within %v, proceeding", c.opts.PauseTimeout)
		c.machine.ForcePause()
	}

	acquireCtx, cancel := context.WithTimeout(ctx, c.opts.StillTimeout)
	defer cancel()
	fb, err := c.still.Acquire(acquireCtx, true)
	if err != nil {
		c.metrics.StillFailures.Add(1)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Error("still capture failed: %v", err)
		return fmt.Errorf("%w: %w", ErrNoFrame, err)
	}
	defer c.still.Release()

	if err := serve(fb); err != nil {
		c.metrics.WriteFailures.Add(1)
		return err
	}
	c.mu.Lock()
	c.stills++
	c.mu.Unlock()
	c.metrics.StillsServed.Add(1)
	return nil
}

// Snapshot describes the session for status output.
type Snapshot struct {
	State        State  `json:"state"`
	StreamID     string `json:"stream_id,omitempty"`
	StreamFrames uint64 `json:"stream_frames"`
	Stills       uint64 `json:"stills"`
}

// Snapshot returns the current session view.
func (c *Coordinator) Snapshot() Snapshot {
	s := Snapshot{State: c.machine.State()}
	c.mu.Lock()
	defer c.mu.Unlock()
	s.Stills = c.stills
	s.StreamFrames = c.metrics.StreamFrames.Load()
	if c.stream != nil && c.machine.Mode().StreamActive() {
		s.StreamID = c.stream.id
	}
	return s
}
