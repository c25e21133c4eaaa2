// Package framepool hands captured frames from a single capture loop to
// request-driven consumers through two single-slot channels.
//
// A buffer is always in exactly one place: with the driver, in the ready
// slot, with one consumer, or in the recycle slot. Only Source talks to the
// driver.
package framepool

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/camstream/internal/logger"
	"github.com/dj-oyu/camstream/internal/metrics"
	"github.com/dj-oyu/camstream/pkg/types"
)

var (
	// ErrBufferUnavailable means no frame is ready yet. Callers retry later.
	ErrBufferUnavailable = errors.New("framepool: buffer unavailable")
	// ErrCorruptBuffer is returned when the driver produced a zero-length
	// frame. It matches ErrBufferUnavailable under errors.Is.
	ErrCorruptBuffer = fmt.Errorf("%w: corrupt buffer", ErrBufferUnavailable)
)

// Options configures a Pool.
type Options struct {
	// MaxFrameAge bounds how long a published frame may sit untaken in the
	// ready slot before the source pulls it back. Zero disables reclaim.
	MaxFrameAge time.Duration
	Metrics     *metrics.Metrics
	Log         *logger.Module
	Now         func() time.Time
}

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Published uint64 `json:"published"`
	Taken     uint64 `json:"taken"`
	Recycled  uint64 `json:"recycled"`
	Reclaimed uint64 `json:"reclaimed"`
	Failures  uint64 `json:"failures"`
	Corrupt   uint64 `json:"corrupt"`
}

// Pool is the handoff point between Source and its consumers.
type Pool struct {
	ready   chan *types.FrameBuffer
	recycle chan *types.FrameBuffer

	maxAge  time.Duration
	metrics *metrics.Metrics
	log     *logger.Module
	now     func() time.Time

	published atomic.Uint64
	taken     atomic.Uint64
	recycled  atomic.Uint64
	reclaimed atomic.Uint64
	failures  atomic.Uint64
	corrupt   atomic.Uint64
}

// New creates a Pool with single-slot ready and recycle channels.
func New(opts Options) *Pool {
	if opts.Log == nil {
		opts.Log = logger.For("FramePool")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Pool{
		ready:   make(chan *types.FrameBuffer, 1),
		recycle: make(chan *types.FrameBuffer, 1),
		maxAge:  opts.MaxFrameAge,
		metrics: opts.Metrics,
		log:     opts.Log,
		now:     opts.Now,
	}
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Published: p.published.Load(),
		Taken:     p.taken.Load(),
		Recycled:  p.recycled.Load(),
		Reclaimed: p.reclaimed.Load(),
		Failures:  p.failures.Load(),
		Corrupt:   p.corrupt.Load(),
	}
}

// giveBack moves a consumer-held buffer into the recycle slot. The slot is
// empty whenever a consumer holds a frame, so this never blocks.
func (p *Pool) giveBack(fb *types.FrameBuffer) {
	select {
	case p.recycle <- fb:
	default:
		// Only reachable if a buffer was released twice.
		p.log.Error("recycle slot occupied, dropping buffer seq=%d", fb.Seq)
	}
}
