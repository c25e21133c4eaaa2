package framepool

import (
	"context"
	"sync"
	"time"

	"github.com/dj-oyu/camstream/pkg/types"
)

// Consumer is one caller's view of the pool. It holds at most one buffer and
// applies its own minimum interval between real acquisitions.
type Consumer struct {
	pool     *Pool
	name     string
	interval time.Duration

	mu   sync.Mutex
	held *types.FrameBuffer
	last time.Time
}

// NewConsumer returns a consumer gated to at most one real acquisition per
// interval. An interval of zero disables the gate.
func (p *Pool) NewConsumer(name string, interval time.Duration) *Consumer {
	return &Consumer{pool: p, name: name, interval: interval}
}

// Acquire returns the next ready frame. Inside the minimum interval it returns
// the frame already held, or ErrBufferUnavailable, without touching the ready
// slot. Otherwise the held frame is released first. A blocking call waits for
// the capture loop until ctx is done.
func (c *Consumer) Acquire(ctx context.Context, block bool) (*types.FrameBuffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gated() {
		if c.held != nil {
			return c.held, nil
		}
		return nil, ErrBufferUnavailable
	}

	c.releaseLocked()

	var fb *types.FrameBuffer
	if block {
		select {
		case fb = <-c.pool.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case fb = <-c.pool.ready:
		default:
			return nil, ErrBufferUnavailable
		}
	}
	c.last = c.pool.now()

	if fb == nil {
		c.pool.log.Error("[%s] camera error, no frame available", c.name)
		return nil, ErrBufferUnavailable
	}
	c.pool.taken.Add(1)
	if len(fb.Data) == 0 {
		c.pool.corrupt.Add(1)
		c.pool.metrics.CorruptBuffers.Add(1)
		c.pool.log.Error("[%s] camera error, corrupt frame (%d x %d) = [%d]",
			c.name, fb.Width, fb.Height, len(fb.Data))
		c.pool.giveBack(fb)
		return nil, ErrCorruptBuffer
	}

	c.held = fb
	c.pool.metrics.ObserveFrameAge(fb.Timestamp)
	return fb, nil
}

// Release hands the held frame back for recycling. Calling it with nothing
// held is a no-op.
func (c *Consumer) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held == nil {
		c.pool.log.Debug("[%s] release with no buffer held", c.name)
		return
	}
	c.releaseLocked()
}

func (c *Consumer) releaseLocked() {
	if c.held == nil {
		return
	}
	c.pool.giveBack(c.held)
	c.held = nil
}

// Held returns the frame currently owned by this consumer, if any.
func (c *Consumer) Held() *types.FrameBuffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

// Until returns how long until the gate opens. Zero means Acquire will do real
// work now.
func (c *Consumer) Until() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.gated() {
		return 0
	}
	return c.interval - c.pool.now().Sub(c.last)
}

func (c *Consumer) gated() bool {
	if c.interval <= 0 || c.last.IsZero() {
		return false
	}
	return c.pool.now().Sub(c.last) < c.interval
}

// Name identifies the consumer in logs.
func (c *Consumer) Name() string { return c.name }
