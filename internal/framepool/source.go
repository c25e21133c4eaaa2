package framepool

import (
	"context"
	"time"

	"github.com/dj-oyu/camstream/pkg/types"
)

// Driver is the camera's fixed ring of frame buffers. Get blocks until a
// frame is filled; Return gives the buffer back to the ring. Both are only
// ever called from Source.Run.
type Driver interface {
	Get(ctx context.Context) (*types.FrameBuffer, error)
	Return(fb *types.FrameBuffer)
}

// Source is the capture loop feeding a Pool.
type Source struct {
	pool   *Pool
	driver Driver
	seq    uint64
}

// NewSource binds a driver to the pool.
func NewSource(pool *Pool, driver Driver) *Source {
	return &Source{pool: pool, driver: driver}
}

// Run captures frames until ctx is done: get from the driver, publish to the
// ready slot, wait for the consumer to recycle it, return it to the driver.
// Driver failures are forwarded as nil so consumers observe them, and the loop
// retries immediately.
func (s *Source) Run(ctx context.Context) error {
	p := s.pool
	p.log.Info("capture loop started (max frame age %v)", p.maxAge)
	defer p.log.Info("capture loop stopped")

	for {
		fb, err := s.driver.Get(ctx)
		if ctx.Err() != nil {
			if fb != nil {
				s.driver.Return(fb)
			}
			return ctx.Err()
		}
		if err != nil || fb == nil {
			p.failures.Add(1)
			p.metrics.CaptureErrors.Add(1)
			if err != nil {
				p.log.Debug("driver get failed: %v", err)
			}
			s.publishFailure()
			continue
		}

		s.seq++
		fb.Seq = s.seq
		if fb.Timestamp.IsZero() {
			fb.Timestamp = p.now()
		}
		if err := s.publish(ctx, fb); err != nil {
			return err
		}
	}
}

// publishFailure leaves a nil in the ready slot, replacing any earlier nil
// nobody picked up.
func (s *Source) publishFailure() {
	select {
	case stale := <-s.pool.ready:
		if stale != nil {
			// Not reachable: frames are always recycled before the next Get.
			s.driver.Return(stale)
		}
	default:
	}
	s.pool.ready <- nil
}

// publish hands fb to the ready slot and blocks until it comes back, either
// through a consumer's release or by being reclaimed after MaxFrameAge.
func (s *Source) publish(ctx context.Context, fb *types.FrameBuffer) error {
	p := s.pool

	select {
	case stale := <-p.ready:
		if stale != nil {
			s.driver.Return(stale)
		}
	default:
	}
	p.ready <- fb
	p.published.Add(1)
	p.metrics.FramesCaptured.Add(1)

	var expired <-chan time.Time
	if p.maxAge > 0 {
		timer := time.NewTimer(p.maxAge)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case back := <-p.recycle:
			p.recycled.Add(1)
			s.driver.Return(back)
			return nil
		case <-expired:
			expired = nil
			select {
			case stale := <-p.ready:
				p.reclaimed.Add(1)
				p.metrics.FramesReclaimed.Add(1)
				p.log.Debug("reclaimed untaken frame seq=%d", stale.Seq)
				s.driver.Return(stale)
				return nil
			default:
				// A consumer has it; keep waiting for the release.
			}
		case <-ctx.Done():
			select {
			case stale := <-p.ready:
				s.driver.Return(stale)
			default:
			}
			return ctx.Err()
		}
	}
}
