// Package camera provides frame drivers for the capture loop: a synthetic
// test pattern, a WebSocket ingest for an external JPEG publisher and a
// V4L2 MJPEG capture device.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/camstream/internal/logger"
	"github.com/dj-oyu/camstream/pkg/types"
)

// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
var bars = []color.RGBA{
	{R: 255, G: 255, B: 255, A: 255},
	{R: 255, G: 255, B: 0, A: 255},
	{R: 0, G: 255, B: 255, A: 255},
	{R: 0, G: 255, B: 0, A: 255},
	{R: 255, G: 0, B: 255, A: 255},
	{R: 255, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 255, A: 255},
	{R: 0, G: 0, B: 0, A: 255},
}

// PatternOptions configures a TestPattern.
type PatternOptions struct {
	Width   int
	Height  int
	Quality int
	FPS     int
	// Slots is the ring size, 1 or 2.
	Slots int
	Log   *logger.Module
}

// TestPattern renders colour bars with a frame counter overlay into a fixed
// ring of reusable buffers.
type TestPattern struct {
	opts   PatternOptions
	free   chan *types.FrameBuffer
	bars   *image.RGBA
	canvas *image.RGBA
	period time.Duration
	next   time.Time
	count  atomic.Uint64

	mu        sync.Mutex
	failNext  int // forced failures, for exercising error paths
	emptyNext int
}

// NewTestPattern allocates the ring and pre-renders the bars.
func NewTestPattern(opts PatternOptions) *TestPattern {
	if opts.Slots < 1 {
		opts.Slots = 1
	}
	if opts.FPS <= 0 {
		opts.FPS = 25
	}
	if opts.Quality <= 0 {
		opts.Quality = jpeg.DefaultQuality
	}
	if opts.Log == nil {
		opts.Log = logger.For("Pattern")
	}

	// One pixel per bar, scaled up to the frame size.
	src := image.NewRGBA(image.Rect(0, 0, len(bars), 1))
	for i, c := range bars {
		src.SetRGBA(i, 0, c)
	}
	dst := image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	p := &TestPattern{
		opts:   opts,
		free:   make(chan *types.FrameBuffer, opts.Slots),
		bars:   dst,
		canvas: image.NewRGBA(dst.Bounds()),
		period: time.Second / time.Duration(opts.FPS),
	}
	for i := range opts.Slots {
		p.free <- &types.FrameBuffer{
			Data:     make([]byte, 0, opts.Width*opts.Height/4),
			Width:    opts.Width,
			Height:   opts.Height,
			Encoding: types.EncodingJPEG,
			Slot:     i,
		}
	}
	return p
}

// FailNext makes the next n Get calls report a sensor error.
func (p *TestPattern) FailNext(n int) {
	p.mu.Lock()
	p.failNext = n
	p.mu.Unlock()
}

// EmptyNext makes the next n frames zero-length.
func (p *TestPattern) EmptyNext(n int) {
	p.mu.Lock()
	p.emptyNext = n
	p.mu.Unlock()
}

// Get waits for a free slot and the next frame period, then renders into it.
func (p *TestPattern) Get(ctx context.Context) (*types.FrameBuffer, error) {
	var fb *types.FrameBuffer
	select {
	case fb = <-p.free:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if wait := time.Until(p.next); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			p.free <- fb
			return nil, ctx.Err()
		}
	}
	now := time.Now()
	p.next = now.Add(p.period)

	p.mu.Lock()
	fail, empty := p.failNext > 0, p.emptyNext > 0
	if fail {
		p.failNext--
	} else if empty {
		p.emptyNext--
	}
	p.mu.Unlock()
	if fail {
		p.free <- fb
		return nil, fmt.Errorf("camera: sensor timeout")
	}

	p.count.Add(1)
	fb.Timestamp = now
	fb.Data = fb.Data[:0]
	if empty {
		return fb, nil
	}
	if err := p.render(fb, now); err != nil {
		p.free <- fb
		return nil, err
	}
	return fb, nil
}

func (p *TestPattern) render(fb *types.FrameBuffer, now time.Time) error {
	draw.Draw(p.canvas, p.canvas.Bounds(), p.bars, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  p.canvas,
		Src:  image.NewUniform(color.RGBA{R: 255, G: 255, B: 255, A: 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(10, p.opts.Height-12),
	}
	// Black band behind the text so it reads on every bar.
	band := image.Rect(0, p.opts.Height-28, p.opts.Width, p.opts.Height-4)
	draw.Draw(p.canvas, band, image.NewUniform(color.Black), image.Point{}, draw.Src)
	d.DrawString(fmt.Sprintf("camstream #%06d  %s", p.count.Load(), now.Format("15:04:05.000")))

	buf := bytes.NewBuffer(fb.Data[:0])
	if err := jpeg.Encode(buf, p.canvas, &jpeg.Options{Quality: p.opts.Quality}); err != nil {
		return fmt.Errorf("encode test pattern: %w", err)
	}
	fb.Data = buf.Bytes()
	return nil
}

// Return puts a buffer back in the ring.
func (p *TestPattern) Return(fb *types.FrameBuffer) {
	if fb == nil {
		return
	}
	select {
	case p.free <- fb:
	default:
		p.opts.Log.Error("returned buffer slot=%d but ring is full", fb.Slot)
	}
}

// Frames returns how many frames were rendered.
func (p *TestPattern) Frames() uint64 { return p.count.Load() }
