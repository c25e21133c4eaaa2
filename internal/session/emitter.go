package session

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/dj-oyu/camstream/internal/framepool"
	"github.com/dj-oyu/camstream/internal/logger"
	"github.com/dj-oyu/camstream/internal/metrics"
	"github.com/dj-oyu/camstream/pkg/types"
)

// Boundary separates MJPEG parts.
const Boundary = "imgboundary"

// StreamContentType is the response type of a multipart stream.
const StreamContentType = "multipart/x-mixed-replace; boundary=" + Boundary

var (
	partBoundary    = []byte("--" + Boundary + "\r\n")
	partContentType = []byte("Content-Type: image/jpeg\r\n")
	crlf            = []byte("\r\n")
)

// MinChunkSize is the smallest buffer NextChunk can always make progress with.
const MinChunkSize = 64

// part steps within one frame
const (
	stepBoundary = iota
	stepContentType
	stepContentLength
	stepBlank
	stepPayload
	stepTrailer
)

// idlePoll bounds the wait when the gate is open but no frame is ready.
const idlePoll = 5 * time.Millisecond

// StreamEmitter produces the multipart body of one /stream response, one
// chunk per call. It never blocks: when nothing can be produced it returns
// ErrTryAgain and the caller waits on Wait.
type StreamEmitter struct {
	id       string
	machine  *Machine
	consumer *framepool.Consumer
	metrics  *metrics.Metrics
	log      *logger.Module

	step    int
	frame   *types.FrameBuffer
	sent    int
	length  []byte
	closed  bool
	frames  uint64
	started time.Time
}

// ID identifies the stream in logs and status output.
func (e *StreamEmitter) ID() string { return e.id }

// Frames returns how many complete parts were emitted.
func (e *StreamEmitter) Frames() uint64 { return e.frames }

// NextChunk fills buf with the next bytes of the stream. end is true when the
// chunk completes a part, which is the natural point to flush. A part in
// progress always runs to completion even if a still forced the pause.
func (e *StreamEmitter) NextChunk(buf []byte) (n int, end bool, err error) {
	if e.closed {
		return 0, false, ErrClosed
	}
	if len(buf) < MinChunkSize {
		return 0, false, io.ErrShortBuffer
	}

	if e.step == stepBoundary {
		if err := e.startFrame(); err != nil {
			return 0, false, err
		}
	}

	for n < len(buf) {
		switch e.step {
		case stepBoundary:
			if !fits(buf[n:], partBoundary) {
				return n, false, nil
			}
			n += copy(buf[n:], partBoundary)
		case stepContentType:
			if !fits(buf[n:], partContentType) {
				return n, false, nil
			}
			n += copy(buf[n:], partContentType)
		case stepContentLength:
			if !fits(buf[n:], e.length) {
				return n, false, nil
			}
			n += copy(buf[n:], e.length)
		case stepBlank:
			if !fits(buf[n:], crlf) {
				return n, false, nil
			}
			n += copy(buf[n:], crlf)
		case stepPayload:
			c := copy(buf[n:], e.frame.Data[e.sent:])
			n += c
			e.sent += c
			if e.sent < len(e.frame.Data) {
				return n, false, nil
			}
			e.consumer.Release()
			e.frame = nil
		case stepTrailer:
			if !fits(buf[n:], crlf) {
				return n, false, nil
			}
			n += copy(buf[n:], crlf)
			e.step = stepBoundary
			e.frames++
			e.metrics.StreamFrames.Add(1)
			return n, true, nil
		}
		e.step++
	}
	return n, false, nil
}

func fits(buf, part []byte) bool { return len(buf) >= len(part) }

// startFrame runs at a part boundary: honour a pause request, then take a
// frame if the rate gate allows it.
func (e *StreamEmitter) startFrame() error {
	switch e.machine.Mode() {
	case Pausing:
		if e.machine.AckPause() {
			e.log.Debug("stream %s paused for still", e.id)
		}
		return ErrTryAgain
	case Paused:
		return ErrTryAgain
	case Streaming:
	default:
		return ErrClosed
	}

	fb, err := e.consumer.Acquire(context.Background(), false)
	if err != nil {
		if errors.Is(err, framepool.ErrBufferUnavailable) {
			return ErrTryAgain
		}
		return err
	}
	e.frame = fb
	e.sent = 0
	e.length = strconv.AppendInt([]byte("Content-Length: "), int64(len(fb.Data)), 10)
	e.length = append(e.length, crlf...)
	return nil
}

// Wait blocks until another NextChunk attempt is worthwhile: the rate gate
// opens, the session mode changes, or a short poll interval passes.
func (e *StreamEmitter) Wait(ctx context.Context) error {
	d := e.consumer.Until()
	if d <= 0 {
		d = idlePoll
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-e.machine.Changed():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Close releases any held frame and detaches the stream. It is safe to call
// more than once and must run on every exit path.
func (e *StreamEmitter) Close() {
	if e.closed {
		return
	}
	e.closed = true
	if e.consumer.Held() != nil {
		e.consumer.Release()
	}
	e.frame = nil
	e.machine.EndStream()
	e.metrics.ActiveStreams.Store(0)
	e.log.Info("stream %s closed after %d frames (%v)", e.id, e.frames, time.Since(e.started).Round(time.Millisecond))
}
