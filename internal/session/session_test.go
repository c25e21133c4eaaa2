package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/dj-oyu/camstream/internal/framepool"
	"github.com/dj-oyu/camstream/internal/logger"
	"github.com/dj-oyu/camstream/pkg/types"
)

// loopDriver produces the same JPEG bytes every millisecond.
type loopDriver struct {
	data []byte
}

func (d *loopDriver) Get(ctx context.Context) (*types.FrameBuffer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	if d.data == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &types.FrameBuffer{Data: d.data, Width: 640, Height: 480, Timestamp: time.Now()}, nil
}

func (d *loopDriver) Return(*types.FrameBuffer) {}

var testJPEG = append(append([]byte{0xFF, 0xD8}, bytes.Repeat([]byte{0x42}, 300)...), 0xFF, 0xD9)

func newTestCoordinator(t *testing.T, data []byte, opts Options) *Coordinator {
	t.Helper()
	log := logger.Discard()
	pool := framepool.New(framepool.Options{Log: log.Module("Pool")})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = framepool.NewSource(pool, &loopDriver{data: data}).Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	opts.Log = log.Module("Session")
	return NewCoordinator(pool, opts)
}

// readPart pulls chunks until one part is complete.
func readPart(t *testing.T, e *StreamEmitter, size int) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]byte, size)
	var out []byte
	for {
		n, end, err := e.NextChunk(buf)
		switch {
		case errors.Is(err, ErrTryAgain):
			if werr := e.Wait(ctx); werr != nil {
				t.Fatalf("timed out waiting for a part: %v", werr)
			}
			continue
		case err != nil:
			t.Fatalf("NextChunk: %v", err)
		}
		out = append(out, buf[:n]...)
		if end {
			return out
		}
	}
}

func expectedPart(data []byte) []byte {
	head := fmt.Sprintf("--imgboundary\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data))
	return append(append([]byte(head), data...), '\r', '\n')
}

func TestMachineTransitions(t *testing.T) {
	m := NewMachine()

	if err := m.BeginStream(); err != nil || m.Mode() != Streaming {
		t.Fatalf("BeginStream from idle: %v, mode %s", err, m.Mode())
	}
	if err := m.BeginStream(); !errors.Is(err, ErrAlreadyActive) || m.Mode() != Streaming {
		t.Fatalf("second stream: %v, mode %s", err, m.Mode())
	}

	paused, err := m.BeginStill()
	if err != nil || !paused || m.Mode() != Pausing {
		t.Fatalf("still while streaming: %v %v %s", paused, err, m.Mode())
	}
	if _, err := m.BeginStill(); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second still: %v", err)
	}
	if !m.AckPause() || m.Mode() != Paused {
		t.Fatalf("AckPause: mode %s", m.Mode())
	}
	if m.AckPause() {
		t.Fatalf("AckPause twice")
	}
	m.EndStill()
	if m.Mode() != Streaming {
		t.Fatalf("after still: %s", m.Mode())
	}

	// Stream ends while a still runs: the still keeps going alone.
	_, _ = m.BeginStill()
	m.EndStream()
	if m.Mode() != Still {
		t.Fatalf("stream ended during still: %s", m.Mode())
	}
	// A stream requested during a lone still starts paused.
	if err := m.BeginStream(); err != nil || m.Mode() != Paused {
		t.Fatalf("stream during still: %v %s", err, m.Mode())
	}
	m.EndStill()
	m.EndStream()
	if m.Mode() != Idle {
		t.Fatalf("final mode %s", m.Mode())
	}
	if st := m.State(); st.Mode != "idle" || st.Transitions == 0 {
		t.Fatalf("state = %+v", st)
	}
}

func TestWaitPausedTimesOut(t *testing.T) {
	m := NewMachine()
	_ = m.BeginStream()
	_, _ = m.BeginStill()
	if m.WaitPaused(context.Background(), 10*time.Millisecond) {
		t.Fatalf("WaitPaused reported success without ack")
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		m.AckPause()
	}()
	if !m.WaitPaused(context.Background(), time.Second) {
		t.Fatalf("WaitPaused missed the ack")
	}
}

func TestStreamEmitsMultipartParts(t *testing.T) {
	c := newTestCoordinator(t, testJPEG, Options{})
	e, err := c.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer e.Close()

	for _, size := range []int{MinChunkSize, 4096} {
		part := readPart(t, e, size)
		if !bytes.Equal(part, expectedPart(testJPEG)) {
			t.Fatalf("chunk size %d: part =\n%q", size, part)
		}
		if e.consumer.Held() != nil {
			t.Fatalf("buffer still held after payload")
		}
	}
	if e.Frames() != 2 {
		t.Fatalf("frames = %d", e.Frames())
	}
}

func TestNextChunkShortBuffer(t *testing.T) {
	c := newTestCoordinator(t, testJPEG, Options{})
	e, _ := c.OpenStream()
	defer e.Close()
	if _, _, err := e.NextChunk(make([]byte, 8)); !errors.Is(err, io.ErrShortBuffer) {
		t.Fatalf("err = %v", err)
	}
}

func TestSecondStreamRejected(t *testing.T) {
	c := newTestCoordinator(t, testJPEG, Options{})
	first, err := c.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer first.Close()
	_ = readPart(t, first, 4096)

	if _, err := c.OpenStream(); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second OpenStream err = %v", err)
	}
	if c.Machine().Mode() != Streaming {
		t.Fatalf("first stream disturbed: %s", c.Machine().Mode())
	}
	if part := readPart(t, first, 4096); !bytes.Equal(part, expectedPart(testJPEG)) {
		t.Fatalf("first stream broken after rejection")
	}
	if snap := c.Snapshot(); snap.StreamID != first.ID() {
		t.Fatalf("snapshot stream id = %q", snap.StreamID)
	}
}

func TestCloseMidFrameReleases(t *testing.T) {
	c := newTestCoordinator(t, testJPEG, Options{})
	e, _ := c.OpenStream()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]byte, MinChunkSize)
	for e.consumer.Held() == nil {
		_, _, err := e.NextChunk(buf)
		if errors.Is(err, ErrTryAgain) {
			if e.Wait(ctx) != nil {
				t.Fatalf("no frame")
			}
			continue
		}
		if err != nil {
			t.Fatalf("NextChunk: %v", err)
		}
	}

	e.Close()
	e.Close()
	if e.consumer.Held() != nil {
		t.Fatalf("buffer held after Close")
	}
	if c.Machine().Mode() != Idle {
		t.Fatalf("mode after close = %s", c.Machine().Mode())
	}
	if _, _, err := e.NextChunk(buf); !errors.Is(err, ErrClosed) {
		t.Fatalf("NextChunk after close: %v", err)
	}

	// The frame went back to the pool, so a still can be served right away.
	if err := c.Still(context.Background(), func(*types.FrameBuffer) error { return nil }); err != nil {
		t.Fatalf("Still after close: %v", err)
	}
}

func TestStillWhileIdle(t *testing.T) {
	c := newTestCoordinator(t, testJPEG, Options{})
	var during Mode
	var got []byte
	err := c.Still(context.Background(), func(fb *types.FrameBuffer) error {
		during = c.Machine().Mode()
		got = append(got, fb.Data...)
		return nil
	})
	if err != nil {
		t.Fatalf("Still: %v", err)
	}
	if during != Still {
		t.Fatalf("mode during still = %s", during)
	}
	if !bytes.Equal(got, testJPEG) {
		t.Fatalf("still payload mismatch")
	}
	if c.Machine().Mode() != Idle {
		t.Fatalf("mode after still = %s", c.Machine().Mode())
	}
	if c.Snapshot().Stills != 1 {
		t.Fatalf("stills = %d", c.Snapshot().Stills)
	}
}

func TestStillWhileStreamingPausesStream(t *testing.T) {
	c := newTestCoordinator(t, testJPEG, Options{PauseTimeout: time.Second})
	e, err := c.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer e.Close()
	_ = readPart(t, e, 4096)

	inServe := make(chan Mode)
	proceed := make(chan struct{})
	stillDone := make(chan error)
	go func() {
		stillDone <- c.Still(context.Background(), func(*types.FrameBuffer) error {
			inServe <- c.Machine().Mode()
			<-proceed
			return nil
		})
	}()

	// The stream acknowledges the pause at its next part boundary.
	deadline := time.Now().Add(2 * time.Second)
	for c.Machine().Mode() != Pausing {
		if time.Now().After(deadline) {
			t.Fatalf("still never requested a pause")
		}
		time.Sleep(time.Millisecond)
	}
	buf := make([]byte, 4096)
	if _, _, err := e.NextChunk(buf); !errors.Is(err, ErrTryAgain) {
		t.Fatalf("NextChunk while pausing: %v", err)
	}

	if mode := <-inServe; mode != Paused {
		t.Fatalf("mode during still = %s", mode)
	}
	for range 20 {
		if _, _, err := e.NextChunk(buf); !errors.Is(err, ErrTryAgain) {
			t.Fatalf("NextChunk while paused: %v", err)
		}
		if e.consumer.Held() != nil {
			t.Fatalf("paused stream consumed a buffer")
		}
	}

	close(proceed)
	if err := <-stillDone; err != nil {
		t.Fatalf("Still: %v", err)
	}
	if c.Machine().Mode() != Streaming {
		t.Fatalf("mode after still = %s", c.Machine().Mode())
	}
	if part := readPart(t, e, 4096); !bytes.Equal(part, expectedPart(testJPEG)) {
		t.Fatalf("stream did not resume")
	}
}

func TestStillProceedsWhenStreamDoesNotPause(t *testing.T) {
	c := newTestCoordinator(t, testJPEG, Options{PauseTimeout: 20 * time.Millisecond})
	e, _ := c.OpenStream()
	defer e.Close()

	var during Mode
	err := c.Still(context.Background(), func(*types.FrameBuffer) error {
		during = c.Machine().Mode()
		return nil
	})
	if err != nil {
		t.Fatalf("Still: %v", err)
	}
	if during != Paused {
		t.Fatalf("mode during forced still = %s", during)
	}
	if c.Machine().Mode() != Streaming {
		t.Fatalf("mode after still = %s", c.Machine().Mode())
	}
}

func TestStillNoFrame(t *testing.T) {
	c := newTestCoordinator(t, nil, Options{StillTimeout: 30 * time.Millisecond})
	err := c.Still(context.Background(), func(*types.FrameBuffer) error {
		t.Fatalf("serve called without a frame")
		return nil
	})
	if !errors.Is(err, ErrNoFrame) {
		t.Fatalf("err = %v, want ErrNoFrame", err)
	}
	if c.Machine().Mode() != Idle {
		t.Fatalf("mode = %s", c.Machine().Mode())
	}
}

func TestConcurrentStillRejected(t *testing.T) {
	c := newTestCoordinator(t, testJPEG, Options{})
	entered := make(chan struct{})
	proceed := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- c.Still(context.Background(), func(*types.FrameBuffer) error {
			close(entered)
			<-proceed
			return nil
		})
	}()
	<-entered

	if err := c.Still(context.Background(), func(*types.FrameBuffer) error { return nil }); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second still err = %v", err)
	}
	close(proceed)
	if err := <-done; err != nil {
		t.Fatalf("first still: %v", err)
	}
}

func TestStillServeErrorStillCleansUp(t *testing.T) {
	c := newTestCoordinator(t, testJPEG, Options{})
	boom := errors.New("connection reset")
	if err := c.Still(context.Background(), func(*types.FrameBuffer) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if c.Machine().Mode() != Idle || c.still.Held() != nil {
		t.Fatalf("still not cleaned up: mode %s", c.Machine().Mode())
	}
}
