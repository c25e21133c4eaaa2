package camera

import (
	"bytes"
	"context"
	"image/jpeg"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/camstream/internal/logger"
	"github.com/dj-oyu/camstream/pkg/types"
)

// IngestOptions configures an Ingest driver.
type IngestOptions struct {
	// Slots bounds how many received frames wait for the capture loop.
	Slots          int
	MaxMessageSize int64
	Log            *logger.Module
}

// Ingest accepts binary JPEG messages from one WebSocket publisher and
// serves them to the capture loop. Older frames are dropped when the capture
// loop falls behind.
type Ingest struct {
	upgrader websocket.Upgrader
	frames   chan *types.FrameBuffer
	maxSize  int64
	log      *logger.Module

	mu        sync.Mutex
	connected bool

	received atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64
}

// NewIngest creates an ingest endpoint.
func NewIngest(opts IngestOptions) *Ingest {
	if opts.Slots < 1 {
		opts.Slots = 1
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4 << 20
	}
	if opts.Log == nil {
		opts.Log = logger.For("Ingest")
	}
	return &Ingest{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		frames:  make(chan *types.FrameBuffer, opts.Slots),
		maxSize: opts.MaxMessageSize,
		log:     opts.Log,
	}
}

// ServeHTTP upgrades the publisher connection and reads frames until it
// closes. A second publisher is refused with 409.
func (in *Ingest) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	in.mu.Lock()
	if in.connected {
		in.mu.Unlock()
		http.Error(w, "publisher already connected", http.StatusConflict)
		return
	}
	in.connected = true
	in.mu.Unlock()
	defer func() {
		in.mu.Lock()
		in.connected = false
		in.mu.Unlock()
	}()

	conn, err := in.upgrader.Upgrade(w, r, nil)
	if err != nil {
		in.log.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(in.maxSize)

	remote := conn.RemoteAddr().String()
	in.log.Info("publisher connected: %s", remote)
	defer in.log.Info("publisher disconnected: %s", remote)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				in.log.Debug("read error from %s: %v", remote, err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		in.push(message)
	}
}

func (in *Ingest) push(data []byte) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		in.rejected.Add(1)
		in.log.Warn("discarding non-JPEG message (%d bytes): %v", len(data), err)
		return
	}
	fb := &types.FrameBuffer{
		Data:      data,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Encoding:  types.EncodingJPEG,
		Timestamp: time.Now(),
	}
	in.received.Add(1)

	for {
		select {
		case in.frames <- fb:
			return
		default:
		}
		select {
		case <-in.frames:
			in.dropped.Add(1)
		default:
		}
	}
}

// Get blocks until the publisher delivers a frame.
func (in *Ingest) Get(ctx context.Context) (*types.FrameBuffer, error) {
	select {
	case fb := <-in.frames:
		return fb, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Return is a no-op: every message owns a fresh buffer.
func (in *Ingest) Return(*types.FrameBuffer) {}

// IngestStats counts publisher messages.
type IngestStats struct {
	Connected bool   `json:"connected"`
	Received  uint64 `json:"received"`
	Rejected  uint64 `json:"rejected"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns the current counters.
func (in *Ingest) Stats() IngestStats {
	in.mu.Lock()
	connected := in.connected
	in.mu.Unlock()
	return IngestStats{
		Connected: connected,
		Received:  in.received.Load(),
		Rejected:  in.rejected.Load(),
		Dropped:   in.dropped.Load(),
	}
}
