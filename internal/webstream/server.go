// Package webstream serves the camera over HTTP: a multipart MJPEG stream,
// single stills, status and health endpoints.
package webstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/camstream/internal/framepool"
	"github.com/dj-oyu/camstream/internal/logger"
	"github.com/dj-oyu/camstream/internal/metrics"
	"github.com/dj-oyu/camstream/internal/rtsp"
	"github.com/dj-oyu/camstream/internal/session"
)

// RTSPStatus reports the RTSP client for /status.
type RTSPStatus interface {
	Client() (rtsp.ClientInfo, bool)
}

// Camera describes the capture configuration shown in /status.
type Camera struct {
	Source string `json:"source"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	FPS    int    `json:"fps"`
}

// Options configures a Server.
type Options struct {
	ChunkSize      int
	StatusInterval time.Duration
	Camera         Camera
	// Ingest, when set, is mounted at /ingest.
	Ingest  http.Handler
	RTSP    RTSPStatus
	Metrics *metrics.Metrics
	Log     *logger.Module
}

// Server serves the HTTP endpoints.
type Server struct {
	pool    *framepool.Pool
	coord   *session.Coordinator
	opts    Options
	metrics *metrics.Metrics
	log     *logger.Module
	started time.Time
}

// NewServer returns a server handing frames out through coord.
func NewServer(pool *framepool.Pool, coord *session.Coordinator, opts Options) *Server {
	if opts.ChunkSize < session.MinChunkSize {
		opts.ChunkSize = 4096
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = 2 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Log == nil {
		opts.Log = logger.For("HTTP")
	}
	return &Server{
		pool:    pool,
		coord:   coord,
		opts:    opts,
		metrics: opts.Metrics,
		log:     opts.Log,
		started: time.Now(),
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/still", s.handleStill)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/stream", s.handleStatusStream)
	mux.HandleFunc("/health", s.handleHealth)
	if s.opts.Ingest != nil {
		mux.Handle("/ingest", s.opts.Ingest)
	}

	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, indexHTML, s.opts.Camera.Width, s.opts.Camera.Height)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "ok",
		"mode":      s.coord.Machine().Mode().String(),
		"timestamp": float64(time.Now().Unix()),
	})
}

func (s *Server) status() map[string]any {
	payload := map[string]any{
		"camera":         s.opts.Camera,
		"session":        s.coord.Snapshot(),
		"pool":           s.pool.Stats(),
		"uptime_seconds": time.Since(s.started).Seconds(),
		"timestamp":      float64(time.Now().Unix()),
	}
	if s.opts.RTSP != nil {
		if client, ok := s.opts.RTSP.Client(); ok {
			payload["rtsp"] = client
		} else {
			payload["rtsp"] = nil
		}
	}
	return payload
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := s.status()

	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf") {
		data, err := marshalStruct(payload)
		if err != nil {
			s.log.Error("failed to encode status: %v", err)
			writeJSONWithStatus(w, map[string]any{"error": "encoding failed"}, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-protobuf")
		_, _ = w.Write(data)
		return
	}

	writeJSON(w, payload)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.status()); err != nil {
			return
		}
		flusher.Flush()
		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}

// marshalStruct encodes a JSON-shaped payload as a google.protobuf.Struct.
func marshalStruct(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(generic)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
