package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Capture loop
	FramesCaptured  atomic.Uint64
	CaptureErrors   atomic.Uint64
	FramesReclaimed atomic.Uint64 // published but never taken, returned to the driver
	CorruptBuffers  atomic.Uint64

	// HTTP surface
	StreamFrames     atomic.Uint64
	StillsServed     atomic.Uint64
	StillFailures    atomic.Uint64
	StreamConflicts  atomic.Uint64
	StillConflicts   atomic.Uint64
	WriteFailures    atomic.Uint64
	ActiveStreams    atomic.Uint64
	CaptureLatencyMs atomic.Uint64 // age of the last frame handed to a consumer

	// RTSP/RTP
	RTPPackets     atomic.Uint64
	RTPFrames      atomic.Uint64
	RTPBytes       atomic.Uint64
	DecodeFailures atomic.Uint64
	RTSPClients    atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) registerPrometheusMetrics() {
	m.counter("camstream_frames_captured_total", "Frames published by the capture loop", &m.FramesCaptured)
	m.counter("camstream_capture_errors_total", "Driver acquisitions that returned no frame", &m.CaptureErrors)
	m.counter("camstream_frames_reclaimed_total", "Published frames returned to the driver before any consumer took them", &m.FramesReclaimed)
	m.counter("camstream_corrupt_buffers_total", "Zero-length buffers discarded by consumers", &m.CorruptBuffers)

	m.counter("camstream_stream_frames_total", "Multipart frames fully written to /stream clients", &m.StreamFrames)
	m.counter("camstream_stills_served_total", "Still images served", &m.StillsServed)
	m.counter("camstream_still_failures_total", "Still requests answered with 500", &m.StillFailures)
	m.counter("camstream_stream_conflicts_total", "Rejected concurrent /stream requests", &m.StreamConflicts)
	m.counter("camstream_still_conflicts_total", "Rejected concurrent /still requests", &m.StillConflicts)
	m.counter("camstream_write_failures_total", "Transport writes that failed and ended a response", &m.WriteFailures)
	m.gauge("camstream_active_streams", "Active MJPEG streams (0 or 1)", &m.ActiveStreams)
	m.gauge("camstream_capture_latency_ms", "Age of the last frame handed to a consumer", &m.CaptureLatencyMs)

	m.counter("camstream_rtp_packets_total", "RTP/JPEG packets written", &m.RTPPackets)
	m.counter("camstream_rtp_frames_total", "Frames packetized for RTSP", &m.RTPFrames)
	m.counter("camstream_rtp_bytes_total", "Interleaved bytes written to RTSP clients", &m.RTPBytes)
	m.counter("camstream_decode_failures_total", "Frames dropped because the JPEG could not be parsed", &m.DecodeFailures)
	m.gauge("camstream_rtsp_clients", "Playing RTSP clients (0 or 1)", &m.RTSPClients)
}

// ObserveFrameAge records how old a frame was when it reached a consumer.
func (m *Metrics) ObserveFrameAge(captured time.Time) {
	if captured.IsZero() {
		return
	}
	m.CaptureLatencyMs.Store(uint64(time.Since(captured).Milliseconds()))
}

// Registry exposes the private registry so callers can add collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
