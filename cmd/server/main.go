package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/camstream/internal/camera"
	"github.com/dj-oyu/camstream/internal/config"
	"github.com/dj-oyu/camstream/internal/framepool"
	"github.com/dj-oyu/camstream/internal/logger"
	"github.com/dj-oyu/camstream/internal/metrics"
	"github.com/dj-oyu/camstream/internal/rtsp"
	"github.com/dj-oyu/camstream/internal/session"
	"github.com/dj-oyu/camstream/internal/webstream"
)

// Server is the camera streaming server.
type Server struct {
	cfg     config.Config
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	metrics *metrics.Metrics

	driver framepool.Driver
	pool   *framepool.Pool
	source *framepool.Source
	rtsp   *rtsp.Server

	httpServer    *http.Server
	metricsServer *http.Server
	pprofServer   *http.Server
}

func main() {
	cfg := config.DefaultConfig()

	flag.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP server address")
	flag.StringVar(&cfg.RTSPAddr, "rtsp", cfg.RTSPAddr, "RTSP server address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Metrics server address")
	flag.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "pprof server address (empty disables)")
	flag.StringVar(&cfg.Source, "source", cfg.Source, "Frame source (pattern, ingest, v4l2)")
	flag.StringVar(&cfg.Device, "device", cfg.Device, "V4L2 device for the v4l2 source")
	flag.IntVar(&cfg.TargetFPS, "fps", cfg.TargetFPS, "Maximum frames per second per consumer")
	flag.IntVar(&cfg.Width, "width", cfg.Width, "Frame width")
	flag.IntVar(&cfg.Height, "height", cfg.Height, "Frame height")
	flag.IntVar(&cfg.Quality, "quality", cfg.Quality, "JPEG quality of the test pattern")
	flag.IntVar(&cfg.FrameBuffers, "fb-count", cfg.FrameBuffers, "Driver frame buffers (1 or 2)")
	flag.DurationVar(&cfg.MaxFrameAge, "max-frame-age", cfg.MaxFrameAge, "Reclaim published frames older than this")
	flag.DurationVar(&cfg.PauseTimeout, "pause-timeout", cfg.PauseTimeout, "Wait for a stream to pause before a still")
	flag.DurationVar(&cfg.StillTimeout, "still-timeout", cfg.StillTimeout, "Wait for a frame when serving a still")
	flag.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "MJPEG write chunk size")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&cfg.LogColor, "log-color", cfg.LogColor, "Enable colored log output")
	flag.Parse()

	// Initialize logger
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Info("Main", "Camera streaming server starting...")
	logger.Info("Main", "Log level: %s", level)
	if !cfg.AlignedTo8() {
		logger.Warn("Main", "Frame size %dx%d is not a multiple of 8, RTP dimensions will be truncated",
			cfg.Width, cfg.Height)
	}

	srv, err := NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")

	if err := srv.Shutdown(); err != nil {
		logger.Error("Main", "Error during shutdown: %v", err)
	}

	logger.Info("Main", "Server stopped")
}

// NewServer wires the capture loop, the session coordinator and the HTTP and
// RTSP surfaces.
func NewServer(cfg config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	m := metrics.New()

	var (
		driver framepool.Driver
		ingest *camera.Ingest
	)
	switch cfg.Source {
	case config.SourcePattern:
		driver = camera.NewTestPattern(camera.PatternOptions{
			Width:   cfg.Width,
			Height:  cfg.Height,
			Quality: cfg.Quality,
			FPS:     cfg.TargetFPS,
			Slots:   cfg.FrameBuffers,
			Log:     logger.For("Camera"),
		})
	case config.SourceIngest:
		ingest = camera.NewIngest(camera.IngestOptions{
			Slots: cfg.FrameBuffers,
			Log:   logger.For("Ingest"),
		})
		driver = ingest
	case config.SourceV4L2:
		cam, err := camera.NewV4L2(camera.V4L2Options{
			Device:  cfg.Device,
			Width:   cfg.Width,
			Height:  cfg.Height,
			Buffers: cfg.FrameBuffers,
			Log:     logger.For("V4L2"),
		})
		if err != nil {
			cancel()
			return nil, err
		}
		driver = cam
	default:
		cancel()
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}

	pool := framepool.New(framepool.Options{
		MaxFrameAge: cfg.MaxFrameAge,
		Metrics:     m,
		Log:         logger.For("Pool"),
	})

	coord := session.NewCoordinator(pool, session.Options{
		StreamInterval: cfg.MinInterval(),
		PauseTimeout:   cfg.PauseTimeout,
		StillTimeout:   cfg.StillTimeout,
		Metrics:        m,
		Log:            logger.For("Session"),
	})

	rtspSrv := rtsp.New(pool, rtsp.Options{
		Addr:     cfg.RTSPAddr,
		Width:    cfg.Width,
		Height:   cfg.Height,
		Interval: cfg.MinInterval(),
		Metrics:  m,
		Log:      logger.For("RTSP"),
	})

	webOpts := webstream.Options{
		ChunkSize: cfg.ChunkSize,
		Camera: webstream.Camera{
			Source: cfg.Source,
			Width:  cfg.Width,
			Height: cfg.Height,
			FPS:    cfg.TargetFPS,
		},
		RTSP:    rtspSrv,
		Metrics: m,
		Log:     logger.For("HTTP"),
	}
	if ingest != nil {
		webOpts.Ingest = ingest
	}
	web := webstream.NewServer(pool, coord, webOpts)

	srv := &Server{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		metrics: m,
		driver:  driver,
		pool:    pool,
		source:  framepool.NewSource(pool, driver),
		rtsp:    rtspSrv,
		httpServer: &http.Server{
			Addr:        cfg.HTTPAddr,
			Handler:     web.Handler(),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		metricsServer: m.NewServer(cfg.MetricsAddr),
	}
	if cfg.PprofAddr != "" {
		srv.pprofServer = &http.Server{Addr: cfg.PprofAddr, Handler: http.DefaultServeMux}
	}
	return srv, nil
}

// Start starts all server components
func (s *Server) Start() error {
	logger.Info("Main", "Starting streaming server...")
	logger.Info("Main", "  Source: %s (%dx%d @ %d fps, %d buffers)",
		s.cfg.Source, s.cfg.Width, s.cfg.Height, s.cfg.TargetFPS, s.cfg.FrameBuffers)
	logger.Info("Main", "  HTTP server: %s", s.cfg.HTTPAddr)
	logger.Info("Main", "  RTSP server: %s", s.cfg.RTSPAddr)
	logger.Info("Main", "  Metrics server: %s", s.cfg.MetricsAddr)

	if s.pprofServer != nil {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", s.cfg.PprofAddr)
			if err := s.pprofServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Main", "pprof server error: %v", err)
			}
		}()
	}

	go func() {
		if err := s.metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "Metrics server error: %v", err)
		}
	}()

	go func() {
		logger.Info("Main", "Starting HTTP server on %s", s.cfg.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Main", "HTTP server error: %v", err)
		}
	}()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.source.Run(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Main", "Capture loop error: %v", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		if err := s.rtsp.ListenAndServe(s.ctx); err != nil {
			logger.Error("Main", "RTSP server error: %v", err)
		}
	}()

	logger.Info("Main", "Server started successfully")
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Request contexts derive from s.ctx, so open streams end here too.
	s.cancel()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()

	st := s.pool.Stats()
	logger.Info("Main", "Frames published=%d taken=%d reclaimed=%d failures=%d",
		st.Published, st.Taken, st.Reclaimed, st.Failures)

	var closeErr error
	if c, ok := s.driver.(io.Closer); ok {
		closeErr = c.Close()
	}

	return errors.Join(
		err,
		closeErr,
		s.metricsServer.Shutdown(ctx),
		s.shutdownPprof(ctx),
	)
}

func (s *Server) shutdownPprof(ctx context.Context) error {
	if s.pprofServer == nil {
		return nil
	}
	return s.pprofServer.Shutdown(ctx)
}
