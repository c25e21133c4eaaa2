// Package rtsp is a minimal single-client RTSP responder that pushes camera
// frames as RTP/JPEG over the RTSP TCP connection.
package rtsp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/dj-oyu/camstream/internal/framepool"
	"github.com/dj-oyu/camstream/internal/logger"
	"github.com/dj-oyu/camstream/internal/metrics"
)

// Options configures a Server.
type Options struct {
	Addr string
	// Width and Height describe the stream in SDP and in the RTP JPEG header
	// when the frame itself carries no size.
	Width  int
	Height int
	// Interval is the minimum spacing between pushed frames.
	Interval     time.Duration
	WriteTimeout time.Duration
	Metrics      *metrics.Metrics
	Log          *logger.Module
}

// Server accepts one RTSP client at a time.
type Server struct {
	pool    *framepool.Pool
	opts    Options
	metrics *metrics.Metrics
	log     *logger.Module

	mu     sync.Mutex
	ln     net.Listener
	active *conn
	wg     sync.WaitGroup
}

// New creates a Server drawing frames from pool.
func New(pool *framepool.Pool, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":554"
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Log == nil {
		opts.Log = logger.For("RTSP")
	}
	return &Server{pool: pool, opts: opts, metrics: opts.Metrics, log: opts.Log}
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or ln fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("RTSP server listening on %s", ln.Addr())

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.closeActive()
				s.wg.Wait()
				return nil
			}
			s.log.Error("failed to accept client: %v", err)
			continue
		}

		c := newConn(s, nc)
		s.mu.Lock()
		busy := s.active != nil
		if !busy {
			s.active = c
		}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if busy {
				c.reject()
				return
			}
			c.serve(ctx)
			s.mu.Lock()
			if s.active == c {
				s.active = nil
			}
			s.mu.Unlock()
		}()
	}
}

// Addr returns the listener address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// HasClients reports whether a client is currently playing.
func (s *Server) HasClients() bool {
	s.mu.Lock()
	c := s.active
	s.mu.Unlock()
	return c != nil && c.isPlaying()
}

// ClientInfo describes the connected client for status output.
type ClientInfo struct {
	Remote  string `json:"remote"`
	Session string `json:"session,omitempty"`
	Playing bool   `json:"playing"`
}

// Client returns the connected client, if any.
func (s *Server) Client() (ClientInfo, bool) {
	s.mu.Lock()
	c := s.active
	s.mu.Unlock()
	if c == nil {
		return ClientInfo{}, false
	}
	return c.info(), true
}

func (s *Server) closeActive() {
	s.mu.Lock()
	c := s.active
	s.mu.Unlock()
	if c != nil {
		c.close()
	}
}
