package config

import (
	"errors"
	"fmt"
	"time"
)

// Source names accepted for Config.Source.
const (
	SourcePattern = "pattern"
	SourceIngest  = "ingest"
	SourceV4L2    = "v4l2"
)

// minChunkSize fits the longest multipart header line plus the boundary.
const minChunkSize = 64

// Config defines the runtime configuration for the camera streaming server.
type Config struct {
	HTTPAddr    string
	RTSPAddr    string
	MetricsAddr string
	PprofAddr   string

	Source       string
	Device       string
	TargetFPS    int
	Width        int
	Height       int
	Quality      int
	FrameBuffers int

	MaxFrameAge  time.Duration
	PauseTimeout time.Duration
	StillTimeout time.Duration
	ChunkSize    int

	LogLevel string
	LogColor bool
}

// DefaultConfig returns the settings used by the reference camera: VGA at 25 fps
// with a two-slot driver ring.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:     ":8080",
		RTSPAddr:     ":554",
		MetricsAddr:  ":9090",
		Source:       SourcePattern,
		Device:       "/dev/video0",
		TargetFPS:    25,
		Width:        640,
		Height:       480,
		Quality:      80,
		FrameBuffers: 2,
		MaxFrameAge:  500 * time.Millisecond,
		PauseTimeout: 300 * time.Millisecond,
		StillTimeout: 2 * time.Second,
		ChunkSize:    4096,
		LogLevel:     "info",
		LogColor:     true,
	}
}

// Validate returns every invalid field joined into one error.
func (c Config) Validate() error {
	var errs []error
	if c.TargetFPS <= 0 {
		errs = append(errs, fmt.Errorf("fps must be positive, got %d", c.TargetFPS))
	}
	if c.Width <= 0 || c.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid frame size %dx%d", c.Width, c.Height))
	}
	if c.FrameBuffers < 1 || c.FrameBuffers > 2 {
		errs = append(errs, fmt.Errorf("fb-count must be 1 or 2, got %d", c.FrameBuffers))
	}
	if c.Quality < 1 || c.Quality > 100 {
		errs = append(errs, fmt.Errorf("quality must be within 1..100, got %d", c.Quality))
	}
	if c.ChunkSize < minChunkSize {
		errs = append(errs, fmt.Errorf("chunk-size must be at least %d, got %d", minChunkSize, c.ChunkSize))
	}
	switch c.Source {
	case SourcePattern, SourceIngest:
	case SourceV4L2:
		if c.Device == "" {
			errs = append(errs, errors.New("v4l2 source needs a device"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown source %q", c.Source))
	}
	if c.PauseTimeout < 0 || c.StillTimeout <= 0 || c.MaxFrameAge < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	return errors.Join(errs...)
}

// MinInterval is the minimum spacing between frame acquisitions.
func (c Config) MinInterval() time.Duration {
	if c.TargetFPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.TargetFPS)
}

// AlignedTo8 reports whether both dimensions survive the /8 encoding used in
// the RTP JPEG header without truncation.
func (c Config) AlignedTo8() bool {
	return c.Width%8 == 0 && c.Height%8 == 0
}
