package camera

import (
	"errors"

	"github.com/dj-oyu/camstream/internal/logger"
)

// ErrV4L2Unsupported is returned by NewV4L2 on platforms without V4L2.
var ErrV4L2Unsupported = errors.New("camera: v4l2 capture is only available on linux")

// V4L2Options configures a V4L2 capture device.
type V4L2Options struct {
	Device string
	Width  int
	Height int
	// Buffers is the number of driver-owned mmap buffers requested.
	Buffers int
	Log     *logger.Module
}

// pixFmtMJPEG is the V4L2 fourcc 'MJPG'.
const pixFmtMJPEG = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24
