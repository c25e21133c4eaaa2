//go:build linux

package camera

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blackjack/webcam"

	"github.com/dj-oyu/camstream/internal/logger"
	"github.com/dj-oyu/camstream/pkg/types"
)

// waitSeconds bounds one WaitForFrame call so Get notices cancellation.
const waitSeconds = 1

// V4L2 captures MJPEG frames from a UVC camera. Frames point into the
// driver's mmap buffers and stay valid until Return.
type V4L2 struct {
	cam    *webcam.Webcam
	opts   V4L2Options
	width  int
	height int
	log    *logger.Module
}

// NewV4L2 opens the device, selects MJPEG at the requested size and starts
// streaming.
func NewV4L2(opts V4L2Options) (*V4L2, error) {
	if opts.Log == nil {
		opts.Log = logger.For("V4L2")
	}
	if opts.Buffers < 1 {
		opts.Buffers = 2
	}

	cam, err := webcam.Open(opts.Device)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Device, err)
	}

	formats := cam.GetSupportedFormats()
	if _, ok := formats[webcam.PixelFormat(pixFmtMJPEG)]; !ok {
		cam.Close()
		return nil, fmt.Errorf("%s does not offer MJPEG (formats: %v)", opts.Device, formats)
	}

	_, w, h, err := cam.SetImageFormat(webcam.PixelFormat(pixFmtMJPEG), uint32(opts.Width), uint32(opts.Height))
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("set format %dx%d: %w", opts.Width, opts.Height, err)
	}
	if int(w) != opts.Width || int(h) != opts.Height {
		opts.Log.Warn("device chose %dx%d instead of %dx%d", w, h, opts.Width, opts.Height)
	}

	if err := cam.SetBufferCount(uint32(opts.Buffers)); err != nil {
		cam.Close()
		return nil, fmt.Errorf("set buffer count %d: %w", opts.Buffers, err)
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, fmt.Errorf("start streaming: %w", err)
	}

	opts.Log.Info("capturing MJPEG %dx%d from %s (%d buffers)", w, h, opts.Device, opts.Buffers)
	return &V4L2{cam: cam, opts: opts, width: int(w), height: int(h), log: opts.Log}, nil
}

// Get blocks until the device fills a buffer.
func (v *V4L2) Get(ctx context.Context) (*types.FrameBuffer, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := v.cam.WaitForFrame(waitSeconds)
		var timeout *webcam.Timeout
		switch {
		case errors.As(err, &timeout):
			v.log.Debug("no frame within %ds", waitSeconds)
			continue
		case err != nil:
			return nil, fmt.Errorf("wait for frame: %w", err)
		}

		data, index, err := v.cam.GetFrame()
		if err != nil {
			return nil, fmt.Errorf("get frame: %w", err)
		}
		return &types.FrameBuffer{
			Data:      data,
			Width:     v.width,
			Height:    v.height,
			Encoding:  types.EncodingJPEG,
			Timestamp: time.Now(),
			Slot:      int(index),
		}, nil
	}
}

// Return hands the mmap buffer back to the device.
func (v *V4L2) Return(fb *types.FrameBuffer) {
	if fb == nil {
		return
	}
	if err := v.cam.ReleaseFrame(uint32(fb.Slot)); err != nil {
		v.log.Error("release buffer %d: %v", fb.Slot, err)
	}
}

// Close stops streaming and closes the device.
func (v *V4L2) Close() error {
	return errors.Join(v.cam.StopStreaming(), v.cam.Close())
}
