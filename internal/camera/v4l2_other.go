//go:build !linux

package camera

import (
	"context"

	"github.com/dj-oyu/camstream/pkg/types"
)

// V4L2 is unavailable on this platform.
type V4L2 struct{}

// NewV4L2 always fails outside linux.
func NewV4L2(V4L2Options) (*V4L2, error) { return nil, ErrV4L2Unsupported }

func (*V4L2) Get(ctx context.Context) (*types.FrameBuffer, error) { return nil, ErrV4L2Unsupported }

func (*V4L2) Return(*types.FrameBuffer) {}

func (*V4L2) Close() error { return nil }
