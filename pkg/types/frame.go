package types

import "time"

// Encoding identifies the payload format carried in a FrameBuffer.
type Encoding uint8

const (
	EncodingJPEG Encoding = iota
)

func (e Encoding) String() string {
	switch e {
	case EncodingJPEG:
		return "jpeg"
	default:
		return "unknown"
	}
}

// FrameBuffer is one captured frame. It is owned by exactly one stage at a
// time (driver, pool, consumer) and must not be modified once published.
type FrameBuffer struct {
	Data      []byte    // Encoded image bytes
	Width     int       // Frame width in pixels
	Height    int       // Frame height in pixels
	Encoding  Encoding  // Always EncodingJPEG today
	Timestamp time.Time // Capture time
	Seq       uint64    // Sequential capture number
	Slot      int       // Index into the driver's buffer ring
}

// Len returns the payload length in bytes.
func (f *FrameBuffer) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Data)
}
