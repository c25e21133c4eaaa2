// Package rtpjpeg fragments JPEG scan data into RFC 2435 RTP packets framed
// for RTSP interleaved transport.
package rtpjpeg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/dj-oyu/camstream/internal/jpegscan"
	"github.com/dj-oyu/camstream/internal/logger"
)

const (
	// ClockRate is the RTP clock for JPEG video.
	ClockRate = 90000
	// PayloadType is the static RTP payload type for JPEG.
	PayloadType = 26
	// DefaultSSRC identifies the single stream this server sends.
	DefaultSSRC = 0x13f97e67
	// MaxFragmentSize bounds the scan bytes carried by one packet.
	MaxFragmentSize = 1100
	// DefaultQuality is sent when no tables travel with the packet.
	DefaultQuality = 0x5E
	// TableQuality signals in-band quantization tables.
	TableQuality = 128

	interleavedSize = 4
	rtpHeaderSize   = 12
	jpegHeaderSize  = 8
	qtHeaderSize    = 4
	qtDataSize      = 2 * jpegscan.QTableSize

	// HeaderOverhead is the per-packet framing around a fragment.
	HeaderOverhead = interleavedSize + rtpHeaderSize + jpegHeaderSize
	// MaxPacketSize is the largest packet Packetize can emit.
	MaxPacketSize = HeaderOverhead + qtHeaderSize + qtDataSize + MaxFragmentSize

	// maxDimension is the largest size representable in the 8-bit /8 fields.
	maxDimension = 255 * 8
	// fallbackDelta replaces a negative wall-clock delta.
	fallbackDelta = 100 * time.Millisecond
)

// ErrDecodeFailed is returned when a frame cannot be parsed as JPEG. It wraps
// the scanner error.
var ErrDecodeFailed = errors.New("rtpjpeg: cannot decode jpeg data")

// Frame is one image's scan data plus what the JPEG header needs.
type Frame struct {
	// Scan is the entropy-coded data followed by the 2-byte EOI marker; the
	// final fragment drops those two bytes.
	Scan    []byte
	Width   int
	Height  int
	QTable0 []byte
	QTable1 []byte
}

// Emit writes one packet. The slice is reused for the next packet, so it must
// not be retained.
type Emit func(packet []byte) error

// Options configures a Packetizer.
type Options struct {
	Channel uint8
	SSRC    uint32
	Now     func() time.Time
	Log     *logger.Module
}

// Packetizer holds the RTP emission state for one stream.
type Packetizer struct {
	mu       sync.Mutex
	channel  uint8
	ssrc     uint32
	seq      uint16
	ts       uint32
	lastTime time.Time
	now      func() time.Time
	log      *logger.Module
	warned   bool
	buf      []byte
}

// New returns a packetizer starting at sequence 0 and timestamp 0.
func New(opts Options) *Packetizer {
	if opts.SSRC == 0 {
		opts.SSRC = DefaultSSRC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logger.For("RTP")
	}
	return &Packetizer{
		channel:  opts.Channel,
		ssrc:     opts.SSRC,
		now:      opts.Now,
		log:      opts.Log,
		lastTime: opts.Now(),
		buf:      make([]byte, MaxPacketSize),
	}
}

// Sequence returns the sequence number the next packet will carry.
func (p *Packetizer) Sequence() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// SetSequence sets the next sequence number.
func (p *Packetizer) SetSequence(seq uint16) {
	p.mu.Lock()
	p.seq = seq
	p.mu.Unlock()
}

// SetChannel changes the interleaved channel written into the prefix.
func (p *Packetizer) SetChannel(ch uint8) {
	p.mu.Lock()
	p.channel = ch
	p.mu.Unlock()
}

// Timestamp returns the RTP timestamp of the most recent frame.
func (p *Packetizer) Timestamp() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ts
}

// PushJPEG parses a complete JPEG image and packetizes its scan. Nothing is
// emitted when parsing fails. Zero width or height fall back to the SOF header.
func (p *Packetizer) PushJPEG(data []byte, width, height int, emit Emit) error {
	s, err := jpegscan.Parse(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	if width <= 0 || height <= 0 {
		width, height = s.Width, s.Height
	}
	return p.Packetize(Frame{
		Scan:    s.Payload(),
		Width:   width,
		Height:  height,
		QTable0: s.QTable0,
		QTable1: s.QTable1,
	}, emit)
}

// Packetize advances the timestamp by the wall-clock time since the previous
// frame and emits the fragments in offset order. The sequence number moves
// only after emit succeeds; the first emit error aborts the frame.
func (p *Packetizer) Packetize(f Frame, emit Emit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	delta := now.Sub(p.lastTime)
	if delta < 0 {
		delta = fallbackDelta
	}
	p.lastTime = now
	p.ts += uint32(ClockRate * delta.Milliseconds() / 1000)

	w8, h8 := p.dimension(f.Width), p.dimension(f.Height)
	withTables := len(f.QTable0) == jpegscan.QTableSize && len(f.QTable1) == jpegscan.QTableSize

	length := len(f.Scan)
	offset := 0
	for {
		fragLen := MaxFragmentSize
		last := false
		if offset+fragLen >= length {
			// The EOI marker sits at the end of the last fragment.
			fragLen = max(length-offset-2, 0)
			last = true
		}
		tables := withTables && offset == 0

		n, err := p.build(f, offset, fragLen, last, tables, w8, h8)
		if err != nil {
			return err
		}
		if err := emit(p.buf[:n]); err != nil {
			return err
		}
		p.seq++
		offset += fragLen
		if last {
			return nil
		}
	}
}

func (p *Packetizer) build(f Frame, offset, fragLen int, last, tables bool, w8, h8 byte) (int, error) {
	buf := p.buf
	total := HeaderOverhead + fragLen
	if tables {
		total += qtHeaderSize + qtDataSize
	}

	buf[0] = '$'
	buf[1] = p.channel
	binary.BigEndian.PutUint16(buf[2:], uint16(total-interleavedSize))

	hdr := rtp.Header{
		Version:        2,
		Marker:         last,
		PayloadType:    PayloadType,
		SequenceNumber: p.seq,
		Timestamp:      p.ts,
		SSRC:           p.ssrc,
	}
	if _, err := hdr.MarshalTo(buf[interleavedSize:]); err != nil {
		return 0, fmt.Errorf("marshal rtp header: %w", err)
	}

	j := buf[interleavedSize+rtpHeaderSize:]
	j[0] = 0 // type-specific
	j[1] = byte(offset >> 16)
	j[2] = byte(offset >> 8)
	j[3] = byte(offset)
	j[4] = 0 // type 0
	if tables {
		j[5] = TableQuality
	} else {
		j[5] = DefaultQuality
	}
	j[6] = w8
	j[7] = h8

	pos := HeaderOverhead
	if tables {
		buf[pos] = 0   // MBZ
		buf[pos+1] = 0 // 8-bit precision
		binary.BigEndian.PutUint16(buf[pos+2:], qtDataSize)
		pos += qtHeaderSize
		pos += copy(buf[pos:], f.QTable0)
		pos += copy(buf[pos:], f.QTable1)
	}
	pos += copy(buf[pos:], f.Scan[offset:offset+fragLen])
	return pos, nil
}

// dimension encodes a pixel size as size/8, clamped to the 8-bit field.
func (p *Packetizer) dimension(v int) byte {
	if (v%8 != 0 || v > maxDimension) && !p.warned {
		p.warned = true
		p.log.Warn("frame dimension %d is not encodable exactly in the RTP JPEG header", v)
	}
	v = min(max(v, 0), maxDimension)
	return byte(v / 8)
}
