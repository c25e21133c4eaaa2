// Package jpegscan locates the entropy-coded scan, the end-of-image marker and
// the 8-bit quantization tables inside a baseline JPEG without decoding it.
package jpegscan

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Marker type bytes (the byte following 0xFF).
const (
	MarkerSOI  = 0xD8
	MarkerEOI  = 0xD9
	MarkerAPP0 = 0xE0
	MarkerDQT  = 0xDB
	MarkerDHT  = 0xC4
	MarkerSOF0 = 0xC0
	MarkerSOF1 = 0xC1
	MarkerSOS  = 0xDA
	MarkerTEM  = 0x01
	MarkerRST0 = 0xD0
	MarkerRST7 = 0xD7
)

// QTableSize is the size of one 8-bit precision quantization table.
const QTableSize = 64

// ErrMalformed is returned when SOI, SOS or EOI cannot be located, or when a
// segment length points outside the buffer.
var ErrMalformed = errors.New("jpegscan: malformed jpeg")

var eoi = []byte{0xFF, MarkerEOI}

// Scan describes where the pieces of one JPEG image live in its buffer.
type Scan struct {
	// Offset is the first byte of entropy-coded data, past the SOS header.
	Offset int
	// Length counts scan bytes up to, not including, the EOI marker.
	Length int
	// QTable0 and QTable1 alias the input buffer and are nil when absent.
	QTable0 []byte
	QTable1 []byte
	// Width and Height come from the SOF0/SOF1 header when present.
	Width  int
	Height int

	data []byte
}

// HasTables reports whether both quantization tables were found.
func (s *Scan) HasTables() bool {
	return s.QTable0 != nil && s.QTable1 != nil
}

// Data returns the scan bytes without the EOI marker.
func (s *Scan) Data() []byte {
	return s.data[s.Offset : s.Offset+s.Length]
}

// Payload returns the scan bytes followed by the two EOI bytes.
func (s *Scan) Payload() []byte {
	return s.data[s.Offset : s.Offset+s.Length+len(eoi)]
}

// Parse walks the marker segments of data. Any marker carrying a length field
// is skipped by that length; SOI, TEM and RSTn carry none. Fill bytes (0xFF
// runs) before a marker are tolerated.
func Parse(data []byte) (*Scan, error) {
	pos, err := findSOI(data)
	if err != nil {
		return nil, err
	}

	s := &Scan{data: data}
	for {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("%w: start of scan not found", ErrMalformed)
		}
		if data[pos] != 0xFF {
			return nil, fmt.Errorf("%w: expected marker at %d, got 0x%02x", ErrMalformed, pos, data[pos])
		}
		marker := data[pos+1]
		pos += 2

		switch {
		case marker == 0xFF:
			pos-- // fill byte
			continue
		case marker == MarkerSOI, marker == MarkerTEM,
			marker >= MarkerRST0 && marker <= MarkerRST7:
			continue
		case marker == MarkerEOI:
			return nil, fmt.Errorf("%w: end of image before start of scan", ErrMalformed)
		}

		if pos+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated length for marker 0x%02x", ErrMalformed, marker)
		}
		segLen := int(binary.BigEndian.Uint16(data[pos:]))
		if segLen < 2 || pos+segLen > len(data) {
			return nil, fmt.Errorf("%w: marker 0x%02x length %d exceeds buffer", ErrMalformed, marker, segLen)
		}
		body := data[pos+2 : pos+segLen]

		switch marker {
		case MarkerDQT:
			s.addTables(body)
		case MarkerSOF0, MarkerSOF1:
			// precision(1) height(2) width(2)
			if len(body) >= 5 {
				s.Height = int(binary.BigEndian.Uint16(body[1:]))
				s.Width = int(binary.BigEndian.Uint16(body[3:]))
			}
		case MarkerSOS:
			s.Offset = pos + segLen
			end := bytes.Index(data[s.Offset:], eoi)
			if end < 0 {
				return nil, fmt.Errorf("%w: end of image not found", ErrMalformed)
			}
			s.Length = end
			return s, nil
		}
		pos += segLen
	}
}

// findSOI runs the generic marker search for SOI from the start of data and
// returns the offset just past it.
func findSOI(data []byte) (int, error) {
	pos := 0
	for pos+2 <= len(data) {
		if data[pos] != 0xFF {
			break
		}
		marker := data[pos+1]
		pos += 2
		if marker == MarkerSOI {
			return pos, nil
		}
		switch marker {
		case MarkerAPP0, MarkerDQT, MarkerDHT, MarkerSOF0, MarkerSOS:
			if pos+2 > len(data) {
				return 0, fmt.Errorf("%w: start of image not found", ErrMalformed)
			}
			pos += int(binary.BigEndian.Uint16(data[pos:]))
		}
	}
	return 0, fmt.Errorf("%w: start of image not found", ErrMalformed)
}

// addTables records 8-bit tables from one DQT body in order of appearance.
// A single segment may define both tables.
func (s *Scan) addTables(body []byte) {
	for i := 0; i < len(body); {
		precision := body[i] >> 4
		size := QTableSize
		if precision != 0 {
			size *= 2
		}
		if i+1+size > len(body) {
			return
		}
		if precision == 0 {
			table := body[i+1 : i+1+size : i+1+size]
			switch {
			case s.QTable0 == nil:
				s.QTable0 = table
			case s.QTable1 == nil:
				s.QTable1 = table
			}
		}
		i += 1 + size
	}
}
