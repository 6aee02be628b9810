package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameHeaderSize is the size of the u32 little-endian length prefix.
const FrameHeaderSize = 4

// MaxFrameLength is the largest payload a frame may carry.
const MaxFrameLength = 1<<31 - 1

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLength {
		return fmt.Errorf("writing frame: payload %d exceeds maximum %d", len(payload), MaxFrameLength)
	}
	var header [FrameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// Receiver is the per-connection receive state machine. Bytes read off
// the socket are fed in arbitrary chunks; complete frame payloads come
// out. expected == -1 means the length prefix is still being gathered.
type Receiver struct {
	buf      []byte
	expected int
}

// NewReceiver returns a Receiver awaiting a length prefix.
func NewReceiver() *Receiver {
	return &Receiver{expected: -1}
}

// Feed consumes a chunk of stream bytes and appends any completed
// frame payloads to frames. The returned slices are freshly allocated
// and safe to retain.
func (r *Receiver) Feed(chunk []byte, frames [][]byte) ([][]byte, error) {
	r.buf = append(r.buf, chunk...)

	for {
		if r.expected == -1 {
			if len(r.buf) < FrameHeaderSize {
				return frames, nil
			}
			length := binary.LittleEndian.Uint32(r.buf[:FrameHeaderSize])
			if length > MaxFrameLength {
				return frames, fmt.Errorf("frame length %d exceeds maximum %d", length, MaxFrameLength)
			}
			r.expected = int(length)
			r.buf = append(r.buf[:0], r.buf[FrameHeaderSize:]...)
		}

		if len(r.buf) < r.expected {
			return frames, nil
		}

		payload := make([]byte, r.expected)
		copy(payload, r.buf[:r.expected])
		r.buf = append(r.buf[:0], r.buf[r.expected:]...)
		r.expected = -1
		frames = append(frames, payload)
	}
}

// ReadFrame reads one complete frame payload from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length > MaxFrameLength {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", length, MaxFrameLength)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}
