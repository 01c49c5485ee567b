// Package wire encodes CAN frames for the TCP side of the bridge. Each frame is
// a fixed 16-byte record laid out like a Linux struct can_frame:
//
//	id u32 LE | len u8 | 3 bytes padding | data[8]
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
)

// FrameSize is the size of one frame on the socket.
const FrameSize = 16

var (
	// ErrFrameSize is returned when a buffer is not exactly FrameSize bytes.
	ErrFrameSize = errors.New("wire: bad frame size")
	// ErrInvalidLength is returned when a frame length is outside 0..8.
	ErrInvalidLength = errors.New("wire: invalid length")
)

// Codec encodes/decodes socket frames. Stateless and safe for concurrent use.
type Codec struct{}

// Marshal returns the wire image of f. Data past Len is zeroed.
func (Codec) Marshal(f can.Frame) [FrameSize]byte {
	var b [FrameSize]byte
	binary.LittleEndian.PutUint32(b[0:4], f.CANID)
	b[4] = f.Len
	copy(b[8:], f.Payload())
	return b
}

// Unmarshal decodes exactly one frame.
func (Codec) Unmarshal(b []byte) (can.Frame, error) {
	var f can.Frame
	if len(b) != FrameSize {
		return f, fmt.Errorf("%w: %d", ErrFrameSize, len(b))
	}
	f.CANID = binary.LittleEndian.Uint32(b[0:4])
	if b[4] > can.MaxLen {
		return f, fmt.Errorf("%w (%d)", ErrInvalidLength, b[4])
	}
	f.Len = b[4]
	copy(f.Data[:f.Len], b[8:8+int(f.Len)])
	return f, nil
}

// Encode packs frames back to back.
func (c Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * FrameSize)
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes frames to w and returns bytes written.
func (c Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	for _, f := range frames {
		b := c.Marshal(f)
		n, err := w.Write(b[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("wire encode: %w", err)
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. It returns io.EOF at a clean frame
// boundary and io.ErrUnexpectedEOF when the stream ends mid-frame.
func (c Codec) Decode(r io.Reader) (can.Frame, error) {
	var b [FrameSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return can.Frame{}, err
	}
	return c.Unmarshal(b[:])
}

// DecodeN decodes up to max frames (max<=0: until error) invoking onFrame for each.
// It returns the number decoded and the terminal error (io.EOF at a clean end).
func (c Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		f, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(f)
		n++
	}
	return n, nil
}
