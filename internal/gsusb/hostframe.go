// Package gsusb implements the gs_usb / candleLight host protocol: the 20-byte
// bulk host frame and the vendor control requests used to bring a channel up.
package gsusb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
)

// HostFrameSize is the classic (non-FD, no timestamp) host frame size on the bulk endpoints.
const HostFrameSize = 20

// EchoNone marks a frame received from the bus rather than a transmit echo.
const EchoNone uint32 = 0xFFFFFFFF

// MaxChannels bounds the channel index accepted from the device.
const MaxChannels = 3

// DefaultExtThreshold is the largest identifier sent as a standard frame.
const DefaultExtThreshold uint32 = can.CAN_SFF_MASK

// Host frame flag bits.
const (
	FlagOverflow = 0x01
	FlagFD       = 0x02
	FlagBRS      = 0x04
	FlagESI      = 0x08
)

var ErrShortFrame = errors.New("gsusb: short host frame")

// HostFrame is the wire frame exchanged with the device.
//
// Layout (little-endian):
//
//	0..3   echo_id
//	4..7   can_id (EFF/RTR/ERR flags like SocketCAN)
//	8      can_dlc
//	9      channel
//	10     flags
//	11     reserved
//	12..19 data
type HostFrame struct {
	EchoID   uint32
	CANID    uint32
	DLC      uint8
	Channel  uint8
	Flags    uint8
	Reserved uint8
	Data     [8]byte
}

// MarshalTo writes the frame into b, which must hold HostFrameSize bytes.
func (h HostFrame) MarshalTo(b []byte) error {
	if len(b) < HostFrameSize {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrShortFrame, HostFrameSize, len(b))
	}
	binary.LittleEndian.PutUint32(b[0:4], h.EchoID)
	binary.LittleEndian.PutUint32(b[4:8], h.CANID)
	b[8] = h.DLC
	b[9] = h.Channel
	b[10] = h.Flags
	b[11] = h.Reserved
	copy(b[12:20], h.Data[:])
	return nil
}

// Marshal returns the wire representation.
func (h HostFrame) Marshal() [HostFrameSize]byte {
	var b [HostFrameSize]byte
	_ = h.MarshalTo(b[:])
	return b
}

// Unmarshal parses a host frame from b.
func Unmarshal(b []byte) (HostFrame, error) {
	var h HostFrame
	if len(b) < HostFrameSize {
		return h, fmt.Errorf("%w: need %d bytes, have %d", ErrShortFrame, HostFrameSize, len(b))
	}
	h.EchoID = binary.LittleEndian.Uint32(b[0:4])
	h.CANID = binary.LittleEndian.Uint32(b[4:8])
	h.DLC = b[8]
	h.Channel = b[9]
	h.Flags = b[10]
	h.Reserved = b[11]
	copy(h.Data[:], b[12:20])
	return h, nil
}

// Encode builds the outbound host frame for f. The extended flag is forced when
// the identifier (flags stripped) is above threshold.
func Encode(f can.Frame, echoID uint32, threshold uint32) HostFrame {
	h := HostFrame{
		EchoID: echoID,
		CANID:  f.CANID,
		DLC:    f.Len,
	}
	if f.CANID&can.CAN_EFF_MASK > threshold {
		h.CANID |= can.CAN_EFF_FLAG
	}
	n := int(f.Len)
	if n > can.MaxLen {
		n = can.MaxLen
	}
	copy(h.Data[:n], f.Data[:n])
	return h
}

// Decode converts a host frame to a CAN frame. DLC above 8 is clamped.
func Decode(h HostFrame) can.Frame {
	f := can.Frame{CANID: h.CANID, Len: h.DLC}
	if f.Len > can.MaxLen {
		f.Len = can.MaxLen
	}
	copy(f.Data[:f.Len], h.Data[:f.Len])
	return f
}

// Malformed reports a channel or DLC the host cannot represent.
func (h HostFrame) Malformed() bool {
	return h.Channel >= MaxChannels || h.DLC > can.MaxLen
}

// IsEcho reports whether the frame carries a transmit echo id.
func (h HostFrame) IsEcho() bool { return h.EchoID != EchoNone }

// FlagNames lists the set host flag bits.
func (h HostFrame) FlagNames() []string {
	var out []string
	if h.Flags&FlagOverflow != 0 {
		out = append(out, "overflow")
	}
	if h.Flags&FlagFD != 0 {
		out = append(out, "fd")
	}
	if h.Flags&FlagBRS != 0 {
		out = append(out, "brs")
	}
	if h.Flags&FlagESI != 0 {
		out = append(out, "esi")
	}
	return out
}

func (h HostFrame) String() string {
	return fmt.Sprintf("echo_id=%08x can_id=%08x dlc=%d ch=%d flags=%02x%v data=% x",
		h.EchoID, h.CANID, h.DLC, h.Channel, h.Flags, h.FlagNames(), h.Data[:])
}
