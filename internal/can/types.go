package can

import (
	"fmt"
	"log/slog"
	"strings"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
	CAN_ERR_MASK = 0x1FFFFFFF
)

// MaxLen is the classic CAN payload limit.
const MaxLen = 8

// Frame is the classic CAN frame passed between the device and TCP clients.
// CANID carries the EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is the payload length (0..8); only the first Len bytes of Data are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [MaxLen]byte
}

// NewFrame builds a frame from id and payload, truncating payloads longer than 8 bytes.
func NewFrame(id uint32, payload ...byte) Frame {
	f := Frame{CANID: id}
	if len(payload) > MaxLen {
		payload = payload[:MaxLen]
	}
	f.Len = uint8(len(payload))
	copy(f.Data[:], payload)
	return f
}

func (f Frame) Extended() bool { return f.CANID&CAN_EFF_FLAG != 0 }
func (f Frame) Remote() bool   { return f.CANID&CAN_RTR_FLAG != 0 }
func (f Frame) IsError() bool  { return f.CANID&CAN_ERR_FLAG != 0 }

// Identifier returns the id with flag bits stripped.
func (f Frame) Identifier() uint32 {
	if f.Extended() {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// Payload returns the valid data bytes.
func (f Frame) Payload() []byte {
	n := int(f.Len)
	if n > MaxLen {
		n = MaxLen
	}
	return f.Data[:n]
}

// String renders the frame in candump style: "123 [2] AA BB".
// Extended ids use 8 hex digits, remote frames print "R" instead of data.
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended() {
		fmt.Fprintf(&b, "%08X", f.CANID&CAN_EFF_MASK)
	} else {
		fmt.Fprintf(&b, "%03X", f.CANID&CAN_SFF_MASK)
	}
	fmt.Fprintf(&b, " [%d]", f.Len)
	if f.Remote() {
		b.WriteString(" R")
		return b.String()
	}
	for _, d := range f.Payload() {
		fmt.Fprintf(&b, " %02X", d)
	}
	return b.String()
}

// LogValue implements slog.LogValuer.
func (f Frame) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", fmt.Sprintf("0x%X", f.CANID)),
		slog.Int("len", int(f.Len)),
		slog.String("data", fmt.Sprintf("% X", f.Payload())),
	)
}
