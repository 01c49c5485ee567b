package gsusb

import (
	"bytes"
	"errors"
	"testing"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
)

func TestMarshalLayout(t *testing.T) {
	h := HostFrame{EchoID: 3, CANID: 0x80000123, DLC: 2, Channel: 1, Flags: FlagBRS, Reserved: 0x5A}
	h.Data[0], h.Data[1] = 0xAA, 0xBB
	got := h.Marshal()
	want := []byte{
		0x03, 0x00, 0x00, 0x00,
		0x23, 0x01, 0x00, 0x80,
		0x02, 0x01, 0x04, 0x5A,
		0xAA, 0xBB, 0, 0, 0, 0, 0, 0,
	}
	if !bytes.Equal(got[:], want) {
		t.Fatalf("layout mismatch\n got % x\nwant % x", got, want)
	}
	back, err := Unmarshal(got[:])
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != h {
		t.Fatalf("unmarshal mismatch: %+v vs %+v", back, h)
	}
}

func TestUnmarshalShort(t *testing.T) {
	if _, err := Unmarshal(make([]byte, 19)); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame got %v", err)
	}
	if err := (HostFrame{}).MarshalTo(make([]byte, 4)); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame got %v", err)
	}
}

func TestEncodeExtendedFlag(t *testing.T) {
	if h := Encode(can.NewFrame(0x1000), 0, DefaultExtThreshold); h.CANID&can.CAN_EFF_FLAG == 0 {
		t.Fatalf("0x1000 should be extended, can_id=0x%X", h.CANID)
	}
	if h := Encode(can.NewFrame(0x100), 0, DefaultExtThreshold); h.CANID&can.CAN_EFF_FLAG != 0 {
		t.Fatalf("0x100 should be standard, can_id=0x%X", h.CANID)
	}
	if h := Encode(can.NewFrame(0x7FF), 0, DefaultExtThreshold); h.CANID != 0x7FF {
		t.Fatalf("0x7FF should stay standard, can_id=0x%X", h.CANID)
	}
	// Narrower threshold used by some adapters.
	if h := Encode(can.NewFrame(0x400), 0, 0x3FF); h.CANID != 0x400|can.CAN_EFF_FLAG {
		t.Fatalf("0x400 with threshold 0x3FF: can_id=0x%X", h.CANID)
	}
	// RTR flag does not count towards the identifier.
	if h := Encode(can.Frame{CANID: 0x123 | can.CAN_RTR_FLAG}, 0, DefaultExtThreshold); h.CANID&can.CAN_EFF_FLAG != 0 {
		t.Fatalf("rtr flag forced extended: 0x%X", h.CANID)
	}
}

func TestEncodeZeroPads(t *testing.T) {
	f := can.Frame{CANID: 0x123, Len: 2}
	for i := range f.Data {
		f.Data[i] = 0xEE
	}
	f.Data[0], f.Data[1] = 0xAA, 0xBB
	h := Encode(f, 7, DefaultExtThreshold)
	want := [8]byte{0xAA, 0xBB}
	if h.Data != want {
		t.Fatalf("data not padded: % x", h.Data)
	}
	if h.EchoID != 7 || h.DLC != 2 || h.Channel != 0 || h.Flags != 0 || h.Reserved != 0 {
		t.Fatalf("unexpected header %+v", h)
	}
}

func TestRoundTrip(t *testing.T) {
	frames := []can.Frame{
		can.NewFrame(0x123, 0xAA, 0xBB),
		can.NewFrame(0x1ABCDE|can.CAN_EFF_FLAG, 1, 2, 3, 4, 5, 6, 7, 8),
		can.NewFrame(0x7FF),
		{CANID: 0x55 | can.CAN_RTR_FLAG, Len: 3},
	}
	for _, f := range frames {
		b := Encode(f, 4, DefaultExtThreshold).Marshal()
		h, err := Unmarshal(b[:])
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got := Decode(h)
		if got.CANID != f.CANID || got.Len != f.Len || !bytes.Equal(got.Payload(), f.Payload()) {
			t.Fatalf("round trip %v -> %v", f, got)
		}
		if h.EchoID != 4 {
			t.Fatalf("echo id %d", h.EchoID)
		}
	}
}

func TestDecodeClampsDLC(t *testing.T) {
	h := HostFrame{CANID: 0x10, DLC: 200}
	for i := range h.Data {
		h.Data[i] = byte(i + 1)
	}
	f := Decode(h)
	if f.Len != 8 || f.Data[7] != 8 {
		t.Fatalf("expected clamp to 8, got %v", f)
	}
}

func TestMalformed(t *testing.T) {
	cases := []struct {
		h    HostFrame
		want bool
	}{
		{HostFrame{Channel: 0, DLC: 8}, false},
		{HostFrame{Channel: 2, DLC: 0}, false},
		{HostFrame{Channel: 3}, true},
		{HostFrame{Channel: 99}, true},
		{HostFrame{DLC: 9}, true},
		{HostFrame{DLC: 200}, true},
	}
	for i, tc := range cases {
		if got := tc.h.Malformed(); got != tc.want {
			t.Fatalf("case %d: Malformed()=%v want %v", i, got, tc.want)
		}
	}
}

func TestFlagNames(t *testing.T) {
	h := HostFrame{Flags: FlagOverflow | FlagESI}
	n := h.FlagNames()
	if len(n) != 2 || n[0] != "overflow" || n[1] != "esi" {
		t.Fatalf("flag names %v", n)
	}
	if (HostFrame{EchoID: EchoNone}).IsEcho() {
		t.Fatalf("sentinel treated as echo")
	}
}
