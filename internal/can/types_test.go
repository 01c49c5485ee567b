package can

import (
	"strings"
	"testing"
)

func TestFrameString(t *testing.T) {
	cases := []struct {
		name string
		f    Frame
		want string
	}{
		{"std", NewFrame(0x123, 0xDE, 0xAD), "123 [2] DE AD"},
		{"ext", NewFrame(0x1234567|CAN_EFF_FLAG, 1), "01234567 [1] 01"},
		{"rtr", Frame{CANID: 0x7FF | CAN_RTR_FLAG, Len: 4}, "7FF [4] R"},
		{"empty", NewFrame(0x1), "001 [0]"},
	}
	for _, tc := range cases {
		if got := tc.f.String(); got != tc.want {
			t.Fatalf("%s: String() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestNewFrameTruncates(t *testing.T) {
	f := NewFrame(0x10, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	if f.Len != 8 {
		t.Fatalf("expected len 8 got %d", f.Len)
	}
	if f.Data[7] != 8 {
		t.Fatalf("unexpected data %v", f.Data)
	}
}

func TestIdentifierMasksFlags(t *testing.T) {
	f := Frame{CANID: 0x1ABCDEF0 | CAN_EFF_FLAG | CAN_RTR_FLAG}
	if got := f.Identifier(); got != 0x1ABCDEF0 {
		t.Fatalf("identifier 0x%X", got)
	}
	if !f.Extended() || !f.Remote() || f.IsError() {
		t.Fatalf("flag accessors wrong for 0x%X", f.CANID)
	}
	s := Frame{CANID: 0x0FFF}
	if got := s.Identifier(); got != 0x7FF {
		t.Fatalf("std identifier 0x%X", got)
	}
}

func TestPayloadClampsLen(t *testing.T) {
	f := Frame{Len: 200}
	if len(f.Payload()) != MaxLen {
		t.Fatalf("payload not clamped: %d", len(f.Payload()))
	}
}

func TestDescribeError(t *testing.T) {
	f := Frame{CANID: CAN_ERR_FLAG | ErrClassCtrl | ErrClassBusOff | ErrClassProt, Len: 8}
	f.Data[1] = CtrlRxPassive | CtrlTxWarning
	f.Data[2] = ProtStuff
	f.Data[6] = 130
	f.Data[7] = 7
	info, ok := DescribeError(f)
	if !ok {
		t.Fatalf("expected error frame")
	}
	if strings.Join(info.Classes, ",") != "controller,protocol,bus_off" {
		t.Fatalf("classes %v", info.Classes)
	}
	if strings.Join(info.Controller, ",") != "tx_warning,rx_passive" {
		t.Fatalf("controller %v", info.Controller)
	}
	if len(info.Protocol) != 1 || info.Protocol[0] != "stuff" {
		t.Fatalf("protocol %v", info.Protocol)
	}
	if info.TxErrors != 130 || info.RxErrors != 7 {
		t.Fatalf("counters tx=%d rx=%d", info.TxErrors, info.RxErrors)
	}
	if _, ok := DescribeError(NewFrame(0x100)); ok {
		t.Fatalf("data frame reported as error frame")
	}
}
