package usb

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/gousb"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/device"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{gousb.ErrorTimeout, device.ErrTimeout},
		{gousb.TransferTimedOut, device.ErrTimeout},
		{gousb.TransferCancelled, device.ErrTimeout},
		{fmt.Errorf("read: %w", context.DeadlineExceeded), device.ErrTimeout},
		{gousb.ErrorNoDevice, device.ErrNoDevice},
		{gousb.TransferNoDevice, device.ErrNoDevice},
		{gousb.ErrorBusy, device.ErrBusy},
	}
	for _, c := range cases {
		if got := classify(c.in); !errors.Is(got, c.want) {
			t.Fatalf("classify(%v) = %v, want %v", c.in, got, c.want)
		}
	}
	if got := classify(gousb.ErrorPipe); errors.Is(got, device.ErrTimeout) || errors.Is(got, device.ErrNoDevice) || errors.Is(got, device.ErrBusy) {
		t.Fatalf("pipe error should stay unclassified, got %v", got)
	}
	if classify(nil) != nil {
		t.Fatalf("nil should stay nil")
	}
}

func TestSupported(t *testing.T) {
	if !supported(&gousb.DeviceDesc{Vendor: 0x1D50, Product: 0x606F}) {
		t.Fatalf("candleLight not matched")
	}
	if !supported(&gousb.DeviceDesc{Vendor: 0x16D0, Product: 0x10B8}) {
		t.Fatalf("CANdebugger not matched")
	}
	if supported(&gousb.DeviceDesc{Vendor: 0x1D50, Product: 0x6070}) {
		t.Fatalf("unrelated product matched")
	}
}

func TestIDString(t *testing.T) {
	if s := (ID{0x1D50, 0x606F}).String(); s != "1d50:606f" {
		t.Fatalf("got %q", s)
	}
}
