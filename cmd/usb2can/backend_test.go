package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/device"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/gsusb"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/serial"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/socketcan"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/txslot"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/usb"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeSerialPort implements serial.Port for tests.
type fakeSerialPort struct {
	mu      sync.Mutex
	reads   [][]byte
	written bytes.Buffer
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reads) == 0 {
		// nothing queued: behave like a read timeout
		time.Sleep(time.Millisecond)
		return 0, io.EOF
	}
	n := copy(p, f.reads[0])
	f.reads = f.reads[1:]
	return n, nil
}

func (f *fakeSerialPort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written.Write(p)
}

func (f *fakeSerialPort) Close() error { return nil }

func (f *fakeSerialPort) bytesWritten() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.written.Bytes()...)
}

// fakeCANDev accepts writes and serves queued bus frames.
type fakeCANDev struct {
	rx   chan can.Frame
	done chan struct{}
	once sync.Once
}

func newFakeCANDev() *fakeCANDev {
	return &fakeCANDev{rx: make(chan can.Frame, 8), done: make(chan struct{})}
}

func (d *fakeCANDev) ReadFrame(f *can.Frame) error {
	select {
	case fr := <-d.rx:
		*f = fr
		return nil
	case <-d.done:
		return socketcan.ErrDeviceGone
	case <-time.After(2 * time.Millisecond):
		return socketcan.ErrReadTimeout
	}
}

func (d *fakeCANDev) WriteFrame(can.Frame) error { return nil }
func (d *fakeCANDev) Close() error               { d.once.Do(func() { close(d.done) }); return nil }

func readUntil(t *testing.T, ch *device.Channel) can.Frame {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f, res, err := ch.TryReadOne()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if res == device.ReadFrame {
			return f
		}
	}
	t.Fatalf("no frame within deadline")
	return can.Frame{}
}

func newTestChannel(b device.Bulk) *device.Channel {
	return device.New(b, txslot.New(time.Second, nil), device.WithLogger(testLogger()))
}

func TestInitSerialBackend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := gsusb.Encode(can.NewFrame(0x321, 1, 2), gsusb.EchoNone, gsusb.DefaultExtThreshold).Marshal()
	port := &fakeSerialPort{reads: [][]byte{serial.Codec{}.Encode(in[:])}}
	openSerialPort = func(name string, baud int, to time.Duration) (serial.Port, error) { return port, nil }
	defer func() { openSerialPort = serial.Open }()

	cfg := validConfig()
	cfg.backend = "serial"
	cfg.ioTimeout = 5 * time.Millisecond
	b, err := initBackend(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer b.Close()
	ch := newTestChannel(b)

	if f := readUntil(t, ch); f.CANID != 0x321 || f.Len != 2 {
		t.Fatalf("unexpected frame %v", f)
	}
	if err := ch.Send(can.NewFrame(0x10, 0xAA)); err != nil {
		t.Fatalf("send: %v", err)
	}
	out := gsusb.Encode(can.NewFrame(0x10, 0xAA), 0, gsusb.DefaultExtThreshold).Marshal()
	want := serial.Codec{}.Encode(out[:])
	deadline := time.Now().Add(time.Second)
	for !bytes.Equal(port.bytesWritten(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("uart got % x want % x", port.bytesWritten(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInitSerialBackendOpenError(t *testing.T) {
	openSerialPort = func(string, int, time.Duration) (serial.Port, error) { return nil, errors.New("no such port") }
	defer func() { openSerialPort = serial.Open }()
	cfg := validConfig()
	cfg.backend = "serial"
	if _, err := initBackend(context.Background(), cfg, testLogger()); err == nil {
		t.Fatalf("expected open error")
	}
}

func TestInitSocketCANBackendEcho(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dev := newFakeCANDev()
	openSocketCANDevice = func(string) (socketcan.Dev, error) { return dev, nil }
	defer func() {
		openSocketCANDevice = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }
	}()

	cfg := validConfig()
	cfg.backend = "socketcan"
	cfg.ioTimeout = 5 * time.Millisecond
	b, err := initBackend(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	defer b.Close()
	ch := newTestChannel(b)

	if err := ch.Send(can.NewFrame(0x55, 9)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if f := readUntil(t, ch); f.CANID != 0x55 {
		t.Fatalf("expected echo of 0x55, got %v", f)
	}
	if ch.Table().InUse() != 0 {
		t.Fatalf("echo should free the slot")
	}
	dev.rx <- can.NewFrame(0x77)
	if f := readUntil(t, ch); f.CANID != 0x77 {
		t.Fatalf("expected bus frame 0x77, got %v", f)
	}
}

type fakeUSB struct{ closed bool }

func (f *fakeUSB) Read([]byte) (int, error)    { return 0, device.ErrTimeout }
func (f *fakeUSB) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeUSB) Close() error                { f.closed = true; return nil }

func TestInitUSBBackend(t *testing.T) {
	var got usb.Options
	fake := &fakeUSB{}
	openUSBDevice = func(o usb.Options) (bulkDevice, error) { got = o; return fake, nil }
	defer func() {
		openUSBDevice = func(o usb.Options) (bulkDevice, error) {
			d, err := usb.Open(o)
			if err != nil {
				return nil, err
			}
			return d, nil
		}
	}()
	cfg := validConfig()
	cfg.deviceIndex = 1
	cfg.bitrate = "250k"
	b, err := initBackend(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("initBackend: %v", err)
	}
	if b != fake || got.Index != 1 || got.Rate.Name != "250k" || got.IOTimeout != cfg.ioTimeout {
		t.Fatalf("unexpected options %+v", got)
	}
}

func TestInitBackendUnknown(t *testing.T) {
	cfg := validConfig()
	cfg.backend = "carrier-pigeon"
	if _, err := initBackend(context.Background(), cfg, testLogger()); err == nil {
		t.Fatalf("expected error")
	}
}
