// Package usb opens gs_usb / candleLight adapters through libusb (gousb) and
// exposes their bulk endpoints as a device.Bulk.
package usb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/device"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/gsusb"
	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/logging"
)

// USB topology of a gs_usb adapter.
const (
	configNum    = 1
	interfaceNum = 0
	altSetting   = 0
	inEndpoint   = 0x81
	outEndpoint  = 0x02
)

const defaultControlTimeout = time.Second

// ID is a vendor/product pair.
type ID struct {
	Vendor  gousb.ID
	Product gousb.ID
}

func (id ID) String() string { return fmt.Sprintf("%s:%s", id.Vendor, id.Product) }

// Supported lists the adapters speaking the gs_usb protocol.
var Supported = []ID{
	{0x1D50, 0x606F}, // candleLight / CANable
	{0x1209, 0x2323}, // candleLight (pid.codes)
	{0x1CD2, 0x606F}, // CES CANext FD
	{0x16D0, 0x10B8}, // ABE CANdebugger FD
}

var ErrNotFound = errors.New("usb: no gs_usb adapter found")

func supported(desc *gousb.DeviceDesc) bool {
	for _, id := range Supported {
		if desc.Vendor == id.Vendor && desc.Product == id.Product {
			return true
		}
	}
	return false
}

// Options select and configure the adapter.
type Options struct {
	Index     int           // which matching adapter to open (enumeration order)
	Channel   uint16        // CAN channel on the adapter
	Rate      gsusb.Rate    // bit rate preset
	IOTimeout time.Duration // per bulk transfer
	Logger    *slog.Logger
}

// Device is an opened, started adapter.
type Device struct {
	usbCtx  *gousb.Context
	dev     *gousb.Device
	cfg     *gousb.Config
	iface   *gousb.Interface
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	channel uint16
	timeout time.Duration
	info    gsusb.DeviceInfo
	logger  *slog.Logger

	closeOnce sync.Once
}

// Open finds the adapter, claims its interface and starts the CAN channel.
func Open(o Options) (*Device, error) {
	if o.IOTimeout <= 0 {
		o.IOTimeout = device.DefaultIOTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.For(logging.ComponentUSB)
	}
	if o.Rate.Bps == 0 {
		o.Rate = gsusb.Rates[gsusb.DefaultRate]
	}
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(supported)
	if err != nil && len(devs) == 0 {
		_ = ctx.Close()
		return nil, fmt.Errorf("usb: enumerate: %w", err)
	}
	if o.Index < 0 || o.Index >= len(devs) {
		for _, d := range devs {
			_ = d.Close()
		}
		_ = ctx.Close()
		return nil, fmt.Errorf("%w at index %d (found %d)", ErrNotFound, o.Index, len(devs))
	}
	dev := devs[o.Index]
	for i, d := range devs {
		if i != o.Index {
			_ = d.Close()
		}
	}
	d := &Device{usbCtx: ctx, dev: dev, channel: o.Channel, timeout: o.IOTimeout, logger: o.Logger}
	if err := d.claim(); err != nil {
		d.release()
		return nil, err
	}
	info, err := gsusb.Start(d, o.Channel, o.Rate)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("usb: start: %w", err)
	}
	d.info = info
	d.logger.Info("usb_open",
		"id", ID{dev.Desc.Vendor, dev.Desc.Product}.String(),
		"bus", dev.Desc.Bus, "address", dev.Desc.Address,
		"channel", o.Channel, "channels", info.Config.Channels(),
		"sw_version", info.Config.SWVersion, "hw_version", info.Config.HWVersion,
		"fclk_can", info.BTConst.FClkCAN, "bitrate", info.Rate.Name)
	return d, nil
}

func (d *Device) claim() error {
	d.dev.ControlTimeout = defaultControlTimeout
	if err := d.dev.SetAutoDetach(true); err != nil {
		return fmt.Errorf("usb: auto detach: %w", err)
	}
	cfg, err := d.dev.Config(configNum)
	if err != nil {
		return fmt.Errorf("usb: config %d: %w", configNum, err)
	}
	d.cfg = cfg
	iface, err := cfg.Interface(interfaceNum, altSetting)
	if err != nil {
		return fmt.Errorf("usb: interface %d: %w", interfaceNum, err)
	}
	d.iface = iface
	if d.in, err = iface.InEndpoint(inEndpoint); err != nil {
		return fmt.Errorf("usb: InEndpoint(%#x): %w", inEndpoint, err)
	}
	if d.out, err = iface.OutEndpoint(outEndpoint); err != nil {
		return fmt.Errorf("usb: OutEndpoint(%#x): %w", outEndpoint, err)
	}
	return nil
}

// Control implements gsusb.Controller.
func (d *Device) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := d.dev.Control(rType, request, val, idx, data)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// Info returns what the adapter reported during bring-up.
func (d *Device) Info() gsusb.DeviceInfo { return d.info }

// Read performs one bulk IN transfer bounded by the I/O timeout.
func (d *Device) Read(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	n, err := d.in.ReadContext(ctx, p)
	if err != nil {
		if n > 0 && ctx.Err() == nil {
			return n, nil
		}
		return n, classify(err)
	}
	return n, nil
}

// Write performs one bulk OUT transfer bounded by the I/O timeout.
func (d *Device) Write(p []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	n, err := d.out.WriteContext(ctx, p)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

// Close stops the CAN channel and releases the adapter (idempotent).
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.out != nil {
			if e := gsusb.Stop(d, d.channel); e != nil && !errors.Is(e, device.ErrNoDevice) {
				err = e
				d.logger.Warn("usb_stop_failed", "error", e)
			}
		}
		d.release()
		d.logger.Info("usb_closed")
	})
	return err
}

func (d *Device) release() {
	if d.iface != nil {
		d.iface.Close()
	}
	if d.cfg != nil {
		_ = d.cfg.Close()
	}
	if d.dev != nil {
		_ = d.dev.Close()
	}
	if d.usbCtx != nil {
		_ = d.usbCtx.Close()
	}
}

// classify maps libusb errors onto the device sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, gousb.ErrorTimeout),
		errors.Is(err, gousb.TransferTimedOut),
		errors.Is(err, gousb.TransferCancelled):
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	case errors.Is(err, gousb.ErrorNoDevice),
		errors.Is(err, gousb.TransferNoDevice):
		return fmt.Errorf("%w: %v", device.ErrNoDevice, err)
	case errors.Is(err, gousb.ErrorBusy),
		errors.Is(err, gousb.ErrorInterrupted):
		return fmt.Errorf("%w: %v", device.ErrBusy, err)
	}
	return err
}

// Adapter describes an attached gs_usb adapter.
type Adapter struct {
	Index   int
	ID      ID
	Bus     int
	Address int
}

// List enumerates attached gs_usb adapters without opening them.
func List() ([]Adapter, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()
	var out []Adapter
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if supported(desc) {
			out = append(out, Adapter{Index: len(out), ID: ID{desc.Vendor, desc.Product}, Bus: desc.Bus, Address: desc.Address})
		}
		return false
	})
	for _, d := range devs {
		_ = d.Close()
	}
	return out, err
}

var _ device.Bulk = (*Device)(nil)
var _ gsusb.Controller = (*Device)(nil)
