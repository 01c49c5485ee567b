package gsusb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Controller issues USB control transfers. *gousb.Device satisfies it.
type Controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// Vendor requests, in gs_usb order.
const (
	BReqHostFormat = iota
	BReqBitTiming
	BReqMode
	BReqBerr
	BReqBTConst
	BReqDeviceConfig
	BReqTimestamp
	BReqIdentify
	BReqGetUserID
	BReqSetUserID
	BReqDataBitTiming
	BReqBTConstExt
	BReqSetTermination
	BReqGetTermination
	BReqGetState
)

// Request types (vendor, interface recipient).
const (
	reqOut = 0x41
	reqIn  = 0xC1
)

// Feature bits reported in BTConst.Feature.
const (
	FeatListenOnly    = 1 << 0
	FeatLoopBack      = 1 << 1
	FeatTripleSample  = 1 << 2
	FeatOneShot       = 1 << 3
	FeatHWTimestamp   = 1 << 4
	FeatIdentify      = 1 << 5
	FeatUserID        = 1 << 6
	FeatPadPkts       = 1 << 7
	FeatFD            = 1 << 8
	FeatQuirkLPC546XX = 1 << 9
	FeatBTConstExt    = 1 << 10
	FeatTermination   = 1 << 11
	FeatBerrReporting = 1 << 12
	FeatGetState      = 1 << 13
)

// Channel modes for BReqMode.
const (
	ModeReset uint32 = 0
	ModeStart uint32 = 1
)

// hostFormat is the byte-order probe the device uses to detect host endianness.
const hostFormat uint32 = 0x0000BEEF

var (
	ErrControl      = errors.New("gsusb: control transfer")
	ErrShortControl = errors.New("gsusb: short control transfer")
	ErrChannel      = errors.New("gsusb: channel not present")
)

// DeviceConfig is the BReqDeviceConfig reply.
type DeviceConfig struct {
	Reserved1 uint8
	Reserved2 uint8
	Reserved3 uint8
	ICount    uint8 // number of channels minus one
	SWVersion uint32
	HWVersion uint32
}

// Channels returns the number of CAN channels the device reports.
func (d DeviceConfig) Channels() int { return int(d.ICount) + 1 }

// BTConst is the BReqBTConst reply: bit timing limits and feature bits.
type BTConst struct {
	Feature  uint32
	FClkCAN  uint32
	TSeg1Min uint32
	TSeg1Max uint32
	TSeg2Min uint32
	TSeg2Max uint32
	SJWMax   uint32
	BRPMin   uint32
	BRPMax   uint32
	BRPInc   uint32
}

// DeviceInfo is gathered during Start.
type DeviceInfo struct {
	Config  DeviceConfig
	BTConst BTConst
	Rate    Rate
}

func control(c Controller, rType, req uint8, val uint16, data []byte) error {
	n, err := c.Control(rType, req, val, 0, data)
	if err != nil {
		return fmt.Errorf("%w: breq %d: %w", ErrControl, req, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: breq %d: %d/%d bytes", ErrShortControl, req, n, len(data))
	}
	return nil
}

// SetHostFormat tells the device the host is little-endian.
func SetHostFormat(c Controller) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, hostFormat)
	return control(c, reqOut, BReqHostFormat, 1, b)
}

// ReadDeviceConfig fetches channel count and versions.
func ReadDeviceConfig(c Controller) (DeviceConfig, error) {
	b := make([]byte, 12)
	if err := control(c, reqIn, BReqDeviceConfig, 1, b); err != nil {
		return DeviceConfig{}, err
	}
	return DeviceConfig{
		Reserved1: b[0],
		Reserved2: b[1],
		Reserved3: b[2],
		ICount:    b[3],
		SWVersion: binary.LittleEndian.Uint32(b[4:8]),
		HWVersion: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// ReadBTConst fetches the bit timing limits for channel ch.
func ReadBTConst(c Controller, ch uint16) (BTConst, error) {
	b := make([]byte, 40)
	if err := control(c, reqIn, BReqBTConst, ch, b); err != nil {
		return BTConst{}, err
	}
	u := func(i int) uint32 { return binary.LittleEndian.Uint32(b[i*4 : i*4+4]) }
	return BTConst{
		Feature: u(0), FClkCAN: u(1),
		TSeg1Min: u(2), TSeg1Max: u(3),
		TSeg2Min: u(4), TSeg2Max: u(5),
		SJWMax: u(6),
		BRPMin: u(7), BRPMax: u(8), BRPInc: u(9),
	}, nil
}

// SetBitTiming programs channel ch with bt.
func SetBitTiming(c Controller, ch uint16, bt BitTiming) error {
	b := bt.Marshal()
	return control(c, reqOut, BReqBitTiming, ch, b[:])
}

// SetMode starts or resets channel ch.
func SetMode(c Controller, ch uint16, mode, flags uint32) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], mode)
	binary.LittleEndian.PutUint32(b[4:8], flags)
	return control(c, reqOut, BReqMode, ch, b)
}

// Start brings channel ch up at rate: host format, device config, bit timing
// constants, bit timing, mode start.
func Start(c Controller, ch uint16, rate Rate) (DeviceInfo, error) {
	var info DeviceInfo
	if err := SetHostFormat(c); err != nil {
		return info, err
	}
	cfg, err := ReadDeviceConfig(c)
	if err != nil {
		return info, err
	}
	info.Config = cfg
	if int(ch) >= cfg.Channels() {
		return info, fmt.Errorf("%w: %d (device has %d)", ErrChannel, ch, cfg.Channels())
	}
	btc, err := ReadBTConst(c, ch)
	if err != nil {
		return info, err
	}
	info.BTConst = btc
	if err := SetBitTiming(c, ch, rate.Timing); err != nil {
		return info, err
	}
	if err := SetMode(c, ch, ModeStart, 0); err != nil {
		return info, err
	}
	info.Rate = rate
	return info, nil
}

// Stop resets channel ch.
func Stop(c Controller, ch uint16) error { return SetMode(c, ch, ModeReset, 0) }
