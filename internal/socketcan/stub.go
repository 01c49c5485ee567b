//go:build !linux

package socketcan

import (
	"errors"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/can"
)

var ErrUnsupported = errors.New("socketcan: only supported on linux")

type Device struct{}

func Open(string) (*Device, error) { return nil, ErrUnsupported }

func (*Device) Close() error               { return ErrUnsupported }
func (*Device) ReadFrame(*can.Frame) error { return ErrDeviceGone }
func (*Device) WriteFrame(can.Frame) error { return ErrUnsupported }
