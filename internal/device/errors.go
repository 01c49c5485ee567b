package device

import (
	"errors"

	"github.com/GrassHopper1977/BSD-USB-to-CAN/internal/txslot"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
// Bulk implementations wrap their native errors with the first three.
var (
	ErrTimeout  = errors.New("device: transfer timeout")
	ErrBusy     = errors.New("device: busy")
	ErrNoDevice = errors.New("device: no device")
	ErrWrite    = errors.New("device: write")
	// ErrTxBusy is returned by Send when every transmit slot is waiting for an echo.
	ErrTxBusy = txslot.ErrBusy
)

// soft reports errors that mean "nothing happened this time".
func soft(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrBusy)
}
