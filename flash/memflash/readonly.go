package memflash

import (
	"github.com/cockroachdb/errors"
	"github.com/componentos/arsenal/flash"
)

// ErrReadOnly is returned by every modifying operation of a read-only view
var ErrReadOnly = errors.New("flash device is read-only")

type readOnlyDevice struct {
	*Device
}

// ReadOnly returns a view of the device that refuses writes and erases. It lets tools inspect an
// image without any chance of modifying it.
func (d *Device) ReadOnly() flash.Device {
	return readOnlyDevice{Device: d}
}

func (d readOnlyDevice) Write(address uint32, data []byte) error {
	return errors.Wrapf(ErrReadOnly, "write of %d bytes at %#x", len(data), address)
}

func (d readOnlyDevice) FlushWriteBuffer() error {
	return nil
}

func (d readOnlyDevice) Erase(pageNumber uint16) error {
	return errors.Wrapf(ErrReadOnly, "erase of page %d", pageNumber)
}
