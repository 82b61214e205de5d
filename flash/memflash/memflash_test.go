package memflash_test

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/componentos/arsenal/flash"
	"github.com/componentos/arsenal/flash/memflash"
	"github.com/stretchr/testify/require"
)

const base uint32 = 0x0800_0000

func read(t *testing.T, device flash.Reader, address uint32, length int) []byte {
	buffer := make([]byte, length)
	require.NoError(t, device.Read(address, buffer))
	return buffer
}

func TestNewDeviceIsErased(t *testing.T) {
	device := memflash.New(base, 8192, 2048, memflash.Options{})

	require.Equal(t, 8192, device.Size())
	require.Equal(t, 8, device.WordSize())
	require.Len(t, device.Pages(), 4)
	require.Equal(t, bytes.Repeat([]byte{0xFF}, 8192), device.Bytes())
}

func TestWriteMonotonicity(t *testing.T) {
	device := memflash.New(base, 4096, 2048, memflash.Options{WordSize: 2})

	require.NoError(t, device.Write(base, []byte{0xF0, 0x0F}))
	require.Equal(t, []byte{0xF0, 0x0F}, read(t, device, base, 2))

	// Clearing more bits and rewriting the same value are both fine
	require.NoError(t, device.Write(base, []byte{0x00, 0x0F}))
	require.Equal(t, []byte{0x00, 0x0F}, read(t, device, base, 2))

	err := device.Write(base+2, []byte{0x12, 0x34})
	require.NoError(t, err)
	err = device.Write(base+2, []byte{0xFF, 0xFF})
	require.True(t, errors.Is(err, flash.ErrWriteViolation))
	require.Equal(t, []byte{0x12, 0x34}, read(t, device, base+2, 2))

	for offset := uint32(0); offset < 8; offset++ {
		require.NoError(t, device.Write(base+offset, []byte{0x00}))
	}
	require.NoError(t, device.FlushWriteBuffer())
	require.Equal(t, make([]byte, 8), read(t, device, base, 8))
}

func TestEraseResetsPage(t *testing.T) {
	device := memflash.New(base, 4096, 2048, memflash.Options{WordSize: 2})

	require.NoError(t, device.Write(base, bytes.Repeat([]byte{0x00}, 4096)))
	require.NoError(t, device.Erase(1))

	require.Equal(t, make([]byte, 2048), read(t, device, base, 2048))
	require.Equal(t, bytes.Repeat([]byte{0xFF}, 2048), read(t, device, base+2048, 2048))

	err := device.Erase(2)
	require.True(t, errors.Is(err, memflash.ErrOutOfRange))
}

func TestPendingWord(t *testing.T) {
	device := memflash.New(base, 4096, 2048, memflash.Options{WordSize: 8})

	require.NoError(t, device.Write(base+8, []byte{0x01, 0x02, 0x03}))

	buffer := make([]byte, 4)
	err := device.Read(base+6, buffer)
	require.True(t, errors.Is(err, flash.ErrPendingWrite))
	require.NoError(t, device.Read(base, make([]byte, 8)))
	require.NoError(t, device.Read(base+16, make([]byte, 8)))

	err = device.Write(base+16, []byte{0x00})
	require.True(t, errors.Is(err, flash.ErrPendingWrite))

	err = device.Erase(0)
	require.True(t, errors.Is(err, flash.ErrPendingWrite))

	require.NoError(t, device.Write(base+11, []byte{0x04}))
	require.NoError(t, device.FlushWriteBuffer())
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0xFF, 0xFF, 0xFF, 0xFF}, read(t, device, base+8, 8))
}

func TestStrictWords(t *testing.T) {
	device := memflash.New(base, 4096, 2048, memflash.Options{WordSize: 8, StrictWords: true})

	require.NoError(t, device.Write(base, []byte{0x01, 0x02, 0x03, 0x04}))
	require.NoError(t, device.FlushWriteBuffer())

	// Programming more bits of an already programmed word is refused
	require.NoError(t, device.Write(base+4, []byte{0x00}))
	err := device.FlushWriteBuffer()
	require.True(t, errors.Is(err, flash.ErrWriteViolation))
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0xFF}, read(t, device, base, 5))

	// Zeroing the whole word is allowed
	require.NoError(t, device.Write(base, make([]byte, 8)))
	require.Equal(t, make([]byte, 8), read(t, device, base, 8))
}

func TestOutOfRange(t *testing.T) {
	device := memflash.New(base, 4096, 2048, memflash.Options{})

	err := device.Read(base-1, make([]byte, 2))
	require.True(t, errors.Is(err, memflash.ErrOutOfRange))
	err = device.Read(base+4090, make([]byte, 8))
	require.True(t, errors.Is(err, memflash.ErrOutOfRange))
	err = device.Write(base+4096, []byte{0x00})
	require.True(t, errors.Is(err, memflash.ErrOutOfRange))
}

func TestPageMap(t *testing.T) {
	device := memflash.NewWithPages(base, []int{16 * 1024, 16 * 1024, 64 * 1024, 128 * 1024}, memflash.Options{WordSize: 4})

	page, ok := device.PageFromAddress(base + 40*1024)
	require.True(t, ok)
	require.Equal(t, uint16(2), page.Number())
	require.Equal(t, base+32*1024, page.BaseAddress())
	require.Equal(t, uint32(64*1024), page.Size())

	page, ok = device.PageFromAddress(base + 224*1024 - 1)
	require.True(t, ok)
	require.Equal(t, uint16(3), page.Number())

	_, ok = device.PageFromAddress(base + 224*1024)
	require.False(t, ok)
	_, ok = device.PageFromAddress(base - 1)
	require.False(t, ok)

	page, ok = device.PrevPage(2)
	require.True(t, ok)
	require.Equal(t, uint16(1), page.Number())
	_, ok = device.PrevPage(0)
	require.False(t, ok)

	page, ok = device.PageFromNumber(3)
	require.True(t, ok)
	require.Equal(t, base+224*1024, page.EndAddress())
	_, ok = device.PageFromNumber(4)
	require.False(t, ok)
}

func TestLoadAndReadOnly(t *testing.T) {
	device := memflash.New(base, 4096, 2048, memflash.Options{WordSize: 2})

	image := bytes.Repeat([]byte{0xFF}, 4096)
	image[10] = 0x42
	require.NoError(t, device.Load(image))
	require.Equal(t, image, device.Bytes())
	require.Error(t, device.Load(image[:100]))

	view := device.ReadOnly()
	require.Equal(t, []byte{0x42}, read(t, view, base+10, 1))

	err := view.Write(base, []byte{0x00})
	require.True(t, errors.Is(err, memflash.ErrReadOnly))
	err = view.Erase(0)
	require.True(t, errors.Is(err, memflash.ErrReadOnly))
	require.Equal(t, image, device.Bytes())
}
