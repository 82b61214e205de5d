// Package memflash simulates a flash device in memory. It enforces the same physical rules as real
// NOR flash: writes can only clear bits, data is committed one word at a time and only an erase sets
// bits again.
package memflash

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/componentos/arsenal/flash"
	"github.com/componentos/arsenal/memutils"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slices"
)

// ErrOutOfRange is returned when an access falls outside of the simulated device
var ErrOutOfRange = errors.New("address is outside of the flash device")

// Options contains optional settings for a simulated device
type Options struct {
	// WordSize is the programming width in bytes, a power of two up to 8. Zero means 8.
	WordSize int
	// StrictWords only allows programming a word that is blank, or programming it to all zeros.
	// Devices that store ECC alongside each word, like the STM32L4 family, behave this way.
	StrictWords bool
}

// Device is a flash.Device backed by a byte slice
type Device struct {
	baseAddress uint32
	content     []byte

	pages         []flash.Page
	pagesByNumber *swiss.Map[uint16, int]

	wordSize    int
	strictWords bool

	pending     bool
	pendingBase uint32
	pendingWord []byte
}

var _ flash.Device = &Device{}

// New creates an erased device of size bytes starting at baseAddress, split into pages of pageSize bytes
func New(baseAddress uint32, size int, pageSize int, options Options) *Device {
	if size%pageSize != 0 {
		panic(errors.Newf("device size %d is not a multiple of the page size %d", size, pageSize))
	}

	pageSizes := make([]int, size/pageSize)
	for i := range pageSizes {
		pageSizes[i] = pageSize
	}
	return NewWithPages(baseAddress, pageSizes, options)
}

// NewWithPages creates an erased device starting at baseAddress whose pages, numbered from zero,
// have the given sizes
func NewWithPages(baseAddress uint32, pageSizes []int, options Options) *Device {
	wordSize := options.WordSize
	if wordSize == 0 {
		wordSize = 8
	}
	if err := memutils.CheckPow2(wordSize, "WordSize"); err != nil || wordSize > 8 {
		panic(errors.Newf("unsupported word size %d", wordSize))
	}
	if baseAddress%uint32(wordSize) != 0 {
		panic(errors.Newf("base address %#x is not word aligned", baseAddress))
	}

	d := &Device{
		baseAddress:   baseAddress,
		pagesByNumber: swiss.NewMap[uint16, int](uint32(len(pageSizes))),
		wordSize:      wordSize,
		strictWords:   options.StrictWords,
		pendingWord:   make([]byte, wordSize),
	}

	address := baseAddress
	for i, size := range pageSizes {
		if size <= 0 || size%wordSize != 0 {
			panic(errors.Newf("page %d has invalid size %d", i, size))
		}

		page := flash.NewPage(uint16(i), address, uint32(size))
		d.pagesByNumber.Put(page.Number(), len(d.pages))
		d.pages = append(d.pages, page)
		address += uint32(size)
	}

	d.content = bytes.Repeat([]byte{0xFF}, int(address-baseAddress))
	return d
}

func (d *Device) BaseAddress() uint32 { return d.baseAddress }
func (d *Device) Size() int           { return len(d.content) }
func (d *Device) WordSize() int       { return d.wordSize }
func (d *Device) Pages() []flash.Page { return slices.Clone(d.pages) }

// Bytes returns a copy of the committed contents of the device
func (d *Device) Bytes() []byte {
	return slices.Clone(d.content)
}

// Load replaces the contents of the device with image, which must be exactly Size bytes. Any
// pending word is dropped.
func (d *Device) Load(image []byte) error {
	if len(image) != len(d.content) {
		return errors.Newf("image is %d bytes, device is %d bytes", len(image), len(d.content))
	}

	copy(d.content, image)
	d.pending = false
	return nil
}

func (d *Device) offset(address uint32, length int) (int, error) {
	if address < d.baseAddress || uint64(address-d.baseAddress)+uint64(length) > uint64(len(d.content)) {
		return 0, errors.Wrapf(ErrOutOfRange, "[%#x, +%d)", address, length)
	}
	return int(address - d.baseAddress), nil
}

func (d *Device) Read(address uint32, buffer []byte) error {
	offset, err := d.offset(address, len(buffer))
	if err != nil {
		return err
	}

	if d.pending && uint64(d.pendingBase) < uint64(address)+uint64(len(buffer)) && address < d.pendingBase+uint32(d.wordSize) {
		return errors.Wrapf(flash.ErrPendingWrite, "read of [%#x, +%d) overlaps the word at %#x", address, len(buffer), d.pendingBase)
	}

	copy(buffer, d.content[offset:])
	return nil
}

func (d *Device) Write(address uint32, data []byte) error {
	_, err := d.offset(address, len(data))
	if err != nil {
		return err
	}

	for i, value := range data {
		err = d.writeByte(address+uint32(i), value)
		if err != nil {
			return err
		}
	}

	return nil
}

func (d *Device) writeByte(address uint32, value byte) error {
	base := address &^ uint32(d.wordSize-1)
	if d.pending && d.pendingBase != base {
		return errors.Wrapf(flash.ErrPendingWrite, "write to %#x while the word at %#x is incomplete", address, d.pendingBase)
	}

	if !d.pending {
		offset := int(base - d.baseAddress)
		copy(d.pendingWord, d.content[offset:offset+d.wordSize])
		d.pendingBase = base
		d.pending = true
	}

	index := int(address - base)
	current := d.pendingWord[index]
	if value&^current != 0 {
		d.pending = false
		return errors.Wrapf(flash.ErrWriteViolation, "writing %#02x over %#02x at %#x", value, current, address)
	}

	d.pendingWord[index] = value
	if index == d.wordSize-1 {
		return d.FlushWriteBuffer()
	}
	return nil
}

// FlushWriteBuffer commits the pending word. Bytes of the word that were not written keep their
// current value. Words that would not change are skipped.
func (d *Device) FlushWriteBuffer() error {
	if !d.pending {
		return nil
	}
	d.pending = false

	offset := int(d.pendingBase - d.baseAddress)
	current := d.content[offset : offset+d.wordSize]
	if bytes.Equal(current, d.pendingWord) {
		return nil
	}

	if d.strictWords && !isFilled(current, 0xFF) && !isFilled(d.pendingWord, 0x00) {
		return errors.Wrapf(flash.ErrWriteViolation, "word at %#x was already programmed", d.pendingBase)
	}

	copy(current, d.pendingWord)
	return nil
}

func (d *Device) Erase(pageNumber uint16) error {
	page, ok := d.PageFromNumber(pageNumber)
	if !ok {
		return errors.Wrapf(ErrOutOfRange, "page %d", pageNumber)
	}

	if d.pending && page.Contains(d.pendingBase) {
		return errors.Wrapf(flash.ErrPendingWrite, "erase of %s while the word at %#x is incomplete", page, d.pendingBase)
	}

	offset := int(page.BaseAddress() - d.baseAddress)
	for i := offset; i < offset+int(page.Size()); i++ {
		d.content[i] = 0xFF
	}
	return nil
}

func (d *Device) PageFromAddress(address uint32) (flash.Page, bool) {
	index, found := slices.BinarySearchFunc(d.pages, address, func(page flash.Page, address uint32) int {
		switch {
		case page.EndAddress() <= address:
			return -1
		case page.BaseAddress() > address:
			return 1
		default:
			return 0
		}
	})
	if !found {
		return flash.Page{}, false
	}
	return d.pages[index], true
}

func (d *Device) PageFromNumber(pageNumber uint16) (flash.Page, bool) {
	index, ok := d.pagesByNumber.Get(pageNumber)
	if !ok {
		return flash.Page{}, false
	}
	return d.pages[index], true
}

func (d *Device) PrevPage(pageNumber uint16) (flash.Page, bool) {
	if pageNumber == 0 {
		return flash.Page{}, false
	}
	return d.PageFromNumber(pageNumber - 1)
}

func isFilled(data []byte, value byte) bool {
	for _, b := range data {
		if b != value {
			return false
		}
	}
	return true
}
