package ram

import (
	"github.com/cockroachdb/errors"
	"github.com/componentos/arsenal/memutils"
	"github.com/componentos/arsenal/memutils/metadata"
)

// Config describes the RAM region managed by an Allocator
type Config struct {
	// StartAddr is the first byte of the managed region
	StartAddr uint32
	// EndAddr is the last byte of the managed region, inclusive
	EndAddr uint32
	// BlockSize is the size of the smallest reservation, a power of two
	BlockSize int
	// Reserved is the number of bytes at the bottom of the region that belong to the kernel
	// (stack and statics) and are never handed out. It must be a multiple of BlockSize.
	Reserved int
}

var (
	// STM32F303RE is the 64KiB main SRAM with the kernel in the first 4KiB
	STM32F303RE = Config{
		StartAddr: 0x2000_0000,
		EndAddr:   0x2000_FFFF,
		BlockSize: 256,
		Reserved:  4096,
	}
	// STM32L476RG is the 96KiB SRAM1 with the kernel in the first 8KiB
	STM32L476RG = Config{
		StartAddr: 0x2000_0000,
		EndAddr:   0x2001_7FFF,
		BlockSize: 512,
		Reserved:  8192,
	}
)

// Size is the number of bytes in the managed region
func (c Config) Size() int { return int(c.EndAddr-c.StartAddr) + 1 }

// NumBlocks is the number of BlockSize blocks in the managed region
func (c Config) NumBlocks() int { return c.Size() / c.BlockSize }

// NumSlots is the number of buddy levels, ceil(log2(NumBlocks)) + 1
func (c Config) NumSlots() int { return memutils.Log2Ceil(uint(c.NumBlocks())) + 1 }

// Contains reports whether address falls inside the managed region
func (c Config) Contains(address uint32) bool {
	return address >= c.StartAddr && address <= c.EndAddr
}

// Validate returns an error marked with ErrInvalidConfig describing the first problem found
func (c Config) Validate() error {
	if c.EndAddr <= c.StartAddr {
		return errors.Wrapf(ErrInvalidConfig, "end address %#x is not above start address %#x", c.EndAddr, c.StartAddr)
	}

	if err := memutils.CheckPow2(c.BlockSize, "BlockSize"); err != nil {
		return errors.Mark(err, ErrInvalidConfig)
	}

	if err := memutils.CheckAligned(c.Size(), c.BlockSize, "region size"); err != nil {
		return errors.Mark(err, ErrInvalidConfig)
	}
	if c.NumBlocks() > metadata.MaxBlocks {
		return errors.Wrapf(ErrInvalidConfig, "region holds %d blocks, at most %d are supported", c.NumBlocks(), metadata.MaxBlocks)
	}

	if c.Reserved < 0 || c.Reserved >= c.Size() {
		return errors.Wrapf(ErrInvalidConfig, "reserved size %d must be below %d", c.Reserved, c.Size())
	}
	if err := memutils.CheckAligned(c.Reserved, c.BlockSize, "reserved size"); err != nil {
		return errors.Mark(err, ErrInvalidConfig)
	}

	return nil
}

// MustValidate panics if Validate fails
func (c Config) MustValidate() {
	if err := c.Validate(); err != nil {
		panic(err)
	}
}
