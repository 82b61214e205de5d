package flash

import (
	"github.com/cockroachdb/errors"
	"github.com/componentos/arsenal/memutils"
	"github.com/componentos/arsenal/memutils/metadata"
)

// RAMRecordSize is the number of bytes reserved after the header of every component block for
// the RAM reservation of that component
const RAMRecordSize = 8

// Config describes the flash region managed by an Allocator
type Config struct {
	// StartAddr is the first byte of the managed region
	StartAddr uint32
	// EndAddr is the last byte of the managed region, inclusive
	EndAddr uint32
	// StartScanAddr is where allocations begin. Everything between StartAddr and StartScanAddr
	// is owned by someone else (usually the kernel image) and is never handed out. Its offset from
	// StartAddr must be zero or a power of two that is a multiple of BlockSize.
	StartScanAddr uint32
	// BlockSize is the size of the smallest allocation, a power of two. Blocks smaller than a
	// device page can only be erased with a swap page, see CreateOptions.EnableSwap.
	BlockSize int
	// WriteGranularity is the device word width in bytes. Header flags occupy one word each so they
	// can be programmed independently.
	WriteGranularity int
}

var (
	// STM32F303RE is 512KiB of flash in 2KiB pages, programmed a half-word at a time
	STM32F303RE = Config{
		StartAddr:        0x0800_0000,
		EndAddr:          0x0807_FFFF,
		StartScanAddr:    0x0800_1000,
		BlockSize:        2048,
		WriteGranularity: 2,
	}
	// STM32L476RG is 1MiB of flash in 2KiB pages, programmed a double-word at a time
	STM32L476RG = Config{
		StartAddr:        0x0800_0000,
		EndAddr:          0x080F_FFFF,
		StartScanAddr:    0x0800_8000,
		BlockSize:        4096,
		WriteGranularity: 8,
	}
)

// Size is the number of bytes in the managed region
func (c Config) Size() int { return int(c.EndAddr-c.StartAddr) + 1 }

// NumBlocks is the number of BlockSize blocks in the managed region
func (c Config) NumBlocks() int { return c.Size() / c.BlockSize }

// NumSlots is the number of buddy levels, ceil(log2(NumBlocks)) + 1
func (c Config) NumSlots() int { return c.MaxLevel() + 1 }

// MaxLevel is the deepest buddy level, the one whose blocks are BlockSize bytes
func (c Config) MaxLevel() int { return memutils.Log2Ceil(uint(c.NumBlocks())) }

// LevelSize is the size of every block at level
func (c Config) LevelSize(level int) int { return c.BlockSize << (c.MaxLevel() - level) }

// ScanOffset is the offset of StartScanAddr from StartAddr
func (c Config) ScanOffset() int { return int(c.StartScanAddr - c.StartAddr) }

// HeaderSize is the size of the header written at the base of every block
func (c Config) HeaderSize() int { return HeaderSize(c.WriteGranularity) }

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

	if err := memutils.CheckPow2(c.WriteGranularity, "WriteGranularity"); err != nil {
		return errors.Mark(err, ErrInvalidConfig)
	}
	if c.WriteGranularity > 8 {
		return errors.Wrapf(ErrInvalidConfig, "write granularity %d is wider than 8 bytes", c.WriteGranularity)
	}

	if err := memutils.CheckAligned(c.Size(), c.BlockSize, "region size"); err != nil {
		return errors.Mark(err, ErrInvalidConfig)
	}
	if c.NumBlocks() > metadata.MaxBlocks {
		return errors.Wrapf(ErrInvalidConfig, "region holds %d blocks, at most %d are supported", c.NumBlocks(), metadata.MaxBlocks)
	}

	if !c.Contains(c.StartScanAddr) {
		return errors.Wrapf(ErrInvalidConfig, "scan start %#x is outside of the managed region", c.StartScanAddr)
	}
	if offset := c.ScanOffset(); offset != 0 {
		if err := memutils.CheckPow2(offset, "scan offset"); err != nil {
			return errors.Mark(err, ErrInvalidConfig)
		}
		if err := memutils.CheckAligned(offset, c.BlockSize, "scan offset"); err != nil {
			return errors.Mark(err, ErrInvalidConfig)
		}
	}

	if c.HeaderSize()+RAMRecordSize >= c.BlockSize {
		return errors.Wrapf(ErrInvalidConfig, "block size %d cannot hold a %d byte header", c.BlockSize, c.HeaderSize()+RAMRecordSize)
	}

	return nil
}

// MustValidate panics if Validate fails. A bad configuration is a build mistake, not something
// that can be handled at runtime.
func (c Config) MustValidate() {
	if err := c.Validate(); err != nil {
		panic(err)
	}
}
