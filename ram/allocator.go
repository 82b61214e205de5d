// Package ram reserves working memory for the components stored in flash.
//
// Nothing about RAM survives a reset, so every reservation is recorded in the flash block of the
// component that owns it, right after the block header. At boot the reservations are read back in
// ascending flash order and the remaining RAM is folded into the free lists, which reproduces the
// layout that existed before the reset.
package ram

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/componentos/arsenal/flash"
	"github.com/componentos/arsenal/internal/utils"
	"github.com/componentos/arsenal/memutils"
	"github.com/componentos/arsenal/memutils/metadata"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Logger receives allocator diagnostics. A nil Logger discards them.
	Logger *slog.Logger
}

// Allocator hands out power-of-two blocks of RAM to components stored in flash
//
// Allocator is not safe for concurrent use.
type Allocator struct {
	logger      *slog.Logger
	device      flash.Device
	flashConfig flash.Config
	config      Config
	tree        *metadata.BuddyTree

	// keyed by the flash address of the owning component block
	blocks *swiss.Map[uint32, Block]
}

func hexAddress(address uint32) string {
	return fmt.Sprintf("%#08x", address)
}

// FromFlash rebuilds the RAM reservations recorded in the component blocks of the flash region
// described by flashConfig. Records that are blank are skipped. Records that do not describe a
// block of this region, or that overlap an earlier one, are logged and ignored.
//
// FromFlash panics if either configuration is invalid.
func FromFlash(device flash.Device, flashConfig flash.Config, config Config, options CreateOptions) (*Allocator, error) {
	flashConfig.MustValidate()
	config.MustValidate()

	allocator := &Allocator{
		logger:      utils.LoggerOrDiscard(options.Logger),
		device:      device,
		flashConfig: flashConfig,
		config:      config,
		tree:        metadata.NewEmptyBuddyTree(config.StartAddr, config.BlockSize, config.NumBlocks()),
	}

	err := allocator.Rebuild()
	if err != nil {
		return nil, err
	}

	return allocator, nil
}

// Rebuild discards the in-memory state and reads the reservations back from flash
func (a *Allocator) Rebuild() error {
	a.tree.Clear()
	a.blocks = swiss.NewMap[uint32, Block](uint32(a.flashConfig.NumBlocks()))

	var used []Block
	walker := flash.NewWalker(a.device, a.flashConfig)
	for component, ok := walker.Next(); ok; component, ok = walker.Next() {
		if component.Kind() != flash.BlockKindComponent {
			continue
		}

		block, ok, err := a.readRecord(component)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		if reason := a.checkRecord(block, used); reason != "" {
			a.logger.LogAttrs(context.Background(), slog.LevelWarn, "ignoring RAM reservation",
				slog.String("component", hexAddress(component.Address())),
				slog.String("ram", hexAddress(block.BaseAddress())),
				slog.Int("size", block.Size()),
				slog.String("reason", reason))
			continue
		}

		used = append(used, block)
		a.blocks.Put(component.Address(), block)
	}
	if walker.Err() != nil {
		return walker.Err()
	}

	slices.SortFunc(used, func(left, right Block) bool {
		return left.BaseAddress() < right.BaseAddress()
	})

	freeStart := a.config.Reserved
	for _, block := range used {
		offset := int(block.BaseAddress() - a.config.StartAddr)
		if offset > freeStart {
			a.tree.AddFreeRange(freeStart, offset-freeStart)
		}
		freeStart = offset + block.Size()
	}
	if freeStart < a.config.Size() {
		a.tree.AddFreeRange(freeStart, a.config.Size()-freeStart)
	}

	memutils.DebugValidate(a.tree)
	return nil
}

// checkRecord returns why block cannot be a reservation made by this allocator, or an empty string
func (a *Allocator) checkRecord(block Block, used []Block) string {
	level, ok := a.tree.SizeToLevel(block.Size())
	if !ok || block.Size() <= 0 || a.tree.LevelSize(level) != block.Size() {
		return "size is not a block size"
	}

	if !a.tree.Contains(block.BaseAddress()) || !a.tree.Contains(block.EndAddress()-1) {
		return "outside of the region"
	}

	offset := int(block.BaseAddress() - a.config.StartAddr)
	if offset%block.Size() != 0 {
		return "misaligned"
	}
	if offset < a.config.Reserved {
		return "inside the reserved region"
	}

	for _, other := range used {
		if block.overlaps(other) {
			return fmt.Sprintf("overlaps the reservation of %#x", other.FlashPosition())
		}
	}

	return ""
}

func (a *Allocator) readRecord(component flash.Block) (Block, bool, error) {
	recordAddress, _ := component.RAMRecordAddress()
	record := make([]byte, flash.RAMRecordSize)
	err := a.device.Read(recordAddress, record)
	if err != nil {
		return Block{}, false, errors.Wrapf(err, "failed to read RAM record at %#x", recordAddress)
	}

	block, ok := decodeRecord(record, component.Address())
	return block, ok, nil
}

// component returns the live component block that starts or has its base address at flashAddress
func (a *Allocator) component(flashAddress uint32) (flash.Block, error) {
	walker := flash.NewWalker(a.device, a.flashConfig)
	for block, ok := walker.Next(); ok; block, ok = walker.Next() {
		if block.Address() != flashAddress && block.BaseAddress() != flashAddress {
			continue
		}

		if block.Kind() != flash.BlockKindComponent {
			return flash.Block{}, errors.Wrapf(ErrInvalidBlock, "%s", block)
		}
		return block, nil
	}

	if walker.Err() != nil {
		return flash.Block{}, walker.Err()
	}
	return flash.Block{}, errors.Wrapf(ErrInvalidBlock, "no component at %#x", flashAddress)
}

// Allocate reserves at least size bytes of RAM for the component block at flashAddress and records
// the reservation in that block. A component can only hold one reservation, and a component whose
// record was ignored by Rebuild cannot get one until it is erased and allocated again.
func (a *Allocator) Allocate(flashAddress uint32, size int) (Block, error) {
	if size <= 0 {
		return Block{}, errors.Newf("cannot reserve %d bytes of RAM", size)
	}

	component, err := a.component(flashAddress)
	if err != nil {
		return Block{}, err
	}

	existing, ok, err := a.readRecord(component)
	if err != nil {
		return Block{}, err
	}
	if ok {
		if live, found := a.blocks.Get(component.Address()); found && live == existing {
			return Block{}, errors.Wrapf(ErrAlreadyReserved, "%s", existing)
		}
		return Block{}, errors.Wrapf(ErrCorruptRecord, "component at %#x", component.Address())
	}

	level, ok := a.tree.SizeToLevel(size)
	if !ok {
		return Block{}, errors.Wrapf(ErrOutOfRAM, "request of %d bytes is larger than the region", size)
	}

	address, ok := a.tree.Alloc(size)
	if !ok {
		return Block{}, errors.Wrapf(ErrOutOfRAM, "no free level %d block for a request of %d bytes", level, size)
	}

	block := Block{
		address:       address,
		size:          a.tree.LevelSize(level),
		flashPosition: component.Address(),
	}

	recordAddress, _ := component.RAMRecordAddress()
	err = a.device.Write(recordAddress, encodeRecord(block))
	if err == nil {
		err = a.device.FlushWriteBuffer()
	}
	if err != nil {
		if freeErr := a.tree.Free(block.BaseAddress(), block.Size()); freeErr != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to return abandoned RAM block",
				slog.String("ram", hexAddress(block.BaseAddress())),
				slog.Any("error", freeErr))
		}
		return Block{}, errors.Wrapf(err, "failed to record RAM reservation at %#x", recordAddress)
	}

	a.blocks.Put(component.Address(), block)
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "reserved RAM",
		slog.String("component", hexAddress(component.Address())),
		slog.String("ram", hexAddress(block.BaseAddress())),
		slog.Int("size", block.Size()))

	return block, nil
}

// Free returns the RAM of a component that has been erased from flash
func (a *Allocator) Free(block Block) error {
	current, ok := a.blocks.Get(block.FlashPosition())
	if !ok || current != block {
		return errors.Wrapf(ErrInvalidBlock, "%s is not a live reservation", block)
	}

	component, err := a.component(block.FlashPosition())
	switch {
	case err == nil:
		record, ok, err := a.readRecord(component)
		if err != nil {
			return err
		}
		if ok && record == block {
			return errors.Wrapf(ErrComponentResident, "%s", component)
		}
	case !errors.Is(err, ErrInvalidBlock):
		return err
	}

	err = a.tree.Free(block.BaseAddress(), block.Size())
	if err != nil {
		return errors.Wrapf(err, "failed to free %s", block)
	}

	a.blocks.Delete(block.FlashPosition())
	return nil
}

// Lookup returns the reservation of the component block that starts at flashAddress
func (a *Allocator) Lookup(flashAddress uint32) (Block, bool) {
	return a.blocks.Get(flashAddress)
}

// Reservations returns every live reservation in ascending RAM address order
func (a *Allocator) Reservations() []Block {
	blocks := make([]Block, 0, a.blocks.Count())
	a.blocks.Iter(func(_ uint32, block Block) bool {
		blocks = append(blocks, block)
		return false
	})

	slices.SortFunc(blocks, func(left, right Block) bool {
		return left.BaseAddress() < right.BaseAddress()
	})
	return blocks
}

// Dump writes the free blocks of every level, see metadata.BuddyTree.Dump
func (a *Allocator) Dump(w io.Writer) error {
	return a.tree.Dump(w)
}

func (a *Allocator) String() string {
	return a.tree.String()
}

// FreeBytes is the number of bytes of RAM currently free
func (a *Allocator) FreeBytes() int {
	return a.tree.SumFreeSize()
}

// CalculateStatistics sums the usage of the region into stats. The reserved region counts as
// allocated space but not as an allocation.
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) {
	a.tree.AddDetailedStatistics(stats)

	for _, block := range a.Reservations() {
		stats.CountAllocation(block.Size())
	}
}

// PrintDetailedMap writes a json object describing the free lists and every reservation
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	obj.Name("Reserved").Int(a.config.Reserved)
	a.tree.BlockJsonData(obj)

	reservations := obj.Name("Reservations").Array()
	defer reservations.End()

	for _, block := range a.Reservations() {
		blockObj := reservations.Object()
		block.printParameters(&blockObj)
		blockObj.End()
	}
}
