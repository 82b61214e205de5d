package flash

import (
	"context"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/componentos/arsenal/memutils"
	"github.com/componentos/arsenal/memutils/metadata"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// Allocator hands out power-of-two blocks of a flash region. Every block starts with a header that
// describes it, and the free lists are never persisted: they are rebuilt from the headers by
// FromFlash or Rebuild, so the device contents are always the single source of truth.
//
// Allocator is not safe for concurrent use, and it expects to be the only writer to its region.
type Allocator struct {
	logger *slog.Logger
	device Device
	config Config
	tree   *metadata.BuddyTree

	swapper *Swapper
}

func hexAddress(address uint32) string {
	return fmt.Sprintf("%#08x", address)
}

// Config returns the configuration the allocator was created with
func (a *Allocator) Config() Config { return a.config }

// Device returns the device the allocator persists its headers to
func (a *Allocator) Device() Device { return a.device }

// Rebuild discards the in-memory free lists and reconstructs them from the headers on the device.
// Leaves below the scan start are never free. Every allocated header, including ones whose erase has
// started, keeps its block occupied. Everything in between is folded back in as free space.
func (a *Allocator) Rebuild() error {
	a.tree.Clear()

	scan := newScanner(a.device, a.config)
	freeStart := scan.offset
	for !scan.done() {
		offset, header, err := scan.next()
		if err != nil {
			return err
		}

		switch {
		case header.Allocated():
			if offset > freeStart {
				a.tree.AddFreeRange(freeStart, offset-freeStart)
			}
			freeStart = scan.offset
		case header.Status == HeaderCorrupt:
			a.logger.LogAttrs(context.Background(), slog.LevelWarn, "treating corrupt block header as free",
				slog.String("address", hexAddress(a.config.StartAddr+uint32(offset))))
		}
	}

	if freeStart < a.config.Size() {
		a.tree.AddFreeRange(freeStart, a.config.Size()-freeStart)
	}

	memutils.DebugValidate(a.tree)
	return nil
}

// Allocate reserves a block with at least size bytes available to the caller and writes its header.
// Component blocks additionally reserve room for their RAM reservation record. The block is not
// finalized.
func (a *Allocator) Allocate(size int, kind BlockKind) (Block, error) {
	if !kind.Valid() {
		return Block{}, errors.Newf("cannot allocate a block of unknown kind %d", kind)
	}
	if size < 0 {
		return Block{}, errors.Newf("cannot allocate a negative size %d", size)
	}

	totalSize := size + a.config.HeaderSize()
	if kind == BlockKindComponent {
		totalSize += RAMRecordSize
	}

	level, ok := a.tree.SizeToLevel(totalSize)
	if !ok {
		return Block{}, errors.Wrapf(ErrOutOfFlash, "request of %d bytes is larger than the region", size)
	}

	address, ok := a.tree.Alloc(totalSize)
	if !ok {
		return Block{}, errors.Wrapf(ErrOutOfFlash, "no free level %d block for a request of %d bytes", level, size)
	}

	err := a.writeHeader(address, level, kind)
	if err != nil {
		// Whatever made it to the device decodes as free or corrupt, never as allocated
		if freeErr := a.tree.Free(address, a.config.LevelSize(level)); freeErr != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to return abandoned block",
				slog.String("address", hexAddress(address)),
				slog.Any("error", freeErr))
		}
		return Block{}, errors.Wrapf(err, "failed to write header at %#x", address)
	}

	block := newBlock(a.config, address, Header{Status: HeaderPending, Level: level, Kind: kind})
	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "allocated flash block",
		slog.String("address", hexAddress(address)),
		slog.Int("level", level),
		slog.Int("size", block.BlockSize()),
		slog.String("kind", kind.String()))

	return block, nil
}

func (a *Allocator) writeHeader(address uint32, level int, kind BlockKind) error {
	err := a.ensureErased(address, a.config.LevelSize(level))
	if err != nil {
		return err
	}

	offset, record := encodeHeaderRecord(a.config.WriteGranularity, level, kind)
	err = a.writeAndFlush(address+uint32(offset), record)
	if err != nil {
		return err
	}

	return a.setFlag(address, flagAllocated)
}

func (a *Allocator) setFlag(address uint32, flag int) error {
	offset, data := encodeHeaderFlag(a.config.WriteGranularity, flag)
	return a.writeAndFlush(address+uint32(offset), data)
}

func (a *Allocator) writeAndFlush(address uint32, data []byte) error {
	err := a.device.Write(address, data)
	if err != nil {
		return err
	}
	return a.device.FlushWriteBuffer()
}

// ensureErased erases [address, address+size) unless every byte in it is already erased. Free space
// can hold leftovers of an interrupted allocation when storage analysis was skipped.
func (a *Allocator) ensureErased(address uint32, size int) error {
	buffer := make([]byte, a.config.BlockSize)
	for offset := 0; offset < size; offset += len(buffer) {
		err := a.device.Read(address+uint32(offset), buffer)
		if err != nil {
			return err
		}

		if !isErased(buffer) {
			a.logger.LogAttrs(context.Background(), slog.LevelDebug, "erasing dirty free space",
				slog.String("address", hexAddress(address)),
				slog.Int("size", size))
			return a.erasePages(address, size)
		}
	}

	return nil
}

// pageRange returns the first and last pages of [address, address+size). Unless the allocator has a
// swapper, the range must begin and end on page boundaries.
func (a *Allocator) pageRange(address uint32, size int) (Page, Page, error) {
	end := address + uint32(size)
	first, ok := a.device.PageFromAddress(address)
	if !ok {
		return Page{}, Page{}, errors.Wrapf(ErrInvalidBlock, "no flash page contains %#x", address)
	}
	last, ok := a.device.PageFromAddress(end - 1)
	if !ok {
		return Page{}, Page{}, errors.Wrapf(ErrInvalidBlock, "no flash page contains %#x", end-1)
	}

	if a.swapper == nil && (first.BaseAddress() != address || last.EndAddress() != end) {
		return Page{}, Page{}, errors.Wrapf(ErrPageStraddle, "[%#x, %#x) spans %s to %s", address, end, first, last)
	}

	return first, last, nil
}

// erasePages erases every page of [address, address+size), highest page first, so the page that
// holds the header is the last to go. Pages shared with data outside of the range go through the
// swapper.
func (a *Allocator) erasePages(address uint32, size int) error {
	first, last, err := a.pageRange(address, size)
	if err != nil {
		return err
	}

	end := address + uint32(size)
	page := last
	for {
		if page.BaseAddress() >= address && page.EndAddress() <= end {
			err = a.device.Erase(page.Number())
		} else {
			err = a.swapPage(page, address, end)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to erase %s", page)
		}

		if page.Number() == first.Number() {
			return nil
		}

		var ok bool
		page, ok = a.device.PrevPage(page.Number())
		if !ok {
			return errors.Wrapf(ErrInvalidBlock, "no flash page below %d", page.Number())
		}
	}
}

func (a *Allocator) swapPage(page Page, start uint32, end uint32) error {
	keep, err := a.keptFragments(page, start, end)
	if err != nil {
		return err
	}
	return a.swapper.Swap(page, keep)
}

// keptFragments lists what has to survive an erase of page when only [start, end) is disposable:
// anything outside of the allocatable region and every allocated block. Free space is dropped.
func (a *Allocator) keptFragments(page Page, start uint32, end uint32) ([]Fragment, error) {
	var keep []Fragment
	add := func(from uint32, to uint32) {
		if from < page.BaseAddress() {
			from = page.BaseAddress()
		}
		if to > page.EndAddress() {
			to = page.EndAddress()
		}
		if from >= to || (from < end && to > start) {
			return
		}
		keep = append(keep, Fragment{Offset: from - page.BaseAddress(), Size: int(to - from)})
	}

	add(page.BaseAddress(), a.config.StartScanAddr)
	add(a.config.EndAddr+1, page.EndAddress())

	scan := newScanner(a.device, a.config)
	for !scan.done() {
		offset, header, err := scan.next()
		if err != nil {
			return nil, err
		}

		address := a.config.StartAddr + uint32(offset)
		if address >= page.EndAddress() {
			break
		}
		if header.Allocated() {
			add(address, address+uint32(a.config.LevelSize(header.Level)))
		}
	}

	return keep, nil
}

// dismissAndErase marks the block at address as dismissed and then erases it. A reset at any point
// leaves either the dismissed header, which storage analysis finishes erasing, or erased pages.
func (a *Allocator) dismissAndErase(address uint32, size int) error {
	_, _, err := a.pageRange(address, size)
	if err != nil {
		return err
	}

	err = a.setFlag(address, flagDismissed)
	if err != nil {
		return err
	}

	return a.erasePages(address, size)
}

// Finalize marks a block as completely written by its owner
func (a *Allocator) Finalize(block Block) error {
	header, err := a.headerOf(block)
	if err != nil {
		return err
	}

	switch header.Status {
	case HeaderFinalized:
		return errors.Wrapf(ErrAlreadyFinalized, "block at %#x", block.Address())
	case HeaderPending:
	default:
		return errors.Wrapf(ErrNotAllocated, "block at %#x is %s", block.Address(), header.Status)
	}

	return a.setFlag(block.Address(), flagFinalized)
}

// Refresh rereads the header of block and returns its current state
func (a *Allocator) Refresh(block Block) (Block, error) {
	header, err := a.headerOf(block)
	if err != nil {
		return Block{}, err
	}

	if !header.Allocated() {
		return Block{}, errors.Wrapf(ErrNotAllocated, "block at %#x is %s", block.Address(), header.Status)
	}

	return newBlock(a.config, block.Address(), header), nil
}

func (a *Allocator) headerOf(block Block) (Header, error) {
	if !a.config.Contains(block.Address()) || block.Address() < a.config.StartScanAddr {
		return Header{}, errors.Wrapf(ErrInvalidBlock, "%#x is outside of the allocatable region", block.Address())
	}

	header, err := readHeader(a.device, a.config, int(block.Address()-a.config.StartAddr))
	if err != nil {
		return Header{}, err
	}

	if header.Allocated() && (header.Level != block.Level() || header.Kind != block.Kind()) {
		return Header{}, errors.Wrapf(ErrInvalidBlock, "header at %#x describes a level %d %s block", block.Address(), header.Level, header.Kind)
	}

	return header, nil
}

// Erase dismisses the block, erases its pages and returns it to the free lists. Erasing a block
// whose erase was interrupted finishes the job.
func (a *Allocator) Erase(block Block) error {
	header, err := a.headerOf(block)
	if err != nil {
		return err
	}

	if !header.Allocated() {
		return errors.Wrapf(ErrNotAllocated, "block at %#x is %s", block.Address(), header.Status)
	}

	if header.Status == HeaderDismissed {
		err = a.erasePages(block.Address(), block.BlockSize())
	} else {
		err = a.dismissAndErase(block.Address(), block.BlockSize())
	}
	if err != nil {
		return errors.Wrapf(err, "failed to erase block at %#x", block.Address())
	}

	err = a.tree.Free(block.Address(), block.BlockSize())
	if err != nil {
		return errors.Wrapf(err, "failed to free block at %#x", block.Address())
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "erased flash block",
		slog.String("address", hexAddress(block.Address())),
		slog.Int("level", block.Level()))
	return nil
}

// Deallocate erases the block that starts or has its base address at address. Blocks whose erase
// was interrupted are accepted too, so the erase can be finished without holding the Block.
func (a *Allocator) Deallocate(address uint32) error {
	block, err := a.find(address, true)
	if err != nil {
		return err
	}

	if block.Address() != address && block.BaseAddress() != address {
		return errors.Wrapf(ErrInvalidBlock, "%#x is inside %s but is not its address", address, block)
	}

	return a.Erase(block)
}

// Lookup returns the live block containing address
func (a *Allocator) Lookup(address uint32) (Block, error) {
	return a.find(address, false)
}

func (a *Allocator) find(address uint32, dismissed bool) (Block, error) {
	scan := newScanner(a.device, a.config)
	for !scan.done() {
		offset, header, err := scan.next()
		if err != nil {
			return Block{}, err
		}

		blockAddress := a.config.StartAddr + uint32(offset)
		if blockAddress > address {
			break
		}

		live := header.Status == HeaderPending || header.Status == HeaderFinalized
		if !live && !(dismissed && header.Status == HeaderDismissed) {
			continue
		}

		block := newBlock(a.config, blockAddress, header)
		if block.Contains(address) {
			return block, nil
		}
	}

	return Block{}, errors.Wrapf(ErrInvalidBlock, "no live block contains %#x", address)
}

// Blocks returns a Walker over the live blocks of the region
func (a *Allocator) Blocks() *Walker {
	return NewWalker(a.device, a.config)
}

// Dump writes the free blocks of every level, see metadata.BuddyTree.Dump
func (a *Allocator) Dump(w io.Writer) error {
	return a.tree.Dump(w)
}

func (a *Allocator) String() string {
	return a.tree.String()
}

// FreeBytes is the number of bytes currently free, headers not included
func (a *Allocator) FreeBytes() int {
	return a.tree.SumFreeSize()
}

// CalculateStatistics sums the usage of the region into stats
func (a *Allocator) CalculateStatistics(stats *memutils.DetailedStatistics) error {
	a.tree.AddDetailedStatistics(stats)

	walker := a.Blocks()
	for block, ok := walker.Next(); ok; block, ok = walker.Next() {
		stats.CountAllocation(block.BlockSize())
	}

	return walker.Err()
}

// PrintDetailedMap writes a json object describing the free lists and every live block
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) error {
	obj := writer.Object()
	defer obj.End()

	obj.Name("ScanStart").Int(int(a.config.StartScanAddr))
	obj.Name("HeaderSize").Int(a.config.HeaderSize())
	a.tree.BlockJsonData(obj)

	blocks := obj.Name("Blocks").Array()
	defer blocks.End()

	walker := a.Blocks()
	for block, ok := walker.Next(); ok; block, ok = walker.Next() {
		blockObj := blocks.Object()
		block.printParameters(&blockObj)
		blockObj.End()
	}

	return walker.Err()
}
