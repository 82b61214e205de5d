package flash

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/componentos/arsenal/internal/utils"
	"github.com/componentos/arsenal/memutils"
	"golang.org/x/exp/slog"
)

// Swap page layout, every field starting on a word boundary:
//
//	[0]                  number of the page being swapped, u16 LE
//	[swapMarkerSize]     copy completed flag, one word
//	[swapDataOffset]     fragments: page offset u32 LE, size u32 LE, then size bytes of data
//
// The list of fragments ends at the first blank fragment header.
const blankFragmentSize = 0xFFFF_FFFF

func swapMarkerSize(writeGranularity int) int {
	return memutils.AlignUp(2, uint(writeGranularity))
}

func swapDataOffset(writeGranularity int) int {
	return swapMarkerSize(writeGranularity) + writeGranularity
}

func fragmentHeaderSize(writeGranularity int) int {
	return memutils.AlignUp(8, uint(writeGranularity))
}

// Fragment is a range of a page, relative to the page base address, that has to survive an erase
// of that page
type Fragment struct {
	Offset uint32
	Size   int
}

// Swapper erases pages that are only partly disposable. The fragments to keep are parked in a
// dedicated swap page while the page is erased, and are then written back. A swap interrupted by
// a reset is finished by Recover.
type Swapper struct {
	logger           *slog.Logger
	device           Device
	page             Page
	writeGranularity int
}

// NewSwapper uses page pageNumber of device as the swap page for the region described by config.
// The swap page may not overlap the region.
func NewSwapper(device Device, config Config, pageNumber uint16, logger *slog.Logger) (*Swapper, error) {
	page, ok := device.PageFromNumber(pageNumber)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidConfig, "swap page %d does not exist", pageNumber)
	}

	if page.BaseAddress() <= config.EndAddr && page.EndAddress() > config.StartAddr {
		return nil, errors.Wrapf(ErrInvalidConfig, "swap %s overlaps the managed region", page)
	}

	minimum := swapDataOffset(config.WriteGranularity) + fragmentHeaderSize(config.WriteGranularity) + config.WriteGranularity
	if int(page.Size()) < minimum {
		return nil, errors.Wrapf(ErrSwapTooSmall, "swap %s cannot hold a single fragment", page)
	}

	return &Swapper{
		logger:           utils.LoggerOrDiscard(logger),
		device:           device,
		page:             page,
		writeGranularity: config.WriteGranularity,
	}, nil
}

// Page returns the swap page
func (s *Swapper) Page() Page { return s.page }

func (s *Swapper) writeAndFlush(address uint32, data []byte) error {
	err := s.device.Write(address, data)
	if err != nil {
		return err
	}
	return s.device.FlushWriteBuffer()
}

// Swap erases page, keeping the contents of every fragment. Without fragments the page is simply
// erased.
func (s *Swapper) Swap(page Page, keep []Fragment) error {
	if page.Number() == s.page.Number() {
		return errors.Newf("cannot swap the swap page %d", page.Number())
	}

	marker := make([]byte, swapDataOffset(s.writeGranularity))
	err := s.device.Read(s.page.BaseAddress(), marker)
	if err != nil {
		return errors.Wrapf(err, "failed to read swap %s", s.page)
	}
	if !isErased(marker) {
		return errors.Wrapf(ErrSwapPending, "swap %s", s.page)
	}

	if len(keep) == 0 {
		return s.device.Erase(page.Number())
	}

	headerSize := fragmentHeaderSize(s.writeGranularity)
	required := swapDataOffset(s.writeGranularity)
	for _, fragment := range keep {
		if fragment.Size <= 0 || uint64(fragment.Offset)+uint64(fragment.Size) > uint64(page.Size()) {
			return errors.Newf("fragment [%#x, +%d) is outside of %s", fragment.Offset, fragment.Size, page)
		}
		if fragment.Offset%uint32(s.writeGranularity) != 0 || fragment.Size%s.writeGranularity != 0 {
			return errors.Newf("fragment [%#x, +%d) of %s is not word aligned", fragment.Offset, fragment.Size, page)
		}
		required += headerSize + fragment.Size
	}
	if required > int(s.page.Size()) {
		return errors.Wrapf(ErrSwapTooSmall, "%d bytes of %s must survive, swap %s", required, page, s.page)
	}

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "swapping flash page",
		slog.Int("page", int(page.Number())),
		slog.Int("fragments", len(keep)),
		slog.Int("bytes", required))

	marker = bytes.Repeat([]byte{erasedByte}, swapMarkerSize(s.writeGranularity))
	binary.LittleEndian.PutUint16(marker, page.Number())
	err = s.writeAndFlush(s.page.BaseAddress(), marker)
	if err != nil {
		return errors.Wrapf(err, "failed to start swap of %s", page)
	}

	position := s.page.BaseAddress() + uint32(swapDataOffset(s.writeGranularity))
	for _, fragment := range keep {
		header := bytes.Repeat([]byte{erasedByte}, headerSize)
		binary.LittleEndian.PutUint32(header[0:], fragment.Offset)
		binary.LittleEndian.PutUint32(header[4:], uint32(fragment.Size))

		data := make([]byte, fragment.Size)
		err = s.device.Read(page.BaseAddress()+fragment.Offset, data)
		if err != nil {
			return err
		}

		err = s.writeAndFlush(position, header)
		if err != nil {
			return err
		}
		position += uint32(headerSize)

		err = s.writeAndFlush(position, data)
		if err != nil {
			return err
		}
		position += uint32(fragment.Size)
	}

	err = s.writeAndFlush(s.page.BaseAddress()+uint32(swapMarkerSize(s.writeGranularity)), make([]byte, s.writeGranularity))
	if err != nil {
		return errors.Wrapf(err, "failed to complete swap of %s", page)
	}

	return s.finish(page)
}

// finish erases page, copies the parked fragments back and clears the swap page. It can be repeated
// any number of times once the copy completed flag is set.
func (s *Swapper) finish(page Page) error {
	err := s.device.Erase(page.Number())
	if err != nil {
		return errors.Wrapf(err, "failed to erase swapped %s", page)
	}

	err = s.copyBack(page)
	if err != nil {
		return err
	}

	err = s.device.Erase(s.page.Number())
	if err != nil {
		return errors.Wrapf(err, "failed to clear swap %s", s.page)
	}
	return nil
}

func (s *Swapper) copyBack(page Page) error {
	headerSize := uint32(fragmentHeaderSize(s.writeGranularity))
	header := make([]byte, headerSize)

	position := s.page.BaseAddress() + uint32(swapDataOffset(s.writeGranularity))
	for position+headerSize <= s.page.EndAddress() {
		err := s.device.Read(position, header)
		if err != nil {
			return err
		}

		size := binary.LittleEndian.Uint32(header[4:])
		if size == blankFragmentSize {
			return nil
		}
		offset := binary.LittleEndian.Uint32(header[0:])
		position += headerSize

		if uint64(offset)+uint64(size) > uint64(page.Size()) || uint64(position)+uint64(size) > uint64(s.page.EndAddress()) {
			return errors.Wrapf(ErrInvalidBlock, "swap fragment at %#x does not fit %s", position-headerSize, page)
		}

		data := make([]byte, size)
		err = s.device.Read(position, data)
		if err != nil {
			return err
		}
		err = s.writeAndFlush(page.BaseAddress()+offset, data)
		if err != nil {
			return errors.Wrapf(err, "failed to restore fragment [%#x, +%d) of %s", offset, size, page)
		}
		position += size
	}

	return nil
}

// Recover finishes or discards a swap that was interrupted by a reset and reports whether there
// was one. A swap whose copy had not completed never touched its target page and is discarded.
func (s *Swapper) Recover() (bool, error) {
	marker := make([]byte, swapDataOffset(s.writeGranularity))
	err := s.device.Read(s.page.BaseAddress(), marker)
	if err != nil {
		return false, errors.Wrapf(err, "failed to read swap %s", s.page)
	}

	if isErased(marker) {
		return false, nil
	}

	if isErased(marker[swapMarkerSize(s.writeGranularity):]) {
		s.logger.LogAttrs(context.Background(), slog.LevelWarn, "discarding incomplete page swap",
			slog.Int("swapPage", int(s.page.Number())))
		return true, s.device.Erase(s.page.Number())
	}

	number := binary.LittleEndian.Uint16(marker)
	page, ok := s.device.PageFromNumber(number)
	if !ok {
		return true, errors.Wrapf(ErrInvalidBlock, "swap %s names unknown page %d", s.page, number)
	}

	s.logger.LogAttrs(context.Background(), slog.LevelWarn, "finishing interrupted page swap",
		slog.Int("page", int(number)),
		slog.Int("swapPage", int(s.page.Number())))
	return true, s.finish(page)
}
