package flash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/componentos/arsenal/memutils"
)

// BlockKind records what a flash block was allocated for
type BlockKind uint16

const (
	// BlockKindComponent blocks hold a loadable component image. A RAM reservation record follows
	// the header of every component block.
	BlockKindComponent BlockKind = 1
	// BlockKindStorage blocks hold component-owned persistent data
	BlockKindStorage BlockKind = 2
)

var blockKindMapping = map[BlockKind]string{
	BlockKindComponent: "Component",
	BlockKindStorage:   "Storage",
}

func (k BlockKind) String() string {
	str, ok := blockKindMapping[k]
	if !ok {
		return "Unknown"
	}
	return str
}

// Valid reports whether k is a kind this package knows how to allocate
func (k BlockKind) Valid() bool {
	_, ok := blockKindMapping[k]
	return ok
}

// HeaderStatus is the lifecycle state decoded from a block header
type HeaderStatus uint8

const (
	// HeaderFree means every header byte is erased
	HeaderFree HeaderStatus = iota
	// HeaderCorrupt means the header is neither erased nor a complete allocation record, which
	// is what an interrupted allocation leaves behind. Corrupt headers are treated as free.
	HeaderCorrupt
	// HeaderPending means the block was allocated but its contents were never finalized
	HeaderPending
	// HeaderFinalized means the block was allocated and its owner finished writing it
	HeaderFinalized
	// HeaderDismissed means an erase of the block was started
	HeaderDismissed
)

var headerStatusMapping = map[HeaderStatus]string{
	HeaderFree:      "Free",
	HeaderCorrupt:   "Corrupt",
	HeaderPending:   "Pending",
	HeaderFinalized: "Finalized",
	HeaderDismissed: "Dismissed",
}

func (s HeaderStatus) String() string {
	str, ok := headerStatusMapping[s]
	if !ok {
		return "Unknown"
	}
	return str
}

const (
	headerMagic      = "CBLK"
	headerRecordSize = 6

	flagAllocated = 0
	flagFinalized = 1
	flagDismissed = 2
	flagCount     = 3

	erasedByte byte = 0xFF
)

// HeaderSize is the size of a block header on a device with the given word width. Each of the
// three status flags takes a full word, followed by the level/kind/check record, rounded up to a
// multiple of the word width and of 4 bytes.
func HeaderSize(writeGranularity int) int {
	align := writeGranularity
	if align < 4 {
		align = 4
	}
	return memutils.AlignUp(flagCount*writeGranularity+headerRecordSize, uint(align))
}

// Header is the decoded form of the record written at the base of every flash block
type Header struct {
	Status HeaderStatus
	Level  int
	Kind   BlockKind
}

// Allocated reports whether the header describes a complete allocation, whatever its lifecycle state
func (h Header) Allocated() bool {
	return h.Status == HeaderPending || h.Status == HeaderFinalized || h.Status == HeaderDismissed
}

func headerCheck(level uint16, kind uint16) uint16 {
	var buf [len(headerMagic) + 4]byte
	copy(buf[:], headerMagic)
	binary.LittleEndian.PutUint16(buf[len(headerMagic):], level)
	binary.LittleEndian.PutUint16(buf[len(headerMagic)+2:], kind)

	check := uint16(xxhash.Sum64(buf[:]))
	if check == 0xFFFF {
		// An erased record must never validate
		check = 0xFFFE
	}
	return check
}

// encodeHeaderRecord returns the offset and padded bytes of the level/kind/check record
func encodeHeaderRecord(writeGranularity int, level int, kind BlockKind) (int, []byte) {
	offset := flagCount * writeGranularity
	data := make([]byte, HeaderSize(writeGranularity)-offset)
	for i := range data {
		data[i] = erasedByte
	}

	binary.LittleEndian.PutUint16(data[0:], uint16(level))
	binary.LittleEndian.PutUint16(data[2:], uint16(kind))
	binary.LittleEndian.PutUint16(data[4:], headerCheck(uint16(level), uint16(kind)))
	return offset, data
}

// encodeHeaderFlag returns the offset and bytes that set one status flag
func encodeHeaderFlag(writeGranularity int, flag int) (int, []byte) {
	return flag * writeGranularity, make([]byte, writeGranularity)
}

// DecodeHeader interprets raw, which must be HeaderSize(writeGranularity) bytes read from the base
// of a block. Levels above maxLevel are reported as corrupt.
func DecodeHeader(raw []byte, writeGranularity int, maxLevel int) Header {
	if isErased(raw) {
		return Header{Status: HeaderFree}
	}

	flagSet := func(flag int) bool {
		return !isErased(raw[flag*writeGranularity : (flag+1)*writeGranularity])
	}

	record := raw[flagCount*writeGranularity:]
	level := binary.LittleEndian.Uint16(record[0:])
	kind := binary.LittleEndian.Uint16(record[2:])
	check := binary.LittleEndian.Uint16(record[4:])

	header := Header{
		Status: HeaderCorrupt,
		Level:  int(level),
		Kind:   BlockKind(kind),
	}

	if !flagSet(flagAllocated) || check != headerCheck(level, kind) || int(level) > maxLevel {
		return header
	}

	switch {
	case flagSet(flagDismissed):
		header.Status = HeaderDismissed
	case flagSet(flagFinalized):
		header.Status = HeaderFinalized
	default:
		header.Status = HeaderPending
	}
	return header
}

func isErased(data []byte) bool {
	for _, b := range data {
		if b != erasedByte {
			return false
		}
	}
	return true
}
