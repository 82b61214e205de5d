package ram

import (
	"encoding/binary"
	"fmt"

	"github.com/componentos/arsenal/flash"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Block is the RAM reserved for one component
type Block struct {
	address       uint32
	size          int
	flashPosition uint32
}

func (b Block) BaseAddress() uint32 { return b.address }
func (b Block) Size() int           { return b.size }
func (b Block) EndAddress() uint32  { return b.address + uint32(b.size) }

// FlashPosition is the address of the flash block of the component that owns this RAM
func (b Block) FlashPosition() uint32 { return b.flashPosition }

func (b Block) overlaps(other Block) bool {
	return b.address < other.EndAddress() && other.address < b.EndAddress()
}

func (b Block) String() string {
	return fmt.Sprintf("RAM [%#x, %#x) for component at %#x", b.address, b.EndAddress(), b.flashPosition)
}

func (b Block) printParameters(json *jwriter.ObjectState) {
	json.Name("FlashPosition").Int(int(b.flashPosition))
	json.Name("BaseAddress").Int(int(b.address))
	json.Name("Size").Int(b.size)
}

// The reservation record stored after the header of a component block: the RAM address and the
// reserved size, both little endian
func encodeRecord(block Block) []byte {
	record := make([]byte, flash.RAMRecordSize)
	binary.LittleEndian.PutUint32(record[0:], block.address)
	binary.LittleEndian.PutUint32(record[4:], uint32(block.size))
	return record
}

func decodeRecord(record []byte, flashPosition uint32) (Block, bool) {
	address := binary.LittleEndian.Uint32(record[0:])
	size := binary.LittleEndian.Uint32(record[4:])
	if address == 0xFFFF_FFFF && size == 0xFFFF_FFFF {
		return Block{}, false
	}

	return Block{address: address, size: int(size), flashPosition: flashPosition}, true
}
