package flash

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Block is a live flash allocation as described by its persisted header.
//
// The block begins with the header at Address. Component blocks continue with the RAM reservation
// record, and the bytes available to the owner start at BaseAddress.
type Block struct {
	address    uint32
	level      int
	blockSize  int
	dataOffset int
	kind       BlockKind
	status     HeaderStatus
}

func newBlock(config Config, address uint32, header Header) Block {
	dataOffset := config.HeaderSize()
	if header.Kind == BlockKindComponent {
		dataOffset += RAMRecordSize
	}

	return Block{
		address:    address,
		level:      header.Level,
		blockSize:  config.LevelSize(header.Level),
		dataOffset: dataOffset,
		kind:       header.Kind,
		status:     header.Status,
	}
}

// Address is where the block and its header begin
func (b Block) Address() uint32 { return b.address }

// BaseAddress is the first byte available to the owner of the block
func (b Block) BaseAddress() uint32 { return b.address + uint32(b.dataOffset) }

// Size is the number of bytes available to the owner of the block
func (b Block) Size() int { return b.blockSize - b.dataOffset }

// BlockSize is the size of the whole buddy block, header included
func (b Block) BlockSize() int { return b.blockSize }

// EndAddress is the first address after the block
func (b Block) EndAddress() uint32 { return b.address + uint32(b.blockSize) }

func (b Block) Level() int             { return b.level }
func (b Block) Kind() BlockKind        { return b.kind }
func (b Block) Status() HeaderStatus   { return b.status }
func (b Block) IsFinalized() bool      { return b.status == HeaderFinalized }
func (b Block) Contains(a uint32) bool { return a >= b.address && a < b.EndAddress() }

// RAMRecordAddress is the location of the RAM reservation record. Only component blocks have one.
func (b Block) RAMRecordAddress() (uint32, bool) {
	if b.kind != BlockKindComponent {
		return 0, false
	}
	return b.BaseAddress() - RAMRecordSize, true
}

func (b Block) String() string {
	return fmt.Sprintf("%s block [%#x, %#x) level %d, %s", b.kind, b.address, b.EndAddress(), b.level, b.status)
}

func (b Block) printParameters(json *jwriter.ObjectState) {
	json.Name("Address").Int(int(b.address))
	json.Name("BaseAddress").Int(int(b.BaseAddress()))
	json.Name("Size").Int(b.Size())
	json.Name("BlockSize").Int(b.blockSize)
	json.Name("Level").Int(b.level)
	json.Name("Kind").String(b.kind.String())
	json.Name("Status").String(b.status.String())
}
