package flash

import "fmt"

// Page is one erasable unit of a flash device
type Page struct {
	number      uint16
	baseAddress uint32
	size        uint32
}

// NewPage describes page number covering [baseAddress, baseAddress+size)
func NewPage(number uint16, baseAddress uint32, size uint32) Page {
	return Page{number: number, baseAddress: baseAddress, size: size}
}

func (p Page) Number() uint16      { return p.number }
func (p Page) BaseAddress() uint32 { return p.baseAddress }
func (p Page) Size() uint32        { return p.size }

// EndAddress is the first address after the page
func (p Page) EndAddress() uint32 { return p.baseAddress + p.size }

// Contains reports whether address falls inside the page
func (p Page) Contains(address uint32) bool {
	return address >= p.baseAddress && address-p.baseAddress < p.size
}

func (p Page) String() string {
	return fmt.Sprintf("page %d [%#x, %#x)", p.number, p.baseAddress, p.EndAddress())
}

// Reader is the read side of a flash device
type Reader interface {
	// Read fills buffer with the bytes starting at address. Reads that overlap a word which
	// has been written but not yet flushed fail.
	Read(address uint32, buffer []byte) error
}

//go:generate mockgen -destination mock_flash/device_mock.go -package mock_flash github.com/componentos/arsenal/flash Device

// Device is the physical flash the allocators persist their state in.
//
// Writes can only clear bits. Data is staged in a write buffer one device word at a time and is
// committed when the word is complete or when FlushWriteBuffer is called. Erase is the only
// operation that sets bits back to 1, and it works on whole pages.
type Device interface {
	Reader

	// Write stages data for address. It fails if any byte would need a bit set, or if a partial
	// word for a different address is still pending.
	Write(address uint32, data []byte) error
	// FlushWriteBuffer commits a partially filled word, padding it with the current contents
	FlushWriteBuffer() error
	// Erase resets every byte of a page to 0xFF
	Erase(pageNumber uint16) error

	PageFromAddress(address uint32) (Page, bool)
	PageFromNumber(pageNumber uint16) (Page, bool)
	// PrevPage returns the page immediately below pageNumber
	PrevPage(pageNumber uint16) (Page, bool)
}
