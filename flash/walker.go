package flash

import (
	"github.com/cockroachdb/errors"
)

// readHeader decodes the header at offset from the start of the region. Headers that claim a
// level whose block would not be aligned at offset, or would run past the region, are reported
// as corrupt.
func readHeader(reader Reader, config Config, offset int) (Header, error) {
	raw := make([]byte, config.HeaderSize())
	address := config.StartAddr + uint32(offset)
	if err := reader.Read(address, raw); err != nil {
		return Header{}, errors.Wrapf(err, "failed to read block header at %#x", address)
	}

	header := DecodeHeader(raw, config.WriteGranularity, config.MaxLevel())
	if header.Allocated() {
		levelSize := config.LevelSize(header.Level)
		if offset%levelSize != 0 || offset+levelSize > config.Size() {
			header.Status = HeaderCorrupt
		}
	}

	return header, nil
}

// scanner visits every header position from the scan start to the end of the region. Allocated
// headers are skipped past as a whole, anything else advances by one leaf block.
type scanner struct {
	reader Reader
	config Config
	offset int
}

func newScanner(reader Reader, config Config) *scanner {
	return &scanner{reader: reader, config: config, offset: config.ScanOffset()}
}

func (s *scanner) done() bool {
	return s.offset >= s.config.Size()
}

func (s *scanner) next() (int, Header, error) {
	offset := s.offset
	header, err := readHeader(s.reader, s.config, offset)
	if err != nil {
		return offset, header, err
	}

	if header.Allocated() {
		s.offset += s.config.LevelSize(header.Level)
	} else {
		s.offset += s.config.BlockSize
	}
	return offset, header, nil
}

// Walker iterates over the live blocks of a flash region in ascending address order. Blocks whose
// erase has started are not live and are skipped.
type Walker struct {
	scanner *scanner
	err     error
}

// NewWalker creates a Walker reading headers from reader. It only needs read access, so it is safe
// to use on a device that an Allocator is also using, as long as the allocator is not mid-operation.
func NewWalker(reader Reader, config Config) *Walker {
	return &Walker{scanner: newScanner(reader, config)}
}

// Next returns the next live block, or false when the region is exhausted or a read failed
func (w *Walker) Next() (Block, bool) {
	for w.err == nil && !w.scanner.done() {
		offset, header, err := w.scanner.next()
		if err != nil {
			w.err = err
			return Block{}, false
		}

		if header.Status == HeaderPending || header.Status == HeaderFinalized {
			return newBlock(w.scanner.config, w.scanner.config.StartAddr+uint32(offset), header), true
		}
	}

	return Block{}, false
}

// Err returns the read error that stopped the walk, if any
func (w *Walker) Err() error {
	return w.err
}

// Reset restarts the walk from the lowest address
func (w *Walker) Reset() {
	w.scanner.offset = w.scanner.config.ScanOffset()
	w.err = nil
}

// Nth restarts the walk and returns the live block at position n, counting from zero
func (w *Walker) Nth(n int) (Block, bool) {
	w.Reset()
	for i := 0; ; i++ {
		block, ok := w.Next()
		if !ok || i == n {
			return block, ok
		}
	}
}

// All collects every remaining live block
func (w *Walker) All() ([]Block, error) {
	var blocks []Block
	for block, ok := w.Next(); ok; block, ok = w.Next() {
		blocks = append(blocks, block)
	}
	return blocks, w.err
}
