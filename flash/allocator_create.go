package flash

import (
	"github.com/componentos/arsenal/internal/utils"
	"github.com/componentos/arsenal/memutils/metadata"
	"golang.org/x/exp/slog"
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Logger receives allocator diagnostics. A nil Logger discards them.
	Logger *slog.Logger

	// SkipStorageAnalysis builds the allocator straight from the headers without repairing the
	// device first. Interrupted erases are then left dismissed (and so stay occupied) and corrupt
	// blocks are only cleaned when they are allocated again.
	SkipStorageAnalysis bool

	// RemoveUnfinalized erases every block that was allocated but never finalized, which is what a
	// loader wants after a reset that interrupted a component upload
	RemoveUnfinalized bool

	// EnableSwap lets the allocator erase blocks that share a device page with other data, which
	// happens when BlockSize is smaller than the page size. SwapPage is the device page, outside of
	// the managed region, that holds the data to keep while a shared page is erased. An interrupted
	// swap is finished before storage analysis.
	EnableSwap bool
	SwapPage   uint16
}

// FromFlash builds an Allocator for the region described by config by scanning the headers
// already present on device. A device that was never written produces an allocator with the
// whole region after the scan start free.
//
// FromFlash panics if config is invalid.
func FromFlash(device Device, config Config, options CreateOptions) (*Allocator, error) {
	config.MustValidate()

	allocator := &Allocator{
		logger: utils.LoggerOrDiscard(options.Logger),
		device: device,
		config: config,
		tree:   metadata.NewEmptyBuddyTree(config.StartAddr, config.BlockSize, config.NumBlocks()),
	}

	if options.EnableSwap {
		swapper, err := NewSwapper(device, config, options.SwapPage, allocator.logger)
		if err != nil {
			return nil, err
		}
		allocator.swapper = swapper
	}

	if !options.SkipStorageAnalysis {
		if allocator.swapper != nil {
			_, err := allocator.swapper.Recover()
			if err != nil {
				return nil, err
			}
		}

		err := allocator.analyzeStorage(options.RemoveUnfinalized)
		if err != nil {
			return nil, err
		}
	}

	err := allocator.Rebuild()
	if err != nil {
		return nil, err
	}

	return allocator, nil
}
