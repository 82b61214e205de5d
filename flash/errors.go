package flash

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfFlash is returned when no free block is large enough for a request
	ErrOutOfFlash = errors.New("out of flash memory")
	// ErrInvalidBlock is returned when an address does not point at a live allocation
	ErrInvalidBlock = errors.New("address is not the base of a valid flash block")
	// ErrWriteViolation is returned by devices when a write would need to set a cleared bit
	ErrWriteViolation = errors.New("flash write would set a cleared bit")
	// ErrPendingWrite is returned by devices when an operation conflicts with an unflushed word
	ErrPendingWrite = errors.New("conflicting flash write is pending")
	// ErrPageStraddle is returned when erasing a block would erase a page shared with another block
	ErrPageStraddle = errors.New("flash page straddles block bounds")
	// ErrNotAllocated is returned when finalizing or erasing a block whose header is not allocated
	ErrNotAllocated = errors.New("flash block is not allocated")
	// ErrAlreadyFinalized is returned when finalizing a block twice
	ErrAlreadyFinalized = errors.New("flash block is already finalized")
	// ErrSwapTooSmall is returned when the data that must survive a page erase does not fit in the swap page
	ErrSwapTooSmall = errors.New("swap page is too small")
	// ErrSwapPending is returned when a swap starts while the swap page still holds an earlier one
	ErrSwapPending = errors.New("swap page holds an unfinished swap")
	// ErrInvalidConfig is returned by Config.Validate
	ErrInvalidConfig = errors.New("invalid flash allocator configuration")
)
