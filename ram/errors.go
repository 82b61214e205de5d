package ram

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfRAM is returned when no free block is large enough for a request
	ErrOutOfRAM = errors.New("out of RAM")
	// ErrInvalidBlock is returned when a flash address is not a live component block
	ErrInvalidBlock = errors.New("address is not a valid component block")
	// ErrAlreadyReserved is returned when a component already has RAM
	ErrAlreadyReserved = errors.New("component already has a RAM reservation")
	// ErrCorruptRecord is returned when a component holds a RAM record that is not a valid reservation
	ErrCorruptRecord = errors.New("component holds an unusable RAM record")
	// ErrComponentResident is returned when freeing RAM that a component in flash still owns
	ErrComponentResident = errors.New("component owning the RAM is still in flash")
	// ErrInvalidConfig is returned by Config.Validate
	ErrInvalidConfig = errors.New("invalid RAM allocator configuration")
)
