package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint16 | ~uint32 | ~uint64
}

// CheckPow2 returns PowerOfTwoError, annotated with name, if number is zero or not a power of two
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// CheckAligned returns AlignmentError, annotated with name, if value is not a multiple of alignment.
// alignment must be a power of two.
func CheckAligned[T Number](value T, alignment T, name string) error {
	if value&(alignment-1) != 0 {
		return cerrors.Wrapf(AlignmentError, "%s is %#x, expected alignment %d", name, uint64(value), uint64(alignment))
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// Log2Ceil returns the smallest n such that 1<<n >= value. Log2Ceil(0) and Log2Ceil(1) are both 0.
func Log2Ceil(value uint) int {
	if value <= 1 {
		return 0
	}
	return bits.Len(value - 1)
}
