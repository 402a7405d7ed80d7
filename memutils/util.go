package memutils

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
)

// Number covers the integer kinds that sizes and alignments are expressed in
type Number interface {
	~int | ~uint | ~uintptr
}

// CheckPow2 returns a wrapped PowerOfTwoError if number is not a power of two. Zero is rejected.
func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// IsAligned reports whether ptr sits on a multiple of alignment
func IsAligned(ptr unsafe.Pointer, alignment uintptr) bool {
	return uintptr(ptr)&(alignment-1) == 0
}

// ZeroMemory clears size bytes starting at data. The range must not hold Go pointers
// that the garbage collector is still tracing.
func ZeroMemory(data unsafe.Pointer, size int) {
	if size <= 0 {
		return
	}
	clear(unsafe.Slice((*byte)(data), size))
}
