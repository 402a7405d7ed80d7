//go:build debug_mem_utils

package memutils

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
)

const (
	// DebugMargin is the number of guard bytes placed after each node carved out of a block.
	// It is 0 unless the debug_mem_utils build tag is present.
	DebugMargin int = 16
	// DebugEnabled reports whether the debug_mem_utils build tag is present
	DebugEnabled bool = true

	magicValue  uint32 = 0x7F84E666
	poisonValue byte   = 0xDD
)

// WriteMagicValue writes the guard pattern across DebugMargin bytes at data+offset.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteMagicValue(data unsafe.Pointer, offset int) {
	margin := unsafe.Slice((*byte)(unsafe.Add(data, offset)), DebugMargin)
	for i := range margin {
		margin[i] = magicByte(i)
	}
}

// magicByte is byte i of the guard pattern. Margins are not necessarily 4-byte aligned,
// so the pattern is compared bytewise.
func magicByte(i int) byte {
	return byte(magicValue >> (8 * (i % 4)))
}

// ValidateMagicValue reports whether the guard pattern at data+offset is intact.
// This method always returns true unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	margin := unsafe.Slice((*byte)(unsafe.Add(data, offset)), DebugMargin)
	for i, b := range margin {
		if b != magicByte(i) {
			return false
		}
	}

	return true
}

// PoisonMemory fills reclaimed pointer-free memory with a recognizable byte so that
// reads through a stale address stand out. This method no-ops unless the
// debug_mem_utils build tag is present.
func PoisonMemory(data unsafe.Pointer, size int) {
	if size <= 0 {
		return
	}
	bytes := unsafe.Slice((*byte)(data), size)
	for i := range bytes {
		bytes[i] = poisonValue
	}
}

// DebugValidate calls Validate and panics on error. This method no-ops unless the
// debug_mem_utils build tag is present.
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(cerrors.NewAssertionErrorWithWrappedErrf(err, "debug validation failed"))
	}
}

// DebugCheckPow2 panics if value is not a power of two. This method no-ops unless the
// debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
