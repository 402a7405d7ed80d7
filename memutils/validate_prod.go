//go:build !debug_mem_utils

package memutils

import "unsafe"

const (
	// DebugMargin is the number of guard bytes placed after each node carved out of a block.
	// It is 0 unless the debug_mem_utils build tag is present.
	DebugMargin int = 0
	// DebugEnabled reports whether the debug_mem_utils build tag is present
	DebugEnabled bool = false
)

// WriteMagicValue writes the guard pattern across DebugMargin bytes at data+offset.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteMagicValue(data unsafe.Pointer, offset int) {}

// ValidateMagicValue reports whether the guard pattern at data+offset is intact.
// This method always returns true unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data unsafe.Pointer, offset int) bool {
	return true
}

// PoisonMemory fills reclaimed pointer-free memory with a recognizable byte so that
// reads through a stale address stand out. This method no-ops unless the
// debug_mem_utils build tag is present.
func PoisonMemory(data unsafe.Pointer, size int) {}

// DebugValidate calls Validate and panics on error. This method no-ops unless the
// debug_mem_utils build tag is present.
func DebugValidate(validatable Validatable) {}

// DebugCheckPow2 panics if value is not a power of two. This method no-ops unless the
// debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {}
