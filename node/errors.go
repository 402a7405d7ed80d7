package node

import "github.com/cockroachdb/errors"

var (
	// ErrInactiveHandle is returned when a handle does not name an active node
	ErrInactiveHandle = errors.New("handle is not active")
	// ErrUnknownAddress is returned by Lookup when an address is not the start of an active node
	ErrUnknownAddress = errors.New("address does not belong to an active node")
	// ErrLayoutMismatch is returned by Lookup when a node was activated with a different layout,
	// and by Activate when a layout does not describe its own type
	ErrLayoutMismatch = errors.New("node layout does not match")
	// ErrInvalidCount is returned when asked for a negative number of elements
	ErrInvalidCount = errors.New("element count must not be negative")
	// ErrPointerLayout is returned by allocators whose memory is not scanned by the garbage
	// collector when asked to store a type containing pointers
	ErrPointerLayout = errors.New("layout contains pointers")
	// ErrOutOfMemory is returned by Activate when the allocator cannot fit the node
	ErrOutOfMemory = errors.New("allocator is out of memory")
)
