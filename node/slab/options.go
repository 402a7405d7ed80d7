package slab

import (
	"strings"

	"github.com/vkngwrapper/arsenal/nodebox/memutils/metadata"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = make(map[CreateFlags]string)

func (f CreateFlags) String() string {
	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = "CreateFlags(unknown)"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const (
	// CreateExternallySynchronized ensures that the allocator is not synchronized internally.
	// The consumer must guarantee that it is used from only one goroutine at a time.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateKeepEmptyBlocks prevents the allocator from releasing blocks that no longer
	// hold any nodes
	CreateKeepEmptyBlocks
)

func init() {
	createFlagsMapping[CreateExternallySynchronized] = "CreateExternallySynchronized"
	createFlagsMapping[CreateKeepEmptyBlocks] = "CreateKeepEmptyBlocks"
}

const (
	// DefaultBlockSize is the block size used when CreateOptions.BlockSize is 0. It is equal to 64KiB.
	DefaultBlockSize int = 64 * 1024
	// MaxAlignment is the largest element alignment a slab node can honor
	MaxAlignment uintptr = 8
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Name appears in log entries and stats output
	Name string
	// BlockSize is the number of bytes in each block. It must be a multiple of 8, and no
	// node larger than a block can be activated. 0 means DefaultBlockSize.
	BlockSize int
	// MaxBlocks caps the number of blocks the allocator may hold at once. Activate fails
	// with node.ErrOutOfMemory when a node fits in no existing block and the cap is
	// reached. 0 means unlimited.
	MaxBlocks int
	// Strategy selects how free regions are searched within a block
	Strategy metadata.AllocationStrategy
}
