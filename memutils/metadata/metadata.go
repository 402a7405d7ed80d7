package metadata

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/nodebox/memutils"
)

// BlockMetadata tracks the regions of a single contiguous block of memory. It carves
// nodes out of the block on request and merges them back into free space when they
// are released. It never touches the block's bytes itself except through CheckCorruption.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. size is the number of bytes
	// in the block being managed.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be
	// expensive. When the implementation is functioning correctly, it should not be possible
	// for this method to return an error.
	Validate() error
	// AllocationCount returns the number of regions currently handed out
	AllocationCount() int
	// FreeRegionsCount returns the number of distinct free regions in the block
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes in the block
	SumFreeSize() int
	// IsEmpty will return true if this block has no live regions
	IsEmpty() bool

	// VisitAllRegions calls handleRegion once for each allocated and free region in the
	// block, in descending offset order. It is intended for diagnostics.
	VisitAllRegions(handleRegion func(handle RegionHandle, offset int, size int, userData any, free bool) error) error

	// AllocationOffset returns the offset in bytes of a live region
	AllocationOffset(handle RegionHandle) (int, error)
	// AllocationUserData returns the userData that was attached to a live region by Alloc
	AllocationUserData(handle RegionHandle) (any, error)

	// AddDetailedStatistics sums this block's statistics into stats
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's statistics into stats
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all regions
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json *jwriter.ObjectState)

	// CheckCorruption accepts a pointer to the start of the block this metadata manages and
	// returns an error wrapping memutils.CorruptionError if any live region's guard margin has
	// been overwritten. Guard margins only exist when memutils.DebugMargin is not 0, and it is
	// the consumer's responsibility to write them with memutils.WriteMagicValue after Alloc.
	CheckCorruption(blockData unsafe.Pointer) error

	// CreateAllocationRequest finds a place for a region of allocSize bytes at allocAlignment
	// without committing to it. It returns false if the block cannot fit the region.
	CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error)
	// Alloc commits a request returned from CreateAllocationRequest and attaches userData to the
	// new region. The request must not be stale.
	Alloc(request AllocationRequest, userData any) error
	// Free returns a live region to free space, merging it with free neighbors
	Free(handle RegionHandle) error
}

// BlockMetadataBase holds what every BlockMetadata implementation needs to know about its block
type BlockMetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// BlockJsonData writes the standard block summary fields
func (m *BlockMetadataBase) BlockJsonData(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
