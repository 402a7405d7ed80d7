package metadata

// AllocationRequestType identifies the BlockMetadata implementation that produced an AllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestTLSF indicates that the allocation request was sourced from TLSFBlockMetadata
	AllocationRequestTLSF AllocationRequestType = iota + 1
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestTLSF: "TLSF",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is returned from BlockMetadata.CreateAllocationRequest and describes where the
// metadata intends to place a new region. It is committed with BlockMetadata.Alloc.
type AllocationRequest struct {
	// RegionHandle identifies the free region the new region will be carved from
	RegionHandle RegionHandle
	// Size is the number of usable bytes requested, not counting any guard margin
	Size int
	// Type identifies the implementation that generated this request
	Type AllocationRequestType
	// AlgorithmData is arbitrary data used by the BlockMetadata implementation for internal purposes
	AlgorithmData uint64
}
