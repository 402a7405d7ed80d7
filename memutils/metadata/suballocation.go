package metadata

import "math"

// RegionHandle is a numeric handle identifying a single region within a BlockMetadata
type RegionHandle uint64

const (
	NoRegion RegionHandle = math.MaxUint64
)
