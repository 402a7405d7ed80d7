package metadata

// AllocationStrategy chooses between the ways a metadata can pick a free region for a new node.
// If none is chosen, a balanced strategy will be used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory picks the smallest free region that fits, to minimize
	// fragmentation at the expense of search time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime picks the first region that is easy to find, possibly at the
	// expense of fragmentation
	AllocationStrategyMinTime
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "AllocationStrategyMinMemory",
	AllocationStrategyMinTime:   "AllocationStrategyMinTime",
}

func (s AllocationStrategy) String() string {
	if s == 0 {
		return "AllocationStrategyBalanced"
	}
	return allocationStrategyMapping[s]
}
