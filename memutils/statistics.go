package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics summarizes how much of an allocator's backing memory is handed out as nodes.
// For allocators without backing blocks, BlockCount and BlockBytes stay zero.
type Statistics struct {
	BlockCount int
	NodeCount  int
	BlockBytes int
	NodeBytes  int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.NodeCount += other.NodeCount
	s.BlockBytes += other.BlockBytes
	s.NodeBytes += other.NodeBytes
}

// AddNode records a single active node of the given size in bytes
func (s *Statistics) AddNode(size int) {
	s.NodeCount++
	s.NodeBytes += size
}

// PrintJson writes the statistics as fields of an open JSON object
func (s *Statistics) PrintJson(json *jwriter.ObjectState) {
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("BlockBytes").Int(s.BlockBytes)
	json.Name("NodeCount").Int(s.NodeCount)
	json.Name("NodeBytes").Int(s.NodeBytes)
}

// DetailedStatistics extends Statistics with the extremes of node and free range sizes.
// Call Clear before accumulating into it, so that the minimums start at math.MaxInt.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	NodeSizeMin        int
	NodeSizeMax        int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.NodeSizeMin = math.MaxInt
	s.NodeSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxInt
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddNode(size int) {
	s.Statistics.AddNode(size)

	if size < s.NodeSizeMin {
		s.NodeSizeMin = size
	}

	if size > s.NodeSizeMax {
		s.NodeSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, other.UnusedRangeSizeMin)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, other.UnusedRangeSizeMax)
	s.NodeSizeMin = min(s.NodeSizeMin, other.NodeSizeMin)
	s.NodeSizeMax = max(s.NodeSizeMax, other.NodeSizeMax)
}

// PrintJson writes the statistics as fields of an open JSON object. Extremes are omitted
// while nothing has been recorded for them.
func (s *DetailedStatistics) PrintJson(json *jwriter.ObjectState) {
	s.Statistics.PrintJson(json)
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)

	if s.NodeCount > 0 {
		json.Name("NodeSizeMin").Int(s.NodeSizeMin)
		json.Name("NodeSizeMax").Int(s.NodeSizeMax)
	}

	if s.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(s.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
	}
}
