package metadata_test

import (
	"fmt"
	"math"
	"testing"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/nodebox/memutils"
	"github.com/vkngwrapper/arsenal/nodebox/memutils/metadata"
)

func alloc(t *testing.T, md metadata.BlockMetadata, size int, alignment uint, strategy metadata.AllocationStrategy) metadata.RegionHandle {
	success, request, err := md.CreateAllocationRequest(size, alignment, strategy)
	require.NoError(t, err)
	require.True(t, success)

	err = md.Alloc(request, size)
	require.NoError(t, err)
	require.NoError(t, md.Validate())

	return request.RegionHandle
}

func emptyStats(size int) memutils.DetailedStatistics {
	return memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount: 1,
			BlockBytes: size,
		},
		UnusedRangeCount:   1,
		NodeSizeMin:        math.MaxInt,
		NodeSizeMax:        0,
		UnusedRangeSizeMin: size,
		UnusedRangeSizeMax: size,
	}
}

func TestTLSFAllocFree(t *testing.T) {
	margin := memutils.DebugMargin
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	var stats memutils.DetailedStatistics
	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)
	require.Equal(t, emptyStats(1000), stats)

	alloc1 := alloc(t, tlsf, 100, 1, metadata.AllocationStrategyMinTime)

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount: 1,
			BlockBytes: 1000,
			NodeCount:  1,
			NodeBytes:  100 + margin,
		},
		UnusedRangeCount:   1,
		NodeSizeMin:        100 + margin,
		NodeSizeMax:        100 + margin,
		UnusedRangeSizeMin: 900 - margin,
		UnusedRangeSizeMax: 900 - margin,
	}, stats)

	alloc2 := alloc(t, tlsf, 50, 1, metadata.AllocationStrategyMinMemory)
	offset, err := tlsf.AllocationOffset(alloc2)
	require.NoError(t, err)
	require.Equal(t, 100+margin, offset)

	err = tlsf.Free(alloc1)
	require.NoError(t, err)
	require.NoError(t, tlsf.Validate())

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount: 1,
			BlockBytes: 1000,
			NodeCount:  1,
			NodeBytes:  50 + margin,
		},
		UnusedRangeCount:   2,
		NodeSizeMin:        50 + margin,
		NodeSizeMax:        50 + margin,
		UnusedRangeSizeMin: 100 + margin,
		UnusedRangeSizeMax: 850 - 2*margin,
	}, stats)
	require.Equal(t, 2, tlsf.FreeRegionsCount())

	err = tlsf.Free(alloc2)
	require.NoError(t, err)
	require.NoError(t, tlsf.Validate())

	stats.Clear()
	tlsf.AddDetailedStatistics(&stats)
	require.Equal(t, emptyStats(1000), stats)
	require.True(t, tlsf.IsEmpty())
	require.Equal(t, 1000, tlsf.SumFreeSize())
}

func TestTLSFAlignmentPadding(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1024)

	first := alloc(t, tlsf, 10, 1, 0)
	second := alloc(t, tlsf, 8, 64, 0)

	offset, err := tlsf.AllocationOffset(second)
	require.NoError(t, err)
	require.Equal(t, 64, offset)
	require.Equal(t, 2, tlsf.AllocationCount())
	// The padding between the two nodes is a free region of its own
	require.Equal(t, 2, tlsf.FreeRegionsCount())

	require.NoError(t, tlsf.Free(second))
	require.NoError(t, tlsf.Free(first))
	require.NoError(t, tlsf.Validate())
	require.True(t, tlsf.IsEmpty())
	require.Equal(t, 1, tlsf.FreeRegionsCount())
}

func TestTLSFMinMemoryReusesHole(t *testing.T) {
	margin := memutils.DebugMargin
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	alloc(t, tlsf, 100, 1, 0)
	middle := alloc(t, tlsf, 100, 1, 0)
	alloc(t, tlsf, 100, 1, 0)

	require.NoError(t, tlsf.Free(middle))

	reused := alloc(t, tlsf, 80, 1, metadata.AllocationStrategyMinMemory)
	offset, err := tlsf.AllocationOffset(reused)
	require.NoError(t, err)
	require.Equal(t, 100+margin, offset)

	// The leftover 20 bytes of the hole plus the tail
	require.Equal(t, 2, tlsf.FreeRegionsCount())
}

func TestTLSFOutOfSpace(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(256)

	alloc(t, tlsf, 200, 1, 0)

	success, _, err := tlsf.CreateAllocationRequest(100, 1, 0)
	require.NoError(t, err)
	require.False(t, success)
}

func TestTLSFInvalidRequests(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(256)

	_, _, err := tlsf.CreateAllocationRequest(0, 1, 0)
	require.Error(t, err)

	_, _, err = tlsf.CreateAllocationRequest(16, 3, 0)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	handle := alloc(t, tlsf, 16, 8, 0)
	require.NoError(t, tlsf.Free(handle))
	require.Error(t, tlsf.Free(handle))
	require.Error(t, tlsf.Free(metadata.NoRegion))
}

func TestTLSFStaleRequest(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	alloc(t, tlsf, 100, 1, 0)
	middle := alloc(t, tlsf, 100, 1, 0)
	alloc(t, tlsf, 100, 1, 0)
	require.NoError(t, tlsf.Free(middle))

	success, request, err := tlsf.CreateAllocationRequest(100, 1, metadata.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)

	require.NoError(t, tlsf.Alloc(request, nil))
	require.Error(t, tlsf.Alloc(request, nil))
}

func TestTLSFManyNodes(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(64 * 1024)

	var handles []metadata.RegionHandle
	for i := 0; i < 200; i++ {
		handles = append(handles, alloc(t, tlsf, 1+(i*37)%200, 8, metadata.AllocationStrategy(i%3)))
	}

	// Free every other node, then the rest, validating as we go
	for i := 0; i < len(handles); i += 2 {
		require.NoError(t, tlsf.Free(handles[i]))
		require.NoError(t, tlsf.Validate())
	}

	for i := 0; i < 100; i++ {
		handles[i*2] = alloc(t, tlsf, 1+(i*53)%300, 16, metadata.AllocationStrategyMinTime)
	}

	for _, handle := range handles {
		require.NoError(t, tlsf.Free(handle))
	}

	require.NoError(t, tlsf.Validate())
	require.True(t, tlsf.IsEmpty())
	require.Equal(t, 64*1024, tlsf.SumFreeSize())
}

func TestTLSFVisitAllRegions(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	first := alloc(t, tlsf, 100, 1, 0)
	alloc(t, tlsf, 100, 1, 0)
	require.NoError(t, tlsf.Free(first))

	var free, taken int
	err := tlsf.VisitAllRegions(func(handle metadata.RegionHandle, offset int, size int, userData any, isFree bool) error {
		if isFree {
			free++
		} else {
			taken++
			require.Equal(t, 100, userData)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, free)
	require.Equal(t, 1, taken)
}

func TestTLSFCheckCorruption(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(512)

	backing := make([]uint64, 512/8)
	data := unsafe.Pointer(&backing[0])

	success, request, err := tlsf.CreateAllocationRequest(32, 8, 0)
	require.NoError(t, err)
	require.True(t, success)
	require.NoError(t, tlsf.Alloc(request, nil))

	offset, err := tlsf.AllocationOffset(request.RegionHandle)
	require.NoError(t, err)
	memutils.WriteMagicValue(data, offset+request.Size)

	require.NoError(t, tlsf.CheckCorruption(data))

	if memutils.DebugMargin == 0 {
		return
	}

	*(*byte)(unsafe.Add(data, offset+request.Size)) = 0
	require.ErrorIs(t, tlsf.CheckCorruption(data), memutils.CorruptionError)
}

func TestTLSFClear(t *testing.T) {
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)

	for i := 0; i < 5; i++ {
		alloc(t, tlsf, 64, 8, 0)
	}

	tlsf.Clear()
	require.NoError(t, tlsf.Validate())
	require.True(t, tlsf.IsEmpty())
	require.Equal(t, 1000, tlsf.SumFreeSize())

	alloc(t, tlsf, 1000-memutils.DebugMargin, 1, 0)
}

func TestTLSFBlockJsonData(t *testing.T) {
	margin := memutils.DebugMargin
	tlsf := metadata.NewTLSFBlockMetadata()
	tlsf.Init(1000)
	alloc(t, tlsf, 100, 1, 0)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	tlsf.BlockJsonData(&obj)
	obj.End()

	require.NoError(t, writer.Error())
	require.Equal(t,
		fmt.Sprintf(`{"TotalBytes":1000,"UnusedBytes":%d,"Allocations":1,"UnusedRanges":1}`, 900-margin),
		string(writer.Bytes()))
}
