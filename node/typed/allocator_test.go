package typed_test

import (
	"io"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jreader"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/nodebox/memutils"
	"github.com/vkngwrapper/arsenal/nodebox/node"
	"github.com/vkngwrapper/arsenal/nodebox/node/typed"
	"golang.org/x/exp/slog"
)

func newAllocator(t *testing.T, options typed.CreateOptions) *typed.Allocator {
	allocator, err := typed.New(slog.New(slog.NewTextHandler(io.Discard)), options)
	require.NoError(t, err)
	return allocator
}

type pointerful struct {
	Name  string
	Items []int
	Next  *pointerful
}

func TestActivateResolveDeactivate(t *testing.T) {
	allocator := newAllocator(t, typed.CreateOptions{})

	handle, err := allocator.Activate(node.LayoutOf[pointerful](), 3)
	require.NoError(t, err)
	require.NotEqual(t, node.NoHandle, handle)

	data, count, err := allocator.Resolve(handle)
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.True(t, memutils.IsAligned(data, unsafe.Alignof(pointerful{})))

	elements := unsafe.Slice((*pointerful)(data), count)
	for _, element := range elements {
		require.Equal(t, pointerful{}, element)
	}
	elements[1] = pointerful{Name: "second", Items: []int{1, 2}}

	found, err := allocator.Lookup(data, node.LayoutOf[pointerful]())
	require.NoError(t, err)
	require.Equal(t, handle, found)
	require.Equal(t, 1, allocator.Count())
	require.NoError(t, allocator.Validate())

	require.NoError(t, allocator.Deactivate(handle))
	require.Equal(t, 0, allocator.Count())
	require.Equal(t, pointerful{}, elements[1])

	_, _, err = allocator.Resolve(handle)
	require.True(t, errors.Is(err, node.ErrInactiveHandle))

	err = allocator.Deactivate(handle)
	require.True(t, errors.Is(err, node.ErrInactiveHandle))

	_, err = allocator.Lookup(data, node.LayoutOf[pointerful]())
	require.True(t, errors.Is(err, node.ErrUnknownAddress))
}

func TestEmptyNodesHaveDistinctAddresses(t *testing.T) {
	allocator := newAllocator(t, typed.CreateOptions{})

	layouts := map[string]struct {
		layout node.Layout
		count  int
	}{
		"ZeroSizeType": {layout: node.LayoutOf[struct{}](), count: 4},
		"ZeroCount":    {layout: node.LayoutOf[int64](), count: 0},
	}

	for name, testCase := range layouts {
		t.Run(name, func(t *testing.T) {
			first, err := allocator.Activate(testCase.layout, testCase.count)
			require.NoError(t, err)
			second, err := allocator.Activate(testCase.layout, testCase.count)
			require.NoError(t, err)

			firstData, firstCount, err := allocator.Resolve(first)
			require.NoError(t, err)
			secondData, _, err := allocator.Resolve(second)
			require.NoError(t, err)

			require.Equal(t, testCase.count, firstCount)
			require.NotNil(t, firstData)
			require.NotEqual(t, firstData, secondData)

			found, err := allocator.Lookup(secondData, testCase.layout)
			require.NoError(t, err)
			require.Equal(t, second, found)

			require.NoError(t, allocator.Deactivate(first))
			require.NoError(t, allocator.Deactivate(second))
		})
	}
}

func TestInvalidRequests(t *testing.T) {
	allocator := newAllocator(t, typed.CreateOptions{MaxBytes: 64})

	_, err := allocator.Activate(node.LayoutOf[int32](), -1)
	require.True(t, errors.Is(err, node.ErrInvalidCount))

	_, err = allocator.Activate(node.Layout{}, 1)
	require.True(t, errors.Is(err, node.ErrLayoutMismatch))

	forged := node.LayoutOf[int32]()
	forged.Size = 8
	_, err = allocator.Activate(forged, 1)
	require.True(t, errors.Is(err, node.ErrLayoutMismatch))

	handle, err := allocator.Activate(node.LayoutOf[uint64](), 8)
	require.NoError(t, err)

	_, err = allocator.Activate(node.LayoutOf[byte](), 1)
	require.True(t, errors.Is(err, node.ErrOutOfMemory))

	data, _, err := allocator.Resolve(handle)
	require.NoError(t, err)

	_, err = allocator.Lookup(data, node.LayoutOf[int64]())
	require.True(t, errors.Is(err, node.ErrLayoutMismatch))

	_, err = allocator.Lookup(unsafe.Add(data, 8), node.LayoutOf[uint64]())
	require.True(t, errors.Is(err, node.ErrUnknownAddress))

	require.NoError(t, allocator.Deactivate(handle))

	_, err = allocator.Activate(node.LayoutOf[byte](), 1)
	require.NoError(t, err)
}

func TestNewRequiresLogger(t *testing.T) {
	_, err := typed.New(nil, typed.CreateOptions{})
	require.Error(t, err)

	_, err = typed.New(slog.New(slog.NewTextHandler(io.Discard)), typed.CreateOptions{MaxBytes: -1})
	require.Error(t, err)
}

func TestHandlesAreNotReused(t *testing.T) {
	allocator := newAllocator(t, typed.CreateOptions{Flags: typed.CreateExternallySynchronized})

	seen := make(map[node.Handle]struct{})
	for i := 0; i < 100; i++ {
		handle, err := allocator.Activate(node.LayoutOf[int](), 1)
		require.NoError(t, err)

		_, duplicate := seen[handle]
		require.False(t, duplicate)
		seen[handle] = struct{}{}

		require.NoError(t, allocator.Deactivate(handle))
	}
}

func TestStatistics(t *testing.T) {
	allocator := newAllocator(t, typed.CreateOptions{Name: "stats"})

	first, err := allocator.Activate(node.LayoutOf[int64](), 4)
	require.NoError(t, err)
	_, err = allocator.Activate(node.LayoutOf[string](), 1)
	require.NoError(t, err)

	var stats memutils.Statistics
	allocator.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		NodeCount: 2,
		NodeBytes: 32 + int(unsafe.Sizeof("")),
	}, stats)

	require.NoError(t, allocator.Deactivate(first))

	reader := jreader.NewReader([]byte(allocator.BuildStatsString(true)))
	var name string
	var nodeCount, listed int
	for obj := reader.Object(); obj.Next(); {
		switch string(obj.Name()) {
		case "Name":
			name = reader.String()
		case "Total":
			for total := reader.Object(); total.Next(); {
				if string(total.Name()) == "NodeCount" {
					nodeCount = reader.Int()
				} else {
					reader.SkipValue()
				}
			}
		case "Nodes":
			for nodes := reader.Array(); nodes.Next(); {
				listed++
				require.NoError(t, reader.SkipValue())
			}
		default:
			require.NoError(t, reader.SkipValue())
		}
	}
	require.NoError(t, reader.Error())

	require.Equal(t, "stats", name)
	require.Equal(t, 1, nodeCount)
	require.Equal(t, 1, listed)
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "CreateExternallySynchronized", typed.CreateExternallySynchronized.String())
	require.Equal(t, "", typed.CreateFlags(0).String())
}
