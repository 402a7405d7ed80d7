package node_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/nodebox/node"
)

type plain struct {
	A int64
	B [4]uint16
	C struct{ D float64 }
}

type withString struct {
	A int
	B string
}

var layoutTestCases = map[string]struct {
	Layout      node.Layout
	Size        uintptr
	HasPointers bool
}{
	"Int":          {node.LayoutOf[int](), unsafe.Sizeof(int(0)), false},
	"Plain Struct": {node.LayoutOf[plain](), unsafe.Sizeof(plain{}), false},
	"String Field": {node.LayoutOf[withString](), unsafe.Sizeof(withString{}), true},
	"Pointer":      {node.LayoutOf[*int](), unsafe.Sizeof(uintptr(0)), true},
	"Slice":        {node.LayoutOf[[]byte](), unsafe.Sizeof([]byte(nil)), true},
	"Empty Struct": {node.LayoutOf[struct{}](), 0, false},
	"Empty Array":  {node.LayoutOf[[0]*int](), 0, false},
	"Interface":    {node.LayoutOf[any](), unsafe.Sizeof(any(nil)), true},
}

func TestLayoutOf(t *testing.T) {
	for name, testCase := range layoutTestCases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, testCase.Size, testCase.Layout.Size)
			require.Equal(t, testCase.HasPointers, testCase.Layout.HasPointers)
			require.NotZero(t, testCase.Layout.Align)
		})
	}
}

func TestLayoutMatches(t *testing.T) {
	require.True(t, node.LayoutOf[plain]().Matches(node.LayoutOf[plain]()))
	require.False(t, node.LayoutOf[int64]().Matches(node.LayoutOf[uint64]()))
}
