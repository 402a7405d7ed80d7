package nodebox

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/nodebox/node"
)

// FixedVec is a vector with a capacity fixed at creation. Its node holds Cap slots, of
// which the first Len are initialized. Slots past Len are never read or dropped.
type FixedVec[T any] struct {
	allocator node.Allocator
	handle    node.Handle
	slots     []T
	length    int
}

// NewFixedVec activates a node with room for capacity elements. The vector starts empty.
func NewFixedVec[T any](allocator node.Allocator, capacity int) (*FixedVec[T], error) {
	if capacity < 0 {
		return nil, errors.Wrapf(node.ErrInvalidCount, "fixed vector with capacity %d", capacity)
	}

	handle, data, _, err := activate(allocator, node.LayoutOf[T](), capacity)
	if err != nil {
		return nil, err
	}

	return &FixedVec[T]{
		allocator: allocator,
		handle:    handle,
		slots:     unsafe.Slice((*T)(data), capacity),
	}, nil
}

func (v *FixedVec[T]) checkLive() {
	if v.allocator == nil {
		released("FixedVec")
	}
}

// Push appends item. If the vector is full, it returns a *FullError holding item and the
// vector is unchanged.
func (v *FixedVec[T]) Push(item T) error {
	v.checkLive()
	if v.length == len(v.slots) {
		return &FullError[T]{Item: item}
	}

	v.slots[v.length] = item
	v.length++
	return nil
}

func (v *FixedVec[T]) IsFull() bool {
	v.checkLive()
	return v.length == len(v.slots)
}

func (v *FixedVec[T]) Len() int {
	v.checkLive()
	return v.length
}

func (v *FixedVec[T]) Cap() int {
	v.checkLive()
	return len(v.slots)
}

// Slice returns the initialized elements. The slice aliases the node and its capacity
// is clipped, so appending to it never writes into the vector's unused slots.
func (v *FixedVec[T]) Slice() []T {
	v.checkLive()
	return v.slots[:v.length:v.length]
}

// Drop drops the first Len elements in order and then deactivates the node
func (v *FixedVec[T]) Drop() {
	v.checkLive()
	allocator, handle, initialized := v.allocator, v.handle, v.slots[:v.length]
	v.allocator = nil
	v.handle = node.NoHandle
	v.slots = nil
	v.length = 0

	defer mustDeactivate(allocator, handle)
	dropSlice(initialized)
}

// Addr returns the address of the vector's node, or nil once it has been dropped
func (v *FixedVec[T]) Addr() unsafe.Pointer {
	if v.allocator == nil {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(v.slots))
}

func (v *FixedVec[T]) Format(f fmt.State, verb rune) {
	formatNode(f, verb, "FixedVec", v.Addr(), func() any { return v.slots[:v.length] })
}
