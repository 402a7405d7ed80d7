package nodebox

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/nodebox/node"
)

// Array holds a fixed number of values in one node, laid out contiguously. Every element
// is initialized for the whole life of the Array.
type Array[T any] struct {
	allocator node.Allocator
	handle    node.Handle
	elements  []T
}

// NewArray activates a node for len(values) elements and copies values into it
func NewArray[T any](allocator node.Allocator, values []T) (*Array[T], error) {
	array, err := newArray[T](allocator, len(values))
	if err != nil {
		return nil, err
	}

	copy(array.elements, values)
	return array, nil
}

// NewArrayFunc activates a node for count elements and fills element i with fn(i). If fn
// panics, the elements it already produced are dropped and the node is deactivated
// before the panic continues.
func NewArrayFunc[T any](allocator node.Allocator, count int, fn func(index int) T) (*Array[T], error) {
	array, err := newArray[T](allocator, count)
	if err != nil {
		return nil, err
	}

	initialized := 0
	defer func() {
		if initialized < count {
			defer mustDeactivate(allocator, array.handle)
			dropSlice(array.elements[:initialized])
			array.forget()
		}
	}()

	for initialized < count {
		array.elements[initialized] = fn(initialized)
		initialized++
	}

	return array, nil
}

func newArray[T any](allocator node.Allocator, count int) (*Array[T], error) {
	if count < 0 {
		return nil, errors.Wrapf(node.ErrInvalidCount, "array of %d elements", count)
	}

	handle, data, _, err := activate(allocator, node.LayoutOf[T](), count)
	if err != nil {
		return nil, err
	}

	return &Array[T]{
		allocator: allocator,
		handle:    handle,
		elements:  unsafe.Slice((*T)(data), count),
	}, nil
}

// AdoptArray reconstructs an Array from the address and length previously returned by
// Array.Leak. count must match the node's element count.
func AdoptArray[T any](allocator node.Allocator, leaked *T, count int) *Array[T] {
	handle := mustLookup(allocator, unsafe.Pointer(leaked), node.LayoutOf[T]())
	_, nodeCount := mustResolve(allocator, handle)
	if nodeCount != count {
		panic(errors.AssertionFailedf("adopting %d elements at %p, but the node holds %d", count, leaked, nodeCount))
	}

	return &Array[T]{
		allocator: allocator,
		handle:    handle,
		elements:  unsafe.Slice(leaked, count),
	}
}

func (a *Array[T]) checkLive() {
	if a.allocator == nil {
		released("Array")
	}
}

// Slice returns the elements of the Array. The slice aliases the node and is valid until
// the Array is dropped; appending to it never grows the Array.
func (a *Array[T]) Slice() []T {
	a.checkLive()
	return a.elements[:len(a.elements):len(a.elements)]
}

func (a *Array[T]) Len() int {
	a.checkLive()
	return len(a.elements)
}

// Leak consumes the Array without dropping its elements, returning the address of the
// first element and the element count
func (a *Array[T]) Leak() (*T, int) {
	a.checkLive()
	data, count := unsafe.SliceData(a.elements), len(a.elements)
	a.forget()
	return data, count
}

// Drop drops every element once, in order, and then deactivates the node
func (a *Array[T]) Drop() {
	a.checkLive()
	allocator, handle, elements := a.allocator, a.handle, a.elements
	a.forget()

	defer mustDeactivate(allocator, handle)
	dropSlice(elements)
}

func (a *Array[T]) forget() {
	a.allocator = nil
	a.handle = node.NoHandle
	a.elements = nil
}

// Addr returns the address of the first element's node, or nil once the Array has been
// dropped or leaked. An empty Array still reports the address of its node.
func (a *Array[T]) Addr() unsafe.Pointer {
	if a.allocator == nil {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(a.elements))
}

func (a *Array[T]) Format(f fmt.State, verb rune) {
	formatNode(f, verb, "Array", a.Addr(), func() any { return a.elements })
}
