package nodebox

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/nodebox/node"
)

// Box holds a single value in a node with exactly one owner. The zero Box is not usable;
// create one with NewBox or AdoptBox.
type Box[T any] struct {
	allocator node.Allocator
	handle    node.Handle
	data      *T
}

// NewBox activates a node for one T on allocator and moves value into it. It fails only
// if the allocator cannot activate the node.
func NewBox[T any](allocator node.Allocator, value T) (*Box[T], error) {
	handle, data, _, err := activate(allocator, node.LayoutOf[T](), 1)
	if err != nil {
		return nil, err
	}

	box := &Box[T]{
		allocator: allocator,
		handle:    handle,
		data:      (*T)(data),
	}
	*box.data = value

	return box, nil
}

// AdoptBox reconstructs a Box from an address previously returned by Box.Leak. It panics
// if the node holds anything other than a single T. No counter is involved, so adopting
// the same address twice leads to a double drop.
func AdoptBox[T any](allocator node.Allocator, leaked *T) *Box[T] {
	handle := mustLookup(allocator, unsafe.Pointer(leaked), node.LayoutOf[T]())
	_, count := mustResolve(allocator, handle)
	if count != 1 {
		panic(errors.AssertionFailedf("adopting a Box at %p, but the node holds %d elements", leaked, count))
	}

	return &Box[T]{
		allocator: allocator,
		handle:    handle,
		data:      leaked,
	}
}

// Get returns the address of the boxed value. It stays valid until the Box is dropped.
func (b *Box[T]) Get() *T {
	if b.data == nil {
		released("Box")
	}
	return b.data
}

// Set replaces the boxed value. The previous value is dropped first.
func (b *Box[T]) Set(value T) {
	data := b.Get()
	dropInPlace(data)
	*data = value
}

// Leak consumes the Box without dropping its value and returns the value's address. The
// node stays active until the address is passed to AdoptBox and that Box is dropped.
func (b *Box[T]) Leak() *T {
	data := b.Get()
	b.forget()
	return data
}

// Drop drops the boxed value and then deactivates its node
func (b *Box[T]) Drop() {
	data := b.Get()
	allocator, handle := b.allocator, b.handle
	b.forget()

	defer mustDeactivate(allocator, handle)
	dropInPlace(data)
}

func (b *Box[T]) forget() {
	b.allocator = nil
	b.handle = node.NoHandle
	b.data = nil
}

// Addr returns the address of the node holding the value, or nil once the Box has been
// dropped or leaked
func (b *Box[T]) Addr() unsafe.Pointer {
	return unsafe.Pointer(b.data)
}

func (b *Box[T]) Format(f fmt.State, verb rune) {
	formatNode(f, verb, "Box", b.Addr(), func() any { return *b.data })
}
