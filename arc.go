package nodebox

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/nodebox/internal/layout"
	"github.com/vkngwrapper/arsenal/nodebox/node"
)

// sharedHeader is the node element behind every Arc: the reference count followed by
// the shared value. Leaked Arc addresses point at data, and the header is found again by
// stepping back a fixed, per-T distance.
type sharedHeader[T any] struct {
	count atomic.Uint64
	data  T
}

func headerOffset[T any]() int {
	return layout.FieldOffset[sharedHeader[T], T]("data", func(header *sharedHeader[T]) *T {
		return &header.data
	})
}

func headerOf[T any](data *T) *sharedHeader[T] {
	return layout.Enclosing[sharedHeader[T]](data, headerOffset[T]())
}

// Arc holds a value shared between any number of owners. Each Arc instance owns one
// count on the shared header; the value is dropped and the node deactivated when the
// last instance is dropped.
//
// The value is read-only through Get unless callers synchronize mutation themselves.
// Different Arc instances may be used from different goroutines concurrently, but a
// single instance may not.
type Arc[T any] struct {
	allocator node.Allocator
	handle    node.Handle
	header    *sharedHeader[T]
}

// NewArc activates a header node on allocator, moves value into it and sets the count to 1
func NewArc[T any](allocator node.Allocator, value T) (*Arc[T], error) {
	handle, data, _, err := activate(allocator, node.LayoutOf[sharedHeader[T]](), 1)
	if err != nil {
		return nil, err
	}

	header := (*sharedHeader[T])(data)
	header.data = value
	header.count.Store(1)

	return &Arc[T]{
		allocator: allocator,
		handle:    handle,
		header:    header,
	}, nil
}

// AdoptArc reconstructs an Arc from an address previously returned by Arc.Leak, taking
// over the count that the leaked Arc owned. The count is not changed.
func AdoptArc[T any](allocator node.Allocator, leaked *T) *Arc[T] {
	header := headerOf(leaked)
	handle := mustLookup(allocator, unsafe.Pointer(header), node.LayoutOf[sharedHeader[T]]())

	return &Arc[T]{
		allocator: allocator,
		handle:    handle,
		header:    header,
	}
}

// CloneFromLeaked creates a new Arc sharing a leaked value, incrementing the count. The
// leaked address stays valid and keeps its own count.
func CloneFromLeaked[T any](allocator node.Allocator, leaked *T) *Arc[T] {
	arc := AdoptArc(allocator, leaked)
	arc.header.count.Add(1)
	return arc
}

// IncrementCount adds one to the count behind a leaked value without creating an Arc.
// Each call must be balanced by an AdoptArc whose Arc is eventually dropped.
func IncrementCount[T any](leaked *T) {
	headerOf(leaked).count.Add(1)
}

func (a *Arc[T]) liveHeader() *sharedHeader[T] {
	if a.header == nil {
		released("Arc")
	}
	return a.header
}

// Get returns the address of the shared value
func (a *Arc[T]) Get() *T {
	return &a.liveHeader().data
}

// Clone returns a new Arc sharing this Arc's value
func (a *Arc[T]) Clone() *Arc[T] {
	header := a.liveHeader()
	header.count.Add(1)

	return &Arc[T]{
		allocator: a.allocator,
		handle:    a.handle,
		header:    header,
	}
}

// Count returns a snapshot of the number of live owners. It may be stale by the time it
// returns if other goroutines are cloning or dropping.
func (a *Arc[T]) Count() uint64 {
	return a.liveHeader().count.Load()
}

// Leak consumes the Arc without touching the count and returns the shared value's
// address
func (a *Arc[T]) Leak() *T {
	data := a.Get()
	a.forget()
	return data
}

// Drop releases this Arc's count. The goroutine that releases the last count drops the
// shared value and deactivates the node.
func (a *Arc[T]) Drop() {
	header := a.liveHeader()
	allocator, handle := a.allocator, a.handle
	a.forget()

	for {
		count := header.count.Load()
		if count == 0 {
			panic(errors.AssertionFailedf("Arc dropped with a reference count of zero at %p", header))
		}

		if !header.count.CompareAndSwap(count, count-1) {
			continue
		}

		if count > 1 {
			return
		}
		break
	}

	defer mustDeactivate(allocator, handle)
	dropInPlace(&header.data)
}

func (a *Arc[T]) forget() {
	a.allocator = nil
	a.handle = node.NoHandle
	a.header = nil
}

// Addr returns the address of the shared value, the same address Leak hands out, or nil
// once this Arc has been dropped or leaked. Every clone of an Arc reports the same address.
func (a *Arc[T]) Addr() unsafe.Pointer {
	if a.header == nil {
		return nil
	}
	return unsafe.Pointer(&a.header.data)
}

func (a *Arc[T]) Format(f fmt.State, verb rune) {
	formatNode(f, verb, "Arc", a.Addr(), func() any { return a.header.data })
}
