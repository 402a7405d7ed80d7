// Package node defines the contract between nodebox containers and the allocator that
// hands out their storage. A node is a fixed-identity region of memory holding one or
// more contiguous elements of a single type. While its Handle is active, a node's data
// address never changes.
package node

//go:generate mockgen -source node.go -destination ./mocks/allocator.go -package mock_node

import (
	"fmt"
	"reflect"
	"unsafe"
)

// Handle is an opaque token naming one active node of one Allocator. Handles are never
// reused while active, and NoHandle is never handed out.
type Handle uint64

const NoHandle Handle = 0

// Layout describes the element type of a node
type Layout struct {
	Type        reflect.Type
	Size        uintptr
	Align       uintptr
	HasPointers bool
}

// LayoutOf returns the Layout of T
func LayoutOf[T any]() Layout {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	return Layout{
		Type:        typ,
		Size:        typ.Size(),
		Align:       uintptr(typ.Align()),
		HasPointers: hasPointers(typ),
	}
}

func (l Layout) String() string {
	return fmt.Sprintf("%s(size=%d, align=%d)", l.Type, l.Size, l.Align)
}

// Matches reports whether two layouts describe the same element type
func (l Layout) Matches(other Layout) bool {
	return l.Type == other.Type
}

func hasPointers(typ reflect.Type) bool {
	switch typ.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return false
	case reflect.Array:
		return typ.Len() > 0 && hasPointers(typ.Elem())
	case reflect.Struct:
		for i := 0; i < typ.NumField(); i++ {
			if hasPointers(typ.Field(i).Type) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// Allocator is the node allocation primitive that nodebox containers are built on. It
// is always passed to containers explicitly.
//
// Implementations return errors wrapping the sentinels in this package; the containers
// treat every error other than one from Activate as a fatal contract violation.
type Allocator interface {
	// Activate allocates zeroed storage for count contiguous elements of layout and
	// returns a handle to it. Distinct active nodes never share a data address, even
	// when layout.Size is 0.
	Activate(layout Layout, count int) (Handle, error)
	// Resolve returns the data address and element count of an active node
	Resolve(handle Handle) (unsafe.Pointer, int, error)
	// Deactivate reclaims an active node. It must be the last operation performed with handle.
	Deactivate(handle Handle) error
	// Lookup maps the data address of an active node back to its handle. It fails if data
	// is not the start of an active node or if the node was not activated with layout.
	Lookup(data unsafe.Pointer, layout Layout) (Handle, error)
}
