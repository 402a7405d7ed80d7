// Package layout recovers the address of an enclosing record from the address of one of
// its fields. Offsets are measured on a dummy instance of the record the first time they
// are needed and cached per record type, so they always match the platform's real layout.
package layout

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
)

type offsetKey struct {
	record reflect.Type
	field  string
}

var offsetCache = struct {
	sync.RWMutex
	offsets *swiss.Map[offsetKey, int]
}{
	offsets: swiss.NewMap[offsetKey, int](16),
}

// FieldOffset returns the signed number of bytes to add to the address of the field that
// locate selects in order to reach the start of the Record containing it. The result is
// zero or negative. field names the field for caching purposes and must be the same on
// every call that passes the same locate function.
func FieldOffset[Record any, Field any](field string, locate func(*Record) *Field) int {
	key := offsetKey{record: reflect.TypeOf((*Record)(nil)).Elem(), field: field}

	offsetCache.RLock()
	offset, ok := offsetCache.offsets.Get(key)
	offsetCache.RUnlock()
	if ok {
		return offset
	}

	offset = measure(locate)

	offsetCache.Lock()
	offsetCache.offsets.Put(key, offset)
	offsetCache.Unlock()

	return offset
}

func measure[Record any, Field any](locate func(*Record) *Field) int {
	dummy := new(Record)
	record := uintptr(unsafe.Pointer(dummy))
	field := uintptr(unsafe.Pointer(locate(dummy)))

	if field < record || (field-record >= unsafe.Sizeof(*dummy) && field != record) {
		panic("layout: located field does not lie within its record")
	}

	return -int(field - record)
}

// Enclosing applies an offset returned from FieldOffset to the address of a field,
// returning the address of the record that contains it
func Enclosing[Record any, Field any](field *Field, offset int) *Record {
	return (*Record)(unsafe.Add(unsafe.Pointer(field), offset))
}
