// Package typed provides the default node.Allocator. Each node is a separately allocated,
// fully typed Go object, so payloads may hold Go pointers, maps, strings and interfaces.
// The allocator keeps every active node reachable until it is deactivated, even if the
// only other reference to it is a leaked address.
package typed

import (
	"reflect"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/uuid"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/nodebox/internal/utils"
	"github.com/vkngwrapper/arsenal/nodebox/memutils"
	"github.com/vkngwrapper/arsenal/nodebox/node"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

type typedNode struct {
	data   unsafe.Pointer
	layout node.Layout
	count  int
}

func (n typedNode) byteSize() int {
	return int(n.layout.Size) * n.count
}

// Allocator is a node.Allocator whose nodes live in ordinary garbage-collected memory
type Allocator struct {
	id     uuid.UUID
	name   string
	logger *slog.Logger
	mutex  utils.OptionalMutex

	maxBytes    int
	activeBytes int
	nextHandle  node.Handle
	nodes       *swiss.Map[node.Handle, typedNode]
	addresses   *swiss.Map[uintptr, node.Handle]
}

var _ node.Allocator = &Allocator{}

// New creates an allocator. logger receives Debug-level entries for every operation.
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, errors.New("typed allocator requires a logger")
	}

	if options.MaxBytes < 0 {
		return nil, errors.Newf("MaxBytes must be 0 or positive, but was %d", options.MaxBytes)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, errors.Wrap(err, "generating allocator id")
	}

	allocator := &Allocator{
		id:       id,
		name:     options.Name,
		maxBytes: options.MaxBytes,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
		nodes:     swiss.NewMap[node.Handle, typedNode](64),
		addresses: swiss.NewMap[uintptr, node.Handle](64),
	}
	allocator.logger = logger.With(slog.String("Allocator", allocator.String()))
	allocator.logger.Debug("TypedAllocator::New", slog.String("Flags", options.Flags.String()))

	return allocator, nil
}

func (a *Allocator) ID() uuid.UUID {
	return a.id
}

func (a *Allocator) String() string {
	if a.name == "" {
		return a.id.String()
	}
	return a.name + "/" + a.id.String()
}

func (a *Allocator) Activate(layout node.Layout, count int) (node.Handle, error) {
	a.logger.Debug("TypedAllocator::Activate", slog.String("Layout", layout.String()), slog.Int("Count", count))

	if layout.Type == nil {
		return node.NoHandle, errors.Wrap(node.ErrLayoutMismatch, "layout has no element type")
	}
	if layout.Type.Size() != layout.Size || uintptr(layout.Type.Align()) != layout.Align {
		return node.NoHandle, errors.Wrapf(node.ErrLayoutMismatch, "layout %s does not describe %s", layout, layout.Type)
	}
	if count < 0 {
		return node.NoHandle, errors.Wrapf(node.ErrInvalidCount, "count %d", count)
	}
	if layout.Size > 0 && uintptr(count) > ^uintptr(0)/2/layout.Size {
		return node.NoHandle, errors.Wrapf(node.ErrOutOfMemory, "%d x %s overflows the address space", count, layout)
	}

	byteSize := int(layout.Size) * count

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.maxBytes > 0 && a.activeBytes+byteSize > a.maxBytes {
		return node.NoHandle, errors.Wrapf(node.ErrOutOfMemory, "%d bytes requested with %d of %d bytes active", byteSize, a.activeBytes, a.maxBytes)
	}

	data := allocateStorage(layout, count, byteSize)

	a.nextHandle++
	handle := a.nextHandle
	a.nodes.Put(handle, typedNode{
		data:   data,
		layout: layout,
		count:  count,
	})
	a.addresses.Put(uintptr(data), handle)
	a.activeBytes += byteSize

	return handle, nil
}

// allocateStorage returns zeroed, typed storage. Empty nodes still get storage of their
// own so that no two active nodes share an address.
func allocateStorage(layout node.Layout, count int, byteSize int) unsafe.Pointer {
	if byteSize == 0 {
		if layout.Size == 0 {
			return unsafe.Pointer(new(byte))
		}
		return reflect.New(layout.Type).UnsafePointer()
	}

	return reflect.New(reflect.ArrayOf(count, layout.Type)).UnsafePointer()
}

func (a *Allocator) Resolve(handle node.Handle) (unsafe.Pointer, int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	active, ok := a.nodes.Get(handle)
	if !ok {
		return nil, 0, errors.Wrapf(node.ErrInactiveHandle, "handle %d", handle)
	}

	return active.data, active.count, nil
}

func (a *Allocator) Lookup(data unsafe.Pointer, layout node.Layout) (node.Handle, error) {
	a.logger.Debug("TypedAllocator::Lookup", slog.String("Layout", layout.String()))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	handle, ok := a.addresses.Get(uintptr(data))
	if !ok {
		return node.NoHandle, errors.Wrapf(node.ErrUnknownAddress, "%p", data)
	}

	active, _ := a.nodes.Get(handle)
	if !active.layout.Matches(layout) {
		return node.NoHandle, errors.Wrapf(node.ErrLayoutMismatch, "node %d holds %s, not %s", handle, active.layout, layout)
	}

	return handle, nil
}

func (a *Allocator) Deactivate(handle node.Handle) error {
	a.logger.Debug("TypedAllocator::Deactivate", slog.Uint64("Handle", uint64(handle)))

	err := a.deactivate(handle)
	if err != nil {
		return err
	}

	memutils.DebugValidate(a)
	return nil
}

func (a *Allocator) deactivate(handle node.Handle) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	active, ok := a.nodes.Get(handle)
	if !ok {
		return errors.Wrapf(node.ErrInactiveHandle, "handle %d", handle)
	}

	a.nodes.Delete(handle)
	a.addresses.Delete(uintptr(active.data))
	a.activeBytes -= active.byteSize()

	// Anything still reachable through a stale address must not keep the old payload's
	// references alive
	if active.byteSize() > 0 {
		reflect.NewAt(reflect.ArrayOf(active.count, active.layout.Type), active.data).Elem().SetZero()
	}

	return nil
}

// Count returns the number of active nodes
func (a *Allocator) Count() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.nodes.Count()
}

// Validate checks that the handle and address registries agree with each other and
// with the active byte total
func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.nodes.Count() != a.addresses.Count() {
		return errors.Newf("%d active nodes but %d registered addresses", a.nodes.Count(), a.addresses.Count())
	}

	var err error
	totalBytes := 0
	a.nodes.Iter(func(handle node.Handle, active typedNode) bool {
		totalBytes += active.byteSize()

		registered, ok := a.addresses.Get(uintptr(active.data))
		if !ok || registered != handle {
			err = errors.Newf("node %d at %p is not registered under its address", handle, active.data)
			return true
		}
		if handle > a.nextHandle {
			err = errors.Newf("node %d is newer than the last handle issued (%d)", handle, a.nextHandle)
			return true
		}
		return false
	})
	if err != nil {
		return err
	}

	if totalBytes != a.activeBytes {
		return errors.Newf("active nodes hold %d bytes, but %d bytes are recorded", totalBytes, a.activeBytes)
	}

	return nil
}

func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.logger.Debug("TypedAllocator::AddStatistics")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.nodes.Iter(func(_ node.Handle, active typedNode) bool {
		stats.AddNode(active.byteSize())
		return false
	})
}

// BuildStatsString returns a JSON document describing the allocator. If detailedMap is
// true, every active node is listed in handle order.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.logger.Debug("TypedAllocator::BuildStatsString")

	var stats memutils.Statistics
	a.AddStatistics(&stats)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	writer := jwriter.NewWriter()
	objState := writer.Object()

	objState.Name("Id").String(a.id.String())
	if a.name != "" {
		objState.Name("Name").String(a.name)
	}

	totalObj := objState.Name("Total").Object()
	stats.PrintJson(&totalObj)
	totalObj.End()

	if detailedMap {
		handles := make([]node.Handle, 0, a.nodes.Count())
		a.nodes.Iter(func(handle node.Handle, _ typedNode) bool {
			handles = append(handles, handle)
			return false
		})
		slices.Sort(handles)

		nodesArray := objState.Name("Nodes").Array()
		for _, handle := range handles {
			active, _ := a.nodes.Get(handle)

			nodeObj := nodesArray.Object()
			nodeObj.Name("Handle").Int(int(handle))
			nodeObj.Name("Type").String(active.layout.Type.String())
			nodeObj.Name("Count").Int(active.count)
			nodeObj.Name("Size").Int(active.byteSize())
			nodeObj.End()
		}
		nodesArray.End()
	}

	objState.End()
	return string(writer.Bytes())
}
