// Package slab provides a node.Allocator for pointer-free element types. Nodes are carved
// out of large []uint64 blocks by a two-level segregated fit suballocator, so activating
// a node does not allocate from the Go heap unless a new block is needed. The garbage
// collector never scans block memory, so layouts that hold Go pointers are rejected with
// node.ErrPointerLayout.
//
// When built with the debug_mem_utils tag, every node is followed by a guard margin that
// is checked when the node is deactivated and by CheckCorruption, and reclaimed memory is
// poisoned.
package slab

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/uuid"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/nodebox/internal/utils"
	"github.com/vkngwrapper/arsenal/nodebox/memutils"
	"github.com/vkngwrapper/arsenal/nodebox/memutils/metadata"
	"github.com/vkngwrapper/arsenal/nodebox/node"
	"golang.org/x/exp/slog"
)

type slabNode struct {
	block  *slabBlock
	region metadata.RegionHandle
	offset int
	size   int
	layout node.Layout
	count  int
}

// Allocator is a node.Allocator backed by fixed-size, pointer-free blocks
type Allocator struct {
	id     uuid.UUID
	name   string
	logger *slog.Logger
	mutex  utils.OptionalMutex

	blockSize       int
	maxBlocks       int
	strategy        metadata.AllocationStrategy
	keepEmptyBlocks bool

	nextBlockId int
	blocks      []*slabBlock
	nextHandle  node.Handle
	nodes       *swiss.Map[node.Handle, slabNode]
	addresses   *swiss.Map[uintptr, node.Handle]
}

var _ node.Allocator = &Allocator{}

// New creates an allocator. No block is allocated until the first node is activated.
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, errors.New("slab allocator requires a logger")
	}

	blockSize := options.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < 0 || blockSize%8 != 0 {
		return nil, errors.Newf("BlockSize must be a positive multiple of 8, but was %d", blockSize)
	}
	if options.MaxBlocks < 0 {
		return nil, errors.Newf("MaxBlocks must be 0 or positive, but was %d", options.MaxBlocks)
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return nil, errors.Wrap(err, "generating allocator id")
	}

	allocator := &Allocator{
		id:              id,
		name:            options.Name,
		blockSize:       blockSize,
		maxBlocks:       options.MaxBlocks,
		strategy:        options.Strategy,
		keepEmptyBlocks: options.Flags&CreateKeepEmptyBlocks != 0,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&CreateExternallySynchronized == 0,
		},
		nodes:     swiss.NewMap[node.Handle, slabNode](64),
		addresses: swiss.NewMap[uintptr, node.Handle](64),
	}
	allocator.logger = logger.With(slog.String("Allocator", allocator.String()))
	allocator.logger.Debug("SlabAllocator::New",
		slog.String("Flags", options.Flags.String()),
		slog.Int("BlockSize", blockSize),
		slog.Int("MaxBlocks", options.MaxBlocks),
		slog.String("Strategy", options.Strategy.String()),
	)

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

func (a *Allocator) checkLayout(layout node.Layout, count int) (int, error) {
	if layout.Type == nil {
		return 0, errors.Wrap(node.ErrLayoutMismatch, "layout has no element type")
	}
	if layout.Type.Size() != layout.Size || uintptr(layout.Type.Align()) != layout.Align {
		return 0, errors.Wrapf(node.ErrLayoutMismatch, "layout %s does not describe %s", layout, layout.Type)
	}
	if layout.HasPointers {
		return 0, errors.Wrapf(node.ErrPointerLayout, "layout %s", layout)
	}
	if layout.Align > MaxAlignment {
		return 0, errors.Newf("layout %s requires more than %d-byte alignment", layout, MaxAlignment)
	}
	if count < 0 {
		return 0, errors.Wrapf(node.ErrInvalidCount, "count %d", count)
	}

	// Empty nodes still take one element, or one byte for zero-size types, so that no two
	// active nodes share an address
	size := max(int(layout.Size), 1)
	if layout.Size > 0 && count > 1 {
		if uintptr(count) > uintptr(a.blockSize)/layout.Size {
			return 0, errors.Wrapf(node.ErrOutOfMemory, "%d x %s does not fit in a %d-byte block", count, layout, a.blockSize)
		}
		size = int(layout.Size) * count
	}

	if size+memutils.DebugMargin > a.blockSize {
		return 0, errors.Wrapf(node.ErrOutOfMemory, "%d x %s does not fit in a %d-byte block", count, layout, a.blockSize)
	}

	return size, nil
}

func (a *Allocator) Activate(layout node.Layout, count int) (node.Handle, error) {
	a.logger.Debug("SlabAllocator::Activate", slog.String("Layout", layout.String()), slog.Int("Count", count))

	size, err := a.checkLayout(layout, count)
	if err != nil {
		return node.NoHandle, err
	}

	handle, err := a.activate(layout, count, size)
	if err != nil {
		return node.NoHandle, err
	}

	memutils.DebugValidate(a)
	return handle, nil
}

func (a *Allocator) activate(layout node.Layout, count int, size int) (node.Handle, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	alignment := uint(max(layout.Align, 1))
	memutils.DebugCheckPow2(alignment, "alignment")

	for _, block := range a.blocks {
		handle, ok, err := a.activateInBlock(block, layout, count, size, alignment)
		if err != nil || ok {
			return handle, err
		}
	}

	if a.maxBlocks > 0 && len(a.blocks) >= a.maxBlocks {
		return node.NoHandle, errors.Wrapf(node.ErrOutOfMemory, "%d bytes requested with all %d blocks in use", size, a.maxBlocks)
	}

	block := newSlabBlock(a.nextBlockId, a.blockSize)
	a.nextBlockId++
	a.blocks = append(a.blocks, block)
	a.logger.Debug("    Created block", slog.Int("BlockId", block.id), slog.Int("BlockCount", len(a.blocks)))

	handle, ok, err := a.activateInBlock(block, layout, count, size, alignment)
	if err != nil {
		return node.NoHandle, err
	}
	if !ok {
		return node.NoHandle, errors.AssertionFailedf("a %d-byte node did not fit in an empty %d-byte block", size, a.blockSize)
	}

	return handle, nil
}

func (a *Allocator) activateInBlock(block *slabBlock, layout node.Layout, count int, size int, alignment uint) (node.Handle, bool, error) {
	success, request, err := block.metadata.CreateAllocationRequest(size, alignment, a.strategy)
	if err != nil {
		return node.NoHandle, false, errors.Wrapf(err, "searching block %d", block.id)
	}
	if !success {
		return node.NoHandle, false, nil
	}

	a.nextHandle++
	handle := a.nextHandle

	err = block.metadata.Alloc(request, handle)
	if err != nil {
		return node.NoHandle, false, errors.Wrapf(err, "allocating from block %d", block.id)
	}

	offset, err := block.metadata.AllocationOffset(request.RegionHandle)
	if err != nil {
		return node.NoHandle, false, errors.Wrapf(err, "locating node in block %d", block.id)
	}

	data := unsafe.Add(block.data(), offset)
	memutils.ZeroMemory(data, size)
	memutils.WriteMagicValue(block.data(), offset+size)

	a.nodes.Put(handle, slabNode{
		block:  block,
		region: request.RegionHandle,
		offset: offset,
		size:   size,
		layout: layout,
		count:  count,
	})
	a.addresses.Put(uintptr(data), handle)

	return handle, true, nil
}

func (a *Allocator) Resolve(handle node.Handle) (unsafe.Pointer, int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	active, ok := a.nodes.Get(handle)
	if !ok {
		return nil, 0, errors.Wrapf(node.ErrInactiveHandle, "handle %d", handle)
	}

	return unsafe.Add(active.block.data(), active.offset), active.count, nil
}

func (a *Allocator) Lookup(data unsafe.Pointer, layout node.Layout) (node.Handle, error) {
	a.logger.Debug("SlabAllocator::Lookup", slog.String("Layout", layout.String()))

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

// Deactivate reclaims an active node. If the node's guard margin was overwritten, the
// node is still reclaimed and an error wrapping memutils.CorruptionError is returned.
func (a *Allocator) Deactivate(handle node.Handle) error {
	a.logger.Debug("SlabAllocator::Deactivate", slog.Uint64("Handle", uint64(handle)))

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

	block := active.block
	data := unsafe.Add(block.data(), active.offset)

	var corruption error
	if !memutils.ValidateMagicValue(block.data(), active.offset+active.size) {
		corruption = errors.Wrapf(memutils.CorruptionError, "node %d in block %d", handle, block.id)
	}

	memutils.PoisonMemory(data, active.size)

	err := block.metadata.Free(active.region)
	if err != nil {
		return errors.NewAssertionErrorWithWrappedErrf(err, "freeing node %d in block %d", handle, block.id)
	}

	a.nodes.Delete(handle)
	a.addresses.Delete(uintptr(data))

	if block.metadata.IsEmpty() {
		a.releaseSurplusBlock(block)
	}

	return corruption
}

// releaseSurplusBlock drops an empty block if another empty block is already on hand
func (a *Allocator) releaseSurplusBlock(emptied *slabBlock) {
	if a.keepEmptyBlocks {
		return
	}

	index := -1
	hasOtherEmpty := false
	for i, block := range a.blocks {
		if block == emptied {
			index = i
		} else if block.metadata.IsEmpty() {
			hasOtherEmpty = true
		}
	}

	if index < 0 || !hasOtherEmpty {
		return
	}

	a.logger.Debug("    Released block", slog.Int("BlockId", emptied.id))
	a.blocks = append(a.blocks[:index], a.blocks[index+1:]...)
}

// CheckCorruption scans the guard margin after every active node. It always succeeds
// unless the debug_mem_utils build tag is present.
func (a *Allocator) CheckCorruption() error {
	a.logger.Debug("SlabAllocator::CheckCorruption")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, block := range a.blocks {
		err := block.metadata.CheckCorruption(block.data())
		if err != nil {
			return errors.Wrapf(err, "block %d", block.id)
		}
	}

	return nil
}

// Count returns the number of active nodes
func (a *Allocator) Count() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.nodes.Count()
}

// BlockCount returns the number of blocks currently held
func (a *Allocator) BlockCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return len(a.blocks)
}

func (a *Allocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	allocationCount := 0
	for _, block := range a.blocks {
		err := block.metadata.Validate()
		if err != nil {
			return errors.Wrapf(err, "block %d", block.id)
		}
		allocationCount += block.metadata.AllocationCount()
	}

	if allocationCount != a.nodes.Count() {
		return errors.Newf("blocks hold %d allocations, but %d nodes are active", allocationCount, a.nodes.Count())
	}
	if a.addresses.Count() != a.nodes.Count() {
		return errors.Newf("%d active nodes but %d registered addresses", a.nodes.Count(), a.addresses.Count())
	}

	var err error
	a.nodes.Iter(func(handle node.Handle, active slabNode) bool {
		userData, userDataErr := active.block.metadata.AllocationUserData(active.region)
		if userDataErr != nil {
			err = errors.Wrapf(userDataErr, "node %d", handle)
			return true
		}
		if userData != handle {
			err = errors.Newf("node %d occupies a region owned by %v", handle, userData)
			return true
		}

		registered, ok := a.addresses.Get(uintptr(unsafe.Add(active.block.data(), active.offset)))
		if !ok || registered != handle {
			err = errors.Newf("node %d is not registered under its address", handle)
			return true
		}
		return false
	})

	return err
}

func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.logger.Debug("SlabAllocator::AddStatistics")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, block := range a.blocks {
		block.metadata.AddStatistics(stats)
	}
}

func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.logger.Debug("SlabAllocator::AddDetailedStatistics")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, block := range a.blocks {
		block.metadata.AddDetailedStatistics(stats)
	}
}

// BuildStatsString returns a JSON document describing the allocator. If detailedMap is
// true, every region of every block is listed.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	a.logger.Debug("SlabAllocator::BuildStatsString")

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	writer := jwriter.NewWriter()
	objState := writer.Object()

	objState.Name("Id").String(a.id.String())
	if a.name != "" {
		objState.Name("Name").String(a.name)
	}
	objState.Name("BlockSize").Int(a.blockSize)

	totalObj := objState.Name("Total").Object()
	stats.PrintJson(&totalObj)
	totalObj.End()

	if detailedMap {
		blocksObj := objState.Name("Blocks").Object()
		for _, block := range a.blocks {
			block.printDetailedMap(&blocksObj)
		}
		blocksObj.End()
	}

	objState.End()
	return string(writer.Bytes())
}
