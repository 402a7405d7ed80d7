package metadata

import (
	"fmt"
	"math"
	"math/bits"
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/arsenal/nodebox/memutils"
)

const (
	smallRegionSize        = 256
	secondLevelIndex uint8 = 5
	memoryClassShift       = 7
	maxMemoryClasses       = 65 - memoryClassShift
)

var regionPool = sync.Pool{
	New: func() any {
		return &tlsfRegion{}
	},
}

// tlsfRegion is one physically contiguous stretch of the block, either free or handed out.
// Regions form a doubly linked physical chain ordered by offset, and free regions are
// additionally threaded through one of the segregated free lists.
type tlsfRegion struct {
	offset       int
	size         int
	prevPhysical *tlsfRegion
	nextPhysical *tlsfRegion

	prevFree *tlsfRegion
	nextFree *tlsfRegion

	userData any
	handle   RegionHandle
}

// A taken region points prevFree at itself, which can never happen to a free one
func (r *tlsfRegion) markFree()     { r.prevFree = nil }
func (r *tlsfRegion) markTaken()    { r.prevFree = r }
func (r *tlsfRegion) isFree() bool { return r.prevFree != r }

// TLSFBlockMetadata is a two-level segregated fit BlockMetadata. Free regions are bucketed
// first by power-of-two size class and then linearly within the class, and two bitmaps
// let a fitting bucket be found in constant time. The highest-offset region is always
// the "null region", the untouched tail of the block, which is never in a free list.
type TLSFBlockMetadata struct {
	BlockMetadataBase

	allocCount        int
	freeRegionCount   int
	freeRegionBytes   int
	isFreeBitmap      uint32
	memoryClasses     int
	innerIsFreeBitmap [maxMemoryClasses]uint32

	nextHandle RegionHandle
	regions    *swiss.Map[RegionHandle, *tlsfRegion]
	freeList   []*tlsfRegion
	nullRegion *tlsfRegion
	// lowest-offset region in the physical chain
	headRegion *tlsfRegion
}

var _ BlockMetadata = &TLSFBlockMetadata{}

func NewTLSFBlockMetadata() *TLSFBlockMetadata {
	return &TLSFBlockMetadata{}
}

func (m *TLSFBlockMetadata) allocateRegion() *tlsfRegion {
	r := regionPool.Get().(*tlsfRegion)
	*r = tlsfRegion{}
	m.nextHandle++
	r.handle = m.nextHandle
	m.regions.Put(r.handle, r)
	return r
}

func (m *TLSFBlockMetadata) releaseRegion(r *tlsfRegion) {
	m.regions.Delete(r.handle)
	*r = tlsfRegion{}
	regionPool.Put(r)
}

func (m *TLSFBlockMetadata) getRegion(handle RegionHandle) (*tlsfRegion, error) {
	region, ok := m.regions.Get(handle)
	if !ok {
		return nil, errors.Errorf("region handle %d is not known to this metadata", handle)
	}
	return region, nil
}

func (m *TLSFBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.regions = swiss.NewMap[RegionHandle, *tlsfRegion](42)

	m.nullRegion = m.allocateRegion()
	m.nullRegion.size = size
	m.nullRegion.markFree()
	m.headRegion = m.nullRegion

	memoryClass := m.sizeToMemoryClass(size)
	sli := m.sizeToSecondIndex(size, memoryClass)

	listSize := 1
	if memoryClass != 0 {
		listSize = int(memoryClass-1)*(1<<secondLevelIndex) + int(sli+1)
	}
	listSize += 4

	m.memoryClasses = int(memoryClass + 2)
	m.freeList = make([]*tlsfRegion, listSize)
}

func (m *TLSFBlockMetadata) Validate() error {
	if m.SumFreeSize() > m.Size() {
		return errors.New("invalid metadata free size")
	}

	calculatedSize := m.nullRegion.size
	calculatedFreeSize := m.nullRegion.size
	var allocCount, freeCount, freeListCount int

	for listIndex := 0; listIndex < len(m.freeList); listIndex++ {
		region := m.freeList[listIndex]
		if region == nil {
			continue
		}

		if !region.isFree() {
			return errors.Errorf("region at offset %d is in the free list but is not free", region.offset)
		}

		if region.prevFree != nil {
			return errors.Errorf("region at offset %d is the head of a free list but has a previous region", region.offset)
		}

		freeListCount++
		for region.nextFree != nil {
			if !region.nextFree.isFree() {
				return errors.Errorf("region at offset %d is in the free list but it is not free", region.nextFree.offset)
			}
			if region.nextFree.prevFree != region {
				return errors.Errorf("region at offset %d lists the region at offset %d as its next free region, but the reverse reference is broken", region.offset, region.nextFree.offset)
			}

			freeListCount++
			region = region.nextFree
		}
	}

	if m.nullRegion.nextPhysical != nil {
		return errors.New("null region must be the tail of the physical chain")
	}

	if m.nullRegion.prevPhysical != nil && m.nullRegion.prevPhysical.nextPhysical != m.nullRegion {
		return errors.New("null region has a physical region before it, but the reverse reference is broken")
	}

	nextOffset := m.nullRegion.offset
	for prev := m.nullRegion.prevPhysical; prev != nil; prev = prev.prevPhysical {
		if prev.offset+prev.size != nextOffset {
			return errors.Errorf("physical region at offset %d does not end at the next region's start offset", prev.offset)
		}

		nextOffset = prev.offset
		calculatedSize += prev.size

		if prev.isFree() {
			freeCount++
			calculatedFreeSize += prev.size
		} else {
			allocCount++
		}

		if prev.prevPhysical != nil && prev.prevPhysical.nextPhysical != prev {
			return errors.Errorf("region at offset %d has a previous physical region, but the reverse reference is broken", prev.offset)
		}
	}

	if freeListCount != freeCount {
		return errors.Errorf("the number of free regions in the physical chain and in the free lists do not match! free lists: %d, physical chain: %d", freeListCount, freeCount)
	}

	if nextOffset != 0 {
		return errors.Errorf("the first physical region should have an offset of 0, but instead it has an offset of %d", nextOffset)
	}

	if calculatedSize != m.size {
		return errors.Errorf("the full size of the metadata is %d, but the regions only added up to %d", m.size, calculatedSize)
	}

	if calculatedFreeSize != m.SumFreeSize() {
		return errors.Errorf("the free size of the metadata is %d, but the free regions only added up to %d", m.SumFreeSize(), calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the taken regions only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.freeRegionCount {
		return errors.Errorf("the free region count of the metadata is %d, but there were %d free regions", m.freeRegionCount, freeCount)
	}

	return nil
}

func (m *TLSFBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size
	if m.nullRegion.size > 0 {
		stats.AddUnusedRange(m.nullRegion.size)
	}

	for region := m.nullRegion.prevPhysical; region != nil; region = region.prevPhysical {
		if region.isFree() {
			stats.AddUnusedRange(region.size)
		} else {
			stats.AddNode(region.size)
		}
	}
}

func (m *TLSFBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.NodeCount += m.allocCount
	stats.BlockBytes += m.size
	stats.NodeBytes += m.size - m.SumFreeSize()
}

func (m *TLSFBlockMetadata) AllocationCount() int {
	return m.allocCount
}

func (m *TLSFBlockMetadata) FreeRegionsCount() int {
	if m.nullRegion.size > 0 {
		return m.freeRegionCount + 1
	}
	return m.freeRegionCount
}

func (m *TLSFBlockMetadata) SumFreeSize() int {
	return m.freeRegionBytes + m.nullRegion.size
}

func (m *TLSFBlockMetadata) IsEmpty() bool {
	return m.allocCount == 0
}

func (m *TLSFBlockMetadata) sizeToMemoryClass(size int) uint8 {
	if size > smallRegionSize {
		mostSignificantBit := uint8(63 - bits.LeadingZeros64(uint64(size)))
		return mostSignificantBit - memoryClassShift
	}

	return 0
}

func (m *TLSFBlockMetadata) sizeToSecondIndex(size int, memoryClass uint8) uint16 {
	if memoryClass != 0 {
		mask := uint(1) << secondLevelIndex
		indexVal := uint(size) >> (memoryClass + memoryClassShift - secondLevelIndex)
		return uint16(indexVal ^ mask)
	}

	return uint16((size - 1) / 64)
}

func (m *TLSFBlockMetadata) getListIndexFromSize(size int) int {
	memoryClass := m.sizeToMemoryClass(size)
	return m.getListIndex(memoryClass, m.sizeToSecondIndex(size, memoryClass))
}

func (m *TLSFBlockMetadata) getListIndex(memoryClass uint8, secondIndex uint16) int {
	if memoryClass == 0 {
		return int(secondIndex)
	}

	return int(memoryClass-1)*(1<<secondLevelIndex) + int(secondIndex) + 4
}

func (m *TLSFBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error) {
	var request AllocationRequest

	if allocSize < 1 {
		return false, request, errors.Errorf("invalid allocSize: %d", allocSize)
	}
	if err := memutils.CheckPow2(allocAlignment, "allocAlignment"); err != nil {
		return false, request, err
	}

	memutils.DebugValidate(m)

	allocSize += memutils.DebugMargin

	if allocSize > m.SumFreeSize() {
		return false, request, nil
	}

	if m.freeRegionCount == 0 {
		return m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, &request), request, nil
	}

	// Round up to the next bucket so that any region found there is guaranteed to fit
	sizeForNextList := allocSize
	smallSizeStep := smallRegionSize / 4
	if allocSize > smallRegionSize {
		mostSignificantBit := 63 - bits.LeadingZeros64(uint64(allocSize))
		sizeForNextList += 1 << (mostSignificantBit - int(secondLevelIndex))
	} else if allocSize > smallRegionSize-smallSizeStep {
		sizeForNextList = smallRegionSize + 1
	} else {
		sizeForNextList += smallSizeStep
	}

	var nextListIndex, prevListIndex int
	var nextListRegion, prevListRegion *tlsfRegion
	doFullSearch := false

	switch {
	case strategy&AllocationStrategyMinTime != 0:
		nextListRegion, nextListIndex = m.findFreeRegion(sizeForNextList)
		if nextListRegion != nil {
			doFullSearch = true
			if m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, &request) {
				return true, request, nil
			}
		}

		if m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, &request) {
			return true, request, nil
		}

		for ; nextListRegion != nil; nextListRegion = nextListRegion.nextFree {
			if m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, &request) {
				return true, request, nil
			}
		}

		prevListRegion, prevListIndex = m.findFreeRegion(allocSize)
		for ; prevListRegion != nil; prevListRegion = prevListRegion.nextFree {
			if m.checkRegion(prevListRegion, prevListIndex, allocSize, allocAlignment, &request) {
				return true, request, nil
			}
		}

	case strategy&AllocationStrategyMinMemory != 0:
		prevListRegion, prevListIndex = m.findFreeRegion(allocSize)
		for ; prevListRegion != nil; prevListRegion = prevListRegion.nextFree {
			if m.checkRegion(prevListRegion, prevListIndex, allocSize, allocAlignment, &request) {
				return true, request, nil
			}
		}

		if m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, &request) {
			return true, request, nil
		}

		nextListRegion, nextListIndex = m.findFreeRegion(sizeForNextList)
		for ; nextListRegion != nil; nextListRegion = nextListRegion.nextFree {
			doFullSearch = true
			if m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, &request) {
				return true, request, nil
			}
		}

	default:
		nextListRegion, nextListIndex = m.findFreeRegion(sizeForNextList)
		for ; nextListRegion != nil; nextListRegion = nextListRegion.nextFree {
			doFullSearch = true
			if m.checkRegion(nextListRegion, nextListIndex, allocSize, allocAlignment, &request) {
				return true, request, nil
			}
		}

		if m.checkRegion(m.nullRegion, len(m.freeList), allocSize, allocAlignment, &request) {
			return true, request, nil
		}

		prevListRegion, prevListIndex = m.findFreeRegion(allocSize)
		for ; prevListRegion != nil; prevListRegion = prevListRegion.nextFree {
			if m.checkRegion(prevListRegion, prevListIndex, allocSize, allocAlignment, &request) {
				return true, request, nil
			}
		}
	}

	if !doFullSearch {
		return false, request, nil
	}

	// Worst case, walk every larger list
	for nextListIndex++; nextListIndex < len(m.freeList); nextListIndex++ {
		for region := m.freeList[nextListIndex]; region != nil; region = region.nextFree {
			if m.checkRegion(region, nextListIndex, allocSize, allocAlignment, &request) {
				return true, request, nil
			}
		}
	}

	return false, request, nil
}

func (m *TLSFBlockMetadata) checkRegion(region *tlsfRegion, listIndex int, allocSize int, allocAlignment uint, request *AllocationRequest) bool {
	if !region.isFree() {
		panic(fmt.Sprintf("region at offset %d is already taken", region.offset))
	}

	alignedOffset := memutils.AlignUp(region.offset, allocAlignment)
	if region.size < allocSize+alignedOffset-region.offset {
		return false
	}

	request.Type = AllocationRequestTLSF
	request.RegionHandle = region.handle
	request.Size = allocSize - memutils.DebugMargin
	request.AlgorithmData = uint64(alignedOffset)

	// Move the region to the front of its list so the next search finds it first
	if listIndex != len(m.freeList) && region.prevFree != nil {
		region.prevFree.nextFree = region.nextFree
		if region.nextFree != nil {
			region.nextFree.prevFree = region.prevFree
		}

		region.prevFree = nil
		region.nextFree = m.freeList[listIndex]
		m.freeList[listIndex] = region
		if region.nextFree != nil {
			region.nextFree.prevFree = region
		}
	}

	return true
}

func (m *TLSFBlockMetadata) findFreeRegion(size int) (*tlsfRegion, int) {
	memoryClass := m.sizeToMemoryClass(size)
	innerFreeMap := m.innerIsFreeBitmap[memoryClass] & (uint32(math.MaxUint32) << m.sizeToSecondIndex(size, memoryClass))

	if innerFreeMap == 0 {
		// Nothing in this class, check the larger ones
		freeMap := m.isFreeBitmap & (uint32(math.MaxUint32) << (memoryClass + 1))
		if freeMap == 0 {
			return nil, 0
		}

		memoryClass = uint8(bits.TrailingZeros32(freeMap))
		innerFreeMap = m.innerIsFreeBitmap[memoryClass]
		if innerFreeMap == 0 {
			panic("free bitmap is in an invalid state")
		}
	}

	listIndex := m.getListIndex(memoryClass, uint16(bits.TrailingZeros32(innerFreeMap)))
	if m.freeList[listIndex] == nil {
		panic(fmt.Sprintf("free list index %d was listed as having free regions, but no regions were in the free list", listIndex))
	}

	return m.freeList[listIndex], listIndex
}

func (m *TLSFBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	if request.Type != AllocationRequestTLSF {
		return errors.Errorf("allocation request of type %s was received by an incompatible metadata", request.Type)
	}

	region, err := m.getRegion(request.RegionHandle)
	if err != nil {
		return err
	}
	if !region.isFree() {
		return errors.New("allocation request refers to a region that has since been taken")
	}

	offset := int(request.AlgorithmData)
	if region.offset > offset {
		return errors.New("allocation request offset lies before the start of its region")
	}

	size := request.Size + memutils.DebugMargin
	missingAlignment := offset - region.offset
	if region.size < size+missingAlignment {
		return errors.New("allocation request refers to a region too small for the request")
	}

	if region != m.nullRegion {
		m.removeFreeRegion(region)
	}

	// Give the alignment padding to the previous region, or turn it into a free region of its own
	if missingAlignment != 0 {
		prev := region.prevPhysical
		if prev == nil {
			return errors.New("alignment padding requested at offset 0")
		}

		if prev.isFree() {
			oldListIndex := m.getListIndexFromSize(prev.size)
			if oldListIndex != m.getListIndexFromSize(prev.size+missingAlignment) {
				m.removeFreeRegion(prev)
				prev.size += missingAlignment
				m.insertFreeRegion(prev)
			} else {
				prev.size += missingAlignment
				m.freeRegionBytes += missingAlignment
			}
		} else {
			padding := m.allocateRegion()
			region.prevPhysical = padding
			prev.nextPhysical = padding
			padding.prevPhysical = prev
			padding.nextPhysical = region
			padding.size = missingAlignment
			padding.offset = region.offset
			padding.markTaken()

			m.insertFreeRegion(padding)
		}

		region.size -= missingAlignment
		region.offset += missingAlignment
	}

	if region.size == size {
		if region == m.nullRegion {
			m.nullRegion = m.allocateRegion()
			m.nullRegion.offset = region.offset + size
			m.nullRegion.prevPhysical = region
			m.nullRegion.markFree()
			region.nextPhysical = m.nullRegion
			region.markTaken()
		}
	} else {
		remainder := m.allocateRegion()
		remainder.size = region.size - size
		remainder.offset = region.offset + size
		remainder.prevPhysical = region
		remainder.nextPhysical = region.nextPhysical
		region.nextPhysical = remainder
		region.size = size

		if region == m.nullRegion {
			m.nullRegion = remainder
			m.nullRegion.markFree()
			region.markTaken()
		} else {
			remainder.nextPhysical.prevPhysical = remainder
			remainder.markTaken()
			m.insertFreeRegion(remainder)
		}
	}

	region.userData = userData
	m.allocCount++

	return nil
}

func (m *TLSFBlockMetadata) Free(handle RegionHandle) error {
	region, err := m.getRegion(handle)
	if err != nil {
		return err
	}
	if region == m.nullRegion || region.isFree() {
		return errors.Errorf("region at offset %d is already free", region.offset)
	}

	m.allocCount--
	region.userData = nil

	prev := region.prevPhysical
	if prev != nil && prev.isFree() {
		m.removeFreeRegion(prev)
		m.mergeRegion(region, prev)
	}

	next := region.nextPhysical
	switch {
	case !next.isFree():
		m.insertFreeRegion(region)
	case next == m.nullRegion:
		m.mergeRegion(m.nullRegion, region)
	default:
		m.removeFreeRegion(next)
		m.mergeRegion(next, region)
		m.insertFreeRegion(next)
	}

	memutils.DebugValidate(m)
	return nil
}

func (m *TLSFBlockMetadata) removeFreeRegion(region *tlsfRegion) {
	if region == m.nullRegion {
		panic("cannot remove the null region from the free lists")
	}
	if !region.isFree() {
		panic("provided region is not free")
	}

	if region.nextFree != nil {
		region.nextFree.prevFree = region.prevFree
	}
	if region.prevFree != nil {
		region.prevFree.nextFree = region.nextFree
	} else {
		memoryClass := m.sizeToMemoryClass(region.size)
		secondIndex := m.sizeToSecondIndex(region.size, memoryClass)
		index := m.getListIndex(memoryClass, secondIndex)

		if m.freeList[index] != region {
			panic("region was not in the free list at the expected location")
		}
		m.freeList[index] = region.nextFree
		if region.nextFree == nil {
			m.innerIsFreeBitmap[memoryClass] &^= 1 << secondIndex
			if m.innerIsFreeBitmap[memoryClass] == 0 {
				m.isFreeBitmap &^= 1 << memoryClass
			}
		}
	}

	region.nextFree = nil
	region.markTaken()
	region.userData = nil
	m.freeRegionCount--
	m.freeRegionBytes -= region.size
}

func (m *TLSFBlockMetadata) insertFreeRegion(region *tlsfRegion) {
	if region == m.nullRegion {
		panic("cannot insert the null region into the free lists")
	}
	if region.isFree() {
		panic("region is already free")
	}

	memoryClass := m.sizeToMemoryClass(region.size)
	secondIndex := m.sizeToSecondIndex(region.size, memoryClass)
	index := m.getListIndex(memoryClass, secondIndex)

	if index >= len(m.freeList) {
		panic("invalid free list index found for region")
	}

	region.prevFree = nil
	region.nextFree = m.freeList[index]
	m.freeList[index] = region
	if region.nextFree != nil {
		region.nextFree.prevFree = region
	} else {
		m.innerIsFreeBitmap[memoryClass] |= 1 << secondIndex
		m.isFreeBitmap |= 1 << memoryClass
	}
	m.freeRegionCount++
	m.freeRegionBytes += region.size
}

// mergeRegion folds prev, which must be taken or already unlinked from the free lists,
// into region and releases it
func (m *TLSFBlockMetadata) mergeRegion(region *tlsfRegion, prev *tlsfRegion) {
	if region.prevPhysical != prev {
		panic("cannot merge separate physical regions")
	}
	if prev.isFree() {
		panic("cannot merge a region that belongs to the free lists")
	}

	region.offset = prev.offset
	region.size += prev.size
	region.prevPhysical = prev.prevPhysical
	if region.prevPhysical != nil {
		region.prevPhysical.nextPhysical = region
	} else {
		m.headRegion = region
	}

	m.releaseRegion(prev)
}

func (m *TLSFBlockMetadata) VisitAllRegions(handleRegion func(handle RegionHandle, offset int, size int, userData any, free bool) error) error {
	for region := m.nullRegion; region != nil; region = region.prevPhysical {
		if region == m.nullRegion && region.size == 0 {
			continue
		}

		err := handleRegion(region.handle, region.offset, region.size, region.userData, region.isFree())
		if err != nil {
			return err
		}
	}

	return nil
}

func (m *TLSFBlockMetadata) AllocationOffset(handle RegionHandle) (int, error) {
	region, err := m.getRegion(handle)
	if err != nil {
		return 0, err
	}

	return region.offset, nil
}

func (m *TLSFBlockMetadata) AllocationUserData(handle RegionHandle) (any, error) {
	region, err := m.getRegion(handle)
	if err != nil {
		return nil, err
	}

	if region.isFree() {
		return nil, errors.New("user data cannot be retrieved for a free region")
	}

	return region.userData, nil
}

func (m *TLSFBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	for region := m.nullRegion.prevPhysical; region != nil; region = region.prevPhysical {
		if region.isFree() {
			continue
		}

		if !memutils.ValidateMagicValue(blockData, region.offset+region.size-memutils.DebugMargin) {
			return errors.Wrapf(memutils.CorruptionError, "region at offset %d", region.offset)
		}
	}

	return nil
}

func (m *TLSFBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	m.BlockMetadataBase.BlockJsonData(json, stats.BlockBytes-stats.NodeBytes, stats.NodeCount, stats.UnusedRangeCount)
}

func (m *TLSFBlockMetadata) Clear() {
	m.allocCount = 0
	m.freeRegionCount = 0
	m.freeRegionBytes = 0
	m.isFreeBitmap = 0

	region := m.nullRegion.prevPhysical
	for region != nil {
		prev := region.prevPhysical
		m.releaseRegion(region)
		region = prev
	}

	m.nullRegion.offset = 0
	m.nullRegion.size = m.size
	m.nullRegion.prevPhysical = nil
	m.headRegion = m.nullRegion

	m.freeList = make([]*tlsfRegion, len(m.freeList))
	m.innerIsFreeBitmap = [maxMemoryClasses]uint32{}
}
