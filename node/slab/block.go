package slab

import (
	"strconv"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/nodebox/memutils/metadata"
	"github.com/vkngwrapper/arsenal/nodebox/node"
)

// slabBlock is one contiguous, pointer-free chunk of memory that nodes are carved from
type slabBlock struct {
	id       int
	memory   []uint64
	metadata *metadata.TLSFBlockMetadata
}

func newSlabBlock(id int, size int) *slabBlock {
	md := metadata.NewTLSFBlockMetadata()
	md.Init(size)

	return &slabBlock{
		id:       id,
		memory:   make([]uint64, size/8),
		metadata: md,
	}
}

func (b *slabBlock) data() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(b.memory))
}

func (b *slabBlock) printDetailedMap(json *jwriter.ObjectState) {
	blockObj := json.Name(strconv.Itoa(b.id)).Object()
	defer blockObj.End()

	b.metadata.BlockJsonData(&blockObj)

	arrayState := blockObj.Name("Nodes").Array()
	defer arrayState.End()

	_ = b.metadata.VisitAllRegions(
		func(handle metadata.RegionHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			obj.Name("Size").Int(size)
			if free {
				obj.Name("Type").String("Free")
				return nil
			}

			obj.Name("Type").String("Node")
			if nodeHandle, ok := userData.(node.Handle); ok {
				obj.Name("Handle").Int(int(nodeHandle))
			}
			return nil
		})
}
