package nodebox_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/nodebox"
	"github.com/vkngwrapper/arsenal/nodebox/node"
)

// teardowns counts drops per slot. slotted carries no pointers, so it can be stored by
// either allocator.
var teardowns [8]atomic.Int32

type slotted struct {
	slot  int
	value int
}

func (s *slotted) Drop() {
	teardowns[s.slot].Add(1)
}

func TestArcCloneAndDrop(t *testing.T) {
	allocator := newTypedAllocator(t)
	log := &dropLog{}

	first, err := nodebox.NewArc(allocator, tracked{name: "shared", log: log})
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Count())

	second := first.Clone()
	third := second.Clone()
	require.Equal(t, uint64(3), first.Count())
	require.Same(t, first.Get(), third.Get())

	first.Drop()
	second.Drop()
	require.Empty(t, log.Names())
	require.Equal(t, uint64(1), third.Count())
	require.Equal(t, 1, allocator.Count())

	third.Drop()
	require.Equal(t, []string{"shared"}, log.Names())
	require.Equal(t, 0, allocator.Count())

	requireFatal(t, nil, func() { third.Get() })
	requireFatal(t, nil, func() { first.Clone() })
}

func TestArcLeakAndAdopt(t *testing.T) {
	allocator := newTypedAllocator(t)
	log := &dropLog{}

	arc, err := nodebox.NewArc(allocator, tracked{name: "leaked", log: log})
	require.NoError(t, err)
	other := arc.Clone()

	leaked := arc.Leak()
	require.Equal(t, "leaked", leaked.name)
	require.Equal(t, uint64(2), other.Count())

	cloned := nodebox.CloneFromLeaked(allocator, leaked)
	require.Equal(t, uint64(3), other.Count())

	nodebox.IncrementCount(leaked)
	require.Equal(t, uint64(4), other.Count())

	adopted := nodebox.AdoptArc(allocator, leaked)
	require.Equal(t, uint64(4), adopted.Count())
	require.Same(t, leaked, adopted.Get())

	extra := nodebox.AdoptArc(allocator, leaked)

	other.Drop()
	cloned.Drop()
	adopted.Drop()
	require.Empty(t, log.Names())

	extra.Drop()
	require.Equal(t, []string{"leaked"}, log.Names())
	require.Equal(t, 0, allocator.Count())
}

func TestArcDropAtZeroIsFatal(t *testing.T) {
	allocator := newTypedAllocator(t)

	arc, err := nodebox.NewArc(allocator, 10)
	require.NoError(t, err)
	leaked := arc.Leak()

	first := nodebox.AdoptArc(allocator, leaked)
	second := nodebox.AdoptArc(allocator, leaked)

	first.Drop()
	require.Equal(t, 0, allocator.Count())

	requireFatal(t, nil, second.Drop)
}

func TestArcAdoptForeignAddress(t *testing.T) {
	allocator := newTypedAllocator(t)

	foreign := &struct {
		count uint64
		value int
	}{value: 5}

	requireFatal(t, node.ErrUnknownAddress, func() {
		nodebox.AdoptArc(allocator, &foreign.value)
	})

	box, err := nodebox.NewBox(allocator, [2]uint64{1, 5})
	require.NoError(t, err)

	requireFatal(t, node.ErrLayoutMismatch, func() {
		nodebox.AdoptArc(allocator, &box.Get()[1])
	})

	box.Drop()
}

func TestArcConcurrentCloneDrop(t *testing.T) {
	allocators := map[string]struct {
		allocator node.Allocator
		slot      int
	}{
		"Typed": {allocator: newTypedAllocator(t), slot: 0},
		"Slab":  {allocator: newSlabAllocator(t), slot: 1},
	}

	for name, testCase := range allocators {
		t.Run(name, func(t *testing.T) {
			drops := &teardowns[testCase.slot]
			drops.Store(0)

			root, err := nodebox.NewArc(testCase.allocator, slotted{slot: testCase.slot, value: 99})
			require.NoError(t, err)

			const workers = 16
			const rounds = 200

			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				clone := root.Clone()
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer clone.Drop()

					for j := 0; j < rounds; j++ {
						local := clone.Clone()
						if local.Get().value != 99 {
							panic("shared value changed")
						}
						local.Drop()
					}
				}()
			}

			root.Drop()
			wg.Wait()

			require.Equal(t, int32(1), drops.Load())
			require.Equal(t, 0, testCase.allocator.(interface{ Count() int }).Count())
		})
	}
}

func TestArcOnSlab(t *testing.T) {
	allocator := newSlabAllocator(t)

	arc, err := nodebox.NewArc(allocator, [2]uint32{7, 8})
	require.NoError(t, err)
	clone := arc.Clone()
	arc.Drop()
	require.Equal(t, [2]uint32{7, 8}, *clone.Get())
	clone.Drop()
	require.Equal(t, 0, allocator.Count())
}

type wide struct {
	A complex128
	B [2]uint64
}

func testHeaderRecovery[T any](t *testing.T, value T) {
	allocator := newTypedAllocator(t)

	arc, err := nodebox.NewArc(allocator, value)
	require.NoError(t, err)

	leaked := arc.Leak()
	adopted := nodebox.AdoptArc(allocator, leaked)
	require.Equal(t, uint64(1), adopted.Count())
	require.Equal(t, value, *adopted.Get())
	adopted.Drop()
	require.Equal(t, 0, allocator.Count())
}

func TestArcHeaderRecovery(t *testing.T) {
	t.Run("ZeroSize", func(t *testing.T) { testHeaderRecovery(t, struct{}{}) })
	t.Run("Byte", func(t *testing.T) { testHeaderRecovery(t, byte(3)) })
	t.Run("Wide", func(t *testing.T) { testHeaderRecovery(t, wide{A: 1 + 2i, B: [2]uint64{3, 4}}) })
	t.Run("Large", func(t *testing.T) {
		var large [4096]byte
		large[4095] = 1
		testHeaderRecovery(t, large)
	})
	t.Run("String", func(t *testing.T) { testHeaderRecovery(t, "payload") })
}

func TestArcFormat(t *testing.T) {
	allocator := newTypedAllocator(t)

	arc, err := nodebox.NewArc(allocator, "hello")
	require.NoError(t, err)

	require.Equal(t, "hello", fmt.Sprintf("%v", arc))
	require.Equal(t, `"hello"`, fmt.Sprintf("%q", arc))

	arc.Drop()
	require.Equal(t, "Arc(dropped)", fmt.Sprintf("%s", arc))
}

func TestArcAddr(t *testing.T) {
	allocator := newTypedAllocator(t)

	arc, err := nodebox.NewArc(allocator, "hello")
	require.NoError(t, err)
	require.Equal(t, unsafe.Pointer(arc.Get()), arc.Addr())

	clone := arc.Clone()
	require.Equal(t, arc.Addr(), clone.Addr())

	address := arc.Addr()
	leaked := arc.Leak()
	require.Equal(t, address, unsafe.Pointer(leaked))
	require.Nil(t, arc.Addr())

	adopted := nodebox.AdoptArc(allocator, leaked)
	require.Equal(t, address, adopted.Addr())

	adopted.Drop()
	require.Nil(t, adopted.Addr())
	clone.Drop()
	require.Equal(t, 0, allocator.Count())
}
