package nodebox

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/nodebox/node"
)

func activate(allocator node.Allocator, layout node.Layout, count int) (node.Handle, unsafe.Pointer, int, error) {
	handle, err := allocator.Activate(layout, count)
	if err != nil {
		return node.NoHandle, nil, 0, errors.Wrapf(err, "activating %d x %s", count, layout)
	}

	data, resolvedCount, err := allocator.Resolve(handle)
	if err != nil {
		_ = allocator.Deactivate(handle)
		panic(errors.WithAssertionFailure(errors.Wrapf(err, "resolving freshly activated node %d", handle)))
	}

	if resolvedCount != count {
		_ = allocator.Deactivate(handle)
		panic(errors.AssertionFailedf("allocator activated %d elements for node %d, but %d were requested", resolvedCount, handle, count))
	}

	return handle, data, resolvedCount, nil
}

func mustResolve(allocator node.Allocator, handle node.Handle) (unsafe.Pointer, int) {
	data, count, err := allocator.Resolve(handle)
	if err != nil {
		panic(errors.WithAssertionFailure(errors.Wrapf(err, "resolving node %d", handle)))
	}
	return data, count
}

func mustLookup(allocator node.Allocator, data unsafe.Pointer, layout node.Layout) node.Handle {
	handle, err := allocator.Lookup(data, layout)
	if err != nil {
		panic(errors.WithAssertionFailure(errors.Wrapf(err, "adopting %p as %s", data, layout)))
	}
	return handle
}

func mustDeactivate(allocator node.Allocator, handle node.Handle) {
	err := allocator.Deactivate(handle)
	if err != nil {
		panic(errors.WithAssertionFailure(errors.Wrapf(err, "deactivating node %d", handle)))
	}
}

func released(kind string) {
	panic(errors.AssertionFailedf("use of a %s after it was dropped or leaked", errors.Safe(kind)))
}
