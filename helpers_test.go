package nodebox_test

import (
	"io"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/nodebox/node/slab"
	"github.com/vkngwrapper/arsenal/nodebox/node/typed"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func newTypedAllocator(t *testing.T) *typed.Allocator {
	allocator, err := typed.New(testLogger(), typed.CreateOptions{Name: t.Name()})
	require.NoError(t, err)
	return allocator
}

func newSlabAllocator(t *testing.T) *slab.Allocator {
	allocator, err := slab.New(testLogger(), slab.CreateOptions{Name: t.Name(), BlockSize: 4096})
	require.NoError(t, err)
	return allocator
}

// requireFatal runs fn and checks that it panics with an assertion failure. If target is
// not nil, the panic must also wrap target.
func requireFatal(t *testing.T, target error, fn func()) {
	t.Helper()

	var recovered any
	func() {
		defer func() {
			recovered = recover()
		}()
		fn()
	}()

	require.NotNil(t, recovered, "expected a panic")
	err, ok := recovered.(error)
	require.True(t, ok, "panicked with %v", recovered)
	require.True(t, errors.HasAssertionFailure(err), "%+v", err)
	if target != nil {
		require.True(t, errors.Is(err, target), "%+v", err)
	}
}

// dropLog records the order in which tracked values are dropped
type dropLog struct {
	mutex sync.Mutex
	names []string
}

func (l *dropLog) record(name string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.names = append(l.names, name)
}

func (l *dropLog) Names() []string {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return append([]string(nil), l.names...)
}

type tracked struct {
	name string
	log  *dropLog
}

func (t *tracked) Drop() {
	t.log.record(t.name)
}
