package typed

import "strings"

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = make(map[CreateFlags]string)

func (f CreateFlags) String() string {
	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = "CreateFlags(unknown)"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const (
	// CreateExternallySynchronized ensures that the allocator is not synchronized internally.
	// The consumer must guarantee that it is used from only one goroutine at a time. Arc
	// counters are atomic regardless of this flag.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	createFlagsMapping[CreateExternallySynchronized] = "CreateExternallySynchronized"
}

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// Name appears in log entries and stats output
	Name string
	// MaxBytes caps the total size of all active nodes. Activate fails with
	// node.ErrOutOfMemory past the cap. 0 means unlimited.
	MaxBytes int
}
