package nodebox

import "github.com/cockroachdb/errors"

// ErrFull is matched by errors.Is for every FullError
var ErrFull = errors.New("fixed vector is full")

// FullError is returned by FixedVec.Push when the vector is at capacity. The vector is
// left untouched and the rejected item is handed back.
type FullError[T any] struct {
	Item T
}

func (e *FullError[T]) Error() string {
	return ErrFull.Error()
}

func (e *FullError[T]) Is(target error) bool {
	return target == ErrFull
}
