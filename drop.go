package nodebox

// Dropper is implemented by values that need to release something when the container
// holding them is dropped. Containers call Drop through a pointer to the stored value,
// exactly once per value, before its storage is cleared.
type Dropper interface {
	Drop()
}

func dropInPlace[T any](value *T) {
	if dropper, ok := any(value).(Dropper); ok {
		dropper.Drop()
	}

	var zero T
	*value = zero
}

func dropSlice[T any](values []T) {
	for i := range values {
		dropInPlace(&values[i])
	}
}
