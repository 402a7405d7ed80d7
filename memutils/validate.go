package memutils

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

// CorruptionChecker is implemented by anything that can scan the guard margins it has written
type CorruptionChecker interface {
	CheckCorruption() error
}
