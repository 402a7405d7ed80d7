// Package nodebox provides ownership-disciplined containers whose storage comes from an
// injected node.Allocator rather than from the Go heap directly.
//
//   - Box holds one value with a single owner.
//   - Arc holds one value shared by any number of owners, counted by an atomic counter
//     that lives in the same node as the value.
//   - Array holds a fixed number of contiguous values.
//   - FixedVec holds up to a fixed capacity of contiguous values, appended one at a time.
//
// Go has no destructors, so every container must be released with Drop. Dropping runs the
// Drop method of each stored value that implements Dropper (through a pointer to the value),
// clears the storage, and then deactivates the node, always in that order. Any use of a
// container after Drop or Leak panics.
//
// Leak hands the raw address of a container's storage to the caller without dropping
// anything, for example to pass ownership across an API that only understands pointers.
// The matching Adopt function reconstructs the container from that address. Adopting an
// address that did not come from Leak of the same kind of container and the same type is
// a contract violation; the allocator detects most of these and the container panics.
//
// Contract violations, such as a double Drop, dropping an Arc whose count is already
// zero, or resolving a deactivated node, panic with an assertion failure from
// github.com/cockroachdb/errors that wraps the underlying node error.
package nodebox
