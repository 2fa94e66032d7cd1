//go:build !darwin || !cgo

// backend_metal_other.go (CPU-only fallback)
//
// Non-Darwin or cgo-disabled builds have no Metal device to talk to, the
// same shape as the teacher's mps/matmul.go ("CPU fallback") and
// mps/engine_other.go, which both simply delegate to tensor.StdEng under
// this build tag rather than compiling out the type entirely.
package lattice

// DefaultBackend always returns the CPU reference backend here; there is
// no Metal device to probe for on this platform/build.
func DefaultBackend() Backend {
	return newCPUBackend()
}
