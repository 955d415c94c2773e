//go:build !arm64

package trampoline

// flushInstructionCache is a no-op on architectures (amd64 included) whose
// caches are kept coherent with the data cache by hardware for this kind of
// same-core, same-address-space self-modifying code sequence.
func flushInstructionCache(mem []byte) {}
