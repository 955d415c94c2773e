//go:build !amd64 && !arm64

package trampoline

// currentTemplate has no encoding for this architecture. mintTrampoline
// will fail with ErrAllocationFailure the first time it's needed, which is
// the documented fallback behavior for platforms this package doesn't
// support, rather than a build failure.
func currentTemplate() []byte {
	return nil
}
