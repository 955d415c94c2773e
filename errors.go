package trampoline

import "errors"

// Sentinel errors returned by the subsystem's public entry points. Callers
// should use errors.Is rather than comparing error strings, since most of
// these are wrapped with additional context via fmt.Errorf.
var (
	// ErrAllocationFailure is returned when minting or freeing a trampoline
	// fails because executable memory could not be obtained from the
	// operating system.
	ErrAllocationFailure = errors.New("trampoline: allocation failure")

	// ErrHookConflict is returned by Init when the frame-evaluation hook is
	// already occupied by something other than this subsystem's own hook.
	ErrHookConflict = errors.New("trampoline: frame evaluation hook already installed by another party")

	// ErrBackendInit is returned when a symbol-publication backend fails to
	// initialize (its output file or mapping could not be created).
	ErrBackendInit = errors.New("trampoline: backend initialization failure")

	// ErrForkPolicyMismatch is returned by AfterFork_Child when the active
	// backend does not support the configured fork policy (persisting
	// trampolines across fork requires the perf-map backend; see
	// SetPersistAfterFork).
	ErrForkPolicyMismatch = errors.New("trampoline: fork policy not supported by active backend")

	// ErrNotActive is returned by operations that require Init to have
	// succeeded first.
	ErrNotActive = errors.New("trampoline: subsystem not active")
)
