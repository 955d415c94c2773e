package trampoline

import "unsafe"

// ThreadState is an opaque per-thread interpreter handle, threaded through
// to the default evaluator and into the minted trampoline's call without
// interpretation by this package.
type ThreadState unsafe.Pointer

// Frame is an opaque interpreter frame, passed through the same way as
// ThreadState.
type Frame unsafe.Pointer

// Result is the opaque outcome of evaluating a frame. What it points to is
// entirely up to the host; this package only ever forwards it.
type Result unsafe.Pointer

// EvalFunc is the signature of a frame-evaluation function: either the
// host's own default evaluator, or the replacement this package installs
// in its place.
type EvalFunc func(ts ThreadState, frame Frame, throwFlag int32) (Result, error)

// CodeObject is the unit this package mints at most one trampoline for. A
// host implements it over whatever compiled-function representation it
// already has (a CPython code object, a wasm function definition, ...).
type CodeObject interface {
	// QualName is the dotted, qualified name of the function, e.g.
	// "pkg.Type.Method". Empty if unknown.
	QualName() string

	// FileName is the source file the function was compiled from. Empty
	// if unknown.
	FileName() string

	// FirstLine is the first source line of the function, or 0 if
	// unknown. Used only for symbol-publication metadata.
	FirstLine() int

	// GetExtra reads the per-code-object extra-data slot at index. ok is
	// false if nothing has ever been stored there.
	GetExtra(index int) (value uintptr, ok bool)

	// SetExtra stores value in the per-code-object extra-data slot at
	// index, overwriting whatever was there.
	SetExtra(index int, value uintptr)
}

// Host is the sole point of contact between this package and the embedding
// interpreter: installing the frame-evaluation hook, running the default
// evaluator, resolving the code object for a frame, and reserving the
// per-code-object extra-data slot this package uses to cache a minted
// trampoline's address.
//
// Implementations must serialize calls to SetEvalHook and EvalHook; this
// package itself never calls them concurrently, but a host with its own
// multi-threaded entry points (e.g. multiple native OS threads each running
// the interpreter) must make sure the hook is visible consistently to all
// of them.
type Host interface {
	// SetEvalHook installs fn as the active frame-evaluation function and
	// returns the one it replaces. Implementations need not check for
	// conflicts: Subsystem.Init reads EvalHook first and returns
	// ErrHookConflict itself when a hook it did not install is present.
	SetEvalHook(fn EvalFunc) (previous EvalFunc, err error)

	// EvalHook returns the currently installed hook, or nil if the host
	// is running its own default evaluator.
	EvalHook() EvalFunc

	// DefaultEval evaluates a frame using the host's unmodified
	// evaluator, bypassing whatever hook is currently installed. This is
	// what a minted trampoline tail-calls into.
	DefaultEval(ts ThreadState, frame Frame, throwFlag int32) (Result, error)

	// CodeOf returns the code object being executed in frame.
	CodeOf(frame Frame) CodeObject

	// AllocExtraIndex reserves a new per-code-object extra-data slot,
	// unique among all slots currently held by any caller of this host.
	AllocExtraIndex() (int, error)

	// FreeExtraIndex releases a slot index previously returned by
	// AllocExtraIndex. Safe to call with an index that was never
	// allocated or already freed.
	FreeExtraIndex(index int)
}
