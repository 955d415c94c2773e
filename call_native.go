package trampoline

import (
	"sync"
	"unsafe"
)

// callMu serializes every call that crosses into trampoline machine code.
// A real C function pointer could be handed to the trampoline's fourth
// argument directly and called concurrently from as many threads as like;
// a Go closure can't cross that boundary as a bare pointer, so
// evalThunkDispatch instead reads the *currently pending* default
// evaluator out of a package-level slot, and callMu makes "currently
// pending" unambiguous. This is a Go-specific cost the spec's native
// implementation doesn't pay.
var callMu sync.Mutex

var pending struct {
	eval EvalFunc
	err  error
}

// callTrampoline invokes the machine code at addr using the trampoline
// calling convention described in spec 4.A: three pointer-sized arguments
// forwarded untouched, plus a fourth pointer-sized argument which the
// trampoline calls as a function pointer and whose return value it
// propagates.
func callTrampoline(addr uintptr, ts ThreadState, frame Frame, throwFlag int32, defaultEval EvalFunc) (Result, error) {
	callMu.Lock()
	defer callMu.Unlock()

	pending.eval = defaultEval
	pending.err = nil

	resptr := call4(addr, uintptr(ts), uintptr(frame), uintptr(throwFlag), evalThunkEntry())

	res := Result(unsafe.Pointer(resptr))
	return res, pending.err
}

// call4 and evalThunkEntry are declared per architecture (call4_amd64.go,
// call4_arm64.go, backed by call_native_GOARCH.s; call4_other.go on
// architectures without a machine-code template). call4 crosses from the
// Go calling convention into the trampoline's: a1/a2/a3 are forwarded
// untouched, a4 is called as a bare function pointer, and its return
// value becomes call4's return value. evalThunkEntry returns the stable
// address the trampoline tail-calls as its fourth argument.

// evalThunkDispatch is called from call_native_GOARCH.s (referenced there
// as ·evalThunkDispatch(SB); same-package linkage needs no //go:linkname)
// using the host calling convention: three pointer-sized arguments, one
// pointer-sized result. It re-enters the pending default evaluator
// registered by callTrampoline and records any error for callTrampoline to
// pick back up once call4 returns.
func evalThunkDispatch(ts, frame, throwFlag uintptr) uintptr {
	fn := pending.eval
	if fn == nil {
		return 0
	}
	res, err := fn(ThreadState(unsafe.Pointer(ts)), Frame(unsafe.Pointer(frame)), int32(throwFlag))
	pending.err = err
	return uintptr(unsafe.Pointer(res))
}
