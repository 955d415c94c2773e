// Package fakehost implements trampoline.Host over a tiny in-memory fake
// interpreter, simulating the eval-hook / extra-slot contract with plain Go
// so the subsystem's lifecycle, arena growth and both backends can be
// exercised end to end without a real VM. cmd/trampolinedemo and the root
// package's tests both use it.
package fakehost

import (
	"errors"
	"sync"
	"unsafe"

	pytrampoline "github.com/dispatchrun/pytrampoline"
)

// Code is a fake code object: just a name, file and line, plus the
// extra-data slots the subsystem stores trampoline addresses in.
type Code struct {
	Qualname string
	Filename string
	Line     int

	mu    sync.Mutex
	extra map[int]uintptr
}

func (c *Code) QualName() string  { return c.Qualname }
func (c *Code) FileName() string  { return c.Filename }
func (c *Code) FirstLine() int    { return c.Line }

func (c *Code) GetExtra(index int) (uintptr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.extra[index]
	return v, ok
}

func (c *Code) SetExtra(index int, value uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.extra == nil {
		c.extra = make(map[int]uintptr)
	}
	c.extra[index] = value
}

// Frame is a fake interpreter frame: just a reference to the code object
// being run and a result value DefaultEval should hand back.
type Frame struct {
	Code   *Code
	Result int64 // opaque payload DefaultEval echoes back, for tests to assert on
}

// Host is a process-local fake interpreter: one eval hook slot, one extra
// index counter, and a default evaluator that returns each frame's Result
// field wrapped as a trampoline.Result.
type Host struct {
	mu          sync.Mutex
	hook        pytrampoline.EvalFunc
	nextExtra   int
	evalCount   int // counts calls that reached DefaultEval, for tests
}

// NewHost returns a ready-to-use fake interpreter.
func NewHost() *Host {
	return &Host{nextExtra: 1}
}

func (h *Host) SetEvalHook(fn pytrampoline.EvalFunc) (pytrampoline.EvalFunc, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.hook
	h.hook = fn
	return prev, nil
}

func (h *Host) EvalHook() pytrampoline.EvalFunc {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hook
}

func (h *Host) DefaultEval(ts pytrampoline.ThreadState, frame pytrampoline.Frame, throwFlag int32) (pytrampoline.Result, error) {
	h.mu.Lock()
	h.evalCount++
	h.mu.Unlock()

	f := (*Frame)(unsafe.Pointer(frame))
	if f == nil {
		return nil, errors.New("fakehost: nil frame")
	}
	return pytrampoline.Result(unsafe.Pointer(&f.Result)), nil
}

func (h *Host) CodeOf(frame pytrampoline.Frame) pytrampoline.CodeObject {
	f := (*Frame)(unsafe.Pointer(frame))
	if f == nil || f.Code == nil {
		return nil
	}
	return f.Code
}

func (h *Host) AllocExtraIndex() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.nextExtra
	h.nextExtra++
	return idx, nil
}

func (h *Host) FreeExtraIndex(index int) {}

// EvalCount reports how many times DefaultEval actually ran, so tests can
// tell a fallback path was taken from a trampoline-mediated one.
func (h *Host) EvalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evalCount
}

// Eval runs frame through whatever hook is currently installed, or
// DefaultEval if none is, the way a real interpreter's eval loop would.
func (h *Host) Eval(ts pytrampoline.ThreadState, frame *Frame, throwFlag int32) (pytrampoline.Result, error) {
	h.mu.Lock()
	hook := h.hook
	h.mu.Unlock()

	fp := pytrampoline.Frame(unsafe.Pointer(frame))
	if hook != nil {
		return hook(ts, fp, throwFlag)
	}
	return h.DefaultEval(ts, fp, throwFlag)
}
