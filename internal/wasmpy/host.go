// Package wasmpy adapts a CPython 3.11 interpreter compiled to wasm32,
// running under wazero, into pytrampoline.Host. Unlike wazerohost.Host,
// which mints one trampoline per wasm function definition, Host walks the
// guest's live _PyInterpreterFrame -> PyCodeObject chain (starting from the
// _PyRuntime address preparePython finds through DWARF, then following the
// fixed CPython 3.11 struct offsets in python.go) to
// mint and cache exactly one trampoline per real Python code object: the
// granularity the trampoline subsystem exists to serve.
//
// As with wazerohost, wazero gives no single synchronous function this
// adapter could re-enter to run "the real evaluator", so trampolines are
// minted eagerly off experimental.FunctionListenerFactory rather than off
// a genuinely re-entrant EvalHook; DefaultEval remains a no-op marker for
// the same reason it is one there.
package wasmpy

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	pytrampoline "github.com/dispatchrun/pytrampoline"
)

// evalFrameDefaultName is the wasm export CPython's interpreter loop
// compiles down to. Every Python frame evaluation passes through this
// function exactly once per call, so it is the only one Host instruments.
const evalFrameDefaultName = "_PyEval_EvalFrameDefault"

// CodeObject wraps one live PyCodeObject, identified by its guest address.
// Unlike wazerohost.CodeObject, which exists for the lifetime of the
// module, these are minted lazily the first time a given code object is
// observed executing and cached by address for the life of the process.
type CodeObject struct {
	addr      ptr32
	qualname  string
	filename  string
	firstline int

	extraMu sync.Mutex
	extra   map[int]uintptr
}

func (c *CodeObject) QualName() string { return c.qualname }
func (c *CodeObject) FileName() string { return c.filename }
func (c *CodeObject) FirstLine() int   { return c.firstline }

func (c *CodeObject) GetExtra(index int) (uintptr, bool) {
	c.extraMu.Lock()
	defer c.extraMu.Unlock()
	v, ok := c.extra[index]
	return v, ok
}

func (c *CodeObject) SetExtra(index int, value uintptr) {
	c.extraMu.Lock()
	defer c.extraMu.Unlock()
	if c.extra == nil {
		c.extra = make(map[int]uintptr)
	}
	c.extra[index] = value
}

// Host adapts a CPython-on-wasm32 guest's live interpreter state to
// pytrampoline.Host. One Host should back one Subsystem and one wazero
// module instance.
type Host struct {
	py *python

	mu   sync.Mutex
	hook pytrampoline.EvalFunc
	mod  api.Module

	nextExtra int

	codeMu sync.Mutex
	codes  map[ptr32]*CodeObject
}

// NewHost inspects mod's DWARF sections for the CPython runtime globals
// preparePython needs and returns a ready-to-use adapter. It returns an
// error, rather than the bool DetectPython reports, so a caller that
// already believes its module is CPython learns the specific reason a
// build isn't supported.
func NewHost(mod wazero.CompiledModule) (*Host, error) {
	py, err := preparePython(mod)
	if err != nil {
		return nil, fmt.Errorf("wasmpy: %w", err)
	}
	return &Host{py: py, nextExtra: 1, codes: make(map[ptr32]*CodeObject)}, nil
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

// DefaultEval is a no-op continuation marker; see the package doc comment.
func (h *Host) DefaultEval(ts pytrampoline.ThreadState, fr pytrampoline.Frame, throwFlag int32) (pytrampoline.Result, error) {
	return nil, nil
}

// CodeOf resolves fr (a guest _PyInterpreterFrame address, smuggled through
// the unsafe.Pointer-typed Frame) back to the PyCodeObject it is executing,
// reading the guest memory of whichever module instance last drove a
// listener callback.
func (h *Host) CodeOf(fr pytrampoline.Frame) pytrampoline.CodeObject {
	h.mu.Lock()
	mod := h.mod
	h.mu.Unlock()
	if mod == nil || fr == nil {
		return nil
	}

	m := mod.Memory()
	framep := ptr32(uintptr(fr))
	codep := deref[ptr32](m, framep+padCodeInFrame)
	if codep == 0 {
		return nil
	}
	return h.codeObjectFor(m, codep)
}

func (h *Host) AllocExtraIndex() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.nextExtra
	h.nextExtra++
	return idx, nil
}

func (h *Host) FreeExtraIndex(index int) {}

// currentFrame walks _PyRuntime -> tstate_current -> cframe -> current_frame
// to find the _PyInterpreterFrame presently executing, the same chain
// pystackiter (python.go) used to walk for symbolization.
func (h *Host) currentFrame(m vmem) ptr32 {
	tsp := deref[ptr32](m, h.py.pyrtaddr+padTstateCurrentInRT)
	cframep := deref[ptr32](m, tsp+padCframeInThreadState)
	return deref[ptr32](m, cframep+padCurrentFrameInCFrame)
}

// codeObjectFor returns the cached CodeObject for codep, reading its
// filename/name/firstlineno out of guest memory the first time codep is
// seen.
func (h *Host) codeObjectFor(m vmem, codep ptr32) *CodeObject {
	h.codeMu.Lock()
	defer h.codeMu.Unlock()

	if co, ok := h.codes[codep]; ok {
		return co
	}

	filename := derefPyUnicodeUtf8(m, codep+padFilenameInCodeObject)
	name := derefPyUnicodeUtf8(m, codep+padNameInCodeObject)
	firstline := deref[int32](m, codep+padFirstlinenoInCodeObject)

	co := &CodeObject{
		addr:      codep,
		qualname:  functionName(filename, name),
		filename:  filename,
		firstline: int(firstline),
	}
	h.codes[codep] = co
	return co
}

// ListenerFactory returns an experimental.FunctionListenerFactory that
// mints a trampoline for the real Python code object executing on every
// call into the interpreter's frame-eval loop.
func (h *Host) ListenerFactory(sub *pytrampoline.Subsystem) experimental.FunctionListenerFactory {
	return experimental.FunctionListenerFactoryFunc(func(def api.FunctionDefinition) experimental.FunctionListener {
		if def.Name() != evalFrameDefaultName {
			return nil
		}
		return &listener{host: h, sub: sub}
	})
}

type listener struct {
	host *Host
	sub  *pytrampoline.Subsystem
}

func (l *listener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, si experimental.StackIterator) context.Context {
	l.host.mu.Lock()
	l.host.mod = mod
	l.host.mu.Unlock()

	if !l.sub.IsActive() {
		return ctx
	}

	m := mod.Memory()
	framep := l.host.currentFrame(m)
	if framep == 0 {
		return ctx
	}
	codep := deref[ptr32](m, framep+padCodeInFrame)
	if codep == 0 {
		return ctx
	}

	co := l.host.codeObjectFor(m, codep)
	_ = l.sub.CompileCode(co)
	return ctx
}

func (l *listener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error, results []uint64) {
}
