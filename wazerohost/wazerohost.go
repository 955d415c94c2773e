// Package wazerohost adapts a wazero module instance's function-call
// boundary into trampoline.Host, treating each WebAssembly function
// definition as a "code object": qualname is the module name plus the
// function's first export name (or, if unexported, its debug name, or its
// index when that is empty too), filename is
// the module's own name. It installs trampolines through
// experimental.FunctionListenerFactory, the same interposition point
// wzprof uses to instrument wasm function calls, proving the trampoline
// core is host-agnostic rather than CPython-specific.
//
// Unlike a bytecode interpreter's frame-eval hook, wazero's listener only
// observes calls the embedding engine already owns end to end; it cannot
// replace how a function executes. So DefaultEval here is a deliberate
// no-op continuation marker rather than a real re-entrant call — minting
// and publishing a trampoline on first call is the whole point of this
// adapter, not intercepting execution.
package wazerohost

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	pytrampoline "github.com/dispatchrun/pytrampoline"
)

// CodeObject wraps one wasm function definition.
type CodeObject struct {
	def      api.FunctionDefinition
	qualname string

	extraMu sync.Mutex
	extra   map[int]uintptr
}

func newCodeObject(def api.FunctionDefinition) *CodeObject {
	name := def.Name()
	if names := def.ExportNames(); len(names) > 0 {
		name = names[0]
	}
	if name == "" {
		name = fmt.Sprintf("$%d", def.Index())
	}
	return &CodeObject{def: def, qualname: def.ModuleName() + "." + name}
}

func (c *CodeObject) QualName() string { return c.qualname }
func (c *CodeObject) FileName() string { return c.def.ModuleName() }
func (c *CodeObject) FirstLine() int   { return 0 }

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

// Host adapts a wazero engine's function-call boundary to
// trampoline.Host. One Host should back one Subsystem.
type Host struct {
	mu        sync.Mutex
	hook      pytrampoline.EvalFunc
	nextExtra int

	codeMu sync.Mutex
	codes  map[api.FunctionDefinition]*CodeObject
}

// NewHost returns a ready-to-use adapter.
func NewHost() *Host {
	return &Host{nextExtra: 1, codes: make(map[api.FunctionDefinition]*CodeObject)}
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

// CodeOf is never exercised in practice: this adapter drives the subsystem
// through CompileCode directly from its listener (below) rather than
// through the eval hook, since wazero has no single synchronous
// frame-evaluation point to replace. It's implemented to satisfy
// trampoline.Host.
func (h *Host) CodeOf(fr pytrampoline.Frame) pytrampoline.CodeObject {
	return nil
}

func (h *Host) AllocExtraIndex() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.nextExtra
	h.nextExtra++
	return idx, nil
}

func (h *Host) FreeExtraIndex(index int) {}

func (h *Host) codeObjectFor(def api.FunctionDefinition) *CodeObject {
	h.codeMu.Lock()
	defer h.codeMu.Unlock()
	co, ok := h.codes[def]
	if !ok {
		co = newCodeObject(def)
		h.codes[def] = co
	}
	return co
}

// ListenerFactory returns an experimental.FunctionListenerFactory that
// calls sub.CompileCode directly (not through Host's hook) on every wasm
// function call while sub is active; only the first call mints.
func (h *Host) ListenerFactory(sub *pytrampoline.Subsystem) experimental.FunctionListenerFactory {
	return experimental.FunctionListenerFactoryFunc(func(def api.FunctionDefinition) experimental.FunctionListener {
		return &listener{host: h, sub: sub, co: h.codeObjectFor(def)}
	})
}

type listener struct {
	host *Host
	sub  *pytrampoline.Subsystem
	co   *CodeObject
}

func (l *listener) Before(ctx context.Context, mod api.Module, def api.FunctionDefinition, params []uint64, si experimental.StackIterator) context.Context {
	if l.sub.IsActive() {
		_ = l.sub.CompileCode(l.co)
	}
	return ctx
}

func (l *listener) After(ctx context.Context, mod api.Module, def api.FunctionDefinition, err error, results []uint64) {}
