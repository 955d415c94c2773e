package trampoline_test

import (
	"errors"
	"testing"
	"unsafe"

	pytrampoline "github.com/dispatchrun/pytrampoline"
	"github.com/dispatchrun/pytrampoline/internal/fakehost"
)

func newTestSubsystem() (*pytrampoline.Subsystem, *fakehost.Host) {
	host := fakehost.NewHost()
	return pytrampoline.NewSubsystem(host), host
}

func TestSubsystemInitNoBackend(t *testing.T) {
	sub, _ := newTestSubsystem()

	if sub.IsActive() {
		t.Fatal("subsystem active before Init")
	}
	if err := sub.Init(true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !sub.IsActive() {
		t.Fatal("subsystem not active after Init(true)")
	}
	if err := sub.Init(false); err != nil {
		t.Fatalf("Init(false): %v", err)
	}
	if sub.IsActive() {
		t.Fatal("subsystem still active after Init(false)")
	}
}

func TestSubsystemInitHookConflict(t *testing.T) {
	sub, host := newTestSubsystem()

	if _, err := host.SetEvalHook(func(ts pytrampoline.ThreadState, f pytrampoline.Frame, tf int32) (pytrampoline.Result, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("installing foreign hook: %v", err)
	}

	if err := sub.Init(true); !errors.Is(err, pytrampoline.ErrHookConflict) {
		t.Fatalf("Init with foreign hook installed: got %v, want ErrHookConflict", err)
	}
	if sub.IsActive() {
		t.Fatal("subsystem reports active after a failed Init")
	}
}

func TestSubsystemCompileCodeCachesTrampoline(t *testing.T) {
	sub, host := newTestSubsystem()

	cb := pytrampoline.NewPerfMapCallbacks()
	if err := sub.SetCallbacks(cb); err != nil {
		t.Fatalf("SetCallbacks: %v", err)
	}
	if err := sub.Init(true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer sub.FreeArenas()

	co := &fakehost.Code{Qualname: "pkg.fn", Filename: "pkg.py", Line: 3}

	if err := sub.CompileCode(co); err != nil {
		t.Fatalf("CompileCode: %v", err)
	}

	stats := sub.Stats()
	if stats.Count != 1 {
		t.Fatalf("arena count = %d, want 1", stats.Count)
	}
	if stats.BytesUsed == 0 {
		t.Fatal("expected nonzero bytes used after minting one trampoline")
	}

	before := stats.BytesUsed
	if err := sub.CompileCode(co); err != nil {
		t.Fatalf("second CompileCode: %v", err)
	}
	if sub.Stats().BytesUsed != before {
		t.Fatal("CompileCode re-minted a trampoline for an already-cached code object")
	}

	_ = host
}

func TestSubsystemEvalHookDelegatesToDefault(t *testing.T) {
	sub, host := newTestSubsystem()

	if err := sub.Init(true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer sub.FreeArenas()

	frame := &fakehost.Frame{Code: &fakehost.Code{Qualname: "pkg.fn"}, Result: 7}
	result, err := host.Eval(nil, frame, 0)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if got := *(*int64)(unsafe.Pointer(result)); got != 7 {
		t.Fatalf("Eval result = %d, want 7", got)
	}
	if host.EvalCount() != 1 {
		t.Fatalf("DefaultEval called %d times, want 1", host.EvalCount())
	}
}

func TestSubsystemFiniIsIdempotent(t *testing.T) {
	sub, _ := newTestSubsystem()

	if err := sub.Fini(); err != nil {
		t.Fatalf("Fini on a never-initialized subsystem: %v", err)
	}
	if err := sub.Init(true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := sub.Fini(); err != nil {
		t.Fatalf("Fini: %v", err)
	}
	if err := sub.Fini(); err != nil {
		t.Fatalf("second Fini: %v", err)
	}
}

func TestSubsystemAfterForkChildResetsWhenNotPersisting(t *testing.T) {
	sub, _ := newTestSubsystem()

	if err := sub.Init(true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer sub.FreeArenas()

	if err := sub.AfterFork_Child(1234); err != nil {
		t.Fatalf("AfterFork_Child: %v", err)
	}
	if !sub.IsActive() {
		t.Fatal("subsystem should still be active in the child after a default fork policy")
	}
}

func TestSubsystemAfterForkChildRequiresPerfMapWhenPersisting(t *testing.T) {
	sub, _ := newTestSubsystem()

	if err := sub.SetCallbacks(pytrampoline.NewJitdumpCallbacks(nil)); err != nil {
		t.Fatalf("SetCallbacks: %v", err)
	}
	if err := sub.Init(true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer sub.FreeArenas()

	sub.SetPersistAfterFork(true)

	if err := sub.AfterFork_Child(1234); !errors.Is(err, pytrampoline.ErrForkPolicyMismatch) {
		t.Fatalf("AfterFork_Child with jitdump + persist: got %v, want ErrForkPolicyMismatch", err)
	}
}
