package trampoline

import (
	"fmt"
	"sync"
)

// Callbacks is the init/write/free triple a backend registers through
// SetCallbacks. Subsystem never constructs one itself; NewPerfMapCallbacks
// and NewJitdumpCallbacks return the two ready-made implementations.
type Callbacks struct {
	Backend symbolBackend
	Type    BackendType
	// Padding is the extra bytes each trampoline chunk reserves for this
	// backend's per-trampoline bookkeeping (0 for perf-map, 0x100 for
	// jitdump, per spec).
	Padding int
}

// Subsystem is the process-wide trampoline installer. One instance is
// meant to be shared across an entire host process, the same way the
// spec's global subsystem record is process-wide; nothing prevents running
// more than one against independent Hosts, but a single Host must never be
// driven by two Subsystems at once.
type Subsystem struct {
	mu sync.Mutex

	host   Host
	status status

	extraIndex    int
	hasExtraIndex bool

	arenas     *codeArena
	arenaAddrs []uintptr

	backend        symbolBackend
	backendType    BackendType
	backendPadding int

	persistAfterFork bool

	ourHook EvalFunc
}

// NewSubsystem creates a Subsystem bound to host. The subsystem starts
// inactive (status NO_INIT); call Init to activate it.
func NewSubsystem(host Host) *Subsystem {
	return &Subsystem{host: host, status: statusNoInit}
}

// SetCallbacks registers a new symbol-publication backend. If a backend is
// already active it is fini'd first, per the invariant that at most one
// backend is active at a time.
func (s *Subsystem) SetCallbacks(cb Callbacks) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.FreeState(); err != nil {
			return fmt.Errorf("%w: finalizing previous backend: %v", ErrBackendInit, err)
		}
	}

	s.backend = cb.Backend
	s.backendType = cb.Type
	s.backendPadding = cb.Padding

	if s.status == statusOK && s.backend != nil {
		if err := s.backend.InitState(processID()); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendInit, err)
		}
	}
	return nil
}

// GetCallbacks copies the currently registered backend triple out.
func (s *Subsystem) GetCallbacks() Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Callbacks{Backend: s.backend, Type: s.backendType, Padding: s.backendPadding}
}

// Init enables (activate=true) or disables (activate=false) the trampoline
// hook. Enabling while a third party's hook is installed fails with
// ErrHookConflict and leaves all state unchanged.
func (s *Subsystem) Init(activate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initLocked(activate)
}

// initLocked is Init's body, callable while s.mu is already held (AfterFork_Child
// needs that: it holds the lock across both the fini and the re-init half of
// the fork policy).
func (s *Subsystem) initLocked(activate bool) error {
	current := s.host.EvalHook()
	if current != nil && !s.isOurHook(current) {
		return ErrHookConflict
	}

	if !activate {
		if current != nil {
			if _, err := s.host.SetEvalHook(nil); err != nil {
				return err
			}
		}
		s.status = statusNoInit
		return nil
	}

	hook := s.makeEvalHook()
	if _, err := s.host.SetEvalHook(hook); err != nil {
		return err
	}
	s.ourHook = hook

	if _, err := s.newArena(currentTemplate(), s.backendPadding); err != nil {
		return err
	}

	idx, err := s.host.AllocExtraIndex()
	if err != nil {
		s.status = statusFailed
		return fmt.Errorf("trampoline: allocating extra-data slot: %w", err)
	}
	s.extraIndex = idx
	s.hasExtraIndex = true

	if s.backend != nil {
		if err := s.backend.InitState(processID()); err != nil {
			s.status = statusFailed
			return fmt.Errorf("%w: %v", ErrBackendInit, err)
		}
	}

	s.status = statusOK
	return nil
}

// Fini disables the hook and releases backend state. It does not free
// arenas: code objects evaluated while the subsystem was active may still
// hold pointers into them. Call FreeArenas separately during full process
// teardown.
func (s *Subsystem) Fini() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fini()
}

// fini is Fini's body, callable while s.mu is already held.
func (s *Subsystem) fini() error {
	if s.status != statusOK {
		return nil
	}

	if current := s.host.EvalHook(); current != nil && s.isOurHook(current) {
		if _, err := s.host.SetEvalHook(nil); err != nil {
			return err
		}
	}

	var backendErr error
	if s.backend != nil {
		backendErr = s.backend.FreeState()
	}
	s.backendType = BackendNone

	if s.hasExtraIndex {
		s.host.FreeExtraIndex(s.extraIndex)
		s.hasExtraIndex = false
	}

	s.status = statusNoInit
	if backendErr != nil {
		return fmt.Errorf("%w: %v", ErrBackendInit, backendErr)
	}
	return nil
}

// IsActive reports whether this subsystem's hook is currently installed.
func (s *Subsystem) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == statusOK
}

// FreeArenas releases every executable mapping this subsystem has created.
// Only safe once no code object holding one of its trampolines will be
// evaluated again.
func (s *Subsystem) FreeArenas() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeArenas()
}

// SetPersistAfterFork sets the fork policy and returns the previous value.
func (s *Subsystem) SetPersistAfterFork(persist bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.persistAfterFork
	s.persistAfterFork = persist
	return prev
}

// AfterFork_Child applies the fork policy from within a freshly forked
// child process. If persist-after-fork is set, the active backend must be
// the perf-map one; the subsystem is fini'd, the parent's perf-map file is
// copied to the child's pid, and the subsystem is re-initialized, appending
// to that copy. The re-init allocates a new extra-data slot, so trampolines
// cached by the parent are not reused in the child. Otherwise
// the child fini's (and, if the parent was active, re-inits fresh) so it
// never shares jitdump's pid-scoped mmap with the parent.
//
// The spelling matches the operation named in the spec's entry-point table
// rather than Go naming convention, since it names a lifecycle event
// ("after fork, in the child") more precisely than any shorter verb would.
func (s *Subsystem) AfterFork_Child(parentPID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasActive := s.status == statusOK

	if s.persistAfterFork {
		if s.backend == nil || !s.backend.SupportsPersistAfterFork() {
			return ErrForkPolicyMismatch
		}
		if err := s.fini(); err != nil {
			return err
		}
		if err := CopyPerfMap(parentPID, processID()); err != nil {
			return fmt.Errorf("trampoline: persisting perf map across fork: %w", err)
		}
		return s.initLocked(true)
	}

	if err := s.fini(); err != nil {
		return err
	}
	if wasActive {
		return s.initLocked(true)
	}
	return nil
}

// CompileCode eagerly mints and publishes a trampoline for co without
// evaluating it, performing steps 2-5 of eval.
func (s *Subsystem) CompileCode(co CodeObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.ensureTrampoline(co)
	return err
}

// ensureTrampoline implements steps 2-5 of eval: read the cached trampoline
// if present, otherwise mint one, publish it, and cache it.
func (s *Subsystem) ensureTrampoline(co CodeObject) (uintptr, error) {
	if s.hasExtraIndex {
		if v, ok := co.GetExtra(s.extraIndex); ok && v != 0 {
			return v, nil
		}
	}

	addr, err := s.mintTrampoline()
	if err != nil {
		return 0, err
	}

	if s.backend != nil {
		if err := s.backend.PublishSymbol(addr, currentTemplateLen(), co); err != nil {
			return 0, fmt.Errorf("trampoline: publishing symbol: %w", err)
		}
	}

	if s.hasExtraIndex {
		co.SetExtra(s.extraIndex, addr)
	}
	return addr, nil
}

// makeEvalHook builds the closure installed as the host's eval hook,
// implementing the six steps of 4.C.
func (s *Subsystem) makeEvalHook() EvalFunc {
	return func(ts ThreadState, frame Frame, throwFlag int32) (Result, error) {
		s.mu.Lock()
		st := s.status
		s.mu.Unlock()

		if st != statusOK {
			return s.host.DefaultEval(ts, frame, throwFlag)
		}

		co := s.host.CodeOf(frame)

		s.mu.Lock()
		addr, err := s.ensureTrampoline(co)
		s.mu.Unlock()
		if err != nil {
			return s.host.DefaultEval(ts, frame, throwFlag)
		}

		return callTrampoline(addr, ts, frame, throwFlag, s.host.DefaultEval)
	}
}

// isOurHook compares a hook value against this subsystem's installed hook.
// Go closures don't compare equal across calls, so the subsystem keeps a
// copy of the one pointer it ever hands to the host and checks identity of
// the function value via reflect, the same trick the standard library's
// http.HandlerFunc comparisons rely on being unnecessary for: here we must
// actually do it, since Init/Fini need to recognize "our hook, still
// installed" versus "someone else's hook".
func (s *Subsystem) isOurHook(fn EvalFunc) bool {
	return s.ourHook != nil && funcsEqual(s.ourHook, fn)
}
