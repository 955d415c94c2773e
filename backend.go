package trampoline

// BackendType selects which symbol-publication backend Init activates.
type BackendType int

const (
	// BackendNone publishes nothing; trampolines are minted and run but
	// no symbol file is written. Useful for measuring the trampoline's
	// own overhead in isolation.
	BackendNone BackendType = iota

	// BackendPerfMap writes /tmp/perf-<pid>.map, the simple text format
	// `perf report` reads directly; no unwind information, so perf falls
	// back to frame-pointer walking across trampoline frames.
	BackendPerfMap

	// BackendJitdump writes a jitdump file plus a DWARF .eh_frame/
	// .eh_frame_hdr pair so perf can unwind through trampoline frames
	// after `perf inject -j`.
	BackendJitdump
)

func (b BackendType) String() string {
	switch b {
	case BackendPerfMap:
		return "perf-map"
	case BackendJitdump:
		return "jitdump"
	default:
		return "none"
	}
}

// symbolBackend is implemented by each symbol-publication backend. The
// subsystem calls InitState once during Init, PublishSymbol once per minted
// trampoline, and FreeState once during Fini (AfterFork_Child fini's under
// either fork policy, so it calls FreeState too).
type symbolBackend interface {
	// InitState opens whatever file or mapping the backend needs,
	// returning ErrBackendInit wrapped with the underlying cause on
	// failure.
	InitState(pid int) error

	// PublishSymbol records a freshly minted trampoline's address, size
	// and name so that a sampling profiler can resolve PC values that
	// land inside it back to a human-readable function name.
	PublishSymbol(addr uintptr, size int, co CodeObject) error

	// SupportsPersistAfterFork reports whether this backend's on-disk
	// state remains valid for a forked child process without
	// reinitialization (true for perf-map, false for jitdump, whose
	// mmap'd first page is tied to the parent's address space and pid).
	SupportsPersistAfterFork() bool

	// FreeState releases whatever InitState acquired.
	FreeState() error
}
