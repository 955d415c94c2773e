package trampoline

import (
	"fmt"
	"os"
	"sync"
)

// PerfMapCallbacks is the perf-map symbol-publication backend (spec 4.D):
// a plain-text /tmp/perf-<pid>.map file, one line per trampoline, with no
// unwind information. `perf report` reads this format directly.
type PerfMapCallbacks struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewPerfMapCallbacks returns a Callbacks value ready to pass to
// Subsystem.SetCallbacks.
func NewPerfMapCallbacks() Callbacks {
	return Callbacks{Backend: &PerfMapCallbacks{}, Type: BackendPerfMap, Padding: 0}
}

func (p *PerfMapCallbacks) InitState(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.path = perfMapPath(pid)
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", p.path, err)
	}
	p.file = f
	return nil
}

// PublishSymbol formats and appends one line: "<hex addr> <hex size>
// py::<qualname>:<filename>". A missing qualname or filename is written as
// empty string rather than rejected, per spec.
func (p *PerfMapCallbacks) PublishSymbol(addr uintptr, size int, co CodeObject) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file == nil {
		return nil // best-effort backend: lazily dropped symbols are not fatal
	}

	qualname, filename := "", ""
	if co != nil {
		qualname, filename = co.QualName(), co.FileName()
	}
	line := fmt.Sprintf("%x %x py::%s:%s\n", addr, size, qualname, filename)
	_, err := p.file.WriteString(line)
	return err
}

func (p *PerfMapCallbacks) SupportsPersistAfterFork() bool { return true }

func (p *PerfMapCallbacks) FreeState() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}

// perfMapPath returns /tmp/perf-<pid>.map for the given pid.
func perfMapPath(pid int) string {
	return fmt.Sprintf("/tmp/perf-%d.map", pid)
}

// CopyPerfMap duplicates the parent's perf-map file to the child's path,
// used by AfterFork_Child when persisting trampolines across a fork (spec
// 4.F: "copy /tmp/perf-<parent_pid>.map to /tmp/perf-<child_pid>.map").
func CopyPerfMap(parentPID, childPID int) error {
	src, err := os.ReadFile(perfMapPath(parentPID))
	if err != nil {
		return fmt.Errorf("reading parent perf map: %w", err)
	}
	if err := os.WriteFile(perfMapPath(childPID), src, 0o644); err != nil {
		return fmt.Errorf("writing child perf map: %w", err)
	}
	return nil
}
