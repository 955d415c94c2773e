package trampoline

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// arenaPages is the fixed size of a code arena, expressed in pages, per the
// reference configuration (16 pages).
const arenaPages = 16

// roundUp16 rounds n up to the next multiple of 16.
func roundUp16(n int) int {
	return (n + 15) &^ 15
}

// codeArena is one contiguous executable mapping prepopulated with copies
// of the assembly template. It never shrinks and is never partially freed:
// once mprotect'd to RX it is immutable until the whole arena is unmapped.
type codeArena struct {
	base      uintptr
	mem       []byte // the RX mapping, for bookkeeping only; never written
	size      int
	remaining int
	chunk     int // per-trampoline stride, 16-byte aligned
	tmplLen   int
	prev      *codeArena
}

// bump returns the address of the next free trampoline slot in a and
// advances past it. The caller must have already checked a.remaining >=
// a.chunk.
func (a *codeArena) bump() uintptr {
	addr := a.base + uintptr(a.size-a.remaining)
	a.remaining -= a.chunk
	return addr
}

// newArena allocates a fresh arena sized for the current template and
// backend padding, bulk-copying the template into every slot before
// flipping the mapping to RX.
func (s *Subsystem) newArena(templateBytes []byte, backendPadding int) (*codeArena, error) {
	if len(templateBytes) == 0 {
		s.status = statusFailed
		return nil, fmt.Errorf("%w: no trampoline template for this architecture", ErrAllocationFailure)
	}
	chunk := roundUp16(len(templateBytes) + backendPadding)
	size := arenaPages * pageSize

	mem, err := mmapExecutable(size)
	if err != nil {
		s.status = statusFailed
		return nil, fmt.Errorf("%w: new arena: %v", ErrAllocationFailure, err)
	}

	for off := 0; off+len(templateBytes) <= size; off += chunk {
		copy(mem[off:], templateBytes)
	}

	if err := mprotectExecutable(mem); err != nil {
		munmapExecutable(mem)
		s.status = statusFailed
		return nil, fmt.Errorf("%w: mprotect: %v", ErrAllocationFailure, err)
	}
	flushInstructionCache(mem)

	a := &codeArena{
		base:      uintptr(addrOf(mem)),
		mem:       mem,
		size:      size,
		remaining: size,
		chunk:     chunk,
		tmplLen:   len(templateBytes),
		prev:      s.arenas,
	}
	s.arenas = a
	s.arenaAddrs = append(s.arenaAddrs, a.base)
	return a, nil
}

// mintTrampoline hands back the address of a freshly minted, immediately
// callable trampoline, growing the arena list if the current arena (if any)
// cannot satisfy the request.
func (s *Subsystem) mintTrampoline() (uintptr, error) {
	if s.arenas == nil || s.arenas.remaining < s.arenas.chunk {
		tmpl := currentTemplate()
		if _, err := s.newArena(tmpl, s.backendPadding); err != nil {
			return 0, err
		}
	}
	return s.arenas.bump(), nil
}

// freeArenas walks the arena list head-first (LIFO relative to creation
// order) unmapping each one. It keeps going even if an individual unmap
// fails, returning the first error encountered.
func (s *Subsystem) freeArenas() error {
	var firstErr error
	for a := s.arenas; a != nil; {
		next := a.prev
		if err := munmapExecutable(a.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: free arena: %v", ErrAllocationFailure, err)
		}
		a = next
	}
	s.arenas = nil
	s.arenaAddrs = nil
	return firstErr
}

// ArenaStats summarizes the current arena list for observability. It is not
// part of the minimal entry-point surface; it is a read-only accessor over
// the same bookkeeping Init/CompileCode already maintain.
type ArenaStats struct {
	Count     int
	BytesUsed int
	Remaining int
}

// Stats reports the current arena list's aggregate size.
func (s *Subsystem) Stats() ArenaStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st ArenaStats
	for a := s.arenas; a != nil; a = a.prev {
		st.Count++
		st.BytesUsed += a.size - a.remaining
		st.Remaining += a.remaining
	}
	return st
}

// containsAddress reports whether addr lies inside some live arena's
// [base, base+size) range, per the data-model invariant that every
// trampoline address must.
func (s *Subsystem) containsAddress(addr uintptr) bool {
	for a := s.arenas; a != nil; a = a.prev {
		if addr >= a.base && addr < a.base+uintptr(a.size) {
			return true
		}
	}
	return false
}

// arenaAddrsSnapshot returns a defensive copy of the arena base addresses,
// oldest first (creation order), used by tests and diagnostics.
func (s *Subsystem) arenaAddrsSnapshot() []uintptr {
	return slices.Clone(s.arenaAddrs)
}
