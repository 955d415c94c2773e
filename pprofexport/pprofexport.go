// Package pprofexport bridges the trampoline subsystem's published symbol
// table into github.com/google/pprof/profile types, so a host that
// separately collects samples (e.g. by converting a jitdump with
// `perf inject -j` and running `perf script`/`perf report`, or by any other
// means that yields raw addresses) can resolve trampoline addresses back
// to human-readable qualnames without re-deriving the mapping itself.
//
// This package never samples anything; it only reshapes already-published
// symbols, matching the core's own "publish, don't collect" contract.
package pprofexport

import (
	"fmt"
	"sort"

	"github.com/google/pprof/profile"
)

// Symbol is one published trampoline: its address range and the code
// object it stands for.
type Symbol struct {
	Addr     uint64
	Size     uint64
	QualName string
	FileName string
	Line     int64
}

// Table accumulates published symbols in the order Add is called. Functions
// sorts them by address; Locations follows the Add order.
type Table struct {
	symbols []Symbol
}

// Add records one trampoline's address range and code object identity.
// Callers typically call this from the same place they'd otherwise have
// called a symbolBackend.PublishSymbol, mirroring it in parallel.
func (t *Table) Add(addr, size uint64, qualname, filename string, line int) {
	t.symbols = append(t.symbols, Symbol{
		Addr: addr, Size: size, QualName: qualname, FileName: filename, Line: int64(line),
	})
}

// Functions builds one *profile.Function per distinct qualname, sorted by
// address of first occurrence so IDs are stable across calls against the
// same Table contents.
func (t *Table) Functions() []*profile.Function {
	sorted := append([]Symbol(nil), t.symbols...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })

	seen := make(map[string]*profile.Function, len(sorted))
	var out []*profile.Function
	var nextID uint64 = 1
	for _, s := range sorted {
		if _, ok := seen[s.QualName]; ok {
			continue
		}
		fn := &profile.Function{
			ID:         nextID,
			Name:       s.QualName,
			SystemName: s.QualName,
			Filename:   s.FileName,
			StartLine:  s.Line,
		}
		nextID++
		seen[s.QualName] = fn
		out = append(out, fn)
	}
	return out
}

// Locations builds one *profile.Location per published symbol, each
// pointing at the single Line entry for its code object's Function.
func (t *Table) Locations(fns []*profile.Function) []*profile.Location {
	byName := make(map[string]*profile.Function, len(fns))
	for _, fn := range fns {
		byName[fn.Name] = fn
	}

	var out []*profile.Location
	var nextID uint64 = 1
	for _, s := range t.symbols {
		fn, ok := byName[s.QualName]
		if !ok {
			continue
		}
		out = append(out, &profile.Location{
			ID:      nextID,
			Address: s.Addr,
			Line:    []profile.Line{{Function: fn, Line: s.Line}},
		})
		nextID++
	}
	return out
}

// Mapping builds a single *profile.Mapping spanning every published
// trampoline address, named after the jitdump/perf-map file this table was
// sourced from.
func (t *Table) Mapping(file string) *profile.Mapping {
	if len(t.symbols) == 0 {
		return &profile.Mapping{ID: 1, File: file}
	}
	lo, hi := t.symbols[0].Addr, t.symbols[0].Addr+t.symbols[0].Size
	for _, s := range t.symbols[1:] {
		if s.Addr < lo {
			lo = s.Addr
		}
		if end := s.Addr + s.Size; end > hi {
			hi = end
		}
	}
	return &profile.Mapping{ID: 1, Start: lo, Limit: hi, File: file}
}

// MergeInto attaches this table's Functions/Locations/Mapping onto an
// externally-collected profile so its Samples' Location ids (already
// present in prof.Location) resolve through to these qualnames. The
// caller is expected to have built prof.Sample entries whose Location
// references line up with addresses in this table.
func MergeInto(prof *profile.Profile, t *Table, sourceFile string) error {
	if prof == nil {
		return fmt.Errorf("pprofexport: nil profile")
	}
	m := t.Mapping(sourceFile)
	fns := t.Functions()
	locs := t.Locations(fns)
	for _, l := range locs {
		l.Mapping = m
	}
	prof.Mapping = append(prof.Mapping, m)
	prof.Function = append(prof.Function, fns...)
	prof.Location = append(prof.Location, locs...)
	return nil
}
