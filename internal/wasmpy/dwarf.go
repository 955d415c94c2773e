package wasmpy

import (
	"debug/dwarf"
	"fmt"
	"log"

	"github.com/tetratelabs/wazero"
)

const (
	debugInfo   = ".debug_info"
	debugLine   = ".debug_line"
	debugStr    = ".debug_str"
	debugAbbrev = ".debug_abbrev"
	debugRanges = ".debug_ranges"
)

// dwarfparser wraps the subset of debug/dwarf needed to resolve the guest
// addresses of the CPython globals DetectPython and preparePython look up
// (the struct offsets in python.go are fixed constants, not read from
// DWARF): it never walks subprograms or line tables, only the variable
// entries carrying CPython's own global addresses.
type dwarfparser struct {
	d *dwarf.Data
	r *dwarf.Reader
}

// newDwarfparser builds a parser from a live compiled module's DWARF custom
// sections, the form available once the guest binary has already been
// compiled by wazero.
func newDwarfparser(module wazero.CompiledModule) (dwarfparser, error) {
	sections := module.CustomSections()

	var info, line, ranges, str, abbrev []byte
	for _, section := range sections {
		log.Printf("dwarf: found section %s", section.Name())
		switch section.Name() {
		case debugInfo:
			info = section.Data()
		case debugLine:
			line = section.Data()
		case debugStr:
			str = section.Data()
		case debugAbbrev:
			abbrev = section.Data()
		case debugRanges:
			ranges = section.Data()
		}
	}

	d, err := dwarf.New(abbrev, nil, nil, info, line, nil, ranges, str)
	if err != nil {
		return dwarfparser{}, fmt.Errorf("dwarf: %w", err)
	}

	r := d.Reader()
	return dwarfparser{d: d, r: r}, nil
}

// newDwarfParserFromBin builds a parser straight from the raw wasm binary,
// the form DetectPython has on hand before any module is compiled.
func newDwarfParserFromBin(wasmbin []byte) (dwarfparser, error) {
	info := wasmCustomSection(wasmbin, debugInfo)
	line := wasmCustomSection(wasmbin, debugLine)
	ranges := wasmCustomSection(wasmbin, debugRanges)
	str := wasmCustomSection(wasmbin, debugStr)
	abbrev := wasmCustomSection(wasmbin, debugAbbrev)

	d, err := dwarf.New(abbrev, nil, nil, info, line, nil, ranges, str)
	if err != nil {
		return dwarfparser{}, fmt.Errorf("dwarf: %w", err)
	}

	r := d.Reader()
	return dwarfparser{d: d, r: r}, nil
}
