//go:build arm64

package trampoline

// DWARF AArch64 register numbers.
const (
	dwarfRegSP  = 31
	dwarfRegFP  = 29
	dwarfRegLR  = 30
)

func spDwarfReg() byte { return dwarfRegSP }
func raDwarfReg() byte { return dwarfRegLR }

// ehMachine is the ELF e_machine id for AArch64 (spec 4.E).
func ehMachine() uint32 { return 183 }

// buildFDEInstructions encodes the AArch64 prologue/epilogue CFI deltas
// described in spec 4.E: advance 1; def_cfa_offset 16; offset fp, 2;
// offset lr, 1; advance 3; offset fp (restored); offset lr (restored);
// def_cfa_offset 0. With a code alignment factor of 1 these advances are
// byte offsets (1 and 4), which do not coincide with the arm64 template's
// own instruction boundaries: its stp ends at byte 4 and its ldp at byte 16.
func buildFDEInstructions() []byte {
	b := &cfiBuilder{}
	b.advanceLoc(1)
	b.defCFAOffset(16)
	b.offset(dwarfRegFP, 2)
	b.offset(dwarfRegLR, 1)
	b.advanceLoc(3)
	b.restore(dwarfRegFP)
	b.restore(dwarfRegLR)
	b.defCFAOffset(0)
	return b.finish()
}
