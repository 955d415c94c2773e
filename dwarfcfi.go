package trampoline

import "encoding/binary"

// DWARF call-frame-information opcodes used by the hand-built .eh_frame
// writer below. No pack example emits DWARF — dwarf.go's dwarfparser only
// *reads* it — so this is built directly against the DWARF CFI encoding
// itself rather than adapted from an example (see DESIGN.md).
const (
	dwCFANop          = 0x00
	dwCFAAdvanceLoc1   = 0x02
	dwCFAOffsetBase    = 0x80
	dwCFARestoreBase   = 0xc0
	dwCFADefCFA        = 0x0c
	dwCFADefCFAOffset  = 0x0e

	dwEHPEPcrel = 0x10
	dwEHPESdata4 = 0x0b
)

// wordsize is the native pointer size assumed by the CIE's data-alignment
// factor; both supported architectures are 64-bit.
const wordsize = 8

// cfiBuilder accumulates CFA instructions into a scratch buffer, padding
// with DW_CFA_nop to word alignment once finished.
type cfiBuilder struct {
	buf []byte
}

func (b *cfiBuilder) advanceLoc(delta byte) {
	b.buf = append(b.buf, dwCFAAdvanceLoc1, delta)
}

func (b *cfiBuilder) defCFA(reg byte, offset uint64) {
	b.buf = append(b.buf, dwCFADefCFA)
	b.buf = appendULEB128(b.buf, uint64(reg))
	b.buf = appendULEB128(b.buf, offset)
}

func (b *cfiBuilder) defCFAOffset(offset uint64) {
	b.buf = append(b.buf, dwCFADefCFAOffset)
	b.buf = appendULEB128(b.buf, offset)
}

func (b *cfiBuilder) offset(reg byte, factor uint64) {
	b.buf = append(b.buf, dwCFAOffsetBase|reg)
	b.buf = appendULEB128(b.buf, factor)
}

func (b *cfiBuilder) restore(reg byte) {
	b.buf = append(b.buf, dwCFARestoreBase|reg)
}

func (b *cfiBuilder) finish() []byte {
	for len(b.buf)%wordsize != 0 {
		b.buf = append(b.buf, dwCFANop)
	}
	return b.buf
}

func appendULEB128(buf []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

func appendSLEB128(buf []byte, v int64) []byte {
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			more = false
		} else {
			b |= 0x80
		}
		buf = append(buf, b)
	}
	return buf
}

// archUnwindInfo names the per-architecture DWARF register numbers and CFI
// instruction sequence the trampoline template's prologue/epilogue need.
type archUnwindInfo struct {
	machine         uint32 // ELF e_machine id (spec 4.E)
	spReg, raReg    byte
	buildFDEInsns   func() []byte
}

func currentArchUnwindInfo() archUnwindInfo {
	return archUnwindInfo{
		machine:       ehMachine(),
		spReg:         spDwarfReg(),
		raReg:         raDwarfReg(),
		buildFDEInsns: buildFDEInstructions,
	}
}

// buildCIE constructs the single shared CIE, common to every trampoline on
// this architecture: zR augmentation, code-alignment 1, data-alignment
// -wordsize, def_cfa(sp, wordsize) and offset(ra, 1) as initial state.
func buildCIE() []byte {
	info := currentArchUnwindInfo()

	var body []byte
	body = append(body, 0, 0, 0, 0) // CIE_id = 0
	body = append(body, 1)          // version
	body = append(body, 'z', 'R', 0)
	body = appendULEB128(body, 1)                  // code alignment factor
	body = appendSLEB128(body, -int64(wordsize))    // data alignment factor
	body = appendULEB128(body, uint64(info.raReg))  // return address register
	body = appendULEB128(body, 1)                   // augmentation data length
	body = append(body, dwEHPEPcrel|dwEHPESdata4)    // augmentation data (R)

	init := &cfiBuilder{}
	init.defCFA(info.spReg, wordsize)
	init.offset(info.raReg, 1)
	body = append(body, init.finish()...)

	for (4+len(body))%wordsize != 0 {
		body = append(body, dwCFANop)
	}

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

// buildFDE constructs the single FDE describing one trampoline's range.
// initialLocation is the pc-relative sdata4 value (-0x30 per spec, a
// deliberate offset covering the caller's prologue); rangeLength is the
// template's byte length.
func buildFDE(cieOffsetFromFDE uint32, initialLocation int32, rangeLength uint32) []byte {
	var body []byte
	body = append(body, 0, 0, 0, 0) // CIE pointer, patched below
	binary.LittleEndian.PutUint32(body[len(body)-4:], cieOffsetFromFDE)

	loc := make([]byte, 4)
	binary.LittleEndian.PutUint32(loc, uint32(initialLocation))
	body = append(body, loc...)

	rng := make([]byte, 4)
	binary.LittleEndian.PutUint32(rng, rangeLength)
	body = append(body, rng...)

	body = appendULEB128(body, 0) // augmentation data length (none for FDE)

	body = append(body, currentArchUnwindInfo().buildFDEInsns()...)

	for (4+len(body))%wordsize != 0 {
		body = append(body, dwCFANop)
	}

	out := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out
}

// buildEhFrame returns the concatenated CIE+FDE bytes for one trampoline,
// ready to embed in a jitdump unwinding-info record.
func buildEhFrame(rangeLength uint32) []byte {
	cie := buildCIE()
	// The CIE pointer in an FDE is the byte distance from the field
	// itself back to the start of the CIE.
	// That field sits after the FDE's own 4-byte length prefix.
	fde := buildFDE(uint32(len(cie)+4), -0x30, rangeLength)
	return append(append([]byte{}, cie...), fde...)
}
