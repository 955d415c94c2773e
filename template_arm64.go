//go:build arm64

package trampoline

// trampolineTemplateARM64 is the position-independent stub copied into
// every arena slot on arm64. It implements the AAPCS64 convention: the
// first three arguments stay in X0/X1/X2 untouched, and the fourth
// argument (X3) is branched to as a function pointer. X29/X30 are saved so
// frame-pointer unwinders can walk through it.
//
//	a9bf7bfd        stp    x29, x30, [sp, #-16]!
//	910003fd        mov    x29, sp
//	d63f0060        blr    x3
//	a8c17bfd        ldp    x29, x30, [sp], #16
//	d65f03c0        ret
//	d503201f (x3)   nop, padding to a 32-byte boundary
var trampolineTemplateARM64 = []byte{
	0xfd, 0x7b, 0xbf, 0xa9,
	0xfd, 0x03, 0x00, 0x91,
	0x60, 0x00, 0x3f, 0xd6,
	0xfd, 0x7b, 0xc1, 0xa8,
	0xc0, 0x03, 0x5f, 0xd6,
	0x1f, 0x20, 0x03, 0xd5,
	0x1f, 0x20, 0x03, 0xd5,
	0x1f, 0x20, 0x03, 0xd5,
}

func currentTemplate() []byte {
	return trampolineTemplateARM64
}
