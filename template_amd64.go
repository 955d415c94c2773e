//go:build amd64

package trampoline

// trampolineTemplateAMD64 is the position-independent stub copied into
// every arena slot on amd64. It implements the System V calling convention:
// the first three integer arguments stay in RDI/RSI/RDX untouched, and the
// fourth argument (in RCX) is called as a function pointer. A frame pointer
// is pushed so native unwinders that only trust RBP can still walk through
// it. The CFI emitted for it (buildFDEInstructions in dwarfregs_amd64.go)
// uses fixed advance distances that do not follow these instruction
// boundaries.
//
//	55                      push   rbp
//	48 89 e5                mov    rbp, rsp
//	ff d1                   call   rcx
//	5d                      pop    rbp
//	c3                      ret
//	90 90 90                nop (x3; 11 bytes in all, newArena rounds each slot up to 16)
var trampolineTemplateAMD64 = []byte{
	0x55,
	0x48, 0x89, 0xe5,
	0xff, 0xd1,
	0x5d,
	0xc3,
	0x90, 0x90, 0x90,
}

func currentTemplate() []byte {
	return trampolineTemplateAMD64
}
