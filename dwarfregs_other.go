//go:build !amd64 && !arm64

package trampoline

func spDwarfReg() byte            { return 0 }
func raDwarfReg() byte            { return 0 }
func ehMachine() uint32           { return 0 }
func buildFDEInstructions() []byte { return nil }
