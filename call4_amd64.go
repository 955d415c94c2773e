//go:build amd64

package trampoline

func call4(addr, a1, a2, a3, a4 uintptr) uintptr

func evalThunkEntry() uintptr
