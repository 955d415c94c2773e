//go:build linux

package trampoline

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = unix.Getpagesize()

// mmapExecutable reserves size bytes of anonymous, private, read-write
// memory. It is returned read-write rather than read-execute so the
// template can be bulk-copied into it before mprotectExecutable flips the
// protection once, for good.
func mmapExecutable(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

// mprotectExecutable flips mem from read-write to read-execute. Once this
// returns successfully the arena is immutable for the rest of its life.
func mprotectExecutable(mem []byte) error {
	return unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC)
}

// munmapExecutable releases a mapping obtained from mmapExecutable.
func munmapExecutable(mem []byte) error {
	return unix.Munmap(mem)
}

// addrOf returns the address of the first byte backing mem.
func addrOf(mem []byte) uintptr {
	if len(mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&mem[0]))
}
