//go:build amd64 || arm64

package wasmpy

import (
	"encoding/binary"
	"testing"
)

// guestImage is a fakeVmem builder: it lets a test place 64-bit guest
// pointers, 32-bit ints, and raw bytes at specific addresses without hand
// computing byte offsets inline.
type guestImage struct {
	buf fakeVmem
}

func newGuestImage(size int) *guestImage {
	return &guestImage{buf: make(fakeVmem, size)}
}

func (g *guestImage) putPtr(addr ptr32, v ptr32) {
	binary.LittleEndian.PutUint64(g.buf[addr:], uint64(v))
}

func (g *guestImage) putI32(addr ptr32, v int32) {
	binary.LittleEndian.PutUint32(g.buf[addr:], uint32(v))
}

func (g *guestImage) putAsciiObject(addr ptr32, s string) {
	const compactAscii = 1<<5 | 1<<6
	g.buf[addr+padStateInAsciiObject] = compactAscii
	g.putI32(addr+padLengthInAsciiObject, int32(len(s)))
	copy(g.buf[addr+sizeAsciiObject:], s)
}

// buildPythonFrameImage lays out the guest-memory chain Host.currentFrame
// and Host.codeObjectFor walk: _PyRuntime -> tstate -> cframe -> frame ->
// code object -> filename/name PyUnicode objects, with codep cached as the
// key Host's trampoline-per-code-object map uses.
func buildPythonFrameImage(pyrtaddr, tsp, cframep, framep, codep, filenamep, namep ptr32, filename, name string, firstline int32) *guestImage {
	g := newGuestImage(0x8000)
	g.putPtr(pyrtaddr+padTstateCurrentInRT, tsp)
	g.putPtr(tsp+padCframeInThreadState, cframep)
	g.putPtr(cframep+padCurrentFrameInCFrame, framep)
	g.putPtr(framep+padCodeInFrame, codep)
	g.putPtr(codep+padFilenameInCodeObject, filenamep)
	g.putPtr(codep+padNameInCodeObject, namep)
	g.putI32(codep+padFirstlinenoInCodeObject, firstline)
	g.putAsciiObject(filenamep, filename)
	g.putAsciiObject(namep, name)
	return g
}

func TestHostCurrentFrameWalksThreadStateChain(t *testing.T) {
	const pyrtaddr, tsp, cframep, framep, codep = 0x10, 0x100, 0x200, 0x300, 0x400
	g := buildPythonFrameImage(pyrtaddr, tsp, cframep, framep, codep, 0x500, 0x600, "mod.py", "run", 12)

	h := &Host{py: &python{pyrtaddr: pyrtaddr}, codes: make(map[ptr32]*CodeObject)}
	if got := h.currentFrame(g.buf); got != framep {
		t.Fatalf("currentFrame() = %#x, want %#x", got, framep)
	}
}

func TestHostCodeObjectForReadsQualnameAndCaches(t *testing.T) {
	const pyrtaddr, tsp, cframep, framep, codep = 0x10, 0x100, 0x200, 0x300, 0x400
	const filenamep, namep = 0x500, 0x600
	g := buildPythonFrameImage(pyrtaddr, tsp, cframep, framep, codep, filenamep, namep, "mod.py", "run", 12)

	h := &Host{py: &python{pyrtaddr: pyrtaddr}, codes: make(map[ptr32]*CodeObject)}

	co := h.codeObjectFor(g.buf, codep)
	if want := "mod.run"; co.QualName() != want {
		t.Errorf("QualName() = %q, want %q", co.QualName(), want)
	}
	if co.FileName() != "mod.py" {
		t.Errorf("FileName() = %q, want %q", co.FileName(), "mod.py")
	}
	if co.FirstLine() != 12 {
		t.Errorf("FirstLine() = %d, want 12", co.FirstLine())
	}

	again := h.codeObjectFor(g.buf, codep)
	if again != co {
		t.Fatal("codeObjectFor minted a second CodeObject for the same codep instead of returning the cached one")
	}
}

func TestHostCodeObjectForDistinctCodeObjectsDoNotShareExtraSlot(t *testing.T) {
	h := &Host{py: &python{}, codes: make(map[ptr32]*CodeObject)}
	g := newGuestImage(0x8000)
	const codep1, codep2 = 0x400, 0x2000
	g.putAsciiObject(0x500, "a.py")
	g.putAsciiObject(0x600, "f")
	g.putAsciiObject(0x2100, "b.py")
	g.putAsciiObject(0x2200, "g")
	g.putI32(codep1+padFirstlinenoInCodeObject, 1)
	g.putI32(codep2+padFirstlinenoInCodeObject, 2)
	g.putPtr(codep1+padFilenameInCodeObject, 0x500)
	g.putPtr(codep1+padNameInCodeObject, 0x600)
	g.putPtr(codep2+padFilenameInCodeObject, 0x2100)
	g.putPtr(codep2+padNameInCodeObject, 0x2200)

	a := h.codeObjectFor(g.buf, codep1)
	b := h.codeObjectFor(g.buf, codep2)

	a.SetExtra(1, 0xAAAA)
	if v, ok := b.GetExtra(1); ok {
		t.Fatalf("b.GetExtra(1) = %#x, ok=%v; want a fresh CodeObject with nothing stored", v, ok)
	}
	if v, ok := a.GetExtra(1); !ok || v != 0xAAAA {
		t.Fatalf("a.GetExtra(1) = %#x, ok=%v, want 0xAAAA, true", v, ok)
	}
}

func TestHostCodeOfReturnsNilWithoutAModule(t *testing.T) {
	h := &Host{py: &python{}, codes: make(map[ptr32]*CodeObject)}
	if co := h.CodeOf(nil); co != nil {
		t.Fatalf("CodeOf(nil) = %v, want nil", co)
	}
}

func TestHostAllocExtraIndexIsMonotonicAndNeverZero(t *testing.T) {
	h := &Host{nextExtra: 1}
	seen := make(map[int]bool)
	prev := 0
	for i := 0; i < 5; i++ {
		idx, err := h.AllocExtraIndex()
		if err != nil {
			t.Fatalf("AllocExtraIndex: %v", err)
		}
		if idx <= prev {
			t.Fatalf("AllocExtraIndex returned %d after %d, want a strictly increasing index", idx, prev)
		}
		prev = idx
		if idx == 0 {
			t.Fatal("AllocExtraIndex returned 0, which CodeObject.GetExtra's zero value would collide with \"not set\"")
		}
		if seen[idx] {
			t.Fatalf("AllocExtraIndex returned %d twice", idx)
		}
		seen[idx] = true
	}
}
