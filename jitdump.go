//go:build linux

package trampoline

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Jitdump event kinds (spec 4.E). Only these two are ever emitted.
const (
	PerfLoad         uint32 = 0
	PerfUnwindingInfo uint32 = 4
)

// jitdumpMagic and jitdumpVersion are the fixed Header fields (spec 6).
const (
	jitdumpMagic   uint32 = 0x4A695444
	jitdumpVersion uint32 = 1
)

// Header is the jitdump file's first record, little-endian, native word
// size (spec 6).
type Header struct {
	Magic     uint32
	Version   uint32
	Size      uint32
	ElfMach   uint32
	Reserved  uint32
	PID       uint32
	Timestamp uint64
	Flags     uint64
}

const headerSize = 40 // 6*4 + 2*8, matches scenario 3's "40-byte header"

// BaseEvent begins every jitdump record.
type BaseEvent struct {
	Event     uint32
	Size      uint32
	Timestamp uint64
}

const baseEventSize = 16

// EhFrameHeader mirrors .eh_frame_hdr's fixed prefix (spec 4.E).
type EhFrameHeader struct {
	Version       uint8
	EhFramePtrEnc uint8
	FDECountEnc   uint8
	TableEnc      uint8
	EhFramePtr    int32
	FDECount      int32
	From          int32
	To            int32
}

const ehFrameHeaderSize = 20

// JitdumpCallbacks is the jitdump symbol-publication backend (spec 4.E): a
// binary stream with a header, then one unwinding-info record and one
// code-load record per trampoline, plus an mmap'd first page so the
// profiler's kernel mmap-event listener discovers the dump.
type JitdumpCallbacks struct {
	mu        sync.Mutex
	file      *os.File
	w         *bufio.Writer
	headerPg  []byte
	codeID    uint32
	readBytes jitdumpReader
}

// NewJitdumpCallbacks returns a Callbacks value ready to pass to
// Subsystem.SetCallbacks. readTrampolineBytes lets PublishSymbol copy the
// live machine code into the code-load record (spec: "code_size bytes
// copied from the live trampoline memory"); pass nil to skip the copy in
// tests that don't mint real executable memory.
func NewJitdumpCallbacks(readTrampolineBytes func(addr uintptr, size int) []byte) Callbacks {
	return Callbacks{
		Backend: &JitdumpCallbacks{readBytes: readTrampolineBytes},
		Type:    BackendJitdump,
		Padding: 0x100,
	}
}

// jitdumpReader copies size bytes of live trampoline memory starting at
// addr, for embedding in the code-load record.
type jitdumpReader = func(addr uintptr, size int) []byte

func jitdumpPath(pid int) string {
	return fmt.Sprintf("/tmp/jit-%d.dump", pid)
}

func (j *JitdumpCallbacks) InitState(pid int) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	path := jitdumpPath(pid)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}

	hdr := Header{
		Magic:     jitdumpMagic,
		Version:   jitdumpVersion,
		Size:      headerSize,
		ElfMach:   ehMachine(),
		PID:       uint32(pid),
		Timestamp: uint64(time.Now().UnixMicro()),
	}
	if err := writeHeader(f, hdr); err != nil {
		f.Close()
		return err
	}

	pg, err := unix.Mmap(int(f.Fd()), 0, pageSize, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_PRIVATE)
	if err != nil {
		f.Close()
		return fmt.Errorf("mmap header page: %w", err)
	}

	j.file = f
	j.headerPg = pg
	j.w = bufio.NewWriterSize(f, 2*1024*1024)
	return nil
}

func writeHeader(w *os.File, h Header) error {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	binary.LittleEndian.PutUint32(buf[8:], h.Size)
	binary.LittleEndian.PutUint32(buf[12:], h.ElfMach)
	binary.LittleEndian.PutUint32(buf[16:], h.Reserved)
	binary.LittleEndian.PutUint32(buf[20:], h.PID)
	binary.LittleEndian.PutUint64(buf[24:], h.Timestamp)
	binary.LittleEndian.PutUint64(buf[32:], h.Flags)
	n, err := w.Write(buf[:])
	if n == 0 && err == nil {
		return fmt.Errorf("jitdump: %w: header write made no progress", errWriteShortfall)
	}
	return err
}

var errWriteShortfall = fmt.Errorf("write shortfall")

// PublishSymbol writes the unwinding-info record followed by the code-load
// record for one freshly minted trampoline.
func (j *JitdumpCallbacks) PublishSymbol(addr uintptr, size int, co CodeObject) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.w == nil {
		return fmt.Errorf("%w: jitdump not initialized", ErrBackendInit)
	}

	ehFrame := buildEhFrame(uint32(size))
	if len(ehFrame) > 0x100 {
		return fmt.Errorf("jitdump: unwind data %d bytes exceeds the 0x100 padding budget", len(ehFrame))
	}

	if err := j.writeUnwindRecord(ehFrame, uint32(size)); err != nil {
		return err
	}

	qualname, filename := "", ""
	if co != nil {
		qualname, filename = co.QualName(), co.FileName()
	}
	symbol := fmt.Sprintf("py::%s:%s", qualname, filename)

	var code []byte
	if j.readBytes != nil {
		code = j.readBytes(addr, size)
	}

	return j.writeLoadRecord(addr, size, symbol, code)
}

func (j *JitdumpCallbacks) writeUnwindRecord(ehFrame []byte, codeSize uint32) error {
	mappedSize := roundUp(len(ehFrame), 16)
	payloadLen := 4 + 4 + 4 + len(ehFrame) + ehFrameHeaderSize
	total := baseEventSize + payloadLen
	total = roundUp(total, 8)

	var hdr [baseEventSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], PerfUnwindingInfo)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(total))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(time.Now().UnixNano()))
	if err := j.write(hdr[:]); err != nil {
		return err
	}

	var sizes [12]byte
	binary.LittleEndian.PutUint32(sizes[0:], uint32(len(ehFrame)))
	binary.LittleEndian.PutUint32(sizes[4:], uint32(ehFrameHeaderSize))
	binary.LittleEndian.PutUint32(sizes[8:], uint32(mappedSize))
	if err := j.write(sizes[:]); err != nil {
		return err
	}

	if err := j.write(ehFrame); err != nil {
		return err
	}

	ehdr := buildEhFrameHeader(ehFrame, codeSize)
	if err := j.write(ehdr); err != nil {
		return err
	}

	written := baseEventSize + len(sizes) + len(ehFrame) + len(ehdr)
	if pad := total - written; pad > 0 {
		if err := j.write(make([]byte, pad)); err != nil {
			return err
		}
	}
	return nil
}

func (j *JitdumpCallbacks) writeLoadRecord(addr uintptr, size int, symbol string, code []byte) error {
	j.codeID++

	payload := 4 + 4 + 8 + 8 + 4 + len(symbol) + 1 + len(code)
	total := roundUp(baseEventSize+payload, 8)

	var hdr [baseEventSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], PerfLoad)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(total))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(time.Now().UnixNano()))
	if err := j.write(hdr[:]); err != nil {
		return err
	}

	var fixed [28]byte
	binary.LittleEndian.PutUint32(fixed[0:], uint32(os.Getpid()))
	binary.LittleEndian.PutUint32(fixed[4:], uint32(threadID()))
	binary.LittleEndian.PutUint64(fixed[8:], uint64(addr))
	binary.LittleEndian.PutUint64(fixed[16:], uint64(size))
	binary.LittleEndian.PutUint32(fixed[24:], j.codeID)
	if err := j.write(fixed[:]); err != nil {
		return err
	}

	if err := j.write(append([]byte(symbol), 0)); err != nil {
		return err
	}
	if len(code) > 0 {
		if err := j.write(code); err != nil {
			return err
		}
	}

	written := baseEventSize + len(fixed) + len(symbol) + 1 + len(code)
	if pad := total - written; pad > 0 {
		if err := j.write(make([]byte, pad)); err != nil {
			return err
		}
	}
	return nil
}

func (j *JitdumpCallbacks) write(p []byte) error {
	n, err := j.w.Write(p)
	if err != nil {
		return err
	}
	if n == 0 && len(p) > 0 {
		return errWriteShortfall
	}
	return nil
}

func (j *JitdumpCallbacks) SupportsPersistAfterFork() bool { return false }

func (j *JitdumpCallbacks) FreeState() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}

	var flushErr error
	if j.w != nil {
		flushErr = j.w.Flush()
	}
	if j.headerPg != nil {
		unix.Munmap(j.headerPg)
		j.headerPg = nil
	}
	closeErr := j.file.Close()
	j.file = nil
	j.w = nil

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// buildEhFrameHeader constructs the fixed .eh_frame_hdr prefix following
// ehFrame (spec 4.E): eh_frame_ptr is the negative offset from the header
// back to the start of .eh_frame; from is -(round_up(code_size,8) +
// eh_frame_size), where code_size is the trampoline's own machine-code
// length (the same value passed to buildFDE's rangeLength), not the
// eh_frame record's own byte length; to is the displacement from the
// header back to the end of the CIE.
func buildEhFrameHeader(ehFrame []byte, codeSize uint32) []byte {
	cieLen := int(binary.LittleEndian.Uint32(ehFrame[0:4])) + 4
	ehFrameSize := len(ehFrame)

	h := EhFrameHeader{
		Version:       1,
		EhFramePtrEnc: dwEHPEPcrel | dwEHPESdata4,
		FDECountEnc:   0x0c, // DW_EH_PE_datarel | DW_EH_PE_udata4, conventional for fde_count here
		TableEnc:      dwEHPEPcrel | dwEHPESdata4,
		EhFramePtr:    -int32(ehFrameSize),
		FDECount:      1,
		From:          -(int32(roundUp(int(codeSize), 8)) + int32(ehFrameSize)),
		To:            -(int32(ehFrameSize) - int32(cieLen)),
	}

	buf := make([]byte, ehFrameHeaderSize)
	buf[0] = h.Version
	buf[1] = h.EhFramePtrEnc
	buf[2] = h.FDECountEnc
	buf[3] = h.TableEnc
	binary.LittleEndian.PutUint32(buf[4:], uint32(h.EhFramePtr))
	binary.LittleEndian.PutUint32(buf[8:], uint32(h.FDECount))
	binary.LittleEndian.PutUint32(buf[12:], uint32(h.From))
	binary.LittleEndian.PutUint32(buf[16:], uint32(h.To))
	return buf
}

// threadID returns the calling OS thread's id, used in the code-load
// record (spec 6: "thread_id").
func threadID() int {
	return unix.Gettid()
}
