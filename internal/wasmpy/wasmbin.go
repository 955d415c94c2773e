package wasmpy

import (
	"encoding/binary"
	"fmt"
)

// The functions in this file inspect the contents of a well-formed wasm
// binary just enough to let DetectPython and newDwarfParserFromBin find
// their sections without first asking wazero to compile the module. They
// are very weak parsers: they should be called on a valid module, or may
// panic.

// wasmCustomSection returns the byte content of a custom section with
// name, or nil. DetectPython and newDwarfParserFromBin both need to read
// DWARF custom sections before a module has been compiled.
func wasmCustomSection(b []byte, name string) []byte {
	const customSectionId = 0
	if len(b) < 8 {
		return nil
	}
	b = b[8:] // skip magic+version
	for len(b) > 2 {
		id := b[0]
		b = b[1:]
		length, n := binary.Uvarint(b)
		b = b[n:]

		if id == customSectionId {
			nameLen, n := binary.Uvarint(b)
			b = b[n:]
			m := string(b[:nameLen])
			if m == name {
				return b[nameLen : length-uint64(n)]
			}
			b = b[length-uint64(n):]
		} else {
			b = b[length:]
		}
	}
	return nil
}

// wasmdataSection parses a WASM binary and returns the bytes of the WASM
// "Data" section. Returns nil if the section does not exist.
// DetectPython reads the initialized Py_Version global out of it.
func wasmdataSection(b []byte) []byte {
	const dataSectionId = 11

	b = b[8:] // skip magic+version
	for len(b) > 2 {
		id := b[0]
		b = b[1:]
		length, n := binary.Uvarint(b)
		b = b[n:]

		if id == dataSectionId {
			return b[:length]
		}
		b = b[length:]
	}
	return nil
}

// dataIterator iterates over the segments contained in a wasm Data section.
// Only supports mode 0 (memory 0 + offset) segments.
type dataIterator struct {
	b []byte // remaining bytes in the Data section
	n uint64 // number of segments

	offset int // offset of b in the Data section.
}

// newDataIterator prepares an iterator using the bytes of a well-formed data
// section.
func newDataIterator(b []byte) dataIterator {
	segments, r := binary.Uvarint(b)
	return dataIterator{
		b:      b[r:],
		n:      segments,
		offset: r,
	}
}

func (d *dataIterator) read(n int) (b []byte) {
	b, d.b = d.b[:n], d.b[n:]
	d.offset += n
	return b
}

func (d *dataIterator) skip(n int) {
	d.b = d.b[n:]
	d.offset += n
}

func (d *dataIterator) byte() byte {
	b := d.b[0]
	d.skip(1)
	return b
}

func (d *dataIterator) varint() int64 {
	x, n := sleb128(64, d.b)
	d.skip(n)
	return x
}

func sleb128(size int, b []byte) (result int64, read int) {
	// The difference between sleb128 and protobuf's binary.Varint is that
	// the latter puts the sign at the least significant bit.
	shift := 0

	var byte byte
	for {
		byte = b[0]
		read++
		b = b[1:]

		result |= (int64(0b01111111&byte) << shift)
		shift += 7
		if 0b10000000&byte == 0 {
			break
		}
	}
	if (shift < size) && (0x40&byte > 0) {
		result |= (^0 << shift)
	}
	return result, read
}

func (d *dataIterator) uvarint() uint64 {
	x, n := binary.Uvarint(d.b)
	d.skip(n)
	return x
}

// Next returns the bytes of the following segment, and its address in virtual
// memory, or a nil slice if there are no more segments.
func (d *dataIterator) Next() (vaddr int64, seg []byte) {
	if d.n == 0 {
		return 0, nil
	}

	// Format of mode 0 segment:
	//
	// varuint32 - mode (1 byte, 0)
	// byte      - i32.const (0x41)
	// varint64  - virtual address
	// byte      - end of expression (0x0B)
	// varuint64 - length
	// bytes     - raw bytes of the segment

	mode := d.uvarint()
	if mode != 0x0 {
		panic(fmt.Errorf("unsupported mode %#x", mode))
	}

	v := d.byte()
	if v != 0x41 {
		panic(fmt.Errorf("expected constant i32.const (0x41); got %#x", v))
	}

	vaddr = d.varint()

	v = d.byte()
	if v != 0x0B {
		panic(fmt.Errorf("expected end of expr (0x0B); got %#x", v))
	}

	length := d.uvarint()
	seg = d.read(int(length))
	d.n--

	return vaddr, seg
}
