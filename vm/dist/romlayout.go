package dist

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// ROM class layout
// ---------------------------------------------------------------------------
//
// A ROM class body is a little-endian, position-independent record:
//
//	0   u32  romSize       size of the body in bytes (header + methods)
//	4   i32  className     SRP to a UTF8 record
//	8   u32  modifiers
//	12  u32  methodCount
//	16  i32  methods       SRP to the first method record
//	20  u32  reserved
//
// Each method record follows the previous one:
//
//	0   i32  name          SRP to a UTF8 record
//	4   i32  signature     SRP to a UTF8 record
//	8   u32  modifiers
//	12  u16  maxStack
//	14  u16  maxLocals
//	16  u32  bytecodeSize
//	20  ...  bytecode, padded to a 4 byte boundary
//
// A UTF8 record is a u16 length followed by that many bytes.
//
// SRP fields (self-relative pointers) hold the signed distance from the
// field itself to its target, so a body stays valid wherever it is copied
// as long as its targets move with it. Zero is the null SRP.

const (
	ROMHeaderSize       = 24
	ROMMethodHeaderSize = 20

	romSizeOffset        = 0
	romClassNameOffset   = 4
	romModifiersOffset   = 8
	romMethodCountOffset = 12
	romMethodsOffset     = 16

	methodNameOffset      = 0
	methodSignatureOffset = 4
	methodModifiersOffset = 8
	methodMaxStackOffset  = 12
	methodMaxLocalsOffset = 14
	methodBytecodeSize    = 16
)

var le = binary.LittleEndian

// ErrMalformedROM is returned when a ROM body or UTF8 record does not fit
// in the memory it claims to occupy.
var ErrMalformedROM = errors.New("dist: malformed ROM class")

// ROMMethodSpec describes one method when appending a ROM class body.
// NameRef and SignatureRef are absolute offsets of UTF8 records that
// already exist in the target memory.
type ROMMethodSpec struct {
	NameRef      uint32
	SignatureRef uint32
	Modifiers    uint32
	MaxStack     uint16
	MaxLocals    uint16
	Bytecode     []byte
}

func align4(n uint32) uint32 {
	return (n + 3) &^ 3
}

// UTF8Size returns the encoded size of a UTF8 record holding s.
func UTF8Size(s string) uint32 {
	return 2 + uint32(len(s))
}

// AppendUTF8 appends a UTF8 record to mem and returns the new memory and
// the record's offset.
func AppendUTF8(mem []byte, s string) ([]byte, uint32, error) {
	if len(s) > 0xFFFF {
		return mem, 0, fmt.Errorf("dist: UTF8 record too long (%d bytes)", len(s))
	}
	off := uint32(len(mem))
	mem = le.AppendUint16(mem, uint16(len(s)))
	mem = append(mem, s...)
	return mem, off, nil
}

// ReadUTF8 reads the UTF8 record at off.
func ReadUTF8(mem []byte, off uint32) (string, error) {
	raw, err := utf8Record(mem, off)
	if err != nil {
		return "", err
	}
	return string(raw[2:]), nil
}

// utf8Record returns the full record (length prefix included) at off.
func utf8Record(mem []byte, off uint32) ([]byte, error) {
	if uint64(off)+2 > uint64(len(mem)) {
		return nil, fmt.Errorf("%w: UTF8 record at %d out of range", ErrMalformedROM, off)
	}
	n := uint32(le.Uint16(mem[off:]))
	end := uint64(off) + 2 + uint64(n)
	if end > uint64(len(mem)) {
		return nil, fmt.Errorf("%w: UTF8 record at %d overruns memory", ErrMalformedROM, off)
	}
	return mem[off:end], nil
}

// romMethodSize returns the full size of a method record with the given
// bytecode length.
func romMethodSize(bytecodeLen uint32) uint32 {
	return ROMMethodHeaderSize + align4(bytecodeLen)
}

// ROMClassSize returns the body size of a class with the given methods.
func ROMClassSize(methods []ROMMethodSpec) uint32 {
	size := uint32(ROMHeaderSize)
	for _, m := range methods {
		size += romMethodSize(uint32(len(m.Bytecode)))
	}
	return size
}

// AppendROMClass appends a ROM class body to mem. The class name and the
// method strings are referenced, not copied. It returns the new memory,
// the body's offset and the offset of each method record relative to the
// start of the body.
func AppendROMClass(mem []byte, nameRef uint32, modifiers uint32, methods []ROMMethodSpec) ([]byte, uint32, []uint32) {
	start := uint32(len(mem))
	size := ROMClassSize(methods)
	mem = append(mem, make([]byte, size)...)
	body := mem[start:]

	le.PutUint32(body[romSizeOffset:], size)
	setSRP(mem, start+romClassNameOffset, nameRef)
	le.PutUint32(body[romModifiersOffset:], modifiers)
	le.PutUint32(body[romMethodCountOffset:], uint32(len(methods)))
	if len(methods) > 0 {
		setSRP(mem, start+romMethodsOffset, start+ROMHeaderSize)
	}

	offsets := make([]uint32, len(methods))
	cur := start + ROMHeaderSize
	for i, m := range methods {
		offsets[i] = cur - start
		setSRP(mem, cur+methodNameOffset, m.NameRef)
		setSRP(mem, cur+methodSignatureOffset, m.SignatureRef)
		le.PutUint32(mem[cur+methodModifiersOffset:], m.Modifiers)
		le.PutUint16(mem[cur+methodMaxStackOffset:], m.MaxStack)
		le.PutUint16(mem[cur+methodMaxLocalsOffset:], m.MaxLocals)
		le.PutUint32(mem[cur+methodBytecodeSize:], uint32(len(m.Bytecode)))
		copy(mem[cur+ROMMethodHeaderSize:], m.Bytecode)
		cur += romMethodSize(uint32(len(m.Bytecode)))
	}
	return mem, start, offsets
}

// setSRP stores in the field at fieldOff the distance to target.
func setSRP(mem []byte, fieldOff, target uint32) {
	le.PutUint32(mem[fieldOff:], uint32(int32(int64(target)-int64(fieldOff))))
}

// resolveSRP returns the absolute offset an SRP field points at.
func resolveSRP(mem []byte, fieldOff uint32) (uint32, error) {
	if uint64(fieldOff)+4 > uint64(len(mem)) {
		return 0, fmt.Errorf("%w: SRP field at %d out of range", ErrMalformedROM, fieldOff)
	}
	srp := int32(le.Uint32(mem[fieldOff:]))
	if srp == 0 {
		return 0, fmt.Errorf("%w: null SRP at %d", ErrMalformedROM, fieldOff)
	}
	target := int64(fieldOff) + int64(srp)
	if target < 0 || target >= int64(len(mem)) {
		return 0, fmt.Errorf("%w: SRP at %d points outside memory", ErrMalformedROM, fieldOff)
	}
	return uint32(target), nil
}

// romHeader is the decoded fixed part of a ROM class body at base.
type romHeader struct {
	base        uint32
	size        uint32
	modifiers   uint32
	methodCount uint32
	firstMethod uint32 // absolute
}

func readROMHeader(mem []byte, base uint32) (romHeader, error) {
	if uint64(base)+ROMHeaderSize > uint64(len(mem)) {
		return romHeader{}, fmt.Errorf("%w: header at %d out of range", ErrMalformedROM, base)
	}
	h := romHeader{
		base:        base,
		size:        le.Uint32(mem[base+romSizeOffset:]),
		modifiers:   le.Uint32(mem[base+romModifiersOffset:]),
		methodCount: le.Uint32(mem[base+romMethodCountOffset:]),
	}
	if h.size < ROMHeaderSize || uint64(base)+uint64(h.size) > uint64(len(mem)) {
		return romHeader{}, fmt.Errorf("%w: body size %d at %d", ErrMalformedROM, h.size, base)
	}
	// Every method record takes at least its fixed header inside the body.
	if uint64(h.methodCount)*ROMMethodHeaderSize > uint64(h.size-ROMHeaderSize) {
		return romHeader{}, fmt.Errorf("%w: %d methods do not fit in body of %d bytes", ErrMalformedROM, h.methodCount, h.size)
	}
	if h.methodCount > 0 {
		first, err := resolveSRP(mem, base+romMethodsOffset)
		if err != nil {
			return romHeader{}, err
		}
		if first < base || first >= base+h.size {
			return romHeader{}, fmt.Errorf("%w: method table outside body", ErrMalformedROM)
		}
		h.firstMethod = first
	}
	return h, nil
}

// romMethod is one decoded method record at an absolute offset.
type romMethod struct {
	at           uint32
	modifiers    uint32
	maxStack     uint16
	maxLocals    uint16
	bytecodeSize uint32
}

func (m romMethod) next() uint32 {
	return m.at + romMethodSize(m.bytecodeSize)
}

func readROMMethod(mem []byte, h romHeader, at uint32) (romMethod, error) {
	end := uint64(h.base) + uint64(h.size)
	if uint64(at)+ROMMethodHeaderSize > end {
		return romMethod{}, fmt.Errorf("%w: method record at %d overruns body", ErrMalformedROM, at)
	}
	m := romMethod{
		at:           at,
		modifiers:    le.Uint32(mem[at+methodModifiersOffset:]),
		maxStack:     le.Uint16(mem[at+methodMaxStackOffset:]),
		maxLocals:    le.Uint16(mem[at+methodMaxLocalsOffset:]),
		bytecodeSize: le.Uint32(mem[at+methodBytecodeSize:]),
	}
	if uint64(at)+ROMMethodHeaderSize+uint64(m.bytecodeSize) > end || m.bytecodeSize > 1<<30 {
		return romMethod{}, fmt.Errorf("%w: bytecode of method at %d overruns body", ErrMalformedROM, at)
	}
	return m, nil
}
