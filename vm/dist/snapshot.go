package dist

import (
	"errors"
	"fmt"
)

// MaxSnapshotSize bounds the buffer Pack is willing to allocate.
const MaxSnapshotSize = 64 << 20

// ErrSnapshotTooLarge is returned when a class does not fit in a snapshot.
var ErrSnapshotTooLarge = errors.New("dist: class snapshot too large")

// Pack builds a self-contained snapshot of the ROM class body at
// classOffset in mem. The body is copied verbatim, then the class name and
// every method name and signature are appended after it and the matching
// SRP fields are rewritten to point at the copies. The snapshot holds no
// reference into mem and is valid at any base address.
//
// Either a complete snapshot or an error is returned, never a partial one.
func Pack(mem []byte, classOffset uint32) ([]byte, error) {
	h, err := readROMHeader(mem, classOffset)
	if err != nil {
		return nil, err
	}

	nameAt, err := resolveSRP(mem, classOffset+romClassNameOffset)
	if err != nil {
		return nil, err
	}
	className, err := utf8Record(mem, nameAt)
	if err != nil {
		return nil, err
	}

	// Collect the string records first so the size is known up front.
	type methodStrings struct {
		rel       uint32 // method record offset relative to the body
		name, sig []byte
	}
	strs := make([]methodStrings, 0, h.methodCount)
	total := uint64(h.size) + uint64(len(className))
	at := h.firstMethod
	for i := uint32(0); i < h.methodCount; i++ {
		m, err := readROMMethod(mem, h, at)
		if err != nil {
			return nil, err
		}
		nameRef, err := resolveSRP(mem, at+methodNameOffset)
		if err != nil {
			return nil, err
		}
		sigRef, err := resolveSRP(mem, at+methodSignatureOffset)
		if err != nil {
			return nil, err
		}
		name, err := utf8Record(mem, nameRef)
		if err != nil {
			return nil, err
		}
		sig, err := utf8Record(mem, sigRef)
		if err != nil {
			return nil, err
		}
		strs = append(strs, methodStrings{rel: at - classOffset, name: name, sig: sig})
		total += uint64(len(name)) + uint64(len(sig))
		at = m.next()
	}
	if total > MaxSnapshotSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrSnapshotTooLarge, total)
	}

	out := make([]byte, total)
	copy(out, mem[classOffset:classOffset+h.size])
	cur := h.size

	copy(out[cur:], className)
	setSRP(out, romClassNameOffset, cur)
	cur += uint32(len(className))

	for _, s := range strs {
		copy(out[cur:], s.name)
		setSRP(out, s.rel+methodNameOffset, cur)
		cur += uint32(len(s.name))

		copy(out[cur:], s.sig)
		setSRP(out, s.rel+methodSignatureOffset, cur)
		cur += uint32(len(s.sig))
	}
	return out, nil
}

// Access and property flags carried in the modifiers of snapshot classes
// and methods.
const (
	AccPublic    uint32 = 0x0001
	AccPrivate   uint32 = 0x0002
	AccProtected uint32 = 0x0004
	AccStatic    uint32 = 0x0008
	AccFinal     uint32 = 0x0010
	AccVolatile  uint32 = 0x0040
	AccNative    uint32 = 0x0100
	AccInterface uint32 = 0x0200
	AccAbstract  uint32 = 0x0400
)

// ClassView is the decoded form of a snapshot.
type ClassView struct {
	Name      string
	Modifiers uint32
	Methods   []MethodView
}

// MethodView is one method of a ClassView. Offset is the position of the
// method record relative to the start of the snapshot body.
type MethodView struct {
	Name      string
	Signature string
	Modifiers uint32
	MaxStack  uint16
	MaxLocals uint16
	Bytecode  []byte
	Offset    uint32
}

// Unpack decodes a snapshot produced by Pack.
func Unpack(blob []byte) (*ClassView, error) {
	return UnpackAt(blob, 0)
}

// UnpackAt decodes a snapshot that starts at base inside mem.
func UnpackAt(mem []byte, base uint32) (*ClassView, error) {
	h, err := readROMHeader(mem, base)
	if err != nil {
		return nil, err
	}
	nameAt, err := resolveSRP(mem, base+romClassNameOffset)
	if err != nil {
		return nil, err
	}
	name, err := ReadUTF8(mem, nameAt)
	if err != nil {
		return nil, err
	}

	view := &ClassView{
		Name:      name,
		Modifiers: h.modifiers,
		Methods:   make([]MethodView, 0, h.methodCount),
	}
	at := h.firstMethod
	for i := uint32(0); i < h.methodCount; i++ {
		m, err := readROMMethod(mem, h, at)
		if err != nil {
			return nil, err
		}
		nameRef, err := resolveSRP(mem, at+methodNameOffset)
		if err != nil {
			return nil, err
		}
		sigRef, err := resolveSRP(mem, at+methodSignatureOffset)
		if err != nil {
			return nil, err
		}
		mname, err := ReadUTF8(mem, nameRef)
		if err != nil {
			return nil, err
		}
		msig, err := ReadUTF8(mem, sigRef)
		if err != nil {
			return nil, err
		}
		code := make([]byte, m.bytecodeSize)
		copy(code, mem[at+ROMMethodHeaderSize:])
		view.Methods = append(view.Methods, MethodView{
			Name:      mname,
			Signature: msig,
			Modifiers: m.modifiers,
			MaxStack:  m.maxStack,
			MaxLocals: m.maxLocals,
			Bytecode:  code,
			Offset:    at - base,
		})
		at = m.next()
	}
	return view, nil
}

// MethodAt returns the method whose record starts at offset.
func (v *ClassView) MethodAt(offset uint32) (*MethodView, bool) {
	for i := range v.Methods {
		if v.Methods[i].Offset == offset {
			return &v.Methods[i], true
		}
	}
	return nil, false
}

// Method returns the method with the given name and signature.
func (v *ClassView) Method(name, signature string) (*MethodView, bool) {
	for i := range v.Methods {
		if v.Methods[i].Name == name && v.Methods[i].Signature == signature {
			return &v.Methods[i], true
		}
	}
	return nil, false
}
