package vm

import (
	"github.com/chazu/jitserver/vm/dist"
	"github.com/zeebo/xxh3"
)

// Access and property flags shared by classes, methods and fields.
const (
	AccPublic    = dist.AccPublic
	AccPrivate   = dist.AccPrivate
	AccProtected = dist.AccProtected
	AccStatic    = dist.AccStatic
	AccFinal     = dist.AccFinal
	AccVolatile  = dist.AccVolatile
	AccNative    = dist.AccNative
	AccInterface = dist.AccInterface
	AccAbstract  = dist.AccAbstract
)

// BootstrapLoader is the loader of library classes.
const BootstrapLoader uint32 = 0

// InitState is a class's initialization progress.
type InitState uint8

const (
	Uninitialized InitState = iota
	Initialized
	InitFailed
)

// ClassDef describes a class to load.
type ClassDef struct {
	Name       string
	Super      dist.ClassID
	Interfaces []dist.ClassID
	Modifiers  uint32
	Loader     uint32
	Methods    []MethodDef
	Fields     []FieldDef
}

// MethodDef describes one method of a ClassDef.
type MethodDef struct {
	Name      string
	Signature string
	Modifiers uint32
	MaxStack  uint16
	MaxLocals uint16
	Bytecode  []byte
}

// FieldDef describes one field of a ClassDef. Value is the initial value
// of a static field, visible once the class is initialized.
type FieldDef struct {
	Name      string
	Signature string
	Modifiers uint32
	Value     int64
}

// Class is a loaded class. Its mutable state is guarded by the VM's class
// table lock.
type Class struct {
	ID         dist.ClassID
	Name       string
	Super      *Class
	Interfaces []*Class
	Modifiers  uint32
	Loader     uint32
	Depth      int

	Methods      []*Method
	Fields       []*Field
	InstanceSize uint32

	romOffset   uint32
	version     uint32
	fingerprint uint64
	state       InitState
	unloaded    bool
	subclasses  []*Class
}

func (c *Class) is(flag uint32) bool { return c.Modifiers&flag != 0 }

// IsInterface reports whether c is an interface.
func (c *Class) IsInterface() bool { return c.is(AccInterface) }

// Method is a method of a loaded class.
type Method struct {
	ID        dist.MethodID
	Class     *Class
	Name      string
	Signature string
	Modifiers uint32

	// romOffset is the method record's offset in its class's ROM body.
	romOffset uint32
	compiled  *InstalledCode
	traced    bool
}

func (m *Method) is(flag uint32) bool { return m.Modifiers&flag != 0 }

// virtual reports whether calls to m dispatch on the receiver.
func (m *Method) virtual() bool {
	return !m.is(AccStatic) && !m.is(AccPrivate) && m.Name != "<init>"
}

// Field is a field of a loaded class.
type Field struct {
	Name      string
	Signature string
	Modifiers uint32
	Offset    uint32
	value     int64
}

// fingerprint hashes a class's snapshot together with its place in the
// hierarchy and its definition version, so that any redefinition changes
// it even when the new bytes are identical.
func fingerprint(snapshot []byte, c *Class) uint64 {
	h := xxh3.New()
	h.Write(snapshot)
	if c.Super != nil {
		h.WriteString(c.Super.Name)
	}
	for _, i := range c.Interfaces {
		h.WriteString("|")
		h.WriteString(i.Name)
	}
	var v [4]byte
	v[0] = byte(c.version)
	v[1] = byte(c.version >> 8)
	v[2] = byte(c.version >> 16)
	v[3] = byte(c.version >> 24)
	h.Write(v[:])
	return h.Sum64()
}
