package vm

import (
	"fmt"

	"github.com/chazu/jitserver/vm/dist"
)

// ClassInfo is a read-only copy of a class's attributes.
type ClassInfo struct {
	ID           dist.ClassID
	Name         string
	Super        dist.ClassID
	Interfaces   []dist.ClassID
	Modifiers    uint32
	Loader       uint32
	Depth        int
	Initialized  bool
	InstanceSize uint32
	Fingerprint  uint64
}

// MethodInfo is a read-only copy of a method's attributes. Offset is the
// method record's offset in its class snapshot.
type MethodInfo struct {
	ID        dist.MethodID
	Class     dist.ClassID
	Name      string
	Signature string
	Modifiers uint32
	Offset    uint32
	Compiled  bool
	Entry     uint64
	Traced    bool
}

func classInfo(c *Class) ClassInfo {
	info := ClassInfo{
		ID:           c.ID,
		Name:         c.Name,
		Modifiers:    c.Modifiers,
		Loader:       c.Loader,
		Depth:        c.Depth,
		Initialized:  c.state == Initialized,
		InstanceSize: c.InstanceSize,
		Fingerprint:  c.fingerprint,
	}
	if c.Super != nil {
		info.Super = c.Super.ID
	}
	for _, i := range c.Interfaces {
		info.Interfaces = append(info.Interfaces, i.ID)
	}
	return info
}

func methodInfo(m *Method) MethodInfo {
	info := MethodInfo{
		ID:        m.ID,
		Class:     m.Class.ID,
		Name:      m.Name,
		Signature: m.Signature,
		Modifiers: m.Modifiers,
		Offset:    m.romOffset,
		Traced:    m.traced,
		Entry:     InterpreterGlue,
	}
	if m.compiled != nil && m.compiled.Valid() {
		info.Compiled = true
		info.Entry = m.compiled.Entry
	}
	return info
}

// ClassInfo returns the attributes of a live class.
func (v *VM) ClassInfo(id dist.ClassID) (ClassInfo, error) {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	c, err := v.liveClass(id)
	if err != nil {
		return ClassInfo{}, err
	}
	return classInfo(c), nil
}

// ClassCount returns the number of live classes.
func (v *VM) ClassCount() int {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	return len(v.byName)
}

// IsInstanceOf reports whether instances of c are instances of target.
func (v *VM) IsInstanceOf(c, target dist.ClassID) (bool, error) {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	k, err := v.liveClass(c)
	if err != nil {
		return false, err
	}
	t, err := v.liveClass(target)
	if err != nil {
		return false, err
	}
	if k == t {
		return true, nil
	}
	for _, a := range ancestors(k) {
		if a == t {
			return true, nil
		}
	}
	return false, nil
}

// SubClasses returns the live direct subclasses and implementors of id.
func (v *VM) SubClasses(id dist.ClassID) ([]dist.ClassID, error) {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	c, err := v.liveClass(id)
	if err != nil {
		return nil, err
	}
	var out []dist.ClassID
	for _, s := range c.subclasses {
		direct := s.Super == c
		for _, i := range s.Interfaces {
			direct = direct || i == c
		}
		if direct && !s.unloaded {
			out = append(out, s.ID)
		}
	}
	return out, nil
}

// ClassByName finds a class by name as seen from context: the context
// class's loader first, then the bootstrap loader. It returns zero if no
// such class is loaded.
func (v *VM) ClassByName(name string, context dist.ClassID) (dist.ClassID, error) {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	loader := BootstrapLoader
	if context != 0 {
		c, err := v.liveClass(context)
		if err != nil {
			return 0, err
		}
		loader = c.Loader
	}
	if c, ok := v.byName[classKey{loader, name}]; ok {
		return c.ID, nil
	}
	if c, ok := v.byName[classKey{BootstrapLoader, name}]; ok {
		return c.ID, nil
	}
	return 0, nil
}

// ClassSnapshot packs a class and returns the snapshot and fingerprint.
func (v *VM) ClassSnapshot(id dist.ClassID) ([]byte, uint64, error) {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	c, err := v.liveClass(id)
	if err != nil {
		return nil, 0, err
	}
	snap, err := v.packClass(c)
	if err != nil {
		return nil, 0, fmt.Errorf("vm: snapshot %s: %w", c.Name, err)
	}
	return snap, c.fingerprint, nil
}

// MethodInfo returns the attributes of a method of a live class.
func (v *VM) MethodInfo(id dist.MethodID) (MethodInfo, error) {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	m, err := v.liveMethod(id)
	if err != nil {
		return MethodInfo{}, err
	}
	return methodInfo(m), nil
}

// ResolveMethod looks a method up by name and signature. Static resolution
// only looks at class itself; virtual resolution also walks the
// superclasses and interfaces, nearest first.
func (v *VM) ResolveMethod(class dist.ClassID, name, sig string, virtual bool) (MethodInfo, bool, error) {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	c, err := v.liveClass(class)
	if err != nil {
		return MethodInfo{}, false, err
	}
	if m := findMethod(c, name, sig); m != nil {
		return methodInfo(m), true, nil
	}
	if virtual {
		for _, a := range ancestors(c) {
			if m := findMethod(a, name, sig); m != nil && m.virtual() {
				return methodInfo(m), true, nil
			}
		}
	}
	return MethodInfo{}, false, nil
}

// isOverridden reports whether a live class below m's class redefines m.
// Caller holds classMu.
func (v *VM) isOverridden(m *Method) bool {
	if !m.virtual() {
		return false
	}
	for _, s := range m.Class.subclasses {
		if s.unloaded {
			continue
		}
		if o := findMethod(s, m.Name, m.Signature); o != nil && o.virtual() {
			return true
		}
	}
	return false
}

// IsOverridden reports whether any loaded subclass overrides a method.
func (v *VM) IsOverridden(id dist.MethodID) (bool, error) {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	m, err := v.liveMethod(id)
	if err != nil {
		return false, err
	}
	return v.isOverridden(m), nil
}

// lookupField finds a field in class or its superclasses. Caller holds
// classMu.
func (v *VM) lookupField(class dist.ClassID, name string) (*Class, *Field, error) {
	c, err := v.liveClass(class)
	if err != nil {
		return nil, nil, err
	}
	for k := c; k != nil; k = k.Super {
		for _, f := range k.Fields {
			if f.Name == name {
				return k, f, nil
			}
		}
	}
	return nil, nil, nil
}

// FieldAttributes resolves a field. static selects static or instance
// fields.
func (v *VM) FieldAttributes(class dist.ClassID, name string, static bool) (dist.FieldAttributes, error) {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	owner, f, err := v.lookupField(class, name)
	if err != nil || f == nil {
		return dist.FieldAttributes{}, err
	}
	if (f.Modifiers&AccStatic != 0) != static {
		return dist.FieldAttributes{}, nil
	}
	return dist.FieldAttributes{
		Found:     true,
		Class:     owner.ID,
		Signature: f.Signature,
		Offset:    f.Offset,
		Modifiers: f.Modifiers,
	}, nil
}

// StaticFinalValue returns the value of a static final field once its
// class is initialized.
func (v *VM) StaticFinalValue(class dist.ClassID, name string) (dist.StaticValue, error) {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	owner, f, err := v.lookupField(class, name)
	if err != nil || f == nil {
		return dist.StaticValue{}, err
	}
	const staticFinal = AccStatic | AccFinal
	if f.Modifiers&staticFinal != staticFinal || owner.state != Initialized {
		return dist.StaticValue{}, nil
	}
	return dist.StaticValue{Known: true, Value: f.value}, nil
}

// ClassAddress returns the address of a live class structure.
func (v *VM) ClassAddress(id dist.ClassID) (uint64, error) {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	c, err := v.liveClass(id)
	if err != nil {
		return 0, err
	}
	return ClassAddressBase + uint64(c.romOffset), nil
}

// MethodEntry returns where calls to a method currently go: its compiled
// code if valid, the interpreter glue otherwise.
func (v *VM) MethodEntry(id dist.MethodID) (uint64, error) {
	info, err := v.MethodInfo(id)
	if err != nil {
		return 0, err
	}
	return info.Entry, nil
}

// Info describes the VM to a compile server.
func (v *VM) Info() dist.VMInfo {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	return dist.VMInfo{
		ClientUID:     v.uid,
		Version:       dist.ProtocolVersion,
		CodeCacheBase: CodeCacheBase,
		DataCacheBase: DataCacheBase,
		InterpGlue:    InterpreterGlue,
		TableEpoch:    v.table.Epoch(),
		LoadedClasses: len(v.byName),
	}
}

// TableEpoch returns the hierarchy table's current epoch.
func (v *VM) TableEpoch() uint64 {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	return v.table.Epoch()
}

// StringValue returns the value of a string object.
func (v *VM) StringValue(ref dist.ObjectRef) (string, bool) { return v.heap.String(ref) }

// InternedString returns the interned string object equal to s, or zero.
func (v *VM) InternedString(s string) dist.ObjectRef { return v.heap.LookupInterned(s) }

// ObjectClass returns the class of a heap object, or zero.
func (v *VM) ObjectClass(ref dist.ObjectRef) dist.ClassID { return v.heap.ObjectClass(ref) }

// MethodHandle returns a method handle object.
func (v *VM) MethodHandle(ref dist.ObjectRef) (MethodHandle, bool) { return v.heap.MethodHandle(ref) }

// CallSite returns a mutable call site object.
func (v *VM) CallSite(ref dist.ObjectRef) (CallSite, bool) { return v.heap.CallSite(ref) }

// InvocationCount returns how often a method has been invoked.
func (v *VM) InvocationCount(id dist.MethodID) uint64 { return v.profiler.InvocationCount(id) }
