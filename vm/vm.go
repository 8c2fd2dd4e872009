// Package vm holds the client's program state: loaded classes and their
// ROM bodies, the class hierarchy table, the code cache and the heap
// objects compiled code may refer to.
package vm

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/chazu/jitserver/vm/dist"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"
)

var vmLog = commonlog.GetLogger("jitserver.vm")

// ClassAddressBase is where class structures appear to live. A class's
// address is this base plus its ROM offset.
const ClassAddressBase uint64 = 0x7e00_0000_0000

// Default cache sizes.
const (
	DefaultCodeCacheSize = 4 << 20
	DefaultDataCacheSize = 1 << 20
)

var (
	// ErrNoSuchClass is returned for unknown or unloaded class handles.
	ErrNoSuchClass = errors.New("vm: no such class")
	// ErrNoSuchMethod is returned for unknown method handles or methods
	// of unloaded classes.
	ErrNoSuchMethod = errors.New("vm: no such method")
)

// Options configures a VM.
type Options struct {
	CodeCacheSize int
	DataCacheSize int
}

type classKey struct {
	loader uint32
	name   string
}

// VM is the client process state.
type VM struct {
	// classMu is the class table lock. Class loading, initialization,
	// redefinition, unloading and hierarchy commits take it for writing;
	// queries take it for reading.
	classMu deadlock.RWMutex
	classes map[dist.ClassID]*Class
	byName  map[classKey]*Class
	methods map[dist.MethodID]*Method

	nextClassID  dist.ClassID
	nextMethodID dist.MethodID
	unloaded     []dist.ClassID

	table *HierarchyTable

	arena    *ROMArena
	access   *VMAccess
	cache    *CodeCache
	heap     *Heap
	profiler *Profiler

	uid      string
	shutdown atomic.Bool
}

// New creates an empty VM.
func New(opts Options) *VM {
	if opts.CodeCacheSize <= 0 {
		opts.CodeCacheSize = DefaultCodeCacheSize
	}
	if opts.DataCacheSize <= 0 {
		opts.DataCacheSize = DefaultDataCacheSize
	}
	cache := NewCodeCache(opts.CodeCacheSize, opts.DataCacheSize)
	return &VM{
		classes:  make(map[dist.ClassID]*Class),
		byName:   make(map[classKey]*Class),
		methods:  make(map[dist.MethodID]*Method),
		table:    newHierarchyTable(cache),
		arena:    NewROMArena(),
		access:   &VMAccess{},
		cache:    cache,
		heap:     NewHeap(),
		profiler: NewProfiler(),
		uid:      uuid.NewString(),
	}
}

// UID identifies this process to compile servers.
func (v *VM) UID() string { return v.uid }

// Access returns the VM access token.
func (v *VM) Access() *VMAccess { return v.access }

// CodeCache returns the VM's executable memory.
func (v *VM) CodeCache() *CodeCache { return v.cache }

// Heap returns the VM's object heap.
func (v *VM) Heap() *Heap { return v.heap }

// Profiler returns the VM's invocation profiler.
func (v *VM) Profiler() *Profiler { return v.profiler }

// Shutdown marks the VM as shutting down. In-flight compilations are
// interrupted at their next message.
func (v *VM) Shutdown() { v.shutdown.Store(true) }

// liveClass returns the class for id unless it is unknown or unloaded.
// Caller holds classMu.
func (v *VM) liveClass(id dist.ClassID) (*Class, error) {
	c, ok := v.classes[id]
	if !ok || c.unloaded {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchClass, id)
	}
	return c, nil
}

// liveMethod returns the method for id unless its class is gone. Caller
// holds classMu.
func (v *VM) liveMethod(id dist.MethodID) (*Method, error) {
	m, ok := v.methods[id]
	if !ok || m.Class.unloaded {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchMethod, id)
	}
	return m, nil
}

// ancestors returns every superclass and implemented interface of c,
// nearest first, without duplicates.
func ancestors(c *Class) []*Class {
	var out []*Class
	seen := map[*Class]bool{c: true}
	queue := []*Class{c}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		next := make([]*Class, 0, 1+len(cur.Interfaces))
		if cur.Super != nil {
			next = append(next, cur.Super)
		}
		next = append(next, cur.Interfaces...)
		for _, a := range next {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
				queue = append(queue, a)
			}
		}
	}
	return out
}

func findMethod(c *Class, name, sig string) *Method {
	for _, m := range c.Methods {
		if m.Name == name && m.Signature == sig {
			return m
		}
	}
	return nil
}

// packClass snapshots c's ROM body. Caller holds classMu.
func (v *VM) packClass(c *Class) ([]byte, error) {
	return dist.Pack(v.arena.View(), c.romOffset)
}

func (v *VM) refreshFingerprint(c *Class) error {
	snap, err := v.packClass(c)
	if err != nil {
		return err
	}
	c.fingerprint = fingerprint(snap, c)
	return nil
}

// newMethods creates method objects for defs, reusing the ids of methods
// in prev with the same name and signature.
func (v *VM) newMethods(c *Class, defs []MethodDef, offsets []uint32, prev []*Method) []*Method {
	methods := make([]*Method, len(defs))
	for i, d := range defs {
		var m *Method
		for _, p := range prev {
			if p.Name == d.Name && p.Signature == d.Signature {
				m = p
				break
			}
		}
		if m == nil {
			v.nextMethodID++
			m = &Method{ID: v.nextMethodID, Class: c, Name: d.Name, Signature: d.Signature}
		}
		m.Modifiers = d.Modifiers
		m.romOffset = offsets[i]
		m.compiled = nil
		methods[i] = m
		v.methods[m.ID] = m
	}
	return methods
}

// LoadClass defines a new class. Loading extends every ancestor of the
// class and may override inherited methods; assumptions depending on
// either fire before LoadClass returns.
func (v *VM) LoadClass(def ClassDef) (*Class, error) {
	if def.Name == "" {
		return nil, errors.New("vm: class has no name")
	}
	v.classMu.Lock()
	defer v.classMu.Unlock()

	key := classKey{def.Loader, def.Name}
	if _, dup := v.byName[key]; dup {
		return nil, fmt.Errorf("vm: class %s already loaded", def.Name)
	}
	var super *Class
	if def.Super != 0 {
		s, err := v.liveClass(def.Super)
		if err != nil {
			return nil, fmt.Errorf("vm: superclass of %s: %w", def.Name, err)
		}
		if s.is(AccFinal) || s.IsInterface() {
			return nil, fmt.Errorf("vm: %s cannot extend %s", def.Name, s.Name)
		}
		super = s
	}
	ifaces := make([]*Class, 0, len(def.Interfaces))
	for _, id := range def.Interfaces {
		i, err := v.liveClass(id)
		if err != nil {
			return nil, fmt.Errorf("vm: interface of %s: %w", def.Name, err)
		}
		if !i.IsInterface() {
			return nil, fmt.Errorf("vm: %s is not an interface", i.Name)
		}
		ifaces = append(ifaces, i)
	}

	romOff, offsets, err := v.arena.AddClass(def.Name, def.Modifiers, def.Methods)
	if err != nil {
		return nil, fmt.Errorf("vm: load %s: %w", def.Name, err)
	}

	v.nextClassID++
	c := &Class{
		ID:         v.nextClassID,
		Name:       def.Name,
		Super:      super,
		Interfaces: ifaces,
		Modifiers:  def.Modifiers,
		Loader:     def.Loader,
		romOffset:  romOff,
	}
	if super != nil {
		c.Depth = super.Depth + 1
		c.InstanceSize = super.InstanceSize
	}
	var statics uint32
	for _, fd := range def.Fields {
		f := &Field{Name: fd.Name, Signature: fd.Signature, Modifiers: fd.Modifiers, value: fd.Value}
		if fd.Modifiers&AccStatic != 0 {
			f.Offset = statics
			statics++
		} else {
			f.Offset = c.InstanceSize
			c.InstanceSize += 8
		}
		c.Fields = append(c.Fields, f)
	}
	c.Methods = v.newMethods(c, def.Methods, offsets, nil)
	if err := v.refreshFingerprint(c); err != nil {
		return nil, fmt.Errorf("vm: load %s: %w", def.Name, err)
	}

	v.classes[c.ID] = c
	v.byName[key] = c
	supers := ancestors(c)
	for _, a := range supers {
		a.subclasses = append(a.subclasses, c)
	}

	v.table.classExtended(supers)
	for _, m := range c.Methods {
		if !m.virtual() {
			continue
		}
		for _, a := range supers {
			if am := findMethod(a, m.Name, m.Signature); am != nil && am.virtual() {
				v.table.Fire(OverrideEvent(am.ID))
			}
		}
	}
	v.table.Fire(LoadNameEvent(def.Name))

	vmLog.Debugf("loaded class %s as %d", c.Name, c.ID)
	return c, nil
}

// InitializeClass runs the static initializer of a class and its
// superclasses. Static final values become visible to the compiler.
func (v *VM) InitializeClass(id dist.ClassID) error {
	v.classMu.Lock()
	defer v.classMu.Unlock()
	c, err := v.liveClass(id)
	if err != nil {
		return err
	}
	for k := c; k != nil && k.state != Initialized; k = k.Super {
		k.state = Initialized
	}
	return nil
}

// RedefineClass replaces the methods of a class. Methods that keep their
// name and signature keep their ids. All compiled code of the class is
// invalidated and redefinition assumptions fire. It stops the world.
func (v *VM) RedefineClass(id dist.ClassID, methods []MethodDef) error {
	v.access.AcquireExclusive()
	defer v.access.ReleaseExclusive()
	v.classMu.Lock()
	defer v.classMu.Unlock()

	c, err := v.liveClass(id)
	if err != nil {
		return err
	}
	romOff, offsets, err := v.arena.AddClass(c.Name, c.Modifiers, methods)
	if err != nil {
		return fmt.Errorf("vm: redefine %s: %w", c.Name, err)
	}
	for _, m := range c.Methods {
		if m.compiled != nil {
			m.compiled.invalidate(v.cache)
		}
	}
	old := c.Methods
	c.romOffset = romOff
	c.version++
	c.Methods = v.newMethods(c, methods, offsets, old)
	for _, m := range old {
		if findMethod(c, m.Name, m.Signature) == nil {
			delete(v.methods, m.ID)
		}
	}
	if err := v.refreshFingerprint(c); err != nil {
		return fmt.Errorf("vm: redefine %s: %w", c.Name, err)
	}
	v.table.Fire(RedefineEvent(c.ID))
	vmLog.Infof("redefined class %s (version %d)", c.Name, c.version)
	return nil
}

// UnloadClass unloads a class that has no live subclasses. Its compiled
// code is freed, redefinition assumptions fire and the class is queued for
// the next compile request's unloaded list. It stops the world.
func (v *VM) UnloadClass(id dist.ClassID) error {
	v.access.AcquireExclusive()
	defer v.access.ReleaseExclusive()
	v.classMu.Lock()
	defer v.classMu.Unlock()

	c, err := v.liveClass(id)
	if err != nil {
		return err
	}
	for _, s := range c.subclasses {
		if !s.unloaded {
			return fmt.Errorf("vm: cannot unload %s: subclass %s is loaded", c.Name, s.Name)
		}
	}
	c.unloaded = true
	delete(v.byName, classKey{c.Loader, c.Name})
	for _, a := range ancestors(c) {
		a.subclasses = removeClass(a.subclasses, c)
	}
	for _, m := range c.Methods {
		if ic := m.compiled; ic != nil {
			v.table.dropCode(ic)
			v.cache.Discard(ic)
			m.compiled = nil
		}
	}
	v.unloaded = append(v.unloaded, c.ID)
	v.table.Fire(RedefineEvent(c.ID))
	vmLog.Infof("unloaded class %s", c.Name)
	return nil
}

func removeClass(list []*Class, c *Class) []*Class {
	for i, x := range list {
		if x == c {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// SetCallSiteTarget rebinds a mutable call site. Code that assumed the
// previous target is patched.
func (v *VM) SetCallSiteTarget(site, target dist.ObjectRef) error {
	v.classMu.Lock()
	defer v.classMu.Unlock()
	if _, err := v.heap.setCallSiteTarget(site, target); err != nil {
		return err
	}
	v.table.Fire(CallSiteEvent(site))
	return nil
}

// SetMethodTracing turns entry tracing for a method on or off. Traced
// methods are compiled with tracing hooks.
func (v *VM) SetMethodTracing(id dist.MethodID, on bool) error {
	v.classMu.Lock()
	defer v.classMu.Unlock()
	m, err := v.liveMethod(id)
	if err != nil {
		return err
	}
	m.traced = on
	return nil
}

// DrainUnloaded returns the classes unloaded since the previous call.
func (v *VM) DrainUnloaded() []dist.ClassID {
	v.classMu.Lock()
	defer v.classMu.Unlock()
	out := v.unloaded
	v.unloaded = nil
	return out
}

// RequeueUnloaded puts back classes drained for a request that never
// reached a server.
func (v *VM) RequeueUnloaded(ids []dist.ClassID) {
	if len(ids) == 0 {
		return
	}
	v.classMu.Lock()
	defer v.classMu.Unlock()
	v.unloaded = append(ids, v.unloaded...)
}

// PendingUnloaded returns the classes unloaded since the last drain
// without draining them.
func (v *VM) PendingUnloaded() []dist.ClassID {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	return append([]dist.ClassID(nil), v.unloaded...)
}

// Target is what a compile request needs to know about its method, taken
// at one instant.
type Target struct {
	Method       dist.MethodID
	Class        dist.ClassID
	Name         string
	Snapshot     []byte
	Fingerprint  uint64
	MethodOffset uint32
	Epoch        uint64
	Traced       bool
}

// CompileTarget snapshots the class of a method for a compile request.
func (v *VM) CompileTarget(id dist.MethodID) (*Target, error) {
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	m, err := v.liveMethod(id)
	if err != nil {
		return nil, err
	}
	snap, err := v.packClass(m.Class)
	if err != nil {
		return nil, fmt.Errorf("vm: snapshot %s: %w", m.Class.Name, err)
	}
	return &Target{
		Method:       m.ID,
		Class:        m.Class.ID,
		Name:         m.Class.Name + "." + m.Name + m.Signature,
		Snapshot:     snap,
		Fingerprint:  m.Class.fingerprint,
		MethodOffset: m.romOffset,
		Epoch:        v.table.Epoch(),
		Traced:       m.traced,
	}, nil
}

// Interrupted reports whether a compilation of t must stop: the VM is
// shutting down, or the target's class was unloaded or redefined since t
// was taken.
func (v *VM) Interrupted(t *Target) (string, bool) {
	if v.shutdown.Load() {
		return "vm shutting down", true
	}
	v.classMu.RLock()
	defer v.classMu.RUnlock()
	c, ok := v.classes[t.Class]
	switch {
	case !ok || c.unloaded:
		return "class unloaded", true
	case c.fingerprint != t.Fingerprint:
		return "class redefined", true
	}
	return "", false
}

// UpdateHierarchy runs fn with the class table lock held for writing. No
// class can be loaded, redefined or unloaded while fn runs.
func (v *VM) UpdateHierarchy(fn func(tx *Txn) error) error {
	v.classMu.Lock()
	defer v.classMu.Unlock()
	return fn(&Txn{v: v})
}
