package vm

import (
	"fmt"
	"sync"

	"github.com/chazu/jitserver/vm/dist"
)

// StringObject is a string on the heap.
type StringObject struct {
	Value string
}

// MethodHandle is a direct handle to a method.
type MethodHandle struct {
	Target dist.MethodID
	Type   string
}

// CallSite is a mutable call site. Epoch increases every time its target
// changes.
type CallSite struct {
	Target dist.ObjectRef
	Epoch  uint64
}

type heapObject struct {
	class dist.ClassID
	value any
}

// Heap holds the objects compiled code can refer to by handle.
type Heap struct {
	mu       sync.RWMutex
	next     dist.ObjectRef
	objects  map[dist.ObjectRef]*heapObject
	interned map[string]dist.ObjectRef
}

// NewHeap returns an empty heap.
func NewHeap() *Heap {
	return &Heap{
		objects:  make(map[dist.ObjectRef]*heapObject),
		interned: make(map[string]dist.ObjectRef),
	}
}

func (h *Heap) add(class dist.ClassID, v any) dist.ObjectRef {
	h.next++
	h.objects[h.next] = &heapObject{class: class, value: v}
	return h.next
}

// NewString allocates a string. Interned strings are shared.
func (h *Heap) NewString(class dist.ClassID, s string, intern bool) dist.ObjectRef {
	h.mu.Lock()
	defer h.mu.Unlock()
	if intern {
		if ref, ok := h.interned[s]; ok {
			return ref
		}
	}
	ref := h.add(class, &StringObject{Value: s})
	if intern {
		h.interned[s] = ref
	}
	return ref
}

// LookupInterned returns the interned string equal to s, or zero.
func (h *Heap) LookupInterned(s string) dist.ObjectRef {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.interned[s]
}

// NewMethodHandle allocates a handle to target.
func (h *Heap) NewMethodHandle(class dist.ClassID, target dist.MethodID, typ string) dist.ObjectRef {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.add(class, &MethodHandle{Target: target, Type: typ})
}

// NewCallSite allocates a call site bound to target.
func (h *Heap) NewCallSite(class dist.ClassID, target dist.ObjectRef) dist.ObjectRef {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.add(class, &CallSite{Target: target})
}

// setCallSiteTarget rebinds a call site and returns its new epoch.
func (h *Heap) setCallSiteTarget(ref, target dist.ObjectRef) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.objects[ref]
	if !ok {
		return 0, fmt.Errorf("vm: no object %d", ref)
	}
	cs, ok := o.value.(*CallSite)
	if !ok {
		return 0, fmt.Errorf("vm: object %d is not a call site", ref)
	}
	cs.Target = target
	cs.Epoch++
	return cs.Epoch, nil
}

// String returns the value of a string object.
func (h *Heap) String(ref dist.ObjectRef) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if o, ok := h.objects[ref]; ok {
		if s, ok := o.value.(*StringObject); ok {
			return s.Value, true
		}
	}
	return "", false
}

// MethodHandle returns a copy of a method handle object.
func (h *Heap) MethodHandle(ref dist.ObjectRef) (MethodHandle, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if o, ok := h.objects[ref]; ok {
		if mh, ok := o.value.(*MethodHandle); ok {
			return *mh, true
		}
	}
	return MethodHandle{}, false
}

// CallSite returns a copy of a call site object.
func (h *Heap) CallSite(ref dist.ObjectRef) (CallSite, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if o, ok := h.objects[ref]; ok {
		if cs, ok := o.value.(*CallSite); ok {
			return *cs, true
		}
	}
	return CallSite{}, false
}

// ObjectClass returns the class of an object, or zero.
func (h *Heap) ObjectClass(ref dist.ObjectRef) dist.ClassID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if o, ok := h.objects[ref]; ok {
		return o.class
	}
	return 0
}
