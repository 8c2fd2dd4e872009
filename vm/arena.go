package vm

import (
	"sync"

	"github.com/chazu/jitserver/vm/dist"
)

// ROMArena holds interned UTF8 records and ROM class bodies. It only ever
// grows: bytes below the current size never change, so a View stays valid
// after later appends.
type ROMArena struct {
	mu      sync.Mutex
	mem     []byte
	strings map[string]uint32
}

// NewROMArena returns an empty arena.
func NewROMArena() *ROMArena {
	return &ROMArena{strings: make(map[string]uint32)}
}

// intern returns the offset of the UTF8 record for s. Caller holds mu.
func (a *ROMArena) intern(s string) (uint32, error) {
	if off, ok := a.strings[s]; ok {
		return off, nil
	}
	mem, off, err := dist.AppendUTF8(a.mem, s)
	if err != nil {
		return 0, err
	}
	a.mem = mem
	a.strings[s] = off
	return off, nil
}

// Intern returns the offset of the shared UTF8 record for s.
func (a *ROMArena) Intern(s string) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.intern(s)
}

// AddClass writes a ROM class body. Its name and every method name and
// signature point at interned records shared with other classes. It
// returns the body offset and each method record's offset within it.
func (a *ROMArena) AddClass(name string, modifiers uint32, methods []MethodDef) (uint32, []uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	nameRef, err := a.intern(name)
	if err != nil {
		return 0, nil, err
	}
	specs := make([]dist.ROMMethodSpec, len(methods))
	for i, m := range methods {
		nref, err := a.intern(m.Name)
		if err != nil {
			return 0, nil, err
		}
		sref, err := a.intern(m.Signature)
		if err != nil {
			return 0, nil, err
		}
		specs[i] = dist.ROMMethodSpec{
			NameRef:      nref,
			SignatureRef: sref,
			Modifiers:    m.Modifiers,
			MaxStack:     m.MaxStack,
			MaxLocals:    m.MaxLocals,
			Bytecode:     m.Bytecode,
		}
	}
	mem, off, offsets := dist.AppendROMClass(a.mem, nameRef, modifiers, specs)
	a.mem = mem
	return off, offsets, nil
}

// View returns the arena's current contents.
func (a *ROMArena) View() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mem[:len(a.mem):len(a.mem)]
}

// Size returns the number of bytes written so far.
func (a *ROMArena) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.mem)
}
