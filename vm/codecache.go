package vm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/jitserver/vm/dist"
)

// Fixed bases of the simulated executable memory. The first bytes of the
// code segment hold the interpreter glue every uncompiled method enters
// through. The data segment is within rel32 reach of the code segment.
const (
	CodeCacheBase   uint64 = 0x7f00_0000_0000
	DataCacheBase   uint64 = CodeCacheBase + 0x4000_0000
	InterpreterGlue uint64 = CodeCacheBase

	glueSize  = 16
	allocUnit = 16

	jmpRel32 = 0xE9
)

// ErrCodeCacheFull is returned when a segment has no room left.
var ErrCodeCacheFull = errors.New("vm: code cache full")

type region struct {
	addr, size uint64
}

// segment is one bump-allocated region of memory with a free list.
type segment struct {
	name string
	base uint64
	mem  []byte
	top  uint64 // offset of the first never-allocated byte
	free []region
}

func roundUp(n, unit uint64) uint64 {
	return (n + unit - 1) / unit * unit
}

func (s *segment) alloc(size uint64) (uint64, error) {
	size = roundUp(size, allocUnit)
	for i, r := range s.free {
		if r.size < size {
			continue
		}
		addr := r.addr
		if r.size == size {
			s.free = append(s.free[:i], s.free[i+1:]...)
		} else {
			s.free[i] = region{addr: r.addr + size, size: r.size - size}
		}
		clear(s.mem[addr-s.base : addr-s.base+size])
		return addr, nil
	}
	if s.top+size > uint64(len(s.mem)) {
		return 0, fmt.Errorf("%w: %s segment needs %d bytes", ErrCodeCacheFull, s.name, size)
	}
	addr := s.base + s.top
	s.top += size
	return addr, nil
}

func (s *segment) release(addr, size uint64) {
	size = roundUp(size, allocUnit)
	s.free = append(s.free, region{addr: addr, size: size})
	sort.Slice(s.free, func(i, j int) bool { return s.free[i].addr < s.free[j].addr })
	// Coalesce neighbours.
	merged := s.free[:0]
	for _, r := range s.free {
		if n := len(merged); n > 0 && merged[n-1].addr+merged[n-1].size == r.addr {
			merged[n-1].size += r.size
			continue
		}
		merged = append(merged, r)
	}
	s.free = merged
}

func (s *segment) contains(addr, n uint64) bool {
	return addr >= s.base && addr+n <= s.base+uint64(len(s.mem)) && addr+n >= addr
}

// CodeCache is the client's executable memory: a code segment for
// instructions and a data segment for metadata.
type CodeCache struct {
	mu   sync.Mutex
	code segment
	data segment
}

// NewCodeCache allocates a cache with the given segment sizes.
func NewCodeCache(codeSize, dataSize int) *CodeCache {
	cc := &CodeCache{
		code: segment{name: "code", base: CodeCacheBase, mem: make([]byte, codeSize)},
		data: segment{name: "data", base: DataCacheBase, mem: make([]byte, dataSize)},
	}
	// Interpreter glue: a single return instruction padded with int3.
	for i := 0; i < glueSize && i < codeSize; i++ {
		cc.code.mem[i] = 0xCC
	}
	if codeSize > 0 {
		cc.code.mem[0] = 0xC3
	}
	cc.code.top = glueSize
	return cc
}

// AllocCode reserves size bytes of code memory.
func (cc *CodeCache) AllocCode(size int) (uint64, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.code.alloc(uint64(size))
}

// AllocData reserves size bytes of data memory.
func (cc *CodeCache) AllocData(size int) (uint64, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.data.alloc(uint64(size))
}

// Free returns a region obtained from AllocCode or AllocData.
func (cc *CodeCache) Free(addr uint64, size int) {
	if size == 0 {
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	switch {
	case cc.code.contains(addr, uint64(size)):
		cc.code.release(addr, uint64(size))
	case cc.data.contains(addr, uint64(size)):
		cc.data.release(addr, uint64(size))
	}
}

// segmentFor returns the segment holding [addr, addr+n). Caller holds mu.
func (cc *CodeCache) segmentFor(addr uint64, n int) (*segment, error) {
	switch {
	case cc.code.contains(addr, uint64(n)):
		return &cc.code, nil
	case cc.data.contains(addr, uint64(n)):
		return &cc.data, nil
	}
	return nil, fmt.Errorf("vm: address %#x (+%d) outside the code cache", addr, n)
}

// Write copies b to addr.
func (cc *CodeCache) Write(addr uint64, b []byte) error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	s, err := cc.segmentFor(addr, len(b))
	if err != nil {
		return err
	}
	copy(s.mem[addr-s.base:], b)
	return nil
}

// Read returns a copy of n bytes at addr.
func (cc *CodeCache) Read(addr uint64, n int) ([]byte, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	s, err := cc.segmentFor(addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, s.mem[addr-s.base:])
	return out, nil
}

// PatchJump overwrites the patch site at site with a relative jump to
// dest.
func (cc *CodeCache) PatchJump(site, dest uint64) error {
	rel := int64(dest) - int64(site+dist.PatchSiteSize)
	if rel < -1<<31 || rel > 1<<31-1 {
		return fmt.Errorf("vm: jump from %#x to %#x out of range", site, dest)
	}
	var insn [dist.PatchSiteSize]byte
	insn[0] = jmpRel32
	insn[1] = byte(rel)
	insn[2] = byte(rel >> 8)
	insn[3] = byte(rel >> 16)
	insn[4] = byte(rel >> 24)
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if !cc.code.contains(site, dist.PatchSiteSize) {
		return fmt.Errorf("vm: patch site %#x outside the code segment", site)
	}
	copy(cc.code.mem[site-cc.code.base:], insn[:])
	return nil
}

// InstalledCode is a compiled method placed in the code cache.
type InstalledCode struct {
	Method   dist.MethodID
	CodeAddr uint64
	CodeSize int
	DataAddr uint64
	DataSize int
	Entry    uint64

	invalid atomic.Bool
}

// Valid reports whether the code may still be entered.
func (ic *InstalledCode) Valid() bool { return !ic.invalid.Load() }

// invalidate marks the code as no longer trustworthy and sends new
// callers back to the interpreter.
func (ic *InstalledCode) invalidate(cc *CodeCache) {
	if ic.invalid.Swap(true) {
		return
	}
	if err := cc.PatchJump(ic.Entry, InterpreterGlue); err != nil {
		vmLog.Warningf("invalidate %d: %v", ic.Method, err)
	}
}

// Discard invalidates code that was never published and returns its
// memory to the cache.
func (cc *CodeCache) Discard(ic *InstalledCode) {
	ic.invalid.Store(true)
	cc.Free(ic.CodeAddr, ic.CodeSize)
	cc.Free(ic.DataAddr, ic.DataSize)
}
