package client

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chazu/jitserver/vm"
	"github.com/chazu/jitserver/vm/dist"
)

// Resolver supplies the addresses of live VM objects named by
// relocations. *vm.VM implements it.
type Resolver interface {
	ClassAddress(id dist.ClassID) (uint64, error)
	MethodEntry(id dist.MethodID) (uint64, error)
}

// Installer places artifacts in the code cache.
type Installer struct {
	cache   *vm.CodeCache
	resolve Resolver
}

// NewInstaller creates an installer writing to cache.
func NewInstaller(cache *vm.CodeCache, r Resolver) *Installer {
	return &Installer{cache: cache, resolve: r}
}

// Install copies the code blob into the code segment and the data blob
// into the data segment, then applies the data blob's relocations to the
// installed code. The code is not published: until it is committed nothing
// enters it. On failure no memory stays allocated and the error wraps
// ErrRelocationFailure.
func (in *Installer) Install(a *dist.Artifact, method dist.MethodID) (*vm.InstalledCode, error) {
	if len(a.Code) == 0 {
		return nil, fmt.Errorf("%w: empty code blob", ErrRelocationFailure)
	}
	blob, err := dist.ParseDataBlob(a.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelocationFailure, err)
	}
	if err := a.Batch.Validate(uint32(len(a.Code))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelocationFailure, err)
	}

	codeAddr, err := in.cache.AllocCode(len(a.Code))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelocationFailure, err)
	}
	ic := &vm.InstalledCode{
		Method:   method,
		CodeAddr: codeAddr,
		CodeSize: len(a.Code),
		Entry:    codeAddr + uint64(a.Batch.CodeStart),
	}
	if len(a.Data) > 0 {
		dataAddr, err := in.cache.AllocData(len(a.Data))
		if err != nil {
			in.cache.Free(codeAddr, len(a.Code))
			return nil, fmt.Errorf("%w: %v", ErrRelocationFailure, err)
		}
		ic.DataAddr = dataAddr
		ic.DataSize = len(a.Data)
	}

	code := append([]byte(nil), a.Code...)
	err = in.relocate(code, blob, ic)
	if err == nil {
		err = in.cache.Write(codeAddr, code)
	}
	if err == nil && ic.DataSize > 0 {
		err = in.cache.Write(ic.DataAddr, a.Data)
	}
	if err != nil {
		in.cache.Discard(ic)
		return nil, fmt.Errorf("%w: %v", ErrRelocationFailure, err)
	}
	log.Debugf("installed method %d: %d code bytes at %#x, %d relocations", method, len(code), codeAddr, len(blob.Relocations))
	return ic, nil
}

// relocate patches code, which will be installed at ic.CodeAddr.
func (in *Installer) relocate(code []byte, blob *dist.DataBlob, ic *vm.InstalledCode) error {
	metaBase := ic.DataAddr + uint64(blob.MetadataOffset)
	for i, r := range blob.Relocations {
		if uint64(r.Offset)+uint64(r.Width) > uint64(len(code)) {
			return fmt.Errorf("relocation %d at %d overruns %d code bytes", i, r.Offset, len(code))
		}
		var value uint64
		switch r.Kind {
		case dist.RelocCodeAbsolute:
			if r.Target >= uint64(len(code)) {
				return fmt.Errorf("relocation %d targets code offset %d", i, r.Target)
			}
			value = ic.CodeAddr + r.Target
		case dist.RelocDataAbsolute, dist.RelocDataRelative:
			if r.Target > uint64(len(blob.Metadata)) {
				return fmt.Errorf("relocation %d targets metadata offset %d", i, r.Target)
			}
			value = metaBase + r.Target
		case dist.RelocClassPointer:
			addr, err := in.resolve.ClassAddress(dist.ClassID(r.Target))
			if err != nil {
				return fmt.Errorf("relocation %d: %w", i, err)
			}
			value = addr
		case dist.RelocMethodEntry:
			addr, err := in.resolve.MethodEntry(dist.MethodID(r.Target))
			if err != nil {
				return fmt.Errorf("relocation %d: %w", i, err)
			}
			value = addr
		default:
			return fmt.Errorf("relocation %d has kind %s", i, r.Kind)
		}
		value += uint64(r.Addend)

		field := code[r.Offset : r.Offset+uint32(r.Width)]
		if r.Kind == dist.RelocDataRelative {
			next := ic.CodeAddr + uint64(r.Offset) + 4
			rel := int64(value - next)
			if rel < math.MinInt32 || rel > math.MaxInt32 {
				return fmt.Errorf("relocation %d: displacement %d does not fit 32 bits", i, rel)
			}
			binary.LittleEndian.PutUint32(field, uint32(int32(rel)))
			continue
		}
		if r.Width == 4 {
			if value > math.MaxUint32 {
				return fmt.Errorf("relocation %d: address %#x does not fit 32 bits", i, value)
			}
			binary.LittleEndian.PutUint32(field, uint32(value))
			continue
		}
		binary.LittleEndian.PutUint64(field, value)
	}
	return nil
}
