package server

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/chazu/jitserver/vm/dist"
)

// Job is one compilation handed to a backend.
type Job struct {
	Request *dist.CompileRequest
	// Class and Method are decoded from the request's snapshot.
	Class  *dist.ClassView
	Method *dist.MethodView

	Session *ClientSession
	Queries *QueryChannel
}

// Backend compiles methods. Everything a backend needs to know about the
// client beyond the job goes through job.Queries.
//
// Compile returns the terminal artifact. An error wrapping
// ErrCompilationInterrupted or ErrProtocol ends the stream without a
// terminal message; any other error is reported to the client as a
// FAILURE.
type Backend interface {
	Compile(ctx context.Context, job *Job) (*dist.Artifact, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, job *Job) (*dist.Artifact, error)

// Compile calls f.
func (f BackendFunc) Compile(ctx context.Context, job *Job) (*dist.Artifact, error) {
	return f(ctx, job)
}

// DefaultMaxBytecode is the largest method ReferenceBackend compiles.
const DefaultMaxBytecode = 8 << 10

// ReferenceBackend is a template compiler. It does not translate bytecode;
// it produces code with the shape of a real compilation: class pointer and
// metadata references, devirtualization guards with nop sites, and a slow
// path back to the method's current entry.
type ReferenceBackend struct {
	MaxBytecode int
}

func failure(format string, args ...any) *dist.Artifact {
	return &dist.Artifact{Status: dist.StatusFailure, Reason: fmt.Sprintf(format, args...)}
}

// Compile implements Backend.
func (b *ReferenceBackend) Compile(ctx context.Context, job *Job) (*dist.Artifact, error) {
	req, m := job.Request, job.Method
	if req.Hotness == dist.HotnessNoOpt || m.Modifiers&(dist.AccNative|dist.AccAbstract) != 0 {
		return &dist.Artifact{Status: dist.StatusNotNeeded}, nil
	}
	limit := b.MaxBytecode
	if limit <= 0 {
		limit = DefaultMaxBytecode
	}
	if len(m.Bytecode) > limit {
		return failure("%s%s has %d bytecodes, limit is %d", m.Name, m.Signature, len(m.Bytecode), limit), nil
	}
	if _, err := job.Session.VMInfo(ctx, job.Queries); err != nil {
		return nil, err
	}

	self := dist.ClassRef{ID: req.Class, Fingerprint: req.Fingerprint}
	classes := []dist.ClassRef{self}
	var super dist.ClassResult
	if err := job.Queries.Query(ctx, dist.QueryGetSuperClass, dist.ClassArgs{Class: req.Class}, &super); err != nil {
		return nil, err
	}
	if super.Class != 0 {
		view, fp, err := job.Session.ClassView(ctx, job.Queries, super.Class)
		if err != nil {
			return nil, err
		}
		if view != nil {
			classes = append(classes, dist.ClassRef{ID: super.Class, Fingerprint: fp})
		}
	}

	var guarded, sealed bool
	if m.Modifiers&(dist.AccStatic|dist.AccPrivate|dist.AccFinal) == 0 && job.Class.Modifiers&dist.AccFinal == 0 {
		var over dist.BoolResult
		if err := job.Queries.Query(ctx, dist.QueryIsMethodOverridden, dist.MethodArgs{Method: req.Method}, &over); err != nil {
			return nil, err
		}
		guarded = !over.Value
		if guarded {
			var subs dist.ClassListResult
			if err := job.Queries.Query(ctx, dist.QueryGetSubClasses, dist.ClassArgs{Class: req.Class}, &subs); err != nil {
				return nil, err
			}
			sealed = len(subs.Classes) == 0
		}
	}

	art := emit(job, self, guarded, sealed)
	art.Batch.Classes = classes
	return art, nil
}

var nop5 = []byte{0x0F, 0x1F, 0x44, 0x00, 0x00}

// emit lays out the code:
//
//	[hierarchy nop site]  when sealed
//	[override nop site]   when guarded
//	mov rax, class        class pointer
//	lea rdx, [rip+meta]   method name in metadata
//	nop * len(bytecode)
//	ret
//	slow: mov rax, entry  current entry of the method
//	      jmp rax
//	      .quad slow
func emit(job *Job, self dist.ClassRef, guarded, sealed bool) *dist.Artifact {
	req, m := job.Request, job.Method
	var code []byte
	blob := dist.NewDataBlobBuilder()
	meta := blob.AddMetadata([]byte(job.Class.Name + "." + m.Name + m.Signature))

	var hierarchySite, overrideSite uint32
	if sealed {
		hierarchySite = uint32(len(code))
		code = append(code, nop5...)
	}
	if guarded {
		overrideSite = uint32(len(code))
		code = append(code, nop5...)
	}

	code = append(code, 0x48, 0xB8)
	blob.AddRelocation(dist.Relocation{Kind: dist.RelocClassPointer, Width: 8, Offset: uint32(len(code)), Target: uint64(req.Class)})
	code = binary.LittleEndian.AppendUint64(code, 0)

	code = append(code, 0x48, 0x8D, 0x15)
	blob.AddRelocation(dist.Relocation{Kind: dist.RelocDataRelative, Width: 4, Offset: uint32(len(code)), Target: uint64(meta)})
	code = binary.LittleEndian.AppendUint32(code, 0)

	for i := 0; i < max(len(m.Bytecode), 1); i++ {
		code = append(code, 0x90)
	}
	code = append(code, 0xC3)

	slow := uint32(len(code))
	code = append(code, 0x48, 0xB8)
	blob.AddRelocation(dist.Relocation{Kind: dist.RelocMethodEntry, Width: 8, Offset: uint32(len(code)), Target: uint64(req.Method)})
	code = binary.LittleEndian.AppendUint64(code, 0)
	code = append(code, 0xFF, 0xE0)

	for len(code)%8 != 0 {
		code = append(code, 0xCC)
	}
	blob.AddRelocation(dist.Relocation{Kind: dist.RelocCodeAbsolute, Width: 8, Offset: uint32(len(code)), Target: uint64(slow)})
	code = binary.LittleEndian.AppendUint64(code, 0)

	batch := &dist.CommitBatch{CodeStart: 0}
	var outer uint32
	if sealed {
		this := self
		outer = batch.Guards.Add(dist.GuardRecord{
			Kind:      dist.GuardHierarchy,
			TestKind:  dist.TestDummy,
			ThisClass: &this,
			NopSites:  []dist.PatchSite{{Location: hierarchySite, Destination: slow}},
		})
	}
	if guarded {
		g := dist.GuardRecord{
			Kind:          dist.GuardNonOverridden,
			TestKind:      dist.TestNonoverridden,
			GuardedMethod: &dist.MethodRef{ID: req.Method, Class: self},
			NopSites:      []dist.PatchSite{{Location: overrideSite, Destination: slow}},
		}
		if sealed {
			batch.Guards.Nest(outer, batch.Guards.AddInner(g))
		} else {
			batch.Guards.Add(g)
		}
	}
	return &dist.Artifact{Status: dist.StatusOK, Code: code, Data: blob.Bytes(), Batch: batch}
}
