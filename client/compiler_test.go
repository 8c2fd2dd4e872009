package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chazu/jitserver/vm"
	"github.com/chazu/jitserver/vm/dist"
)

// scripted dials one pipe per compilation, each served by the next script.
type scripted struct {
	t       *testing.T
	mu      sync.Mutex
	scripts []func(p *peer)
	dials   int
	done    []<-chan struct{}
}

func (s *scripted) Dial(ctx context.Context) (dist.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dials >= len(s.scripts) {
		s.t.Errorf("unexpected dial %d", s.dials+1)
		return nil, errors.New("no script")
	}
	c, done := serve(s.t, s.scripts[s.dials])
	s.dials++
	s.done = append(s.done, done)
	return c, nil
}

func (s *scripted) wait() {
	s.t.Helper()
	for _, d := range s.done {
		wait(s.t, d)
	}
}

func compileRequest(p *peer) dist.CompileRequest {
	var req dist.CompileRequest
	m := p.recv()
	if m.Kind != dist.KindCompileRequest {
		p.t.Errorf("first message: got %s", m.Kind)
	}
	if err := m.Decode(&req); err != nil {
		p.t.Errorf("decode request: %v", err)
	}
	return req
}

func TestCompile_InstallsAndCommits(t *testing.T) {
	f := newFixture(t)
	foo := f.fooRef(t)
	srv := &scripted{t: t, scripts: []func(p *peer){func(p *peer) {
		req := compileRequest(p)
		if req.Method != f.bar || req.Fingerprint != foo.Fingerprint || req.Hotness != dist.HotnessHot {
			t.Errorf("request: got %+v", req)
		}
		var depth dist.IntResult
		p.query(dist.QueryGetClassDepth, dist.ClassArgs{Class: req.Class}, &depth)
		batch := &dist.CommitBatch{
			Classes:     []dist.ClassRef{foo},
			Preexistent: []dist.MethodRef{{ID: f.bar, Class: foo}},
			CodeStart:   16,
		}
		p.send(artifact(t, nopCode(32), nil, batch))
		p.rest()
	}}}
	rc := NewRemoteCompiler(f.vm, srv, Options{})

	res := rc.Compile(context.Background(), f.bar, dist.HotnessHot, nil)
	srv.wait()
	if !res.OK() {
		t.Fatalf("Compile: %v", res.Err)
	}
	if entry, _ := f.vm.MethodEntry(f.bar); entry != res.Installed.Entry || entry != res.Installed.CodeAddr+16 {
		t.Errorf("MethodEntry: got %#x, want %#x", entry, res.Installed.Entry)
	}
	if n := rc.Stats().Count(dist.QueryGetClassDepth); n != 1 {
		t.Errorf("stats: got %d getClassDepth, want 1", n)
	}
	if rc.Availability().Failures() != 0 {
		t.Error("a successful compilation must not count as a failure")
	}
}

func TestCompile_NotNeededInstallsNothing(t *testing.T) {
	f := newFixture(t)
	srv := &scripted{t: t, scripts: []func(p *peer){func(p *peer) {
		compileRequest(p)
		p.send(message(t, dist.KindFinalArtifact, &dist.Artifact{Status: dist.StatusNotNeeded}))
		p.rest()
	}}}
	res := NewRemoteCompiler(f.vm, srv, Options{}).Compile(context.Background(), f.bar, dist.HotnessWarm, nil)
	srv.wait()
	if !res.OK() || res.Installed != nil || res.RetryLocally {
		t.Errorf("Compile: got %+v, want an empty result", res)
	}
}

func TestCompile_DialFailureBacksOff(t *testing.T) {
	f := newFixture(t)
	var dials int
	d := DialFunc(func(ctx context.Context) (dist.Stream, error) {
		dials++
		return nil, errors.New("connection refused")
	})
	rc := NewRemoteCompiler(f.vm, d, Options{RetryBackoff: time.Hour})

	res := rc.Compile(context.Background(), f.bar, dist.HotnessWarm, nil)
	if !errors.Is(res.Err, ErrTransportFailure) || !res.RetryLocally {
		t.Fatalf("first Compile: got %+v, want a transport failure", res)
	}
	res = rc.Compile(context.Background(), f.bar, dist.HotnessWarm, nil)
	if !errors.Is(res.Err, ErrServerUnavailable) || !res.RetryLocally {
		t.Fatalf("second Compile: got %+v, want ErrServerUnavailable", res)
	}
	if dials != 1 {
		t.Errorf("dialled %d times during backoff, want 1", dials)
	}
}

func TestCompile_TransportFailureRequeuesUnloaded(t *testing.T) {
	f := newFixture(t)
	gone := mustLoad(t, f.vm, vm.ClassDef{Name: "Gone", Super: f.object.ID})
	if err := f.vm.UnloadClass(gone.ID); err != nil {
		t.Fatalf("UnloadClass: %v", err)
	}
	srv := &scripted{t: t, scripts: []func(p *peer){func(p *peer) {
		req := compileRequest(p)
		if len(req.UnloadedClasses) != 1 || req.UnloadedClasses[0] != gone.ID {
			t.Errorf("unloaded classes: got %v", req.UnloadedClasses)
		}
		p.stream.Close()
	}}}
	rc := NewRemoteCompiler(f.vm, srv, Options{RetryBackoff: time.Hour})

	res := rc.Compile(context.Background(), f.bar, dist.HotnessWarm, nil)
	srv.wait()
	if !errors.Is(res.Err, ErrTransportFailure) {
		t.Fatalf("Compile: got %v, want ErrTransportFailure", res.Err)
	}
	if pending := f.vm.PendingUnloaded(); len(pending) != 1 || pending[0] != gone.ID {
		t.Errorf("pending unloaded after failure: got %v", pending)
	}
	if rc.Availability().Available() {
		t.Error("server should be in backoff after a transport failure")
	}
}

func TestCompile_VersionMismatchDisables(t *testing.T) {
	f := newFixture(t)
	mismatch := func(p *peer) {
		compileRequest(p)
		p.send(message(t, dist.KindFinalArtifact, &dist.Artifact{
			Status:          dist.StatusFailure,
			Reason:          "protocol version 2 not supported",
			VersionMismatch: true,
		}))
		p.rest()
	}
	srv := &scripted{t: t, scripts: []func(p *peer){mismatch, mismatch, mismatch}}
	rc := NewRemoteCompiler(f.vm, srv, Options{})

	for i := 0; i < maxIncompatible; i++ {
		res := rc.Compile(context.Background(), f.bar, dist.HotnessWarm, nil)
		if !errors.Is(res.Err, ErrCompileFailure) || !res.RetryLocally {
			t.Fatalf("Compile %d: got %+v, want a compile failure", i+1, res)
		}
	}
	srv.wait()
	if !rc.Availability().Disabled() {
		t.Fatal("remote compilation still enabled after repeated version mismatches")
	}
	if res := rc.Compile(context.Background(), f.bar, dist.HotnessWarm, nil); !errors.Is(res.Err, ErrServerUnavailable) {
		t.Errorf("Compile after disable: got %v, want ErrServerUnavailable", res.Err)
	}
}

func TestCompile_RejectedCommitDiscardsCode(t *testing.T) {
	f := newFixture(t)
	stale := f.fooRef(t)
	stale.Fingerprint ^= 1
	srv := &scripted{t: t, scripts: []func(p *peer){func(p *peer) {
		compileRequest(p)
		p.send(artifact(t, nopCode(32), nil, &dist.CommitBatch{Classes: []dist.ClassRef{stale}}))
		p.rest()
	}}}
	cc := f.vm.CodeCache()
	probe, err := cc.AllocCode(32)
	if err != nil {
		t.Fatalf("AllocCode: %v", err)
	}
	cc.Free(probe, 32)

	res := NewRemoteCompiler(f.vm, srv, Options{}).Compile(context.Background(), f.bar, dist.HotnessWarm, nil)
	srv.wait()
	if !errors.Is(res.Err, ErrCommitRejected) || !res.RetryLocally {
		t.Fatalf("Compile: got %+v, want ErrCommitRejected", res)
	}
	if info, _ := f.vm.MethodInfo(f.bar); info.Compiled {
		t.Error("rejected code was published")
	}
	again, err := cc.AllocCode(32)
	if err != nil {
		t.Fatalf("AllocCode: %v", err)
	}
	if again != probe {
		t.Errorf("rejected code not freed: next allocation at %#x, want %#x", again, probe)
	}
}

func TestCompile_ContextTimeout(t *testing.T) {
	f := newFixture(t)
	srv := &scripted{t: t, scripts: []func(p *peer){func(p *peer) {
		compileRequest(p)
		// Never answer; the client gives up and closes the stream.
		p.rest()
	}}}
	rc := NewRemoteCompiler(f.vm, srv, Options{Timeout: 50 * time.Millisecond})
	res := rc.Compile(context.Background(), f.bar, dist.HotnessWarm, nil)
	srv.wait()
	if !errors.Is(res.Err, ErrTransportFailure) {
		t.Errorf("Compile: got %v, want ErrTransportFailure", res.Err)
	}
}
