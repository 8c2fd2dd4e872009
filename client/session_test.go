package client

import (
	"context"
	"errors"
	"testing"

	"github.com/chazu/jitserver/vm/dist"
)

// runSession runs a session for f.bar against script with VM access held,
// as a compile thread would.
func runSession(t *testing.T, f *fixture, script func(p *peer)) (*dist.Artifact, *Stats, error) {
	t.Helper()
	tg := f.target(t, f.bar)
	stream, done := serve(t, script)

	access := f.vm.Access()
	access.Acquire()
	stats := NewStats()
	d := NewDispatcher(f.vm, access, func() (string, bool) { return f.vm.Interrupted(tg) }, stats)
	art, err := NewSession(f.request(t, tg), tg.Name, d).Run(context.Background(), stream)
	access.Release()

	stream.Close()
	wait(t, done)
	return art, stats, err
}

func TestSession_ArtifactAfterQueries(t *testing.T) {
	f := newFixture(t)
	art, stats, err := runSession(t, f, func(p *peer) {
		req := p.recv()
		if req.Kind != dist.KindCompileRequest {
			t.Errorf("first message: got %s", req.Kind)
		}
		var cr dist.CompileRequest
		if err := req.Decode(&cr); err != nil || cr.Validate() != nil {
			t.Errorf("request: %v / %v", err, cr.Validate())
		}
		var name dist.StringResult
		p.query(dist.QueryGetClassName, dist.ClassArgs{Class: cr.Class}, &name)
		if name.Value != "Foo" {
			t.Errorf("getClassName: got %q", name.Value)
		}
		p.send(artifact(t, nopCode(16), nil, nil))
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if art.Status != dist.StatusOK || len(art.Code) != 16 || art.Batch == nil {
		t.Errorf("artifact: got %+v", art)
	}
	if n := stats.Count(dist.QueryGetClassName); n != 1 {
		t.Errorf("stats: got %d getClassName, want 1", n)
	}
}

func TestSession_UnloadBetweenQueriesAborts(t *testing.T) {
	f := newFixture(t)
	if err := f.vm.InitializeClass(f.foo.ID); err != nil {
		t.Fatalf("InitializeClass: %v", err)
	}
	var after []dist.MessageKind
	art, _, err := runSession(t, f, func(p *peer) {
		p.recv()
		var init dist.BoolResult
		p.query(dist.QueryIsClassInitialized, dist.ClassArgs{Class: f.foo.ID}, &init)
		if !init.Value {
			t.Error("isClassInitialized(Foo): got false")
		}
		// The client is blocked on its next read without VM access, so
		// the unload can stop the world.
		if err := f.vm.UnloadClass(f.foo.ID); err != nil {
			t.Errorf("UnloadClass: %v", err)
		}
		p.send(message(t, dist.QueryIsClassInitialized, dist.ClassArgs{Class: f.foo.ID}))
		after = p.rest()
	})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Run: got %v, want ErrInterrupted", err)
	}
	if art != nil {
		t.Error("interrupted session returned an artifact")
	}
	if len(after) != 1 || after[0] != dist.KindCompilationInterrupted {
		t.Errorf("client sent %v after unload, want only an abort", after)
	}
}

func TestSession_InterruptedAtTerminalSendsNoAbort(t *testing.T) {
	f := newFixture(t)
	var after []dist.MessageKind
	_, _, err := runSession(t, f, func(p *peer) {
		p.recv()
		var r dist.BoolResult
		p.query(dist.QueryIsFinal, dist.ClassArgs{Class: f.foo.ID}, &r)
		f.vm.Shutdown()
		p.send(artifact(t, nopCode(16), nil, nil))
		after = p.rest()
	})
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Run: got %v, want ErrInterrupted", err)
	}
	if len(after) != 0 {
		t.Errorf("client sent %v after the terminal message", after)
	}
}

func TestSession_BadStatusIsTransportFailure(t *testing.T) {
	f := newFixture(t)
	art, _, err := runSession(t, f, func(p *peer) {
		p.recv()
		p.send(message(t, dist.KindFinalArtifact, map[int]any{1: 200, 2: []byte{0xCC}}))
	})
	if !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("Run: got %v, want ErrTransportFailure", err)
	}
	if !errors.Is(err, dist.ErrBadStatus) {
		t.Errorf("Run: got %v, want it to wrap ErrBadStatus", err)
	}
	if art != nil {
		t.Error("bad status produced an artifact")
	}
}

func TestSession_FailureStatus(t *testing.T) {
	f := newFixture(t)
	art, _, err := runSession(t, f, func(p *peer) {
		p.recv()
		p.send(message(t, dist.KindFinalArtifact, &dist.Artifact{
			Status: dist.StatusFailure,
			Code:   []byte{1, 2, 3},
			Reason: "out of registers",
		}))
	})
	if !errors.Is(err, ErrCompileFailure) {
		t.Fatalf("Run: got %v, want ErrCompileFailure", err)
	}
	if art == nil || art.Code != nil || art.Reason != "out of registers" {
		t.Errorf("failure artifact: got %+v", art)
	}
}

func TestSession_StreamClosedIsTransportFailure(t *testing.T) {
	f := newFixture(t)
	_, _, err := runSession(t, f, func(p *peer) {
		p.recv()
		p.stream.Close()
	})
	if !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("Run: got %v, want ErrTransportFailure", err)
	}
}

func TestSession_UnknownKindIsTransportFailure(t *testing.T) {
	f := newFixture(t)
	_, _, err := runSession(t, f, func(p *peer) {
		p.recv()
		p.send(&dist.Message{Kind: 500})
	})
	if !errors.Is(err, ErrTransportFailure) {
		t.Fatalf("Run: got %v, want ErrTransportFailure", err)
	}
}

func TestSession_AtMostOneArtifact(t *testing.T) {
	f := newFixture(t)
	var after []dist.MessageKind
	art, _, err := runSession(t, f, func(p *peer) {
		p.recv()
		p.send(artifact(t, nopCode(16), nil, nil))
		p.send(message(t, dist.QueryIsFinal, dist.ClassArgs{Class: f.foo.ID}))
		p.send(artifact(t, nopCode(32), nil, nil))
		after = p.rest()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(art.Code) != 16 {
		t.Errorf("artifact: got %d code bytes, want the first artifact", len(art.Code))
	}
	if len(after) != 0 {
		t.Errorf("client answered %v after the terminal message", after)
	}
}

func TestSession_RunsOnce(t *testing.T) {
	f := newFixture(t)
	tg := f.target(t, f.bar)
	d := NewDispatcher(f.vm, f.vm.Access(), func() (string, bool) { return "", false }, nil)
	s := NewSession(f.request(t, tg), tg.Name, d)
	s.done = true
	if _, err := s.Run(context.Background(), nil); !errors.Is(err, ErrTransportFailure) {
		t.Errorf("second Run: got %v, want ErrTransportFailure", err)
	}
}
