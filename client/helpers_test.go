package client

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/chazu/jitserver/vm"
	"github.com/chazu/jitserver/vm/dist"
)

func TestMain(m *testing.M) {
	vm.ConfigureDeadlockDetection(true)
	os.Exit(m.Run())
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type fixture struct {
	vm       *vm.VM
	object   *vm.Class
	foo      *vm.Class
	bar, baz dist.MethodID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v := vm.New(vm.Options{CodeCacheSize: 64 << 10, DataCacheSize: 16 << 10})
	obj := mustLoad(t, v, vm.ClassDef{
		Name:      "Object",
		Modifiers: vm.AccPublic,
		Methods:   []vm.MethodDef{{Name: "hashCode", Signature: "()I", Modifiers: vm.AccPublic, Bytecode: []byte{0x03, 0xAC}}},
	})
	foo := mustLoad(t, v, vm.ClassDef{
		Name:      "Foo",
		Super:     obj.ID,
		Modifiers: vm.AccPublic,
		Methods: []vm.MethodDef{
			{Name: "bar", Signature: "()I", Modifiers: vm.AccPublic, MaxStack: 1, Bytecode: []byte{0x04, 0xAC}},
			{Name: "baz", Signature: "(I)V", Modifiers: vm.AccPublic, MaxStack: 2, MaxLocals: 2, Bytecode: []byte{0xB1}},
		},
		Fields: []vm.FieldDef{
			{Name: "count", Signature: "I"},
			{Name: "LIMIT", Signature: "I", Modifiers: vm.AccStatic | vm.AccFinal, Value: 42},
		},
	})
	return &fixture{vm: v, object: obj, foo: foo, bar: foo.Methods[0].ID, baz: foo.Methods[1].ID}
}

func mustLoad(t *testing.T, v *vm.VM, def vm.ClassDef) *vm.Class {
	t.Helper()
	c, err := v.LoadClass(def)
	if err != nil {
		t.Fatalf("LoadClass(%s): %v", def.Name, err)
	}
	return c
}

// subclass loads a subclass of Foo, overriding bar if override is set.
func (f *fixture) subclass(t *testing.T, name string, override bool) *vm.Class {
	t.Helper()
	def := vm.ClassDef{Name: name, Super: f.foo.ID, Modifiers: vm.AccPublic}
	if override {
		def.Methods = []vm.MethodDef{{Name: "bar", Signature: "()I", Modifiers: vm.AccPublic, Bytecode: []byte{0x05, 0xAC}}}
	}
	return mustLoad(t, f.vm, def)
}

func (f *fixture) target(t *testing.T, m dist.MethodID) *vm.Target {
	t.Helper()
	tg, err := f.vm.CompileTarget(m)
	if err != nil {
		t.Fatalf("CompileTarget: %v", err)
	}
	return tg
}

func (f *fixture) fooRef(t *testing.T) dist.ClassRef {
	t.Helper()
	info, err := f.vm.ClassInfo(f.foo.ID)
	if err != nil {
		t.Fatalf("ClassInfo: %v", err)
	}
	return dist.ClassRef{ID: f.foo.ID, Fingerprint: info.Fingerprint}
}

func (f *fixture) request(t *testing.T, tg *vm.Target) *dist.CompileRequest {
	t.Helper()
	return &dist.CompileRequest{
		ClientUID:    f.vm.UID(),
		SeqNo:        1,
		Version:      dist.ProtocolVersion,
		Method:       tg.Method,
		Class:        tg.Class,
		Snapshot:     tg.Snapshot,
		Fingerprint:  tg.Fingerprint,
		MethodOffset: tg.MethodOffset,
		Hotness:      dist.HotnessWarm,
		TableEpoch:   tg.Epoch,
	}
}

// ---------------------------------------------------------------------------
// Scripted server end
// ---------------------------------------------------------------------------

func message(t *testing.T, kind dist.MessageKind, v any) *dist.Message {
	t.Helper()
	m, err := dist.NewMessage(kind, v)
	if err != nil {
		t.Fatalf("NewMessage(%s): %v", kind, err)
	}
	return m
}

// peer is the server side of a pipe, driven by a test.
type peer struct {
	t      *testing.T
	stream dist.Stream
}

func (p *peer) recv() *dist.Message {
	m, err := p.stream.Receive()
	if err != nil {
		p.t.Errorf("server receive: %v", err)
		return &dist.Message{}
	}
	return m
}

// query sends a query and decodes the answer into res.
func (p *peer) query(kind dist.MessageKind, args, res any) {
	m, err := dist.NewMessage(kind, args)
	if err != nil {
		p.t.Errorf("NewMessage: %v", err)
		return
	}
	if err := p.stream.Send(m); err != nil {
		p.t.Errorf("server send: %v", err)
		return
	}
	resp := p.recv()
	if resp.Kind != kind {
		p.t.Errorf("response kind: got %s, want %s", resp.Kind, kind)
		return
	}
	if err := resp.Decode(res); err != nil {
		p.t.Errorf("decode %s: %v", kind, err)
	}
}

func (p *peer) send(m *dist.Message) {
	if err := p.stream.Send(m); err != nil {
		p.t.Errorf("server send: %v", err)
	}
}

// rest drains the stream and returns what the client sent after the
// point it was called.
func (p *peer) rest() []dist.MessageKind {
	var kinds []dist.MessageKind
	for {
		m, err := p.stream.Receive()
		if err == io.EOF {
			return kinds
		}
		if err != nil {
			p.t.Errorf("server receive: %v", err)
			return kinds
		}
		kinds = append(kinds, m.Kind)
	}
}

// serve runs script on the server end of a new pipe and returns the client
// end and a channel closed when the script is done.
func serve(t *testing.T, script func(p *peer)) (dist.Stream, <-chan struct{}) {
	t.Helper()
	c, s := dist.NewPipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		script(&peer{t: t, stream: s})
	}()
	return c, done
}

func wait(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server script did not finish")
	}
}

// ---------------------------------------------------------------------------
// Artifacts
// ---------------------------------------------------------------------------

// nopCode returns size bytes of nops ending in a return.
func nopCode(size int) []byte {
	code := make([]byte, size)
	for i := range code {
		code[i] = 0x90
	}
	code[size-1] = 0xC3
	return code
}

func artifact(t *testing.T, code []byte, data []byte, batch *dist.CommitBatch) *dist.Message {
	t.Helper()
	if batch == nil {
		batch = &dist.CommitBatch{}
	}
	return message(t, dist.KindFinalArtifact, &dist.Artifact{Status: dist.StatusOK, Code: code, Data: data, Batch: batch})
}
