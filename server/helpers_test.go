package server

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/chazu/jitserver/client"
	"github.com/chazu/jitserver/vm"
	"github.com/chazu/jitserver/vm/dist"
)

func TestMain(m *testing.M) {
	vm.ConfigureDeadlockDetection(true)
	os.Exit(m.Run())
}

// ---------------------------------------------------------------------------
// Client side
// ---------------------------------------------------------------------------

// clientEnv is a client VM with Object and Foo extends Object { int bar();
// void baz(int); }.
type clientEnv struct {
	vm       *vm.VM
	object   *vm.Class
	foo      *vm.Class
	bar, baz dist.MethodID
}

func newClientEnv(t *testing.T) *clientEnv {
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
	})
	return &clientEnv{vm: v, object: obj, foo: foo, bar: foo.Methods[0].ID, baz: foo.Methods[1].ID}
}

func mustLoad(t *testing.T, v *vm.VM, def vm.ClassDef) *vm.Class {
	t.Helper()
	c, err := v.LoadClass(def)
	if err != nil {
		t.Fatalf("LoadClass(%s): %v", def.Name, err)
	}
	return c
}

// request builds the compile request a client would send for m.
func (e *clientEnv) request(t *testing.T, m dist.MethodID) *dist.CompileRequest {
	t.Helper()
	tg, err := e.vm.CompileTarget(m)
	if err != nil {
		t.Fatalf("CompileTarget: %v", err)
	}
	return &dist.CompileRequest{
		ClientUID:    e.vm.UID(),
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
// Server side
// ---------------------------------------------------------------------------

// pipeDialer serves every dialled stream with s.Serve on an in-memory pipe
// and collects what Serve returned.
type pipeDialer struct {
	s  *CompileServer
	wg sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

func (d *pipeDialer) Dial(ctx context.Context) (dist.Stream, error) {
	c, srv := dist.NewPipe()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := d.s.Serve(context.Background(), srv)
		srv.Close()
		d.mu.Lock()
		d.errs = append(d.errs, err)
		d.mu.Unlock()
	}()
	return c, nil
}

// results waits for every stream to finish and returns Serve's results.
func (d *pipeDialer) results(t *testing.T) []error {
	t.Helper()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("server streams did not finish")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.errs...)
}

func newTestServer(t *testing.T, opts ...ServerOption) *CompileServer {
	t.Helper()
	s := New(opts...)
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

// open starts Serve on a pipe and returns the client end and a channel
// that yields Serve's result.
func open(s *CompileServer) (dist.Stream, <-chan error) {
	c, srv := dist.NewPipe()
	errc := make(chan error, 1)
	go func() {
		err := s.Serve(context.Background(), srv)
		srv.Close()
		errc <- err
	}()
	return c, errc
}

func send(t *testing.T, stream dist.Stream, kind dist.MessageKind, v any) {
	t.Helper()
	m, err := dist.NewMessage(kind, v)
	if err != nil {
		t.Fatalf("NewMessage(%s): %v", kind, err)
	}
	if err := stream.Send(m); err != nil {
		t.Fatalf("Send(%s): %v", kind, err)
	}
}

func recv(t *testing.T, stream dist.Stream) *dist.Message {
	t.Helper()
	m, err := stream.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return m
}

func terminal(t *testing.T, stream dist.Stream) *dist.Artifact {
	t.Helper()
	m := recv(t, stream)
	if m.Kind != dist.KindFinalArtifact {
		t.Fatalf("got %s, want the terminal message", m.Kind)
	}
	art, err := dist.DecodeArtifact(m.Payload)
	if err != nil {
		t.Fatalf("DecodeArtifact: %v", err)
	}
	return art
}

func result(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func compile(t *testing.T, e *clientEnv, d client.Dialer, m dist.MethodID) client.Result {
	t.Helper()
	rc := client.NewRemoteCompiler(e.vm, d, client.Options{})
	return rc.Compile(context.Background(), m, dist.HotnessWarm, nil)
}
