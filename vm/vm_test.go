package vm

import (
	"errors"
	"os"
	"testing"

	"github.com/chazu/jitserver/vm/dist"
)

func TestMain(m *testing.M) {
	ConfigureDeadlockDetection(true)
	os.Exit(m.Run())
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func mustLoad(t *testing.T, v *VM, def ClassDef) *Class {
	t.Helper()
	c, err := v.LoadClass(def)
	if err != nil {
		t.Fatalf("LoadClass(%s): %v", def.Name, err)
	}
	return c
}

func fooDef(super dist.ClassID) ClassDef {
	return ClassDef{
		Name:      "Foo",
		Super:     super,
		Modifiers: AccPublic,
		Methods: []MethodDef{
			{Name: "bar", Signature: "()I", Modifiers: AccPublic, MaxStack: 1, Bytecode: []byte{0x04, 0xAC}},
			{Name: "baz", Signature: "(I)V", Modifiers: AccPublic, MaxStack: 2, MaxLocals: 2, Bytecode: []byte{0xB1}},
		},
		Fields: []FieldDef{
			{Name: "count", Signature: "I"},
			{Name: "LIMIT", Signature: "I", Modifiers: AccStatic | AccFinal, Value: 42},
		},
	}
}

func newObjectVM(t *testing.T) (*VM, *Class) {
	t.Helper()
	v := New(Options{CodeCacheSize: 64 << 10, DataCacheSize: 16 << 10})
	obj := mustLoad(t, v, ClassDef{
		Name:      "Object",
		Modifiers: AccPublic,
		Methods:   []MethodDef{{Name: "hashCode", Signature: "()I", Modifiers: AccPublic, Bytecode: []byte{0x03, 0xAC}}},
	})
	return v, obj
}

// ---------------------------------------------------------------------------
// Class table
// ---------------------------------------------------------------------------

func TestLoadClass_Basics(t *testing.T) {
	v, obj := newObjectVM(t)
	foo := mustLoad(t, v, fooDef(obj.ID))

	info, err := v.ClassInfo(foo.ID)
	if err != nil {
		t.Fatalf("ClassInfo: %v", err)
	}
	if info.Super != obj.ID || info.Depth != 1 || info.Initialized {
		t.Errorf("ClassInfo: got %+v", info)
	}
	if info.InstanceSize != 8 {
		t.Errorf("InstanceSize: got %d, want 8", info.InstanceSize)
	}
	if _, err := v.LoadClass(fooDef(obj.ID)); err == nil {
		t.Error("duplicate load should fail")
	}
	if id, _ := v.ClassByName("Foo", 0); id != foo.ID {
		t.Errorf("ClassByName: got %d, want %d", id, foo.ID)
	}
	subs, _ := v.SubClasses(obj.ID)
	if len(subs) != 1 || subs[0] != foo.ID {
		t.Errorf("SubClasses: got %v", subs)
	}
	ok, _ := v.IsInstanceOf(foo.ID, obj.ID)
	if !ok {
		t.Error("Foo should be an instance of Object")
	}
}

func TestLoadClass_RejectsFinalSuper(t *testing.T) {
	v, _ := newObjectVM(t)
	sealed := mustLoad(t, v, ClassDef{Name: "Sealed", Modifiers: AccFinal})
	if _, err := v.LoadClass(ClassDef{Name: "Sub", Super: sealed.ID}); err == nil {
		t.Error("extending a final class should fail")
	}
}

func TestSnapshotMatchesClass(t *testing.T) {
	v, obj := newObjectVM(t)
	foo := mustLoad(t, v, fooDef(obj.ID))

	snap, fp, err := v.ClassSnapshot(foo.ID)
	if err != nil {
		t.Fatalf("ClassSnapshot: %v", err)
	}
	if fp != foo.fingerprint {
		t.Errorf("fingerprint: got %x, want %x", fp, foo.fingerprint)
	}
	view, err := dist.Unpack(snap)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	for _, m := range foo.Methods {
		mv, ok := view.MethodAt(m.romOffset)
		if !ok || mv.Name != m.Name || mv.Signature != m.Signature {
			t.Errorf("method %s%s: got %+v, %v", m.Name, m.Signature, mv, ok)
		}
	}
}

func TestResolveMethod(t *testing.T) {
	v, obj := newObjectVM(t)
	foo := mustLoad(t, v, fooDef(obj.ID))

	if _, ok, _ := v.ResolveMethod(foo.ID, "hashCode", "()I", false); ok {
		t.Error("static resolution should not see inherited methods")
	}
	info, ok, err := v.ResolveMethod(foo.ID, "hashCode", "()I", true)
	if err != nil || !ok || info.Class != obj.ID {
		t.Errorf("virtual resolution: got %+v, %v, %v", info, ok, err)
	}
}

func TestStaticFinalValue_RequiresInitialization(t *testing.T) {
	v, obj := newObjectVM(t)
	foo := mustLoad(t, v, fooDef(obj.ID))

	sv, _ := v.StaticFinalValue(foo.ID, "LIMIT")
	if sv.Known {
		t.Error("value should be unknown before initialization")
	}
	if err := v.InitializeClass(foo.ID); err != nil {
		t.Fatalf("InitializeClass: %v", err)
	}
	sv, _ = v.StaticFinalValue(foo.ID, "LIMIT")
	if !sv.Known || sv.Value != 42 {
		t.Errorf("StaticFinalValue: got %+v, want 42", sv)
	}
	fa, _ := v.FieldAttributes(foo.ID, "count", false)
	if !fa.Found || fa.Offset != 0 {
		t.Errorf("FieldAttributes: got %+v", fa)
	}
}

func TestRedefineChangesFingerprint(t *testing.T) {
	v, obj := newObjectVM(t)
	foo := mustLoad(t, v, fooDef(obj.ID))
	bar := foo.Methods[0].ID
	before := foo.fingerprint

	target, err := v.CompileTarget(bar)
	if err != nil {
		t.Fatalf("CompileTarget: %v", err)
	}
	if _, stop := v.Interrupted(target); stop {
		t.Fatal("fresh target should not be interrupted")
	}

	// Identical bytes still count as a new definition.
	if err := v.RedefineClass(foo.ID, fooDef(obj.ID).Methods); err != nil {
		t.Fatalf("RedefineClass: %v", err)
	}
	if foo.fingerprint == before {
		t.Error("fingerprint should change on redefinition")
	}
	if foo.Methods[0].ID != bar {
		t.Error("method ids should survive redefinition")
	}
	if reason, stop := v.Interrupted(target); !stop || reason != "class redefined" {
		t.Errorf("Interrupted: got %q, %v", reason, stop)
	}
}

func TestUnloadClass(t *testing.T) {
	v, obj := newObjectVM(t)
	foo := mustLoad(t, v, fooDef(obj.ID))
	target, _ := v.CompileTarget(foo.Methods[0].ID)

	if err := v.UnloadClass(obj.ID); err == nil {
		t.Error("unloading a class with a loaded subclass should fail")
	}
	if err := v.UnloadClass(foo.ID); err != nil {
		t.Fatalf("UnloadClass: %v", err)
	}
	if _, err := v.ClassInfo(foo.ID); !errors.Is(err, ErrNoSuchClass) {
		t.Errorf("ClassInfo after unload: got %v, want ErrNoSuchClass", err)
	}
	if _, err := v.MethodInfo(foo.Methods[0].ID); !errors.Is(err, ErrNoSuchMethod) {
		t.Errorf("MethodInfo after unload: got %v, want ErrNoSuchMethod", err)
	}
	if reason, stop := v.Interrupted(target); !stop || reason != "class unloaded" {
		t.Errorf("Interrupted: got %q, %v", reason, stop)
	}
	unloaded := v.DrainUnloaded()
	if len(unloaded) != 1 || unloaded[0] != foo.ID {
		t.Errorf("DrainUnloaded: got %v", unloaded)
	}
	if len(v.DrainUnloaded()) != 0 {
		t.Error("second drain should be empty")
	}
	// The name is free again.
	mustLoad(t, v, fooDef(obj.ID))
}

func TestUnloadWaitsForVMAccess(t *testing.T) {
	v, obj := newObjectVM(t)
	foo := mustLoad(t, v, fooDef(obj.ID))

	v.Access().Acquire()
	done := make(chan error, 1)
	go func() { done <- v.UnloadClass(foo.ID) }()

	select {
	case <-done:
		t.Fatal("unload must wait while a compile thread holds VM access")
	default:
	}
	if _, err := v.ClassInfo(foo.ID); err != nil {
		t.Fatalf("class should still be loaded: %v", err)
	}
	v.Access().Release()
	if err := <-done; err != nil {
		t.Fatalf("UnloadClass: %v", err)
	}
}

func TestShutdownInterrupts(t *testing.T) {
	v, obj := newObjectVM(t)
	target, _ := v.CompileTarget(obj.Methods[0].ID)
	v.Shutdown()
	if _, stop := v.Interrupted(target); !stop {
		t.Error("shutdown should interrupt compilations")
	}
}

func TestInfo(t *testing.T) {
	v, _ := newObjectVM(t)
	info := v.Info()
	if info.ClientUID != v.UID() || info.Version != dist.ProtocolVersion || info.LoadedClasses != 1 {
		t.Errorf("Info: got %+v", info)
	}
}
