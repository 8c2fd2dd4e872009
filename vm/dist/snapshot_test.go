package dist

import (
	"bytes"
	"errors"
	"testing"
)

// buildClass lays out interned strings followed by a ROM class body and
// returns the memory and the body offset.
func buildClass(t *testing.T, prefix int, name string, methods [][2]string) ([]byte, uint32) {
	t.Helper()
	mem := make([]byte, prefix)
	interned := make(map[string]uint32)
	intern := func(s string) uint32 {
		if off, ok := interned[s]; ok {
			return off
		}
		var off uint32
		var err error
		mem, off, err = AppendUTF8(mem, s)
		if err != nil {
			t.Fatalf("AppendUTF8(%q): %v", s, err)
		}
		interned[s] = off
		return off
	}
	nameRef := intern(name)
	specs := make([]ROMMethodSpec, len(methods))
	for i, m := range methods {
		specs[i] = ROMMethodSpec{
			NameRef:      intern(m[0]),
			SignatureRef: intern(m[1]),
			MaxStack:     uint16(2 + i),
			MaxLocals:    uint16(1 + i),
			Bytecode:     bytes.Repeat([]byte{byte(0xB0 + i)}, 3+i),
		}
	}
	mem, off, _ := AppendROMClass(mem, nameRef, 0x21, specs)
	return mem, off
}

func TestPackUnpack_FooScenario(t *testing.T) {
	mem, off := buildClass(t, 5, "Foo", [][2]string{{"bar", "()I"}, {"baz", "(I)V"}})

	blob, err := Pack(mem, off)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	// The snapshot must not depend on the source memory.
	for i := range mem {
		mem[i] = 0xFF
	}

	view, err := Unpack(blob)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if view.Name != "Foo" {
		t.Errorf("Name: got %q, want %q", view.Name, "Foo")
	}
	if view.Modifiers != 0x21 {
		t.Errorf("Modifiers: got %#x, want 0x21", view.Modifiers)
	}
	want := [][2]string{{"bar", "()I"}, {"baz", "(I)V"}}
	if len(view.Methods) != len(want) {
		t.Fatalf("methods: got %d, want %d", len(view.Methods), len(want))
	}
	for i, w := range want {
		m := view.Methods[i]
		if m.Name != w[0] || m.Signature != w[1] {
			t.Errorf("method %d: got %s%s, want %s%s", i, m.Name, m.Signature, w[0], w[1])
		}
		if len(m.Bytecode) != 3+i {
			t.Errorf("method %d bytecode: got %d bytes, want %d", i, len(m.Bytecode), 3+i)
		}
	}
	if m, ok := view.Method("baz", "(I)V"); !ok || m.MaxStack != 3 {
		t.Errorf("Method(baz): got %+v, %v", m, ok)
	}
}

func TestPack_RelocatableAtAnyBase(t *testing.T) {
	mem, off := buildClass(t, 0, "pkg/Widget", [][2]string{
		{"<init>", "()V"},
		{"size", "()I"},
		{"resize", "(II)V"},
		{"size", "(Z)I"},
	})
	blob, err := Pack(mem, off)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	first, err := Unpack(blob)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	for _, base := range []int{1, 3, 13, 4096} {
		buf := make([]byte, base, base+len(blob)+7)
		buf = append(buf, blob...)
		buf = append(buf, 1, 2, 3, 4, 5, 6, 7)
		view, err := UnpackAt(buf, uint32(base))
		if err != nil {
			t.Fatalf("UnpackAt(%d): %v", base, err)
		}
		if view.Name != first.Name || len(view.Methods) != len(first.Methods) {
			t.Fatalf("UnpackAt(%d): got %s/%d methods", base, view.Name, len(view.Methods))
		}
		for i := range view.Methods {
			a, b := view.Methods[i], first.Methods[i]
			if a.Name != b.Name || a.Signature != b.Signature || !bytes.Equal(a.Bytecode, b.Bytecode) || a.Offset != b.Offset {
				t.Errorf("UnpackAt(%d) method %d: got %+v, want %+v", base, i, a, b)
			}
		}
	}
}

func TestPack_MethodOffsetsMatchSource(t *testing.T) {
	mem, off := buildClass(t, 2, "A", [][2]string{{"m", "()V"}, {"n", "()V"}})
	blob, err := Pack(mem, off)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	view, err := Unpack(blob)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	m, ok := view.MethodAt(ROMHeaderSize)
	if !ok || m.Name != "m" {
		t.Fatalf("MethodAt(header): got %+v, %v", m, ok)
	}
	if _, ok := view.MethodAt(1); ok {
		t.Error("MethodAt(1) should not match a method")
	}
}

func TestPack_Size(t *testing.T) {
	mem, off := buildClass(t, 0, "Foo", [][2]string{{"bar", "()I"}, {"baz", "(I)V"}})
	blob, err := Pack(mem, off)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	body := le.Uint32(mem[off:])
	want := body + UTF8Size("Foo") + UTF8Size("bar") + UTF8Size("()I") + UTF8Size("baz") + UTF8Size("(I)V")
	if uint32(len(blob)) != want {
		t.Errorf("snapshot size: got %d, want %d", len(blob), want)
	}
}

func TestPack_Malformed(t *testing.T) {
	mem, off := buildClass(t, 0, "Foo", [][2]string{{"bar", "()I"}})

	if _, err := Pack(mem[:off+ROMHeaderSize-1], off); !errors.Is(err, ErrMalformedROM) {
		t.Errorf("truncated header: got %v, want ErrMalformedROM", err)
	}
	if _, err := Pack(mem[:len(mem)-1], off); !errors.Is(err, ErrMalformedROM) {
		t.Errorf("truncated body: got %v, want ErrMalformedROM", err)
	}

	bad := append([]byte(nil), mem...)
	le.PutUint32(bad[off+romClassNameOffset:], 0)
	if _, err := Pack(bad, off); !errors.Is(err, ErrMalformedROM) {
		t.Errorf("null name SRP: got %v, want ErrMalformedROM", err)
	}
}

func TestUnpack_MethodCountExceedsBody(t *testing.T) {
	for _, count := range []uint32{2, 1 << 24, 0xFFFFFFFF} {
		mem, off := buildClass(t, 0, "Foo", [][2]string{{"bar", "()I"}})
		blob, err := Pack(mem, off)
		if err != nil {
			t.Fatalf("Pack: %v", err)
		}
		le.PutUint32(blob[romMethodCountOffset:], count)
		if _, err := Unpack(blob); !errors.Is(err, ErrMalformedROM) {
			t.Errorf("Unpack with %d methods: got %v, want ErrMalformedROM", count, err)
		}

		le.PutUint32(mem[off+romMethodCountOffset:], count)
		if _, err := Pack(mem, off); !errors.Is(err, ErrMalformedROM) {
			t.Errorf("Pack with %d methods: got %v, want ErrMalformedROM", count, err)
		}
	}

	// A bare header claiming methods it has no room for.
	mem, off := buildClass(t, 0, "Foo", nil)
	le.PutUint32(mem[off+romMethodCountOffset:], 0xFFFFFFFF)
	le.PutUint32(mem[off+romMethodsOffset:], 0)
	if _, err := UnpackAt(mem, off); !errors.Is(err, ErrMalformedROM) {
		t.Errorf("empty body: got %v, want ErrMalformedROM", err)
	}
}

func TestPack_NoMethods(t *testing.T) {
	mem, off := buildClass(t, 0, "Empty", nil)
	blob, err := Pack(mem, off)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	view, err := Unpack(blob)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if view.Name != "Empty" || len(view.Methods) != 0 {
		t.Errorf("got %q with %d methods", view.Name, len(view.Methods))
	}
}
