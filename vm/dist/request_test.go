package dist

import (
	"errors"
	"testing"
)

func TestDecodeArtifact_StatusOutOfRange(t *testing.T) {
	// A status of 200 with fields that would not even decode: the status
	// is rejected before anything else is looked at.
	payload, err := Marshal(map[int]any{1: 200, 2: "not bytes", 4: 17})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	a, err := DecodeArtifact(payload)
	if !errors.Is(err, ErrBadStatus) {
		t.Fatalf("DecodeArtifact: got %v, want ErrBadStatus", err)
	}
	if a != nil {
		t.Errorf("artifact: got %+v, want nil", a)
	}
}

func TestDecodeArtifact_StatusMaxIsReserved(t *testing.T) {
	payload, _ := Marshal(&Artifact{Status: StatusMax})
	if _, err := DecodeArtifact(payload); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("StatusMax: got %v, want ErrBadStatus", err)
	}
}

func TestDecodeArtifact_FailureDropsFields(t *testing.T) {
	payload, _ := Marshal(&Artifact{Status: StatusFailure, Code: []byte{1}, Reason: "no"})
	a, err := DecodeArtifact(payload)
	if err != nil {
		t.Fatalf("DecodeArtifact: %v", err)
	}
	if a.Status != StatusFailure || a.Code != nil || a.Batch != nil {
		t.Errorf("failure artifact: got %+v", a)
	}
	if a.Reason != "no" {
		t.Errorf("Reason: got %q, want %q", a.Reason, "no")
	}
}

func TestDecodeArtifact_OK(t *testing.T) {
	in := &Artifact{Status: StatusOK, Code: []byte{0x90, 0xC3}, Data: NewDataBlobBuilder().Bytes()}
	payload, _ := Marshal(in)
	a, err := DecodeArtifact(payload)
	if err != nil {
		t.Fatalf("DecodeArtifact: %v", err)
	}
	if len(a.Code) != 2 || a.Batch == nil {
		t.Errorf("artifact: got %+v", a)
	}
}

func TestStatus_String(t *testing.T) {
	if StatusNotNeeded.String() != "NOT_NEEDED" {
		t.Errorf("String: got %q", StatusNotNeeded.String())
	}
	if Status(200).Valid() {
		t.Error("200 should not be valid")
	}
}

func TestCompileRequest_Validate(t *testing.T) {
	mem, off := buildClass(t, 0, "Foo", [][2]string{{"bar", "()I"}})
	snap, err := Pack(mem, off)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	req := &CompileRequest{ClientUID: "c", Method: 1, Class: 1, Snapshot: snap, MethodOffset: ROMHeaderSize}
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	req.MethodOffset = 2
	if err := req.Validate(); err == nil {
		t.Error("bad method offset should fail")
	}
	req.MethodOffset = ROMHeaderSize
	req.ClientUID = ""
	if err := req.Validate(); err == nil {
		t.Error("missing client uid should fail")
	}
}

func TestCompileRequest_Target(t *testing.T) {
	mem, off := buildClass(t, 0, "Foo", [][2]string{{"bar", "()I"}, {"baz", "(I)V"}})
	snap, err := Pack(mem, off)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	req := &CompileRequest{ClientUID: "c", Method: 2, Class: 1, Snapshot: snap}
	full, err := Unpack(snap)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	req.MethodOffset = full.Methods[1].Offset

	view, method, err := req.Target()
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	if view.Name != "Foo" || method.Name != "baz" || method.Signature != "(I)V" {
		t.Errorf("Target: got %s.%s%s, want Foo.baz(I)V", view.Name, method.Name, method.Signature)
	}

	// A snapshot claiming more methods than its body holds is refused
	// before anything is sized from the count.
	le.PutUint32(req.Snapshot[romMethodCountOffset:], 0xFFFFFFFF)
	if _, _, err := req.Target(); !errors.Is(err, ErrMalformedROM) {
		t.Errorf("oversized method count: got %v, want ErrMalformedROM", err)
	}
}
