package dist

import (
	"errors"
	"testing"
)

func TestPermissivePolicy_AllowsEverything(t *testing.T) {
	p := NewPermissivePolicy()
	req := &CompileRequest{Version: ProtocolVersion, Features: []string{FeatureAOT, FeatureCallSites}}

	if err := p.Check(req); err != nil {
		t.Errorf("permissive policy should allow all: %v", err)
	}
}

func TestPolicy_VersionMismatch(t *testing.T) {
	p := NewPermissivePolicy()
	err := p.Check(&CompileRequest{Version: ProtocolVersion + 1})
	if !errors.Is(err, ErrVersionIncompatible) {
		t.Fatalf("Check: got %v, want ErrVersionIncompatible", err)
	}
}

func TestRestrictedPolicy(t *testing.T) {
	p := NewRestrictedPolicy([]string{FeatureAOT})

	cases := []struct {
		features []string
		ok       bool
	}{
		{nil, true},
		{[]string{FeatureAOT}, true},
		{[]string{FeatureMethodHandle}, false},
		{[]string{FeatureAOT, FeatureCallSites}, false},
	}
	for _, c := range cases {
		err := p.Check(&CompileRequest{Version: ProtocolVersion, Features: c.features})
		if (err == nil) != c.ok {
			t.Errorf("Check(%v): got %v, want ok=%v", c.features, err, c.ok)
		}
	}
}

func TestPolicy_ExplicitDeny(t *testing.T) {
	p := NewPermissivePolicy()
	p.Deny(FeatureAOT)

	if err := p.Check(&CompileRequest{Version: ProtocolVersion, Features: []string{FeatureAOT}}); err == nil {
		t.Error("denied feature should be rejected")
	}
	if err := p.Check(&CompileRequest{Version: ProtocolVersion, Features: []string{FeatureCallSites}}); err != nil {
		t.Errorf("other features should still be allowed: %v", err)
	}
}
