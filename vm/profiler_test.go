package vm

import (
	"testing"

	"github.com/chazu/jitserver/vm/dist"
)

func TestProfiler_Promotions(t *testing.T) {
	p := NewProfiler()
	p.WarmThreshold = 3
	p.HotThreshold = 5

	var events []dist.Hotness
	p.OnHot = func(id dist.MethodID, level dist.Hotness) {
		if id != 7 {
			t.Errorf("OnHot method: got %d, want 7", id)
		}
		events = append(events, level)
	}
	for i := 0; i < 6; i++ {
		p.RecordInvocation(7)
	}
	if len(events) != 2 || events[0] != dist.HotnessWarm || events[1] != dist.HotnessHot {
		t.Errorf("promotions: got %v, want [warm hot]", events)
	}
	if p.InvocationCount(7) != 6 {
		t.Errorf("InvocationCount: got %d, want 6", p.InvocationCount(7))
	}
	if p.Promotions() != 2 {
		t.Errorf("Promotions: got %d, want 2", p.Promotions())
	}
}

func TestProfiler_TopMethods(t *testing.T) {
	p := NewProfiler()
	for i := 0; i < 3; i++ {
		p.RecordInvocation(1)
	}
	p.RecordInvocation(2)
	for i := 0; i < 5; i++ {
		p.RecordInvocation(3)
	}
	top := p.TopMethods(2)
	if len(top) != 2 || top[0] != 3 || top[1] != 1 {
		t.Errorf("TopMethods: got %v, want [3 1]", top)
	}
	p.Reset()
	if p.InvocationCount(3) != 0 {
		t.Error("Reset should clear counts")
	}
}
