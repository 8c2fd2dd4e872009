package vm

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/jitserver/vm/dist"
)

// MethodProfile holds profiling data for a single method.
type MethodProfile struct {
	InvocationCount uint64 // atomic
	level           atomic.Uint32
}

// Level returns the highest optimization level the method has reached.
func (p *MethodProfile) Level() dist.Hotness {
	return dist.Hotness(p.level.Load())
}

// Profiler counts method invocations and reports methods as they cross
// the threshold of an optimization level: warm after WarmThreshold
// invocations, hot after HotThreshold.
type Profiler struct {
	profiles sync.Map // dist.MethodID -> *MethodProfile

	WarmThreshold uint64 // Default: 100
	HotThreshold  uint64 // Default: 1000

	// OnHot is called when a method reaches a new level. It runs on the
	// invoking goroutine and must not block.
	OnHot func(method dist.MethodID, level dist.Hotness)

	promotions uint64
}

// NewProfiler creates a profiler with default thresholds.
func NewProfiler() *Profiler {
	return &Profiler{
		WarmThreshold: 100,
		HotThreshold:  1000,
	}
}

func (p *Profiler) profile(id dist.MethodID) *MethodProfile {
	val, _ := p.profiles.LoadOrStore(id, &MethodProfile{})
	return val.(*MethodProfile)
}

// RecordInvocation increments the invocation count for a method. It
// returns true if this invocation promoted the method to a new level.
func (p *Profiler) RecordInvocation(id dist.MethodID) bool {
	prof := p.profile(id)
	count := atomic.AddUint64(&prof.InvocationCount, 1)

	var level dist.Hotness
	switch {
	case count >= p.HotThreshold:
		level = dist.HotnessHot
	case count >= p.WarmThreshold:
		level = dist.HotnessWarm
	default:
		return false
	}
	for {
		cur := prof.level.Load()
		if cur >= uint32(level) {
			return false
		}
		if prof.level.CompareAndSwap(cur, uint32(level)) {
			break
		}
	}
	atomic.AddUint64(&p.promotions, 1)
	if p.OnHot != nil {
		p.OnHot(id, level)
	}
	return true
}

// InvocationCount returns how often a method has been invoked.
func (p *Profiler) InvocationCount(id dist.MethodID) uint64 {
	if val, ok := p.profiles.Load(id); ok {
		return atomic.LoadUint64(&val.(*MethodProfile).InvocationCount)
	}
	return 0
}

// Promotions returns how many level changes have been reported.
func (p *Profiler) Promotions() uint64 {
	return atomic.LoadUint64(&p.promotions)
}

// TopMethods returns the n most invoked methods, most invoked first.
func (p *Profiler) TopMethods(n int) []dist.MethodID {
	type entry struct {
		id    dist.MethodID
		count uint64
	}
	var entries []entry
	p.profiles.Range(func(key, value any) bool {
		entries = append(entries, entry{
			id:    key.(dist.MethodID),
			count: atomic.LoadUint64(&value.(*MethodProfile).InvocationCount),
		})
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].id < entries[j].id
	})
	if n > len(entries) {
		n = len(entries)
	}
	out := make([]dist.MethodID, n)
	for i := range out {
		out[i] = entries[i].id
	}
	return out
}

// Reset forgets every profile.
func (p *Profiler) Reset() {
	p.profiles.Range(func(key, _ any) bool {
		p.profiles.Delete(key)
		return true
	})
	atomic.StoreUint64(&p.promotions, 0)
}
