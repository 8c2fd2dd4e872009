package vm

import (
	"fmt"

	"github.com/chazu/jitserver/vm/dist"
)

// EventKind is a change to the class hierarchy that can break an
// assumption made by compiled code.
type EventKind uint8

const (
	// A class gained a direct or indirect subclass.
	EventExtend EventKind = iota + 1
	// A newly loaded class overrode a method.
	EventOverride
	// A class was redefined or unloaded.
	EventRedefine
	// A class with a given name was loaded.
	EventLoadName
	// A mutable call site was rebound.
	EventCallSite
)

func (k EventKind) String() string {
	switch k {
	case EventExtend:
		return "extend"
	case EventOverride:
		return "override"
	case EventRedefine:
		return "redefine"
	case EventLoadName:
		return "loadName"
	case EventCallSite:
		return "callSite"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event keys the assumption registry. Only the field matching Kind is set.
type Event struct {
	Kind   EventKind
	Class  dist.ClassID
	Method dist.MethodID
	Name   string
	Object dist.ObjectRef
}

func ExtendEvent(c dist.ClassID) Event     { return Event{Kind: EventExtend, Class: c} }
func OverrideEvent(m dist.MethodID) Event  { return Event{Kind: EventOverride, Method: m} }
func RedefineEvent(c dist.ClassID) Event   { return Event{Kind: EventRedefine, Class: c} }
func LoadNameEvent(name string) Event      { return Event{Kind: EventLoadName, Name: name} }
func CallSiteEvent(o dist.ObjectRef) Event { return Event{Kind: EventCallSite, Object: o} }

// Site is an installed patch site: Location is overwritten with a jump to
// Destination.
type Site struct {
	Location    uint64
	Destination uint64
}

// Assumption is what happens when an event fires: its sites are patched
// and, if Invalidate is set, Code stops being entered.
type Assumption struct {
	Code       *InstalledCode
	Sites      []Site
	Invalidate bool
}

// HierarchyTable is the process-wide class hierarchy table. It records
// when classes were last extended, which methods and classes compiled code
// treats as fixed, and the assumptions waiting on each event.
//
// Every method must be called with the VM's class table lock held for
// writing; readers may hold it for reading.
type HierarchyTable struct {
	cache       *CodeCache
	epoch       uint64
	extended    map[dist.ClassID]uint64
	preexistent map[dist.MethodID]int
	sealed      map[dist.ClassID]int
	assumptions map[Event][]*Assumption
	fired       uint64
}

func newHierarchyTable(cache *CodeCache) *HierarchyTable {
	return &HierarchyTable{
		cache:       cache,
		extended:    make(map[dist.ClassID]uint64),
		preexistent: make(map[dist.MethodID]int),
		sealed:      make(map[dist.ClassID]int),
		assumptions: make(map[Event][]*Assumption),
	}
}

// Epoch increases with every mutation of the table.
func (t *HierarchyTable) Epoch() uint64 { return t.epoch }

func (t *HierarchyTable) bump() { t.epoch++ }

// Register arms a for ev.
func (t *HierarchyTable) Register(ev Event, a *Assumption) {
	t.assumptions[ev] = append(t.assumptions[ev], a)
	t.bump()
}

// Pending returns the number of assumptions armed for ev.
func (t *HierarchyTable) Pending(ev Event) int {
	return len(t.assumptions[ev])
}

// Size returns the total number of armed assumptions.
func (t *HierarchyTable) Size() int {
	n := 0
	for _, as := range t.assumptions {
		n += len(as)
	}
	return n
}

// Fired returns how many assumptions have fired so far.
func (t *HierarchyTable) Fired() uint64 { return t.fired }

// Fire applies and disarms every assumption waiting on ev.
func (t *HierarchyTable) Fire(ev Event) int {
	as := t.assumptions[ev]
	if len(as) == 0 {
		return 0
	}
	delete(t.assumptions, ev)
	for _, a := range as {
		t.apply(a)
	}
	t.fired += uint64(len(as))
	t.bump()
	vmLog.Debugf("fired %d assumptions on %s", len(as), ev.Kind)
	return len(as)
}

// Compensate patches sites right away. It is used for guards whose
// assumption is already broken when the code is committed.
func (t *HierarchyTable) Compensate(sites []Site) {
	for _, s := range sites {
		if err := t.cache.PatchJump(s.Location, s.Destination); err != nil {
			vmLog.Warningf("compensate site %#x: %v", s.Location, err)
		}
	}
	t.bump()
}

func (t *HierarchyTable) apply(a *Assumption) {
	for _, s := range a.Sites {
		if err := t.cache.PatchJump(s.Location, s.Destination); err != nil {
			vmLog.Warningf("patch site %#x: %v", s.Location, err)
		}
	}
	if a.Invalidate && a.Code != nil {
		a.Code.invalidate(t.cache)
	}
}

// ExtendedSince reports whether c gained a subclass after epoch.
func (t *HierarchyTable) ExtendedSince(c dist.ClassID, epoch uint64) bool {
	return t.extended[c] > epoch
}

// MarkPreexistent records that compiled code relies on m not changing.
func (t *HierarchyTable) MarkPreexistent(m dist.MethodID) {
	t.preexistent[m]++
	t.bump()
}

// IsPreexistent reports whether any compiled code relies on m.
func (t *HierarchyTable) IsPreexistent(m dist.MethodID) bool {
	return t.preexistent[m] > 0
}

// MarkNonExtendable records that compiled code relies on c having no new
// subclasses.
func (t *HierarchyTable) MarkNonExtendable(c dist.ClassID) {
	t.sealed[c]++
	t.bump()
}

// IsNonExtendable reports whether any compiled code relies on c having no
// new subclasses.
func (t *HierarchyTable) IsNonExtendable(c dist.ClassID) bool {
	return t.sealed[c] > 0
}

// classExtended records that every class in supers gained a subclass and
// fires the matching assumptions.
func (t *HierarchyTable) classExtended(supers []*Class) {
	t.bump()
	for _, s := range supers {
		t.extended[s.ID] = t.epoch
		t.Fire(ExtendEvent(s.ID))
	}
}

// dropCode disarms every assumption owned by ic. Used when the code is
// freed together with its class.
func (t *HierarchyTable) dropCode(ic *InstalledCode) {
	for ev, as := range t.assumptions {
		kept := as[:0]
		for _, a := range as {
			if a.Code != ic {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			delete(t.assumptions, ev)
		} else {
			t.assumptions[ev] = kept
		}
	}
	t.bump()
}
