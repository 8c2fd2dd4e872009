package dist

import (
	"errors"
	"fmt"
	"slices"
)

// PatchSiteSize is the number of bytes overwritten at a patch site.
const PatchSiteSize = 5

// ClassRef identifies a class together with the fingerprint the server
// observed for it.
type ClassRef struct {
	ID          ClassID `cbor:"1,keyasint"`
	Fingerprint uint64  `cbor:"2,keyasint"`
}

// MethodRef identifies a method and its declaring class.
type MethodRef struct {
	ID    MethodID `cbor:"1,keyasint"`
	Class ClassRef `cbor:"2,keyasint"`
}

// PatchSite is a location in compiled code that is redirected to
// Destination when the assumption guarding it stops holding. Both are
// offsets from the start of the code blob.
type PatchSite struct {
	Location    uint32 `cbor:"1,keyasint"`
	Destination uint32 `cbor:"2,keyasint"`
}

// GuardKind is the assumption a virtual guard depends on.
type GuardKind uint8

const (
	GuardNonOverridden GuardKind = iota + 1
	GuardInterface
	GuardAbstract
	GuardHierarchy
	GuardProfiled
	GuardBreakpoint
	GuardMutableCallSite
	GuardMethodEnter
	GuardSideEffect
)

var guardKindNames = map[GuardKind]string{
	GuardNonOverridden:   "nonOverridden",
	GuardInterface:       "interface",
	GuardAbstract:        "abstract",
	GuardHierarchy:       "hierarchy",
	GuardProfiled:        "profiled",
	GuardBreakpoint:      "breakpoint",
	GuardMutableCallSite: "mutableCallSite",
	GuardMethodEnter:     "methodEnter",
	GuardSideEffect:      "sideEffect",
}

func (k GuardKind) String() string {
	if name, ok := guardKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("GuardKind(%d)", uint8(k))
}

// GuardTestKind is how the guard is tested at run time.
type GuardTestKind uint8

const (
	TestDummy GuardTestKind = iota
	TestMethod
	TestVFT
	TestNonoverridden
)

// GuardRecord is one virtual guard. Inner holds arena indices of nested
// assumptions: when any of them stops holding, this guard's NopSites are
// patched as well as their own.
type GuardRecord struct {
	Kind          GuardKind     `cbor:"1,keyasint"`
	TestKind      GuardTestKind `cbor:"2,keyasint"`
	CalleeIndex   int32         `cbor:"3,keyasint"`
	BytecodeIndex int32         `cbor:"4,keyasint"`

	ThisClass              *ClassRef  `cbor:"5,keyasint,omitempty"`
	GuardedMethod          *MethodRef `cbor:"6,keyasint,omitempty"`
	GuardedMethodThisClass *ClassRef  `cbor:"7,keyasint,omitempty"`

	IsInlineGuard bool `cbor:"8,keyasint,omitempty"`
	MergedWithHCR bool `cbor:"9,keyasint,omitempty"`
	MergedWithOSR bool `cbor:"10,keyasint,omitempty"`

	// Mutable call site guards depend on the site keeping the target it
	// had at CallSiteEpoch.
	CallSite      ObjectRef `cbor:"11,keyasint,omitempty"`
	CallSiteEpoch uint64    `cbor:"12,keyasint,omitempty"`

	NopSites []PatchSite `cbor:"13,keyasint,omitempty"`
	Inner    []uint32    `cbor:"14,keyasint,omitempty"`
}

// GuardArena stores guard records by index. Roots are the guards attached
// directly to the method; everything else is reachable through Inner. A
// record may be shared by several parents but the graph must be acyclic.
type GuardArena struct {
	Records []GuardRecord `cbor:"1,keyasint,omitempty"`
	Roots   []uint32      `cbor:"2,keyasint,omitempty"`
}

// Add appends a root guard and returns its index.
func (a *GuardArena) Add(g GuardRecord) uint32 {
	idx := a.AddInner(g)
	a.Roots = append(a.Roots, idx)
	return idx
}

// AddInner appends a guard that is not a root and returns its index.
func (a *GuardArena) AddInner(g GuardRecord) uint32 {
	a.Records = append(a.Records, g)
	return uint32(len(a.Records) - 1)
}

// Nest records child as an inner assumption of parent.
func (a *GuardArena) Nest(parent, child uint32) {
	a.Records[parent].Inner = append(a.Records[parent].Inner, child)
}

// ErrGuardCycle is returned when the inner assumption graph has a cycle.
var ErrGuardCycle = errors.New("dist: guard records form a cycle")

// Validate checks that every index is in range and that the inner graph
// is acyclic.
func (a *GuardArena) Validate() error {
	n := uint32(len(a.Records))
	for _, r := range a.Roots {
		if r >= n {
			return fmt.Errorf("dist: guard root %d out of range", r)
		}
	}
	const (
		unvisited = iota
		active
		finished
	)
	state := make([]uint8, n)
	var visit func(i uint32) error
	visit = func(i uint32) error {
		switch state[i] {
		case active:
			return fmt.Errorf("%w at record %d", ErrGuardCycle, i)
		case finished:
			return nil
		}
		state[i] = active
		for _, c := range a.Records[i].Inner {
			if c >= n {
				return fmt.Errorf("dist: guard %d has inner index %d out of range", i, c)
			}
			if err := visit(c); err != nil {
				return err
			}
		}
		state[i] = finished
		return nil
	}
	for i := uint32(0); i < n; i++ {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}

// Walk calls fn once for every guard reachable from the roots, parents
// before children. sites holds the nop sites of the guard followed by
// those of every guard enclosing it on any path from a root, each site
// once. Validate must have succeeded.
func (a *GuardArena) Walk(fn func(idx uint32, g *GuardRecord, sites []PatchSite) error) error {
	inherited := make(map[uint32][]PatchSite)
	for _, idx := range a.topoOrder() {
		g := &a.Records[idx]
		sites := mergeSites(g.NopSites, inherited[idx])
		if err := fn(idx, g, sites); err != nil {
			return err
		}
		for _, c := range g.Inner {
			inherited[c] = mergeSites(inherited[c], sites)
		}
	}
	return nil
}

// topoOrder returns the records reachable from the roots so that every
// record comes after all of its parents.
func (a *GuardArena) topoOrder() []uint32 {
	seen := make([]bool, len(a.Records))
	var post []uint32
	var visit func(i uint32)
	visit = func(i uint32) {
		if seen[i] {
			return
		}
		seen[i] = true
		for _, c := range a.Records[i].Inner {
			visit(c)
		}
		post = append(post, i)
	}
	for _, r := range a.Roots {
		visit(r)
	}
	slices.Reverse(post)
	return post
}

// mergeSites returns the sites of a followed by those of b, dropping
// duplicates.
func mergeSites(a, b []PatchSite) []PatchSite {
	out := make([]PatchSite, 0, len(a)+len(b))
	seen := make(map[PatchSite]bool, len(a)+len(b))
	for _, list := range [][]PatchSite{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// CommitBatch is the set of assumptions a compiled method depends on. It
// is applied to the hierarchy table as a whole or not at all.
type CommitBatch struct {
	// Classes observed during compilation.
	Classes []ClassRef `cbor:"1,keyasint,omitempty"`
	// Classes that must not have gained a subclass since the request was
	// built, and must not gain one later.
	NonExtendable []ClassRef `cbor:"2,keyasint,omitempty"`
	// Methods whose implementation was assumed not to change.
	Preexistent []MethodRef `cbor:"3,keyasint,omitempty"`
	// Sites patched when any observed class is redefined.
	SideEffectSites []PatchSite `cbor:"4,keyasint,omitempty"`
	Guards          GuardArena  `cbor:"5,keyasint"`
	// Class names that must not be loaded yet.
	ClassLoadChecks []string `cbor:"6,keyasint,omitempty"`
	// Classes that must have no subclasses at all.
	ClassExtendChecks []ClassRef `cbor:"7,keyasint,omitempty"`
	// Classes whose redefinition invalidates the method outright.
	OSRRedefinition []ClassRef `cbor:"8,keyasint,omitempty"`
	// Entry point as an offset into the code blob.
	CodeStart uint32 `cbor:"9,keyasint"`
}

// ReferencedClasses returns every class the batch depends on, in first
// seen order. A class referenced with two different fingerprints appears
// twice so that the mismatch is caught by validation.
func (b *CommitBatch) ReferencedClasses() []ClassRef {
	seen := make(map[ClassRef]bool)
	var out []ClassRef
	add := func(c ClassRef) {
		if c.ID == 0 || seen[c] {
			return
		}
		seen[c] = true
		out = append(out, c)
	}
	for _, c := range b.Classes {
		add(c)
	}
	for _, c := range b.NonExtendable {
		add(c)
	}
	for _, m := range b.Preexistent {
		add(m.Class)
	}
	for _, c := range b.ClassExtendChecks {
		add(c)
	}
	for _, c := range b.OSRRedefinition {
		add(c)
	}
	for i := range b.Guards.Records {
		g := &b.Guards.Records[i]
		if g.ThisClass != nil {
			add(*g.ThisClass)
		}
		if g.GuardedMethod != nil {
			add(g.GuardedMethod.Class)
		}
		if g.GuardedMethodThisClass != nil {
			add(*g.GuardedMethodThisClass)
		}
	}
	return out
}

// Validate checks the batch's internal consistency against a code blob of
// codeSize bytes.
func (b *CommitBatch) Validate(codeSize uint32) error {
	if err := b.Guards.Validate(); err != nil {
		return err
	}
	if codeSize > 0 && b.CodeStart >= codeSize {
		return fmt.Errorf("dist: code start %d outside code of %d bytes", b.CodeStart, codeSize)
	}
	check := func(s PatchSite) error {
		if uint64(s.Location)+PatchSiteSize > uint64(codeSize) {
			return fmt.Errorf("dist: patch site %d outside code of %d bytes", s.Location, codeSize)
		}
		if s.Destination >= codeSize {
			return fmt.Errorf("dist: patch destination %d outside code of %d bytes", s.Destination, codeSize)
		}
		return nil
	}
	for _, s := range b.SideEffectSites {
		if err := check(s); err != nil {
			return err
		}
	}
	for i := range b.Guards.Records {
		g := &b.Guards.Records[i]
		for _, s := range g.NopSites {
			if err := check(s); err != nil {
				return err
			}
		}
		if needsMethod(g.Kind) && g.GuardedMethod == nil {
			return fmt.Errorf("dist: %s guard %d has no guarded method", g.Kind, i)
		}
		if g.Kind == GuardHierarchy && g.ThisClass == nil {
			return fmt.Errorf("dist: hierarchy guard %d has no class", i)
		}
		if g.Kind == GuardMutableCallSite && g.CallSite == 0 {
			return fmt.Errorf("dist: call site guard %d has no call site", i)
		}
	}
	return nil
}

func needsMethod(k GuardKind) bool {
	switch k {
	case GuardNonOverridden, GuardInterface, GuardAbstract, GuardBreakpoint:
		return true
	}
	return false
}
