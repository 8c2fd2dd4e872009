package client

import (
	"errors"
	"fmt"

	"github.com/chazu/jitserver/vm"
	"github.com/chazu/jitserver/vm/dist"
)

// Committer folds commit batches into the class hierarchy table.
type Committer struct {
	vm *vm.VM
}

// NewCommitter creates a committer for v's hierarchy table.
func NewCommitter(v *vm.VM) *Committer {
	return &Committer{vm: v}
}

// Commit validates batch against the class table and, if every check
// passes, registers its assumptions and publishes ic, all under the class
// table lock. A rejected batch leaves the table untouched and returns an
// error wrapping ErrCommitRejected; ic is then still unpublished and the
// caller discards it.
//
// t is the target the request was built from: its fingerprint must still
// match and its epoch bounds which class extensions the server could have
// seen.
func (c *Committer) Commit(batch *dist.CommitBatch, ic *vm.InstalledCode, t *vm.Target) error {
	return c.vm.UpdateHierarchy(func(tx *vm.Txn) error {
		broken, err := validate(tx, batch, ic, t)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCommitRejected, err)
		}
		if err := registerAssumptions(tx, batch, ic, broken); err != nil {
			return fmt.Errorf("%w: %v", ErrCommitRejected, err)
		}
		return tx.Publish(ic)
	})
}

// validate checks the batch without touching the table. It returns the
// guards whose assumption is already broken; those are compensated rather
// than rejected.
func validate(tx *vm.Txn, batch *dist.CommitBatch, ic *vm.InstalledCode, t *vm.Target) (map[uint32]bool, error) {
	if err := batch.Validate(uint32(ic.CodeSize)); err != nil {
		return nil, err
	}
	if !ic.Valid() {
		return nil, errors.New("code was invalidated before commit")
	}
	fp, err := tx.ClassFingerprint(t.Class)
	if err != nil {
		return nil, err
	}
	if fp != t.Fingerprint {
		return nil, fmt.Errorf("class %d of %s changed", t.Class, t.Name)
	}
	if _, err := tx.MethodClass(ic.Method); err != nil {
		return nil, err
	}
	for _, ref := range batch.ReferencedClasses() {
		fp, err := tx.ClassFingerprint(ref.ID)
		if err != nil {
			return nil, err
		}
		if fp != ref.Fingerprint {
			return nil, fmt.Errorf("class %d changed since compilation", ref.ID)
		}
	}

	table := tx.Table()
	for _, ref := range batch.NonExtendable {
		if table.ExtendedSince(ref.ID, t.Epoch) {
			return nil, fmt.Errorf("class %d was extended during compilation", ref.ID)
		}
	}
	for _, ref := range batch.ClassExtendChecks {
		has, err := tx.HasSubclasses(ref.ID)
		if err != nil {
			return nil, err
		}
		if has {
			return nil, fmt.Errorf("class %d has subclasses", ref.ID)
		}
	}
	for _, name := range batch.ClassLoadChecks {
		if tx.ClassLoaded(name) {
			return nil, fmt.Errorf("class %s is already loaded", name)
		}
	}
	for _, m := range batch.Preexistent {
		over, err := tx.IsOverridden(m.ID)
		if err != nil {
			return nil, err
		}
		if over {
			return nil, fmt.Errorf("preexistent method %d is overridden", m.ID)
		}
	}

	broken := make(map[uint32]bool)
	for i := range batch.Guards.Records {
		ok, err := guardHolds(tx, &batch.Guards.Records[i], t)
		if err != nil {
			return nil, fmt.Errorf("guard %d: %w", i, err)
		}
		if !ok {
			broken[uint32(i)] = true
		}
	}
	return broken, nil
}

// guardHolds reports whether a guard's assumption is true right now.
func guardHolds(tx *vm.Txn, g *dist.GuardRecord, t *vm.Target) (bool, error) {
	switch g.Kind {
	case dist.GuardNonOverridden, dist.GuardInterface, dist.GuardAbstract:
		over, err := tx.IsOverridden(g.GuardedMethod.ID)
		return !over, err
	case dist.GuardHierarchy:
		return !tx.Table().ExtendedSince(g.ThisClass.ID, t.Epoch), nil
	case dist.GuardMutableCallSite:
		epoch, ok := tx.CallSiteEpoch(g.CallSite)
		return ok && epoch == g.CallSiteEpoch, nil
	}
	return true, nil
}

// guardEvents lists the events that break a guard.
func guardEvents(g *dist.GuardRecord) []vm.Event {
	var evs []vm.Event
	switch g.Kind {
	case dist.GuardNonOverridden, dist.GuardInterface, dist.GuardAbstract:
		evs = append(evs, vm.OverrideEvent(g.GuardedMethod.ID))
	case dist.GuardHierarchy:
		evs = append(evs, vm.ExtendEvent(g.ThisClass.ID))
	case dist.GuardBreakpoint:
		evs = append(evs, vm.RedefineEvent(g.GuardedMethod.Class.ID))
	case dist.GuardMutableCallSite:
		evs = append(evs, vm.CallSiteEvent(g.CallSite))
	case dist.GuardSideEffect:
		if g.ThisClass != nil {
			evs = append(evs, vm.RedefineEvent(g.ThisClass.ID))
		}
	}
	if g.MergedWithHCR || g.MergedWithOSR {
		switch {
		case g.GuardedMethod != nil:
			evs = append(evs, vm.RedefineEvent(g.GuardedMethod.Class.ID))
		case g.ThisClass != nil:
			evs = append(evs, vm.RedefineEvent(g.ThisClass.ID))
		}
	}
	return evs
}

func installedSites(ic *vm.InstalledCode, sites []dist.PatchSite) []vm.Site {
	out := make([]vm.Site, len(sites))
	for i, s := range sites {
		out[i] = vm.Site{
			Location:    ic.CodeAddr + uint64(s.Location),
			Destination: ic.CodeAddr + uint64(s.Destination),
		}
	}
	return out
}

// registerAssumptions arms every assumption of a validated batch.
func registerAssumptions(tx *vm.Txn, batch *dist.CommitBatch, ic *vm.InstalledCode, broken map[uint32]bool) error {
	table := tx.Table()
	err := batch.Guards.Walk(func(idx uint32, g *dist.GuardRecord, sites []dist.PatchSite) error {
		installed := installedSites(ic, sites)
		if broken[idx] {
			table.Compensate(installed)
			return nil
		}
		for _, ev := range guardEvents(g) {
			table.Register(ev, &vm.Assumption{Code: ic, Sites: installed})
		}
		return nil
	})
	if err != nil {
		return err
	}

	invalidate := func(ev vm.Event) {
		table.Register(ev, &vm.Assumption{Code: ic, Invalidate: true})
	}
	for _, m := range batch.Preexistent {
		table.MarkPreexistent(m.ID)
		invalidate(vm.OverrideEvent(m.ID))
	}
	for _, ref := range batch.NonExtendable {
		table.MarkNonExtendable(ref.ID)
		invalidate(vm.ExtendEvent(ref.ID))
	}
	for _, ref := range batch.ClassExtendChecks {
		invalidate(vm.ExtendEvent(ref.ID))
	}
	for _, name := range batch.ClassLoadChecks {
		invalidate(vm.LoadNameEvent(name))
	}
	for _, ref := range batch.OSRRedefinition {
		invalidate(vm.RedefineEvent(ref.ID))
	}
	if len(batch.SideEffectSites) > 0 {
		sites := installedSites(ic, batch.SideEffectSites)
		for _, ref := range batch.Classes {
			table.Register(vm.RedefineEvent(ref.ID), &vm.Assumption{Code: ic, Sites: sites})
		}
	}
	return nil
}

// rejected reports whether err is a commit rejection.
func rejected(err error) bool { return errors.Is(err, ErrCommitRejected) }
