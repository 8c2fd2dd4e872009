package vm

import (
	"fmt"

	"github.com/chazu/jitserver/vm/dist"
)

// Txn gives a hierarchy update access to the class table while the class
// table lock is held. It must not escape the UpdateHierarchy callback.
type Txn struct {
	v *VM
}

// Table returns the hierarchy table.
func (tx *Txn) Table() *HierarchyTable { return tx.v.table }

// ClassFingerprint returns the current fingerprint of a live class.
func (tx *Txn) ClassFingerprint(id dist.ClassID) (uint64, error) {
	c, err := tx.v.liveClass(id)
	if err != nil {
		return 0, err
	}
	return c.fingerprint, nil
}

// ClassLoaded reports whether a class with the given name is loaded by any
// loader.
func (tx *Txn) ClassLoaded(name string) bool {
	for k := range tx.v.byName {
		if k.name == name {
			return true
		}
	}
	return false
}

// HasSubclasses reports whether a live class has any live subclass.
func (tx *Txn) HasSubclasses(id dist.ClassID) (bool, error) {
	c, err := tx.v.liveClass(id)
	if err != nil {
		return false, err
	}
	for _, s := range c.subclasses {
		if !s.unloaded {
			return true, nil
		}
	}
	return false, nil
}

// IsOverridden reports whether any live subclass overrides a method.
func (tx *Txn) IsOverridden(id dist.MethodID) (bool, error) {
	m, err := tx.v.liveMethod(id)
	if err != nil {
		return false, err
	}
	return tx.v.isOverridden(m), nil
}

// MethodClass returns the class that declares a live method.
func (tx *Txn) MethodClass(id dist.MethodID) (dist.ClassID, error) {
	m, err := tx.v.liveMethod(id)
	if err != nil {
		return 0, err
	}
	return m.Class.ID, nil
}

// CallSiteEpoch returns the current epoch of a call site.
func (tx *Txn) CallSiteEpoch(ref dist.ObjectRef) (uint64, bool) {
	cs, ok := tx.v.heap.CallSite(ref)
	return cs.Epoch, ok
}

// Publish makes ic the code entered by calls to its method. Any previous
// compiled version is invalidated.
func (tx *Txn) Publish(ic *InstalledCode) error {
	m, err := tx.v.liveMethod(ic.Method)
	if err != nil {
		return err
	}
	if !ic.Valid() {
		return fmt.Errorf("vm: publish of invalidated code for %s.%s", m.Class.Name, m.Name)
	}
	if prev := m.compiled; prev != nil && prev != ic {
		prev.invalidate(tx.v.cache)
	}
	m.compiled = ic
	tx.v.table.bump()
	vmLog.Debugf("published %s.%s%s at %#x", m.Class.Name, m.Name, m.Signature, ic.Entry)
	return nil
}
