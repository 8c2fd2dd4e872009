// Package client drives remote compilations from the process that owns the
// program state. A RemoteCompiler sends a compile request, answers the
// server's queries from live VM state until the artifact arrives, installs
// the artifact into the code cache and commits its assumptions to the class
// hierarchy table.
package client

import (
	"github.com/chazu/jitserver/vm"
	"github.com/chazu/jitserver/vm/dist"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("jitserver.client")

// Frontend is the read-only view of VM state that queries are answered
// from. *vm.VM implements it.
type Frontend interface {
	ClassInfo(id dist.ClassID) (vm.ClassInfo, error)
	IsInstanceOf(c, target dist.ClassID) (bool, error)
	SubClasses(id dist.ClassID) ([]dist.ClassID, error)
	ClassByName(name string, context dist.ClassID) (dist.ClassID, error)
	ClassSnapshot(id dist.ClassID) ([]byte, uint64, error)
	PendingUnloaded() []dist.ClassID

	MethodInfo(id dist.MethodID) (vm.MethodInfo, error)
	ResolveMethod(class dist.ClassID, name, sig string, virtual bool) (vm.MethodInfo, bool, error)
	IsOverridden(id dist.MethodID) (bool, error)
	InvocationCount(id dist.MethodID) uint64

	FieldAttributes(class dist.ClassID, name string, static bool) (dist.FieldAttributes, error)
	StaticFinalValue(class dist.ClassID, name string) (dist.StaticValue, error)

	StringValue(ref dist.ObjectRef) (string, bool)
	InternedString(s string) dist.ObjectRef
	ObjectClass(ref dist.ObjectRef) dist.ClassID
	MethodHandle(ref dist.ObjectRef) (vm.MethodHandle, bool)
	CallSite(ref dist.ObjectRef) (vm.CallSite, bool)

	Info() dist.VMInfo
}

var _ Frontend = (*vm.VM)(nil)
