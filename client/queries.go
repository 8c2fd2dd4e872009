package client

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/chazu/jitserver/vm"
	"github.com/chazu/jitserver/vm/dist"
)

// handler answers one query message.
type handler func(fe Frontend, m *dist.Message) (*dist.Message, error)

// queryTable maps every query kind to its handler.
type queryTable map[dist.MessageKind]handler

// errBadArgs marks a query whose payload does not decode.
var errBadArgs = errors.New("undecodable query arguments")

// register adds a typed handler. Arguments are decoded into A and the
// result is encoded as the response payload under the same kind. Queries
// without arguments use struct{}.
func register[A, R any](t queryTable, kind dist.MessageKind, fn func(fe Frontend, args *A) (R, error)) {
	if !kind.IsQuery() {
		panic(fmt.Sprintf("client: %s is not a query kind", kind))
	}
	if _, dup := t[kind]; dup {
		panic(fmt.Sprintf("client: duplicate handler for %s", kind))
	}
	t[kind] = func(fe Frontend, m *dist.Message) (*dist.Message, error) {
		var args A
		if len(m.Payload) > 0 {
			if err := m.Decode(&args); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", errBadArgs, kind, err)
			}
		}
		res, err := fn(fe, &args)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", kind, err)
		}
		return dist.NewMessage(kind, res)
	}
}

// gone reports whether err means a handle no longer names a live class or
// method. Such queries are answered with the zero result, which is the
// truthful answer for something that does not exist.
func gone(err error) bool {
	return errors.Is(err, vm.ErrNoSuchClass) || errors.Is(err, vm.ErrNoSuchMethod)
}

// settle turns "no such class or method" into a zero result.
func settle[R any](r R, err error) (R, error) {
	if err != nil && gone(err) {
		var zero R
		return zero, nil
	}
	return r, err
}

// missing answers with r when err means the handle is gone.
func missing[R any](r R, err error) (R, error) {
	if gone(err) {
		return r, nil
	}
	var zero R
	return zero, err
}

// queries is the dispatch table, built once.
var queries = newQueryTable()

func newQueryTable() queryTable {
	t := make(queryTable)

	// Class hierarchy.

	classFlag := func(kind dist.MessageKind, flag uint32) {
		register(t, kind, func(fe Frontend, a *dist.ClassArgs) (dist.BoolResult, error) {
			info, err := fe.ClassInfo(a.Class)
			return settle(dist.BoolResult{Value: info.Modifiers&flag != 0}, err)
		})
	}
	classFlag(dist.QueryIsInterface, vm.AccInterface)
	classFlag(dist.QueryIsAbstract, vm.AccAbstract)
	classFlag(dist.QueryIsFinal, vm.AccFinal)

	register(t, dist.QueryGetSuperClass, func(fe Frontend, a *dist.ClassArgs) (dist.ClassResult, error) {
		info, err := fe.ClassInfo(a.Class)
		return settle(dist.ClassResult{Class: info.Super}, err)
	})
	register(t, dist.QueryIsInstanceOf, func(fe Frontend, a *dist.ClassPairArgs) (dist.BoolResult, error) {
		ok, err := fe.IsInstanceOf(a.Class, a.Target)
		return settle(dist.BoolResult{Value: ok}, err)
	})
	register(t, dist.QueryIsClassInitialized, func(fe Frontend, a *dist.ClassArgs) (dist.BoolResult, error) {
		info, err := fe.ClassInfo(a.Class)
		return settle(dist.BoolResult{Value: info.Initialized}, err)
	})
	register(t, dist.QueryGetSubClasses, func(fe Frontend, a *dist.ClassArgs) (dist.ClassListResult, error) {
		subs, err := fe.SubClasses(a.Class)
		return settle(dist.ClassListResult{Classes: subs}, err)
	})
	register(t, dist.QueryGetClassDepth, func(fe Frontend, a *dist.ClassArgs) (dist.IntResult, error) {
		info, err := fe.ClassInfo(a.Class)
		if err != nil {
			return missing(dist.IntResult{Value: -1}, err)
		}
		return dist.IntResult{Value: int64(info.Depth)}, nil
	})
	register(t, dist.QueryGetClassName, func(fe Frontend, a *dist.ClassArgs) (dist.StringResult, error) {
		info, err := fe.ClassInfo(a.Class)
		return settle(dist.StringResult{Value: info.Name, Found: true}, err)
	})
	register(t, dist.QueryGetClassByName, func(fe Frontend, a *dist.NameArgs) (dist.ClassResult, error) {
		id, err := fe.ClassByName(a.Name, a.Context)
		return settle(dist.ClassResult{Class: id}, err)
	})
	register(t, dist.QueryGetClassFingerprint, func(fe Frontend, a *dist.ClassArgs) (dist.FingerprintResult, error) {
		info, err := fe.ClassInfo(a.Class)
		return settle(dist.FingerprintResult{Fingerprint: info.Fingerprint}, err)
	})
	register(t, dist.QueryGetClassSnapshot, func(fe Frontend, a *dist.ClassArgs) (dist.SnapshotResult, error) {
		snap, fp, err := fe.ClassSnapshot(a.Class)
		return settle(dist.SnapshotResult{Snapshot: snap, Fingerprint: fp}, err)
	})
	register(t, dist.QueryGetInterfaces, func(fe Frontend, a *dist.ClassArgs) (dist.ClassListResult, error) {
		info, err := fe.ClassInfo(a.Class)
		return settle(dist.ClassListResult{Classes: info.Interfaces}, err)
	})
	register(t, dist.QueryGetClassOfMethod, func(fe Frontend, a *dist.MethodArgs) (dist.ClassResult, error) {
		info, err := fe.MethodInfo(a.Method)
		return settle(dist.ClassResult{Class: info.Class}, err)
	})
	register(t, dist.QueryIsClassLibraryClass, func(fe Frontend, a *dist.ClassArgs) (dist.BoolResult, error) {
		info, err := fe.ClassInfo(a.Class)
		return settle(dist.BoolResult{Value: info.Loader == vm.BootstrapLoader}, err)
	})
	register(t, dist.QueryGetUnloadedClasses, func(fe Frontend, _ *struct{}) (dist.ClassListResult, error) {
		return dist.ClassListResult{Classes: fe.PendingUnloaded()}, nil
	})

	// Methods.

	resolve := func(kind dist.MessageKind, virtual bool) {
		register(t, kind, func(fe Frontend, a *dist.ResolveMethodArgs) (dist.MethodResult, error) {
			info, ok, err := fe.ResolveMethod(a.Class, a.Name, a.Signature, virtual)
			if err != nil || !ok {
				return settle(dist.MethodResult{}, err)
			}
			return dist.MethodResult{
				Method:    info.ID,
				Class:     info.Class,
				Offset:    info.Offset,
				Modifiers: info.Modifiers,
			}, nil
		})
	}
	resolve(dist.QueryResolveMethod, false)
	resolve(dist.QueryResolveVirtualMethod, true)

	register(t, dist.QueryIsMethodCompiled, func(fe Frontend, a *dist.MethodArgs) (dist.BoolResult, error) {
		info, err := fe.MethodInfo(a.Method)
		return settle(dist.BoolResult{Value: info.Compiled}, err)
	})
	register(t, dist.QueryGetMethodStartAddress, func(fe Frontend, a *dist.MethodArgs) (dist.AddressResult, error) {
		info, err := fe.MethodInfo(a.Method)
		return settle(dist.AddressResult{Address: info.Entry}, err)
	})
	register(t, dist.QueryGetInvocationCount, func(fe Frontend, a *dist.MethodArgs) (dist.IntResult, error) {
		if _, err := fe.MethodInfo(a.Method); err != nil {
			return missing(dist.IntResult{Value: -1}, err)
		}
		return dist.IntResult{Value: int64(fe.InvocationCount(a.Method))}, nil
	})
	register(t, dist.QueryIsMethodNative, func(fe Frontend, a *dist.MethodArgs) (dist.BoolResult, error) {
		info, err := fe.MethodInfo(a.Method)
		return settle(dist.BoolResult{Value: info.Modifiers&vm.AccNative != 0}, err)
	})
	register(t, dist.QueryIsMethodOverridden, func(fe Frontend, a *dist.MethodArgs) (dist.BoolResult, error) {
		ok, err := fe.IsOverridden(a.Method)
		return settle(dist.BoolResult{Value: ok}, err)
	})
	register(t, dist.QueryIsMethodTracingEnabled, func(fe Frontend, a *dist.MethodArgs) (dist.BoolResult, error) {
		info, err := fe.MethodInfo(a.Method)
		return settle(dist.BoolResult{Value: info.Traced}, err)
	})

	// Fields.

	register(t, dist.QueryGetFieldAttributes, func(fe Frontend, a *dist.FieldArgs) (dist.FieldAttributes, error) {
		fa, err := fe.FieldAttributes(a.Class, a.Name, false)
		return settle(fa, err)
	})
	register(t, dist.QueryGetStaticAttributes, func(fe Frontend, a *dist.FieldArgs) (dist.FieldAttributes, error) {
		fa, err := fe.FieldAttributes(a.Class, a.Name, true)
		return settle(fa, err)
	})
	register(t, dist.QueryGetStaticFinalValue, func(fe Frontend, a *dist.FieldArgs) (dist.StaticValue, error) {
		v, err := fe.StaticFinalValue(a.Class, a.Name)
		return settle(v, err)
	})
	register(t, dist.QueryGetInstanceSize, func(fe Frontend, a *dist.ClassArgs) (dist.IntResult, error) {
		info, err := fe.ClassInfo(a.Class)
		return settle(dist.IntResult{Value: int64(info.InstanceSize)}, err)
	})

	// Strings and objects.

	register(t, dist.QueryGetStringUTF8, func(fe Frontend, a *dist.ObjectArgs) (dist.StringResult, error) {
		s, ok := fe.StringValue(a.Object)
		return dist.StringResult{Value: s, Found: ok}, nil
	})
	register(t, dist.QueryGetStringLength, func(fe Frontend, a *dist.ObjectArgs) (dist.IntResult, error) {
		s, ok := fe.StringValue(a.Object)
		if !ok {
			return dist.IntResult{Value: -1}, nil
		}
		return dist.IntResult{Value: int64(utf8.RuneCountInString(s))}, nil
	})
	register(t, dist.QueryLookupInternedString, func(fe Frontend, a *dist.NameArgs) (dist.IntResult, error) {
		return dist.IntResult{Value: int64(fe.InternedString(a.Name))}, nil
	})
	register(t, dist.QueryGetObjectClass, func(fe Frontend, a *dist.ObjectArgs) (dist.ClassResult, error) {
		return dist.ClassResult{Class: fe.ObjectClass(a.Object)}, nil
	})

	// Method handles and call sites.

	register(t, dist.QueryGetMethodHandleTarget, func(fe Frontend, a *dist.ObjectArgs) (dist.MethodHandleInfo, error) {
		mh, ok := fe.MethodHandle(a.Object)
		return dist.MethodHandleInfo{Valid: ok, Target: mh.Target}, nil
	})
	register(t, dist.QueryGetMethodHandleType, func(fe Frontend, a *dist.ObjectArgs) (dist.MethodHandleInfo, error) {
		mh, ok := fe.MethodHandle(a.Object)
		return dist.MethodHandleInfo{Valid: ok, Type: mh.Type}, nil
	})
	register(t, dist.QueryGetCallSiteTarget, func(fe Frontend, a *dist.ObjectArgs) (dist.CallSiteTarget, error) {
		cs, ok := fe.CallSite(a.Object)
		return dist.CallSiteTarget{Valid: ok, Target: cs.Target, Epoch: cs.Epoch}, nil
	})

	// Misc.

	register(t, dist.QueryGetVMInfo, func(fe Frontend, _ *struct{}) (dist.VMInfo, error) {
		return fe.Info(), nil
	})

	return t
}
