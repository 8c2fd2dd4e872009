package dist

// Query argument and result payloads. Field numbers are stable wire keys;
// new fields get new numbers.

// ClassArgs names a single class.
type ClassArgs struct {
	Class ClassID `cbor:"1,keyasint"`
}

// ClassPairArgs names two classes, for example an instance-of test of
// Class against Target.
type ClassPairArgs struct {
	Class  ClassID `cbor:"1,keyasint"`
	Target ClassID `cbor:"2,keyasint"`
}

// MethodArgs names a single method.
type MethodArgs struct {
	Method MethodID `cbor:"1,keyasint"`
}

// NameArgs carries a name to look up, scoped to the loader of Context when
// Context is non-zero.
type NameArgs struct {
	Name    string  `cbor:"1,keyasint"`
	Context ClassID `cbor:"2,keyasint,omitempty"`
}

// ResolveMethodArgs looks up a method by name and signature starting at
// Class. Virtual resolution walks the superclass chain.
type ResolveMethodArgs struct {
	Class     ClassID `cbor:"1,keyasint"`
	Name      string  `cbor:"2,keyasint"`
	Signature string  `cbor:"3,keyasint"`
}

// FieldArgs names a field of Class.
type FieldArgs struct {
	Class ClassID `cbor:"1,keyasint"`
	Name  string  `cbor:"2,keyasint"`
}

// ObjectArgs names a heap object.
type ObjectArgs struct {
	Object ObjectRef `cbor:"1,keyasint"`
}

// BoolResult answers yes/no queries.
type BoolResult struct {
	Value bool `cbor:"1,keyasint"`
}

// IntResult answers numeric queries.
type IntResult struct {
	Value int64 `cbor:"1,keyasint"`
}

// StringResult answers string queries. Found is false when there is no
// such string.
type StringResult struct {
	Value string `cbor:"1,keyasint"`
	Found bool   `cbor:"2,keyasint"`
}

// ClassResult answers queries that return a class. Class is zero when
// there is none.
type ClassResult struct {
	Class ClassID `cbor:"1,keyasint"`
}

// ClassListResult answers queries that return several classes.
type ClassListResult struct {
	Classes []ClassID `cbor:"1,keyasint"`
}

// FingerprintResult carries a class's structural fingerprint.
type FingerprintResult struct {
	Fingerprint uint64 `cbor:"1,keyasint"`
}

// SnapshotResult carries a packed class snapshot.
type SnapshotResult struct {
	Snapshot    []byte `cbor:"1,keyasint"`
	Fingerprint uint64 `cbor:"2,keyasint"`
}

// MethodResult answers method resolution. Method is zero when nothing
// matched.
type MethodResult struct {
	Method    MethodID `cbor:"1,keyasint"`
	Class     ClassID  `cbor:"2,keyasint"`
	Offset    uint32   `cbor:"3,keyasint"`
	Modifiers uint32   `cbor:"4,keyasint"`
}

// AddressResult carries an address in client memory. Zero means none.
type AddressResult struct {
	Address uint64 `cbor:"1,keyasint"`
}

// FieldAttributes describes a resolved field. Offset is the instance
// offset for instance fields and the static slot index otherwise.
type FieldAttributes struct {
	Found     bool    `cbor:"1,keyasint"`
	Class     ClassID `cbor:"2,keyasint"`
	Signature string  `cbor:"3,keyasint"`
	Offset    uint32  `cbor:"4,keyasint"`
	Modifiers uint32  `cbor:"5,keyasint"`
}

// StaticValue carries the value of a static final field. Known is false
// when the owning class is not initialized yet, in which case the value
// must not be folded.
type StaticValue struct {
	Known bool  `cbor:"1,keyasint"`
	Value int64 `cbor:"2,keyasint"`
}

// MethodHandleInfo describes a method handle object.
type MethodHandleInfo struct {
	Valid  bool     `cbor:"1,keyasint"`
	Target MethodID `cbor:"2,keyasint"`
	Type   string   `cbor:"3,keyasint"`
}

// CallSiteTarget describes the current target of a mutable call site.
// Epoch changes every time the target is set.
type CallSiteTarget struct {
	Valid  bool      `cbor:"1,keyasint"`
	Target ObjectRef `cbor:"2,keyasint"`
	Epoch  uint64    `cbor:"3,keyasint"`
}

// VMInfo describes the client process.
type VMInfo struct {
	ClientUID     string `cbor:"1,keyasint"`
	Version       uint32 `cbor:"2,keyasint"`
	CodeCacheBase uint64 `cbor:"3,keyasint"`
	DataCacheBase uint64 `cbor:"4,keyasint"`
	InterpGlue    uint64 `cbor:"5,keyasint"`
	TableEpoch    uint64 `cbor:"6,keyasint"`
	LoadedClasses int    `cbor:"7,keyasint"`
}
