// Package dist implements the protocol shared by a compilation client and
// a remote compile server: class snapshots, the tagged message envelope,
// compile requests and artifacts, hierarchy commit batches and the CBOR
// wire codec used to carry them over a Connect bidi stream.
package dist

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// ClassID, MethodID and ObjectRef are opaque client handles. They are only
// meaningful to the process that issued them.
type (
	ClassID   uint64
	MethodID  uint64
	ObjectRef uint64
)

// MessageKind tags every message on a compile stream.
type MessageKind uint16

// Protocol messages. Query kinds start at firstQueryKind; a response
// carries the same kind as the query it answers.
const (
	KindCompileRequest         MessageKind = 1
	KindFinalArtifact          MessageKind = 2
	KindCompilationInterrupted MessageKind = 3

	firstQueryKind MessageKind = 16
)

// Query kinds.
const (
	// Class hierarchy
	QueryGetSuperClass MessageKind = firstQueryKind + iota
	QueryIsInstanceOf
	QueryIsInterface
	QueryIsAbstract
	QueryIsFinal
	QueryIsClassInitialized
	QueryGetSubClasses
	QueryGetClassDepth
	QueryGetClassName
	QueryGetClassByName
	QueryGetClassFingerprint
	QueryGetClassSnapshot
	QueryGetInterfaces
	QueryGetClassOfMethod
	QueryIsClassLibraryClass
	QueryGetUnloadedClasses

	// Methods
	QueryResolveMethod
	QueryResolveVirtualMethod
	QueryIsMethodCompiled
	QueryGetMethodStartAddress
	QueryGetInvocationCount
	QueryIsMethodNative
	QueryIsMethodOverridden
	QueryIsMethodTracingEnabled

	// Fields
	QueryGetFieldAttributes
	QueryGetStaticAttributes
	QueryGetStaticFinalValue
	QueryGetInstanceSize

	// Strings and objects
	QueryGetStringUTF8
	QueryGetStringLength
	QueryLookupInternedString
	QueryGetObjectClass

	// Method handles
	QueryGetMethodHandleTarget
	QueryGetMethodHandleType
	QueryGetCallSiteTarget

	// Misc
	QueryGetVMInfo

	lastQueryKind
)

var kindNames = map[MessageKind]string{
	KindCompileRequest:         "compileRequest",
	KindFinalArtifact:          "finalArtifact",
	KindCompilationInterrupted: "compilationInterrupted",

	QueryGetSuperClass:       "getSuperClass",
	QueryIsInstanceOf:        "isInstanceOf",
	QueryIsInterface:         "isInterface",
	QueryIsAbstract:          "isAbstract",
	QueryIsFinal:             "isFinal",
	QueryIsClassInitialized:  "isClassInitialized",
	QueryGetSubClasses:       "getSubClasses",
	QueryGetClassDepth:       "getClassDepth",
	QueryGetClassName:        "getClassName",
	QueryGetClassByName:      "getClassByName",
	QueryGetClassFingerprint: "getClassFingerprint",
	QueryGetClassSnapshot:    "getClassSnapshot",
	QueryGetInterfaces:       "getInterfaces",
	QueryGetClassOfMethod:    "getClassOfMethod",
	QueryIsClassLibraryClass: "isClassLibraryClass",
	QueryGetUnloadedClasses:  "getUnloadedClasses",

	QueryResolveMethod:          "resolveMethod",
	QueryResolveVirtualMethod:   "resolveVirtualMethod",
	QueryIsMethodCompiled:       "isMethodCompiled",
	QueryGetMethodStartAddress:  "getMethodStartAddress",
	QueryGetInvocationCount:     "getInvocationCount",
	QueryIsMethodNative:         "isMethodNative",
	QueryIsMethodOverridden:     "isMethodOverridden",
	QueryIsMethodTracingEnabled: "isMethodTracingEnabled",

	QueryGetFieldAttributes:  "getFieldAttributes",
	QueryGetStaticAttributes: "getStaticAttributes",
	QueryGetStaticFinalValue: "getStaticFinalValue",
	QueryGetInstanceSize:     "getInstanceSize",

	QueryGetStringUTF8:        "getStringUTF8",
	QueryGetStringLength:      "getStringLength",
	QueryLookupInternedString: "lookupInternedString",
	QueryGetObjectClass:       "getObjectClass",

	QueryGetMethodHandleTarget: "getMethodHandleTarget",
	QueryGetMethodHandleType:   "getMethodHandleType",
	QueryGetCallSiteTarget:     "getCallSiteTarget",

	QueryGetVMInfo: "getVMInfo",
}

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("MessageKind(%d)", uint16(k))
}

// IsQuery reports whether k is a known query kind.
func (k MessageKind) IsQuery() bool {
	return k >= firstQueryKind && k < lastQueryKind
}

// IsTerminal reports whether k ends a compile stream.
func (k MessageKind) IsTerminal() bool {
	return k == KindFinalArtifact
}

// QueryKinds returns every query kind in ascending order.
func QueryKinds() []MessageKind {
	kinds := make([]MessageKind, 0, lastQueryKind-firstQueryKind)
	for k := range kindNames {
		if k.IsQuery() {
			kinds = append(kinds, k)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Message is the envelope for everything sent on a compile stream.
type Message struct {
	Kind    MessageKind     `cbor:"1,keyasint"`
	Payload cbor.RawMessage `cbor:"2,keyasint,omitempty"`
}

// NewMessage encodes v as the payload of a message of the given kind. A
// nil v produces an empty payload.
func NewMessage(kind MessageKind, v any) (*Message, error) {
	m := &Message{Kind: kind}
	if v == nil {
		return m, nil
	}
	data, err := Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("dist: encode %s payload: %w", kind, err)
	}
	m.Payload = data
	return m, nil
}

// Decode decodes the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("dist: %s message has no payload", m.Kind)
	}
	if err := Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("dist: decode %s payload: %w", m.Kind, err)
	}
	return nil
}
