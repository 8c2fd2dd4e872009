package dist

import (
	"errors"
	"fmt"
)

// Hotness is the optimization level requested for a compilation.
type Hotness uint8

const (
	HotnessNoOpt Hotness = iota
	HotnessCold
	HotnessWarm
	HotnessHot
	HotnessVeryHot
	HotnessScorching
)

var hotnessNames = [...]string{"noOpt", "cold", "warm", "hot", "veryHot", "scorching"}

func (h Hotness) String() string {
	if int(h) < len(hotnessNames) {
		return hotnessNames[h]
	}
	return fmt.Sprintf("Hotness(%d)", uint8(h))
}

// CompileRequest opens a compile stream. It is built once per attempt and
// never modified after it is sent.
type CompileRequest struct {
	ClientUID string   `cbor:"1,keyasint"`
	SeqNo     uint64   `cbor:"2,keyasint"`
	Version   uint32   `cbor:"3,keyasint"`
	Features  []string `cbor:"4,keyasint,omitempty"`

	Method       MethodID `cbor:"5,keyasint"`
	Class        ClassID  `cbor:"6,keyasint"`
	Snapshot     []byte   `cbor:"7,keyasint"`
	Fingerprint  uint64   `cbor:"8,keyasint"`
	MethodOffset uint32   `cbor:"9,keyasint"`
	Hotness      Hotness  `cbor:"10,keyasint"`
	Details      []byte   `cbor:"11,keyasint,omitempty"`

	// Classes unloaded since the previous request. The server drops them
	// from its caches before compiling.
	UnloadedClasses []ClassID `cbor:"12,keyasint,omitempty"`
	UseAOT          bool      `cbor:"13,keyasint,omitempty"`
	TableEpoch      uint64    `cbor:"14,keyasint"`
}

// Validate checks the fields a server needs before it can start.
func (r *CompileRequest) Validate() error {
	_, _, err := r.Target()
	return err
}

// Target validates the request and returns its decoded snapshot and the
// method the request is for.
func (r *CompileRequest) Target() (*ClassView, *MethodView, error) {
	if r.ClientUID == "" {
		return nil, nil, errors.New("dist: compile request has no client uid")
	}
	if r.Method == 0 || r.Class == 0 {
		return nil, nil, errors.New("dist: compile request has no method")
	}
	if len(r.Snapshot) == 0 {
		return nil, nil, errors.New("dist: compile request has no class snapshot")
	}
	view, err := Unpack(r.Snapshot)
	if err != nil {
		return nil, nil, fmt.Errorf("dist: compile request snapshot: %w", err)
	}
	method, ok := view.MethodAt(r.MethodOffset)
	if !ok {
		return nil, nil, fmt.Errorf("dist: no method at snapshot offset %d", r.MethodOffset)
	}
	return view, method, nil
}

// Status is the outcome code of a terminal message.
type Status uint32

const (
	StatusOK Status = iota
	StatusNotNeeded
	StatusFailure

	// StatusMax and everything above it are reserved. A terminal message
	// carrying one is a protocol violation.
	StatusMax
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotNeeded:
		return "NOT_NEEDED"
	case StatusFailure:
		return "FAILURE"
	}
	return fmt.Sprintf("Status(%d)", uint32(s))
}

// Valid reports whether s is a defined status.
func (s Status) Valid() bool { return s < StatusMax }

// HasArtifact reports whether a terminal message with status s carries
// code, data and a commit batch.
func (s Status) HasArtifact() bool { return s == StatusOK || s == StatusNotNeeded }

// Artifact is the payload of the terminal message.
type Artifact struct {
	Status Status       `cbor:"1,keyasint"`
	Code   []byte       `cbor:"2,keyasint,omitempty"`
	Data   []byte       `cbor:"3,keyasint,omitempty"`
	Batch  *CommitBatch `cbor:"4,keyasint,omitempty"`
	Reason string       `cbor:"5,keyasint,omitempty"`
	// VersionMismatch is set on failures caused by an incompatible
	// protocol version.
	VersionMismatch bool `cbor:"6,keyasint,omitempty"`
}

// ErrBadStatus is returned for terminal messages whose status is outside
// the defined range.
var ErrBadStatus = errors.New("dist: terminal status out of range")

type artifactStatus struct {
	Status Status `cbor:"1,keyasint"`
}

// DecodeArtifact decodes a terminal payload. The status is decoded on its
// own first; the remaining fields are only decoded when it is valid, and
// only kept when it carries an artifact.
func DecodeArtifact(payload []byte) (*Artifact, error) {
	var st artifactStatus
	if err := Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("dist: decode terminal status: %w", err)
	}
	if !st.Status.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, uint32(st.Status))
	}

	var a Artifact
	if err := Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("dist: decode artifact: %w", err)
	}
	if !a.Status.HasArtifact() {
		return &Artifact{Status: a.Status, Reason: a.Reason, VersionMismatch: a.VersionMismatch}, nil
	}
	if a.Batch == nil {
		a.Batch = &CommitBatch{}
	}
	return &a, nil
}
