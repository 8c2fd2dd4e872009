package dist

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Data blob
// ---------------------------------------------------------------------------
//
// The data blob travels next to the code blob and is installed verbatim in
// the client's metadata region. Layout (little-endian):
//
//	0   u32  magic "JDB1"
//	4   u16  version
//	6   u16  flags
//	8   u32  relocation count
//	12  u32  metadata size
//	16  relocation records, 24 bytes each
//	... metadata bytes
//
// Relocation record:
//
//	0   u8   kind
//	1   u8   width (4 or 8)
//	2   u16  reserved
//	4   u32  offset in the code blob of the field to fix up
//	8   i64  addend
//	16  u64  target (meaning depends on kind)

const (
	dataBlobMagic   = 0x3142444A // "JDB1"
	dataBlobVersion = 1

	DataBlobHeaderSize = 16
	RelocRecordSize    = 24
)

// RelocKind selects how a relocation computes its value.
type RelocKind uint8

const (
	// Target is an offset in the code blob; the value is its installed
	// address.
	RelocCodeAbsolute RelocKind = iota + 1
	// Target is an offset in the metadata; the value is its installed
	// address.
	RelocDataAbsolute
	// Target is an offset in the metadata; the value is the signed 32 bit
	// distance from the end of the field to its installed address.
	RelocDataRelative
	// Target is a ClassID; the value is the address of the live class.
	RelocClassPointer
	// Target is a MethodID; the value is the method's current entry point.
	RelocMethodEntry
)

var relocKindNames = map[RelocKind]string{
	RelocCodeAbsolute: "codeAbsolute",
	RelocDataAbsolute: "dataAbsolute",
	RelocDataRelative: "dataRelative",
	RelocClassPointer: "classPointer",
	RelocMethodEntry:  "methodEntry",
}

func (k RelocKind) String() string {
	if name, ok := relocKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("RelocKind(%d)", uint8(k))
}

// Relocation is one decoded fixup.
type Relocation struct {
	Kind   RelocKind
	Width  uint8
	Offset uint32
	Addend int64
	Target uint64
}

// ErrMalformedDataBlob is returned by ParseDataBlob.
var ErrMalformedDataBlob = errors.New("dist: malformed data blob")

// DataBlobBuilder assembles a data blob.
type DataBlobBuilder struct {
	relocs   []Relocation
	metadata []byte
}

// NewDataBlobBuilder returns an empty builder.
func NewDataBlobBuilder() *DataBlobBuilder {
	return &DataBlobBuilder{}
}

// AddMetadata appends b to the metadata section and returns its offset.
func (b *DataBlobBuilder) AddMetadata(data []byte) uint32 {
	off := uint32(len(b.metadata))
	b.metadata = append(b.metadata, data...)
	return off
}

// AddRelocation records a fixup.
func (b *DataBlobBuilder) AddRelocation(r Relocation) {
	b.relocs = append(b.relocs, r)
}

// Bytes encodes the blob.
func (b *DataBlobBuilder) Bytes() []byte {
	size := DataBlobHeaderSize + RelocRecordSize*len(b.relocs) + len(b.metadata)
	out := make([]byte, 0, size)
	out = le.AppendUint32(out, dataBlobMagic)
	out = le.AppendUint16(out, dataBlobVersion)
	out = le.AppendUint16(out, 0)
	out = le.AppendUint32(out, uint32(len(b.relocs)))
	out = le.AppendUint32(out, uint32(len(b.metadata)))
	for _, r := range b.relocs {
		out = append(out, byte(r.Kind), r.Width, 0, 0)
		out = le.AppendUint32(out, r.Offset)
		out = le.AppendUint64(out, uint64(r.Addend))
		out = le.AppendUint64(out, r.Target)
	}
	return append(out, b.metadata...)
}

// DataBlob is a parsed data blob.
type DataBlob struct {
	Relocations []Relocation
	Metadata    []byte
	// MetadataOffset is where the metadata starts inside the raw blob.
	MetadataOffset uint32
}

// ParseDataBlob decodes a data blob. An empty blob parses to an empty
// DataBlob.
func ParseDataBlob(raw []byte) (*DataBlob, error) {
	if len(raw) == 0 {
		return &DataBlob{}, nil
	}
	if len(raw) < DataBlobHeaderSize {
		return nil, fmt.Errorf("%w: %d byte header", ErrMalformedDataBlob, len(raw))
	}
	if le.Uint32(raw[0:]) != dataBlobMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedDataBlob)
	}
	if v := le.Uint16(raw[4:]); v != dataBlobVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedDataBlob, v)
	}
	count := uint64(le.Uint32(raw[8:]))
	metaSize := uint64(le.Uint32(raw[12:]))
	metaStart := DataBlobHeaderSize + count*RelocRecordSize
	if metaStart+metaSize != uint64(len(raw)) {
		return nil, fmt.Errorf("%w: sizes do not add up to %d bytes", ErrMalformedDataBlob, len(raw))
	}

	blob := &DataBlob{
		Relocations:    make([]Relocation, 0, count),
		Metadata:       raw[metaStart:],
		MetadataOffset: uint32(metaStart),
	}
	for i := uint64(0); i < count; i++ {
		rec := raw[DataBlobHeaderSize+i*RelocRecordSize:]
		r := Relocation{
			Kind:   RelocKind(rec[0]),
			Width:  rec[1],
			Offset: le.Uint32(rec[4:]),
			Addend: int64(le.Uint64(rec[8:])),
			Target: le.Uint64(rec[16:]),
		}
		if _, ok := relocKindNames[r.Kind]; !ok {
			return nil, fmt.Errorf("%w: relocation %d has unknown kind %d", ErrMalformedDataBlob, i, rec[0])
		}
		if r.Width != 4 && r.Width != 8 {
			return nil, fmt.Errorf("%w: relocation %d has width %d", ErrMalformedDataBlob, i, r.Width)
		}
		if r.Kind == RelocDataRelative && r.Width != 4 {
			return nil, fmt.Errorf("%w: relative relocation %d must be 4 bytes wide", ErrMalformedDataBlob, i)
		}
		blob.Relocations = append(blob.Relocations, r)
	}
	return blob, nil
}
