package dist

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical mode so equal values encode to equal bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes v to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

// Unmarshal deserializes CBOR bytes into v. Unknown keys are ignored so
// that newer peers can add fields.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// MarshalMessage serializes a Message to CBOR bytes.
func MarshalMessage(m *Message) ([]byte, error) {
	return cborEncMode.Marshal(m)
}

// UnmarshalMessage deserializes a Message from CBOR bytes.
func UnmarshalMessage(data []byte) (*Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("dist: unmarshal message: %w", err)
	}
	return &m, nil
}

// CompileProcedure is the Connect procedure of the compile stream.
const CompileProcedure = "/jitserver.v1.CompileService/Compile"

// CodecName is the Connect codec name of the compile stream.
const CodecName = "cbor"

// Codec carries Messages over Connect. It satisfies connect.Codec.
type Codec struct{}

// Name returns CodecName.
func (Codec) Name() string { return CodecName }

// Marshal encodes a *Message.
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*Message)
	if !ok {
		return nil, fmt.Errorf("dist: cbor codec cannot marshal %T", v)
	}
	return MarshalMessage(m)
}

// Unmarshal decodes into a *Message.
func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*Message)
	if !ok {
		return fmt.Errorf("dist: cbor codec cannot unmarshal into %T", v)
	}
	if err := cbor.Unmarshal(data, m); err != nil {
		return fmt.Errorf("dist: unmarshal message: %w", err)
	}
	return nil
}
