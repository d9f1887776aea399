// Package codec serializes protocol messages to and from bytes.
//
// Two interchangeable implementations exist: a human-readable JSON codec and
// a compact binary codec. The binary codec is the canonical wire format; the
// JSON codec is the debug-friendly alternative. Both peers of a connection
// must use the same codec, there is no cross-codec interoperability.
package codec

type Type byte

const (
	TypeJSON   Type = 0
	TypeBinary Type = 1
)

// Codec encodes and decodes *message.Request and *message.Response values.
// It must be deterministic and round-trip: Decode(Encode(v)) yields a value
// behaviorally identical to v.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() Type
}

func Get(t Type) Codec {
	if t == TypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}
