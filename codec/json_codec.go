package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug on the wire.
// Cons: slower due to reflection and string parsing, larger payload.
//
// Note that JSON has no integer type: numeric arguments decode as float64
// on the receiving side.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() Type {
	return TypeJSON
}
