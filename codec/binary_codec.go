package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ytrstu/rfoo/message"
)

// BinaryCodec is the canonical compact wire format.
//
// A Request is laid out as an ordered tuple of length-delimited fields:
//
//	kind    -- 1 byte (0 = Call, 1 = Notify)
//	method  -- 2-byte big-endian length + UTF-8 bytes
//	args    -- 4-byte big-endian length + JSON array payload
//	kwargs  -- 4-byte big-endian length + JSON object payload
//
// A Response is laid out as:
//
//	result  -- 4-byte big-endian length + JSON payload (length 0 = absent)
//	error   -- 2-byte big-endian length + UTF-8 bytes (length 0 = absent)
//
// Argument values ride as JSON sub-payloads: the tuple framing keeps the
// envelope compact and self-describing while leaving arbitrary value
// serialization to JSON. Kwarg keys are UTF-8 text by construction.
type BinaryCodec struct{}

var errTruncated = errors.New("binary codec: truncated message")

// Field length limits imposed by the prefix widths. Encoding validates
// against them instead of letting uint16/uint32 conversions wrap, which
// would silently corrupt the frame.
const (
	maxField16 = 1<<16 - 1
	maxField32 = int64(1<<32 - 1)
)

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch m := v.(type) {
	case *message.Request:
		return c.encodeRequest(m)
	case *message.Response:
		return c.encodeResponse(m)
	}
	return nil, errors.New("binary codec: v must be *message.Request or *message.Response")
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	switch m := v.(type) {
	case *message.Request:
		return c.decodeRequest(data, m)
	case *message.Response:
		return c.decodeResponse(data, m)
	}
	return errors.New("binary codec: v must be *message.Request or *message.Response")
}

func (c *BinaryCodec) Type() Type {
	return TypeBinary
}

func (c *BinaryCodec) encodeRequest(req *message.Request) ([]byte, error) {
	if len(req.Method) > maxField16 {
		return nil, fmt.Errorf("binary codec: method name too long: %d bytes", len(req.Method))
	}
	args, err := marshalNonEmpty(req.Args, len(req.Args) > 0)
	if err != nil {
		return nil, err
	}
	kwargs, err := marshalNonEmpty(req.Kwargs, len(req.Kwargs) > 0)
	if err != nil {
		return nil, err
	}
	if int64(len(args)) > maxField32 || int64(len(kwargs)) > maxField32 {
		return nil, errors.New("binary codec: arguments too large")
	}

	total := 1 + 2 + len(req.Method) + 4 + len(args) + 4 + len(kwargs)
	buf := make([]byte, total)

	buf[0] = byte(req.Kind)
	offset := 1

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(req.Method)))
	offset += 2
	copy(buf[offset:], req.Method)
	offset += len(req.Method)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(args)))
	offset += 4
	copy(buf[offset:], args)
	offset += len(args)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(kwargs)))
	offset += 4
	copy(buf[offset:], kwargs)

	return buf, nil
}

func (c *BinaryCodec) decodeRequest(data []byte, req *message.Request) error {
	if len(data) < 1 {
		return errTruncated
	}
	req.Kind = message.Kind(data[0])
	offset := 1

	method, offset, err := readField16(data, offset)
	if err != nil {
		return err
	}
	req.Method = string(method)

	args, offset, err := readField32(data, offset)
	if err != nil {
		return err
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &req.Args); err != nil {
			return err
		}
	} else {
		req.Args = nil
	}

	kwargs, _, err := readField32(data, offset)
	if err != nil {
		return err
	}
	if len(kwargs) > 0 {
		if err := json.Unmarshal(kwargs, &req.Kwargs); err != nil {
			return err
		}
	} else {
		req.Kwargs = nil
	}

	return nil
}

func (c *BinaryCodec) encodeResponse(resp *message.Response) ([]byte, error) {
	if len(resp.Error) > maxField16 {
		return nil, fmt.Errorf("binary codec: error text too long: %d bytes", len(resp.Error))
	}
	result, err := marshalNonEmpty(resp.Result, resp.Result != nil)
	if err != nil {
		return nil, err
	}
	if int64(len(result)) > maxField32 {
		return nil, errors.New("binary codec: result too large")
	}

	total := 4 + len(result) + 2 + len(resp.Error)
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(result)))
	offset += 4
	copy(buf[offset:], result)
	offset += len(result)

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(resp.Error)))
	offset += 2
	copy(buf[offset:], resp.Error)

	return buf, nil
}

func (c *BinaryCodec) decodeResponse(data []byte, resp *message.Response) error {
	result, offset, err := readField32(data, 0)
	if err != nil {
		return err
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &resp.Result); err != nil {
			return err
		}
	} else {
		resp.Result = nil
	}

	errText, _, err := readField16(data, offset)
	if err != nil {
		return err
	}
	resp.Error = string(errText)

	return nil
}

// marshalNonEmpty serializes v to JSON, or returns no bytes at all when the
// value is absent, so absent and empty stay distinguishable on the wire.
func marshalNonEmpty(v any, present bool) ([]byte, error) {
	if !present {
		return nil, nil
	}
	return json.Marshal(v)
}

func readField16(data []byte, offset int) ([]byte, int, error) {
	if len(data) < offset+2 {
		return nil, 0, errTruncated
	}
	n := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+n {
		return nil, 0, errTruncated
	}
	return data[offset : offset+n], offset + n, nil
}

func readField32(data []byte, offset int) ([]byte, int, error) {
	if len(data) < offset+4 {
		return nil, 0, errTruncated
	}
	n := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data) < offset+n {
		return nil, 0, errTruncated
	}
	return data[offset : offset+n], offset + n, nil
}
