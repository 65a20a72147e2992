package codec

import (
	"encoding/json"
)

// JSONCodec encodes envelopes as JSON text. Arguments and results are already
// json.RawMessage, so they pass through without a second encoding round.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return errShortBuffer
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
