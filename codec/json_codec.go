package codec

import (
	"encoding/json"
	"fmt"
)

// JSONCodec encodes messages with encoding/json and the json struct tags on
// message.Message. Wildcard query fields show up as {"wildcard":true}, which
// makes frames easy to read in a capture.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("JSONCodec: %w", err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
