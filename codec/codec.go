// Package codec serializes message.Message bodies.
//
// Three formats are available and the codec type travels in every frame
// header, so a daemon answers each request in the format it was asked in:
//   - JSON:    human-readable, easy to debug with a packet capture
//   - Binary:  hand-written length-prefixed layout, smallest and fastest
//   - Msgpack: compact and schema-tolerant, for clients in other languages
package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeBinary  CodecType = 1
	CodecTypeMsgpack CodecType = 2
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary, 2=Msgpack
}

// GetCodec returns the codec for codecType, falling back to Binary.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeMsgpack:
		return &MsgpackCodec{}
	default:
		return &BinaryCodec{}
	}
}

// ParseType maps a configuration name to a CodecType.
func ParseType(name string) (CodecType, error) {
	switch name {
	case "json":
		return CodecTypeJSON, nil
	case "binary", "":
		return CodecTypeBinary, nil
	case "msgpack":
		return CodecTypeMsgpack, nil
	default:
		return 0, fmt.Errorf("unknown codec %q (want json, binary or msgpack)", name)
	}
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeMsgpack:
		return "msgpack"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}
