package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"shm-discovery/message"
)

// BinaryCodec lays out a Message as length-prefixed fields, big-endian:
//
//	kind      u8 len  + bytes
//	query     3 × (u8 wildcard, u8 len + bytes)
//	triples   u16 count, count × 3 × (u8 len + bytes)
//	counter   u64
//	code      u8 len  + bytes
//	error     u16 len + bytes
//
// Names are at most service.MaxIDLength bytes, so one length byte is enough.
type BinaryCodec struct{}

var errShortBuffer = errors.New("BinaryCodec: truncated message")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *Message
	msg, ok := v.(*message.Message)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *Message")
	}
	if len(msg.Descriptions) > 0xFFFF {
		return nil, fmt.Errorf("BinaryCodec: %d descriptions exceed u16", len(msg.Descriptions))
	}

	// Calculate the length of message
	total := 1 + len(msg.Kind)
	for _, f := range []message.Field{msg.Query.Service, msg.Query.Instance, msg.Query.Event} {
		total += 2 + len(f.Value)
	}
	total += 2
	for _, t := range msg.Descriptions {
		total += 3 + len(t.Service) + len(t.Instance) + len(t.Event)
	}
	total += 8 + 1 + len(msg.Code) + 2 + len(msg.Error)

	w := writer{buf: make([]byte, 0, total)}
	if err := w.str8(string(msg.Kind)); err != nil {
		return nil, err
	}
	for _, f := range []message.Field{msg.Query.Service, msg.Query.Instance, msg.Query.Event} {
		w.bool(f.Wildcard)
		if err := w.str8(f.Value); err != nil {
			return nil, err
		}
	}
	w.u16(uint16(len(msg.Descriptions)))
	for _, t := range msg.Descriptions {
		for _, s := range []string{t.Service, t.Instance, t.Event} {
			if err := w.str8(s); err != nil {
				return nil, err
			}
		}
	}
	w.u64(msg.Counter)
	if err := w.str8(string(msg.Code)); err != nil {
		return nil, err
	}
	errText := msg.Error
	if len(errText) > 0xFFFF {
		errText = errText[:0xFFFF]
	}
	w.u16(uint16(len(errText)))
	w.buf = append(w.buf, errText...)
	return w.buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *Message
	msg, ok := v.(*message.Message)
	if !ok {
		return errors.New("BinaryCodec: v must be *Message")
	}
	r := reader{buf: data}

	*msg = message.Message{Kind: message.Kind(r.str8())}
	for _, f := range []*message.Field{&msg.Query.Service, &msg.Query.Instance, &msg.Query.Event} {
		f.Wildcard = r.u8() != 0
		f.Value = r.str8()
	}
	if n := int(r.u16()); n > 0 && r.err == nil {
		msg.Descriptions = make([]message.Triple, n)
		for i := range msg.Descriptions {
			msg.Descriptions[i] = message.Triple{Service: r.str8(), Instance: r.str8(), Event: r.str8()}
		}
	}
	msg.Counter = r.u64()
	msg.Code = message.ErrCode(r.str8())
	msg.Error = string(r.bytes(int(r.u16())))
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

type writer struct {
	buf []byte
}

func (w *writer) str8(s string) error {
	if len(s) > 0xFF {
		return fmt.Errorf("BinaryCodec: field of %d bytes exceeds u8 length", len(s))
	}
	w.buf = append(w.buf, byte(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

func (w *writer) bool(b bool) {
	if b {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

// reader records the first short read and returns zero values afterwards.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	if b := r.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) str8() string {
	return string(r.bytes(int(r.u8())))
}
