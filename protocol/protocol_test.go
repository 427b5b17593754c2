package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{CodecType: CodecTypeMsgpack, MsgType: MsgTypeRequest, Seq: 12345}
	body := []byte("hello world")

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, body))
	assert.Equal(t, HeaderSize+len(body), buf.Len())

	decoded, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, header.CodecType, decoded.CodecType)
	assert.Equal(t, header.MsgType, decoded.MsgType)
	assert.Equal(t, header.Seq, decoded.Seq)
	assert.EqualValues(t, len(body), decoded.BodyLen)
	assert.Equal(t, body, decodedBody)
}

func TestBackToBackFrames(t *testing.T) {
	var buf bytes.Buffer
	for seq := uint32(1); seq <= 3; seq++ {
		require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeResponse, Seq: seq}, []byte{byte(seq)}))
	}
	for seq := uint32(1); seq <= 3; seq++ {
		h, body, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, seq, h.Seq)
		assert.Equal(t, []byte{byte(seq)}, body)
	}
	_, _, err := Decode(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeHeartbeat}, nil))

	h, body, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeHeartbeat, h.MsgType)
	assert.Zero(t, h.BodyLen)
	assert.Empty(t, body)
}

func frame(mutate func(b []byte)) *bytes.Buffer {
	b := []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeBinary, byte(MsgTypeRequest), 0, 0, 0, 1, 0, 0, 0, 0}
	mutate(b)
	return bytes.NewBuffer(b)
}

func TestDecodeRejectsBadHeaders(t *testing.T) {
	cases := map[string]struct {
		mutate func(b []byte)
		want   string
	}{
		"magic":    {func(b []byte) { b[0] = 'G' }, "invalid magic number"},
		"version":  {func(b []byte) { b[3] = 0xFF }, "unsupported version"},
		"codec":    {func(b []byte) { b[4] = 9 }, "unsupported codec type"},
		"msg type": {func(b []byte) { b[5] = 7 }, "unsupported message type"},
		"too long": {func(b []byte) { binary.BigEndian.PutUint32(b[10:], MaxBodyLen+1) }, "exceeds limit"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode(frame(tc.mutate))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	buf := frame(func(b []byte) { binary.BigEndian.PutUint32(b[10:], 5) })
	buf.Write([]byte("ab"))
	_, _, err := Decode(buf)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{CodecType: CodecTypeBinary, MsgType: MsgTypeResponse, Seq: 999}, largeBody))

	_, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(largeBody, decodedBody))
}
