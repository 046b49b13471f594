package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-wire/message"
)

func sample() *message.RPCMessage {
	return &message.RPCMessage{
		WireID:  "6f1c2d9e-0000-4000-8000-000000000001",
		Method:  "Echo.Say(string)",
		Payload: []byte(`{"text":"hello"}`),
	}
}

func TestCodecsRoundTrip(t *testing.T) {
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeBinary} {
		c, err := Get(ct)
		require.NoError(t, err)
		assert.Equal(t, ct, c.Type())

		in := sample()
		in.Error = "receiver failed"
		data, err := c.Encode(in)
		require.NoError(t, err)

		var out message.RPCMessage
		require.NoError(t, c.Decode(data, &out))
		assert.Equal(t, *in, out, "codec %d", ct)
	}
}

func TestGetUnknownCodec(t *testing.T) {
	_, err := Get(CodecType(9))
	assert.Error(t, err)
}

func TestBinaryRejectsTruncatedBody(t *testing.T) {
	data, err := BinaryCodec{}.Encode(sample())
	require.NoError(t, err)

	for _, n := range []int{0, 1, 5, len(data) - 1} {
		var out message.RPCMessage
		assert.ErrorIs(t, BinaryCodec{}.Decode(data[:n], &out), ErrShortBuffer, "length %d", n)
	}
}

func TestBinaryRejectsForeignValues(t *testing.T) {
	_, err := BinaryCodec{}.Encode("not a message")
	assert.ErrorIs(t, err, ErrNotMessage)
	assert.ErrorIs(t, BinaryCodec{}.Decode(nil, new(string)), ErrNotMessage)
}

func TestBinaryEmptyFields(t *testing.T) {
	data, err := BinaryCodec{}.Encode(&message.RPCMessage{})
	require.NoError(t, err)
	assert.Len(t, data, 10)

	var out message.RPCMessage
	require.NoError(t, BinaryCodec{}.Decode(data, &out))
	assert.Nil(t, out.Payload)
}
