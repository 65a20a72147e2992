package codec

import (
	"encoding/json"
	"testing"

	"rpcdo/message"
	"rpcdo/rpcerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTripRequest(t *testing.T, c Codec, in *message.Request) *message.Request {
	t.Helper()
	data, err := c.Encode(in)
	require.NoError(t, err, "%T Encode", c)
	out := &message.Request{}
	require.NoError(t, c.Decode(data, out), "%T Decode", c)
	return out
}

func roundTripResponse(t *testing.T, c Codec, in *message.Response) *message.Response {
	t.Helper()
	data, err := c.Encode(in)
	require.NoError(t, err, "%T Encode", c)
	out := &message.Response{}
	require.NoError(t, c.Decode(data, out), "%T Decode", c)
	return out
}

func TestCodecsPreserveEnvelopes(t *testing.T) {
	for _, c := range []Codec{&JSONCodec{}, &BinaryCodec{}} {
		req := roundTripRequest(t, c, &message.Request{
			ID:     7,
			Method: "users.get",
			Args:   []json.RawMessage{json.RawMessage(`1`), json.RawMessage(`{"a":2}`)},
		})
		assert.Equal(t, uint64(7), req.ID)
		assert.Equal(t, "users.get", req.Method)
		require.Len(t, req.Args, 2)
		assert.JSONEq(t, `{"a":2}`, string(req.Args[1]))

		ping := roundTripRequest(t, c, &message.Request{Type: message.TypePing})
		assert.Equal(t, message.TypePing, ping.Type)
		assert.Zero(t, ping.ID)

		ok := roundTripResponse(t, c, &message.Response{ID: 7, Result: json.RawMessage(`{"name":"ada"}`)})
		assert.True(t, ok.HasOutcome())
		assert.JSONEq(t, `{"name":"ada"}`, string(ok.Result))
		assert.Nil(t, ok.Error)

		failed := roundTripResponse(t, c, &message.Response{ID: 8, Error: &rpcerr.RemoteError{
			Code:    rpcerr.CodeMethodNotFound,
			Message: "no such method",
			Data:    json.RawMessage(`{"path":"x"}`),
		}})
		require.NotNil(t, failed.Error)
		assert.Equal(t, rpcerr.CodeMethodNotFound, failed.Error.Code)
		assert.Equal(t, "no such method", failed.Error.Message)
		assert.JSONEq(t, `{"path":"x"}`, string(failed.Error.Data))

		empty := roundTripResponse(t, c, &message.Response{ID: 9})
		assert.False(t, empty.HasOutcome(), "%T must keep outcome-less responses outcome-less", c)
	}
}

func TestBinaryCodecShortBuffer(t *testing.T) {
	c := &BinaryCodec{}
	data, err := c.Encode(&message.Request{ID: 1, Method: "a.b", Args: []json.RawMessage{json.RawMessage(`1`)}})
	require.NoError(t, err)

	err = c.Decode(data[:len(data)-1], &message.Request{})
	assert.ErrorIs(t, err, errShortBuffer)
}

func TestBinaryCodecRejectsUnknownTypes(t *testing.T) {
	_, err := (&BinaryCodec{}).Encode("not an envelope")
	assert.Error(t, err)
}

func TestByName(t *testing.T) {
	c, err := ByName("binary")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeBinary, c.Type())

	c, err = ByName("")
	require.NoError(t, err)
	assert.Equal(t, CodecTypeJSON, c.Type())

	_, err = ByName("xml")
	assert.Error(t, err)
	assert.Equal(t, CodecTypeBinary, GetCodec(CodecTypeBinary).Type())
}
