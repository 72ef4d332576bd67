package messaging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Type      string            `json:"type"`
	Recipient string            `json:"recipient"`
	Params    map[string]string `json:"params,omitempty"`
}

func TestJSONCodec_RoundTrip(t *testing.T) {
	codec := JSONCodec[envelope]{}
	values := []envelope{
		{Type: "EMAIL", Recipient: "a@x.com"},
		{Type: "SMS", Recipient: "+15550100", Params: map[string]string{"code": "1234"}},
		{Type: "EMAIL", Recipient: "ünïcode@x.com", Params: map[string]string{"name": "Zoë \"Z\""}},
		{},
	}

	for _, v := range values {
		data, err := codec.Encode(v)
		require.NoError(t, err)

		decoded, err := codec.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, KindValue, decoded.Kind)
		assert.Equal(t, v, decoded.Value)
	}
}

func TestJSONCodec_Malformed(t *testing.T) {
	codec := JSONCodec[envelope]{}
	raw := []byte(`{"type": "EMAIL",`)

	_, err := codec.Decode(raw)
	require.Error(t, err)

	var decodeErr *DeserializationError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, raw, decodeErr.Raw)
	assert.Equal(t, OutcomePermanent, Classify(err))
}

func TestJSONCodec_EmptyAndNull(t *testing.T) {
	codec := JSONCodec[envelope]{}

	_, err := codec.Decode(nil)
	var decodeErr *DeserializationError
	assert.True(t, errors.As(err, &decodeErr))

	decoded, err := codec.Decode([]byte("null"))
	require.NoError(t, err)
	assert.Equal(t, KindNull, decoded.Kind)
	assert.False(t, decoded.IsValue())
}

func TestNullCodec(t *testing.T) {
	codec := NullCodec{}

	decoded, err := codec.Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, KindNull, decoded.Kind)

	decoded, err = codec.Decode([]byte{})
	require.NoError(t, err)
	assert.Equal(t, KindNull, decoded.Kind)

	_, err = codec.Decode([]byte("x"))
	assert.ErrorIs(t, err, ErrArgument)

	data, err := codec.Encode(Null{})
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestIgnoreCodec(t *testing.T) {
	codec := IgnoreCodec{}
	inputs := [][]byte{nil, {}, []byte("garbage"), {0xff, 0xfe, 0x00}}

	for _, in := range inputs {
		decoded, err := codec.Decode(in)
		assert.NoError(t, err)
		assert.Equal(t, KindIgnore, decoded.Kind)
	}
}

func TestStringCodec(t *testing.T) {
	codec := StringCodec{}
	data, err := codec.Encode("a@x.com")
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", decoded.Value)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, Classify(nil))
	assert.Equal(t, OutcomeTransient, Classify(Transient("smtp", errors.New("timeout"))))
	assert.Equal(t, OutcomePermanent, Classify(Permanent("bad recipient", nil)))
	assert.Equal(t, OutcomeTransient, Classify(errors.New("something unexpected")))

	wrapped := errors.Join(errors.New("context"), Permanent("template", errors.New("missing")))
	assert.Equal(t, OutcomePermanent, Classify(wrapped))
}
