package messaging

import (
	"encoding/json"
	"fmt"
)

// Kind tags what a decoder produced for one record channel (key or value).
type Kind int

const (
	KindValue Kind = iota
	// KindNull means the channel is intentionally empty.
	KindNull
	// KindIgnore means the channel is not inspected at all.
	KindIgnore
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindNull:
		return "null"
	case KindIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Null is the marker type for a channel that must carry no bytes.
type Null struct{}

// Ignore is the marker type for a channel whose bytes are never read.
type Ignore struct{}

// Decoded is the tagged result of a decode. Value is only meaningful when
// Kind is KindValue.
type Decoded[T any] struct {
	Kind  Kind
	Value T
}

func (d Decoded[T]) IsValue() bool {
	return d.Kind == KindValue
}

type Encoder[T any] interface {
	Encode(value T) ([]byte, error)
}

type Decoder[T any] interface {
	Decode(data []byte) (Decoded[T], error)
}

type Codec[T any] interface {
	Encoder[T]
	Decoder[T]
}

// NullCodec encodes to nothing and refuses to decode non-empty input.
type NullCodec struct{}

func (NullCodec) Encode(Null) ([]byte, error) {
	return nil, nil
}

func (NullCodec) Decode(data []byte) (Decoded[Null], error) {
	if len(data) != 0 {
		return Decoded[Null]{}, fmt.Errorf("%w: null channel carries %d bytes", ErrArgument, len(data))
	}
	return Decoded[Null]{Kind: KindNull}, nil
}

// IgnoreCodec never fails and never looks at the bytes.
type IgnoreCodec struct{}

func (IgnoreCodec) Encode(Ignore) ([]byte, error) {
	return nil, nil
}

func (IgnoreCodec) Decode([]byte) (Decoded[Ignore], error) {
	return Decoded[Ignore]{Kind: KindIgnore}, nil
}

// StringCodec passes UTF-8 keys through unchanged.
type StringCodec struct{}

func (StringCodec) Encode(value string) ([]byte, error) {
	return []byte(value), nil
}

func (StringCodec) Decode(data []byte) (Decoded[string], error) {
	return Decoded[string]{Kind: KindValue, Value: string(data)}, nil
}

// JSONCodec encodes T as UTF-8 JSON. A literal JSON null decodes to KindNull.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec[T]) Decode(data []byte) (Decoded[T], error) {
	var out Decoded[T]
	if len(data) == 0 {
		return out, &DeserializationError{Raw: data, Err: fmt.Errorf("empty payload")}
	}
	if string(data) == "null" {
		out.Kind = KindNull
		return out, nil
	}
	if err := json.Unmarshal(data, &out.Value); err != nil {
		return Decoded[T]{}, &DeserializationError{Raw: append([]byte(nil), data...), Err: err}
	}
	out.Kind = KindValue
	return out, nil
}
