package metadata

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Codec converts between a typed metadata value and the opaque bytes the
// membership engines carry.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// JSONCodec encodes metadata values as JSON.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode metadata")
	}
	return b, nil
}

func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var v T
	if len(b) == 0 {
		return v, errors.New("no metadata")
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return v, errors.Wrap(err, "decode metadata")
	}
	return v, nil
}

// Properties is the default metadata shape: a flat string map that supports
// single-key updates.
type Properties map[string]string

// PropertiesCodec is the codec used for single-key metadata mutations.
var PropertiesCodec Codec[Properties] = JSONCodec[Properties]{}

func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
