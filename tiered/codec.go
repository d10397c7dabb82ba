package tiered

import "github.com/goccy/go-json"

// Codec is the serialization boundary between the typed in-process tier and
// the byte-oriented durable tier. Callers supply the pair; JSONCodec covers
// the common case.
type Codec[V any] struct {
	Encode func(value V) ([]byte, error)
	Decode func(data []byte) (V, error)
}

// JSONCodec encodes values as JSON.
func JSONCodec[V any]() Codec[V] {
	return Codec[V]{
		Encode: func(value V) ([]byte, error) {
			return json.Marshal(value)
		},
		Decode: func(data []byte) (V, error) {
			var value V
			err := json.Unmarshal(data, &value)
			return value, err
		},
	}
}
