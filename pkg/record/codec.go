package record

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MarshalKey encodes a primary key as CBOR. The encoding keeps integer and
// string keys distinct.
func MarshalKey(key any) ([]byte, error) {
	b, err := cbor.Marshal(NormalizeKey(key))
	if err != nil {
		return nil, fmt.Errorf("encode key %v: %w", key, err)
	}
	return b, nil
}

// UnmarshalKey reverses MarshalKey.
func UnmarshalKey(b []byte) (any, error) {
	var key any
	if err := cbor.Unmarshal(b, &key); err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return NormalizeKey(key), nil
}
