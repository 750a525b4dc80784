// Package encoding provides centralized serialization for Sluice.
// ALL msgpack operations MUST go through this package to ensure consistent
// decoding behavior across the dead letter store and the writers.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
//
// Type Preservation: when decoding into interface{}, msgpack strings decode
// as Go strings (not []byte). Writers compare primary key values against
// database rows, where TEXT and BLOB are distinct types.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings so a
// replayed event carries the same key types as the original capture.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
