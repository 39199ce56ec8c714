// Package encoding provides centralized serialization for sett.
// ALL msgpack operations MUST go through this package to ensure consistent
// behavior between the wire, the journal and rollback payloads.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
//
// Type Preservation: When decoding into interface{}, msgpack strings decode
// as Go strings (not []byte). Rollback payloads carry projected attribute
// maps as map[string]interface{}; a participant must restore exactly the
// value types the master captured, so string/[]byte drift is not acceptable.
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
// When decoding into interface{}, strings are preserved as Go strings
// (not []byte), so attribute maps round-trip through prepare/rollback
// without type drift.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
