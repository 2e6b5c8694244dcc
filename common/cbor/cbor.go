// Package cbor provides the canonical CBOR codec used for all persisted
// shard state (ShardStateMeta, translog checkpoints, commit user-data).
package cbor

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	eopts := cbor.CanonicalEncOptions()
	var err error
	if encMode, err = eopts.EncMode(); err != nil {
		panic(err)
	}

	dopts := cbor.DecOptions{
		// Duplicate map keys in persisted state indicate corruption.
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}
	if decMode, err = dopts.DecMode(); err != nil {
		panic(err)
	}
}

// Marshal serializes a value into canonical CBOR.
func Marshal(v interface{}) []byte {
	b, err := encMode.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Unmarshal deserializes CBOR-encoded data not originating from a trusted
// source, i.e. it is validated against the canonical encoding rules.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// UnmarshalTrusted deserializes CBOR-encoded data that this process itself
// wrote (e.g. read back from local storage), skipping the more expensive
// canonical-form checks.
func UnmarshalTrusted(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
