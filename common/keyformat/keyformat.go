// Package keyformat implements simple fixed-prefix binary key encoding for
// Badger-backed stores, mirroring the teacher's mkvs/db/badger key scheme
// (a one-byte discriminator prefix followed by fixed-width fields).
package keyformat

import (
	"encoding/binary"
)

// KeyFormat describes a key shape: a one-byte prefix followed by a sequence
// of fixed-width uint64 fields.
type KeyFormat struct {
	prefix    byte
	numUint64 int
}

// New creates a key format with the given prefix byte and arity. Arity
// counts the number of uint64 fields encoded after the prefix (the teacher's
// variant also supports hash-typed fields; this engine only ever keys by
// generation/offset pairs, so uint64 arity is sufficient).
func New(prefix byte, arity int) *KeyFormat {
	return &KeyFormat{prefix: prefix, numUint64: arity}
}

// Encode serializes the prefix followed by each of fields (must match the
// arity New was called with).
func (k *KeyFormat) Encode(fields ...uint64) []byte {
	if len(fields) != k.numUint64 {
		panic("keyformat: field count mismatch")
	}
	buf := make([]byte, 1+8*len(fields))
	buf[0] = k.prefix
	for i, f := range fields {
		binary.BigEndian.PutUint64(buf[1+8*i:], f)
	}
	return buf
}

// Decode parses a previously Encode-d key into dst, returning false if the
// key does not match this format's prefix/arity.
func (k *KeyFormat) Decode(key []byte, dst ...*uint64) bool {
	if len(dst) != k.numUint64 {
		panic("keyformat: field count mismatch")
	}
	if len(key) != 1+8*k.numUint64 || key[0] != k.prefix {
		return false
	}
	for i, d := range dst {
		*d = binary.BigEndian.Uint64(key[1+8*i:])
	}
	return true
}

// Prefix returns the bare, field-less prefix bytes, usable as an iterator
// scan prefix.
func (k *KeyFormat) Prefix() []byte {
	return []byte{k.prefix}
}
