// Package kv defines the key/value capability set the rest of the core is
// parameterized over: a value is usable as a Key or Value so long as a
// ByteCodec exists for it. The concrete deployment instantiates this for
// UTF-8 strings (see StringCodec).
package kv

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ByteCodec converts a value to and from its canonical byte serialization.
// Encode must be deterministic: the same T always produces the same bytes.
type ByteCodec[T any] interface {
	Encode(v T) []byte
	Decode(b []byte) (T, error)
}

// StringCodec implements ByteCodec[string] using the length-prefixed
// encoding bincode uses for String: an 8-byte little-endian length
// followed by the raw UTF-8 bytes. This is the "canonical byte
// serialization" the wire format's key_len/val_len fields measure.
type StringCodec struct{}

func (StringCodec) Encode(v string) []byte {
	b := make([]byte, 8+len(v))
	binary.LittleEndian.PutUint64(b[:8], uint64(len(v)))
	copy(b[8:], v)
	return b
}

func (StringCodec) Decode(b []byte) (string, error) {
	if len(b) < 8 {
		return "", fmt.Errorf("kv: string payload too short: %d bytes", len(b))
	}
	n := binary.LittleEndian.Uint64(b[:8])
	if uint64(len(b)-8) != n {
		return "", fmt.Errorf("kv: string length prefix %d does not match payload of %d bytes", n, len(b)-8)
	}
	return string(b[8:]), nil
}

// KeyHash computes the 64-bit digest of a key's canonical byte
// serialization. xxhash64 replaces the source implementation's
// std::collections::hash_map::DefaultHasher: both are 64-bit and
// non-cryptographic, but xxhash is a well-known, fast, portable choice
// with a stable digest across processes, which DefaultHasher (seeded
// per-process) is not.
func KeyHash(keyBytes []byte) uint64 {
	return xxhash.Sum64(keyBytes)
}

// KeyValue is the tuple described in the data model: a key, a value, the
// key's hash, and a monotonic version. Version 0 means freshly created;
// each local Update increments it.
type KeyValue[K any, V any] struct {
	Key     K
	Value   V
	Hash    uint64
	Version uint16
}

// New constructs a KeyValue at version 0, computing Hash from the key's
// canonical bytes via keyCodec.
func New[K any, V any](keyCodec ByteCodec[K], key K, value V) KeyValue[K, V] {
	return WithVersion(keyCodec, key, value, 0)
}

// WithVersion constructs a KeyValue at an explicit version, used when
// reconstructing a pair decoded off the wire (§4.1 step 6).
func WithVersion[K any, V any](keyCodec ByteCodec[K], key K, value V, version uint16) KeyValue[K, V] {
	return KeyValue[K, V]{
		Key:     key,
		Value:   value,
		Hash:    KeyHash(keyCodec.Encode(key)),
		Version: version,
	}
}

// Update replaces the value in place and advances the version by one.
func (kv *KeyValue[K, V]) Update(value V) {
	kv.Value = value
	kv.Version++
}

// Bytes returns the concatenation of the key and value canonical byte
// serializations, in that order — exactly what the codec chunks into
// route payloads.
func Bytes[K any, V any](keyCodec ByteCodec[K], valueCodec ByteCodec[V], pair KeyValue[K, V]) (keyBytes, valueBytes []byte) {
	return keyCodec.Encode(pair.Key), valueCodec.Encode(pair.Value)
}

func (kv KeyValue[K, V]) String() string {
	return fmt.Sprintf("%v | %v", kv.Key, kv.Value)
}
