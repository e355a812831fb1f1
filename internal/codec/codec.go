// Package codec implements the bit-exact, reversible encoding between a
// kv.KeyValue and the ordered set of IPv6 routes that carry it over BGP.
//
// Prefix layout (128 bits):
//
//	route 0:   [magic:16][seq:16][key_len:16][val_len:16][payload[0:8]:64]
//	route i>0: [magic:16][seq:16][payload[i]:96]
//
// NextHop layout (128 bits, identical across a collection except seq):
//
//	[magic:16][version:16][seq:16][N:16][key_hash:64]
//
// Encoding and decoding never suspend; both are pure functions over bytes.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sort"

	"github.com/kvsbgp/kvsbgp/internal/kv"
)

// Magic is the two-byte prefix ("BF51") every address belonging to this
// protocol carries, in both the Prefix and the NextHop.
const Magic uint16 = 0xBF51

// ChunkSize is the number of payload bytes carried by each route after its
// 32-bit magic+sequence header (96 bits).
const ChunkSize = 12

// MaxRoutes is the largest collection size, bounded by the 16-bit seq
// field: one KeyValue cannot span more than this many routes.
const MaxRoutes = 65535

// MaxPayloadBytes is the largest combined key+value canonical byte length
// that can be encoded, after accounting for the 4-byte length header that
// shares space with route 0's chunk.
const MaxPayloadBytes = MaxRoutes*ChunkSize - 4

// ErrNotOurRoute indicates an address lacks the 0xBF51 magic prefix and
// should be silently dropped — expected for any non-kvsbgp BGP traffic.
var ErrNotOurRoute = errors.New("codec: route does not carry the kvsbgp magic prefix")

// EncodeError is returned when a KeyValue cannot be serialized onto the
// wire, either because a field's canonical encoding doesn't fit a 16-bit
// length or because the combined payload exceeds MaxPayloadBytes.
type EncodeError struct{ Reason string }

func (e *EncodeError) Error() string { return fmt.Sprintf("codec: encode: %s", e.Reason) }

// DecodeError is returned when an inbound route collection is malformed:
// bad magic, a missing sequence number, a length header that implies more
// bytes than the payload provides, or a key/value deserialization failure.
type DecodeError struct{ Reason string }

func (e *DecodeError) Error() string { return fmt.Sprintf("codec: decode: %s", e.Reason) }

func hasMagic(a netip.Addr) bool {
	o := a.As16()
	return o[0] == 0xBF && o[1] == 0x51
}

// Prefix is the 128-bit IPv6 address carrying one payload chunk of a
// KeyValue, plus (for the first route of a collection) the key/value
// length header.
type Prefix struct {
	addr netip.Addr
}

func prefixFromAddr(a netip.Addr) (Prefix, error) {
	if !hasMagic(a) {
		return Prefix{}, ErrNotOurRoute
	}
	return Prefix{addr: a}, nil
}

// Addr returns the underlying IPv6 address.
func (p Prefix) Addr() netip.Addr { return p.addr }

// Sequence returns this route's 0-indexed position within its collection.
func (p Prefix) Sequence() uint16 {
	o := p.addr.As16()
	return binary.BigEndian.Uint16(o[2:4])
}

// KeyLen is only meaningful on the first route (seq 0) of a collection.
func (p Prefix) KeyLen() uint16 {
	o := p.addr.As16()
	return binary.BigEndian.Uint16(o[4:6])
}

// ValLen is only meaningful on the first route (seq 0) of a collection.
func (p Prefix) ValLen() uint16 {
	o := p.addr.As16()
	return binary.BigEndian.Uint16(o[6:8])
}

func (p Prefix) chunk() [ChunkSize]byte {
	o := p.addr.As16()
	var c [ChunkSize]byte
	copy(c[:], o[4:16])
	return c
}

func buildPrefix(seq uint16, chunk [ChunkSize]byte) netip.Addr {
	var o [16]byte
	binary.BigEndian.PutUint16(o[0:2], Magic)
	binary.BigEndian.PutUint16(o[2:4], seq)
	copy(o[4:16], chunk[:])
	return netip.AddrFrom16(o)
}

// NextHop is the 128-bit IPv6 address carrying per-collection metadata:
// version, sequence, total route count, and the key's hash.
type NextHop struct {
	addr netip.Addr
}

func nextHopFromAddr(a netip.Addr) (NextHop, error) {
	if !hasMagic(a) {
		return NextHop{}, ErrNotOurRoute
	}
	return NextHop{addr: a}, nil
}

// ParseNextHop validates and wraps an inbound next-hop address. Used
// directly by the sync loop to recover a key_hash from a withdraw event,
// which carries no prefix payload to decode.
func ParseNextHop(a netip.Addr) (NextHop, error) {
	return nextHopFromAddr(a)
}

// Addr returns the underlying IPv6 address.
func (n NextHop) Addr() netip.Addr { return n.addr }

func (n NextHop) Version() uint16 {
	o := n.addr.As16()
	return binary.BigEndian.Uint16(o[2:4])
}

func (n NextHop) Sequence() uint16 {
	o := n.addr.As16()
	return binary.BigEndian.Uint16(o[4:6])
}

// N is the total number of routes in this next-hop's collection.
func (n NextHop) N() uint16 {
	o := n.addr.As16()
	return binary.BigEndian.Uint16(o[6:8])
}

// KeyHash is the 64-bit digest of the key this collection encodes.
func (n NextHop) KeyHash() uint64 {
	o := n.addr.As16()
	return binary.BigEndian.Uint64(o[8:16])
}

func buildNextHop(version, seq, n uint16, hash uint64) netip.Addr {
	var o [16]byte
	binary.BigEndian.PutUint16(o[0:2], Magic)
	binary.BigEndian.PutUint16(o[2:4], version)
	binary.BigEndian.PutUint16(o[4:6], seq)
	binary.BigEndian.PutUint16(o[6:8], n)
	binary.BigEndian.PutUint64(o[8:16], hash)
	return netip.AddrFrom16(o)
}

// Route is a single (Prefix, NextHop) pair.
type Route struct {
	Prefix  Prefix
	NextHop NextHop
}

// Sequence returns the route's position within its collection.
func (r Route) Sequence() uint16 { return r.Prefix.Sequence() }

// RouteFromWire builds a Route from an inbound announce, validating the
// magic prefix on both addresses. Returns ErrNotOurRoute if either lacks
// it — the expected outcome for ordinary BGP traffic sharing the session.
func RouteFromWire(prefixAddr, nextHopAddr netip.Addr) (Route, error) {
	p, err := prefixFromAddr(prefixAddr)
	if err != nil {
		return Route{}, err
	}
	n, err := nextHopFromAddr(nextHopAddr)
	if err != nil {
		return Route{}, err
	}
	return Route{Prefix: p, NextHop: n}, nil
}

// RouteCollection is an ordered set of routes that together encode
// exactly one KeyValue at one version.
type RouteCollection struct {
	Routes []Route
}

// NewRouteCollection sorts routes by sequence number, matching the
// source's RouteCollection::new — callers pass routes in arbitrary order.
func NewRouteCollection(routes []Route) RouteCollection {
	sorted := append([]Route(nil), routes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Sequence() < sorted[j].Sequence() })
	return RouteCollection{Routes: sorted}
}

// Encode serializes a KeyValue into an ordered RouteCollection.
//
// The wire payload is [key_len:16 BE][val_len:16 BE][keyBytes][valueBytes],
// chunked into 12-byte pieces; the length header shares route 0's chunk
// with the first 8 payload bytes, so N = ceil((4+len(keyBytes)+len(valueBytes))/12).
func Encode[K any, V any](keyCodec kv.ByteCodec[K], valueCodec kv.ByteCodec[V], pair kv.KeyValue[K, V]) (RouteCollection, error) {
	keyBytes, valueBytes := kv.Bytes(keyCodec, valueCodec, pair)
	if len(keyBytes) > 0xFFFF || len(valueBytes) > 0xFFFF {
		return RouteCollection{}, &EncodeError{Reason: fmt.Sprintf(
			"key or value canonical encoding exceeds 65535 bytes (key=%d, value=%d)", len(keyBytes), len(valueBytes))}
	}

	payload := make([]byte, 4+len(keyBytes)+len(valueBytes))
	binary.BigEndian.PutUint16(payload[0:2], uint16(len(keyBytes)))
	binary.BigEndian.PutUint16(payload[2:4], uint16(len(valueBytes)))
	copy(payload[4:], keyBytes)
	copy(payload[4+len(keyBytes):], valueBytes)

	if len(payload)-4 > MaxPayloadBytes {
		return RouteCollection{}, &EncodeError{Reason: fmt.Sprintf(
			"combined key+value payload of %d bytes exceeds capacity of %d bytes", len(payload)-4, MaxPayloadBytes)}
	}

	n := (len(payload) + ChunkSize - 1) / ChunkSize
	routes := make([]Route, 0, n)
	for i := 0; i < n; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		var chunk [ChunkSize]byte
		if end <= len(payload) {
			copy(chunk[:], payload[start:end])
		} else {
			copy(chunk[:], payload[start:]) // final chunk right-padded with zeros
		}
		routes = append(routes, Route{
			Prefix:  Prefix{addr: buildPrefix(uint16(i), chunk)},
			NextHop: NextHop{addr: buildNextHop(pair.Version, uint16(i), uint16(n), pair.Hash)},
		})
	}
	return RouteCollection{Routes: routes}, nil
}

// Decode reconstructs a KeyValue from a RouteCollection, per §4.1:
// sort by sequence, validate magic/contiguity/consistency, then
// reassemble and deserialize the payload.
func Decode[K any, V any](keyCodec kv.ByteCodec[K], valueCodec kv.ByteCodec[V], rc RouteCollection) (kv.KeyValue[K, V], error) {
	var zero kv.KeyValue[K, V]

	routes := append([]Route(nil), rc.Routes...)
	sort.Slice(routes, func(i, j int) bool { return routes[i].Sequence() < routes[j].Sequence() })

	if len(routes) == 0 {
		return zero, &DecodeError{Reason: "route collection is empty"}
	}

	n := routes[0].NextHop.N()
	version := routes[0].NextHop.Version()
	hash := routes[0].NextHop.KeyHash()

	if len(routes) != int(n) {
		return zero, &DecodeError{Reason: fmt.Sprintf("expected %d routes, got %d", n, len(routes))}
	}

	payload := make([]byte, 0, int(routes[0].Prefix.KeyLen())+int(routes[0].Prefix.ValLen()))
	for i, r := range routes {
		if !hasMagic(r.Prefix.addr) || !hasMagic(r.NextHop.addr) {
			return zero, &DecodeError{Reason: fmt.Sprintf("route %d lacks the magic prefix", i)}
		}
		if r.Sequence() != uint16(i) {
			return zero, &DecodeError{Reason: fmt.Sprintf("missing sequence %d", i)}
		}
		if r.NextHop.Version() != version || r.NextHop.N() != n || r.NextHop.KeyHash() != hash {
			return zero, &DecodeError{Reason: "routes disagree on version, N, or key_hash"}
		}
		c := r.Prefix.chunk()
		if i == 0 {
			payload = append(payload, c[4:]...)
		} else {
			payload = append(payload, c[:]...)
		}
	}

	keyLen := int(routes[0].Prefix.KeyLen())
	valLen := int(routes[0].Prefix.ValLen())
	total := keyLen + valLen
	if total > len(payload) {
		return zero, &DecodeError{Reason: fmt.Sprintf(
			"length header implies %d bytes but only %d are available", total, len(payload))}
	}

	key, err := keyCodec.Decode(payload[:keyLen])
	if err != nil {
		return zero, &DecodeError{Reason: fmt.Sprintf("key deserialization failed: %v", err)}
	}
	value, err := valueCodec.Decode(payload[keyLen:total])
	if err != nil {
		return zero, &DecodeError{Reason: fmt.Sprintf("value deserialization failed: %v", err)}
	}

	return kv.WithVersion(keyCodec, key, value, version), nil
}
