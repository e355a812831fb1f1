// Package store implements the in-memory KeyValue table that the sync loop
// and the HTTP API adapter share: a read-write-locked map plus a reverse
// key_hash index, generic over the kv.ByteCodec capability set (§4.3).
package store

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kvsbgp/kvsbgp/internal/codec"
	"github.com/kvsbgp/kvsbgp/internal/kv"
	"github.com/kvsbgp/kvsbgp/internal/metrics"
)

// ErrHashCollision is returned by Insert when a new key's computed key_hash
// already maps to a different existing key. The wire format's key_hash
// field is a fixed 64-bit quantity (§4.1's NextHop layout), so this store
// cannot silently widen it; a collision is surfaced rather than allowed to
// corrupt the reverse index.
type ErrHashCollision struct {
	Hash       uint64
	ExistingKy string
}

func (e *ErrHashCollision) Error() string {
	return fmt.Sprintf("store: key_hash %d already belongs to key %q", e.Hash, e.ExistingKy)
}

// Update is the outbound side-effect of a mutation: the routes (if any)
// that must be announced and withdrawn on the peer transport, in the order
// they must be sent (withdraw before announce within one Update, per §4.4).
type Update struct {
	Announce *codec.RouteCollection
	Withdraw *codec.RouteCollection
}

// Store is the single piece of mutable state shared across the HTTP
// handlers and the sync loop. Get takes the read lock; every mutation
// takes the write lock (§5).
type Store[K comparable, V any] struct {
	mu       sync.RWMutex
	entries  map[K]*kv.KeyValue[K, V]
	byHash   map[uint64]K
	keyCodec kv.ByteCodec[K]
	valCodec kv.ByteCodec[V]
	logger   *zap.Logger
}

// New creates an empty Store for the given key/value codecs.
func New[K comparable, V any](keyCodec kv.ByteCodec[K], valCodec kv.ByteCodec[V], logger *zap.Logger) *Store[K, V] {
	return &Store[K, V]{
		entries:  make(map[K]*kv.KeyValue[K, V]),
		byHash:   make(map[uint64]K),
		keyCodec: keyCodec,
		valCodec: valCodec,
		logger:   logger,
	}
}

// Get returns a copy of the current value for key, and whether it exists.
func (s *Store[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// Len reports the number of keys currently held.
func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Insert creates or updates key's value, returning the Update to emit on
// the outbound channel. On an existing key, the withdraw for the old
// version is encoded before any mutation happens, and the announce for the
// new version is encoded last; if either encoding fails the store is left
// exactly as it was (§4.3).
func (s *Store[K, V]) Insert(key K, value V) (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		candidate := kv.New(s.keyCodec, key, value)
		if existingKey, collides := s.byHash[candidate.Hash]; collides && existingKey != key {
			return Update{}, &ErrHashCollision{Hash: candidate.Hash, ExistingKy: fmt.Sprintf("%v", existingKey)}
		}
		announce, err := codec.Encode(s.keyCodec, s.valCodec, candidate)
		if err != nil {
			metrics.EncodeErrorsTotal.WithLabelValues("insert").Inc()
			return Update{}, err
		}
		stored := candidate
		s.entries[key] = &stored
		s.byHash[candidate.Hash] = key
		metrics.StoreMutationsTotal.WithLabelValues("insert").Inc()
		metrics.StoreKeysGauge.Set(float64(len(s.entries)))
		if s.logger != nil {
			s.logger.Debug("inserted new key", zap.Stringer("kv", &stored))
		}
		return Update{Announce: &announce}, nil
	}

	withdraw, err := codec.Encode(s.keyCodec, s.valCodec, *entry)
	if err != nil {
		metrics.EncodeErrorsTotal.WithLabelValues("update_withdraw").Inc()
		return Update{}, err
	}

	previous := *entry
	entry.Update(value)

	announce, err := codec.Encode(s.keyCodec, s.valCodec, *entry)
	if err != nil {
		metrics.EncodeErrorsTotal.WithLabelValues("update_announce").Inc()
		*entry = previous // roll back: the store must be unchanged on failure
		return Update{}, err
	}

	metrics.StoreMutationsTotal.WithLabelValues("update").Inc()
	if s.logger != nil {
		s.logger.Debug("updated existing key", zap.Stringer("kv", entry))
	}
	return Update{Announce: &announce, Withdraw: &withdraw}, nil
}

// Remove deletes key if present, returning the withdraw Update. Returns
// ok=false if the key was absent — no Update, no error.
func (s *Store[K, V]) Remove(key K) (Update, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		return Update{}, false, nil
	}

	withdraw, err := codec.Encode(s.keyCodec, s.valCodec, *entry)
	if err != nil {
		metrics.EncodeErrorsTotal.WithLabelValues("remove").Inc()
		return Update{}, false, err
	}

	delete(s.entries, key)
	delete(s.byHash, entry.Hash)
	metrics.StoreMutationsTotal.WithLabelValues("remove").Inc()
	metrics.StoreKeysGauge.Set(float64(len(s.entries)))
	if s.logger != nil {
		s.logger.Debug("removed key", zap.Stringer("kv", entry))
	}
	return Update{Withdraw: &withdraw}, true, nil
}

// ApplyFromPeer inserts or replaces an entry decoded from the wire,
// without producing an outbound Update. A pair whose version does not
// exceed the existing entry's is discarded (§4.3's version-monotonicity
// invariant): the store's version for a key never decreases.
func (s *Store[K, V]) ApplyFromPeer(pair kv.KeyValue[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[pair.Key]; ok && existing.Version >= pair.Version {
		if s.logger != nil {
			s.logger.Debug("discarding stale peer update",
				zap.Uint16("incoming_version", pair.Version),
				zap.Uint16("current_version", existing.Version),
			)
		}
		return
	}

	stored := pair
	if existing, ok := s.entries[pair.Key]; ok {
		delete(s.byHash, existing.Hash)
	}
	s.entries[pair.Key] = &stored
	s.byHash[pair.Hash] = pair.Key
	metrics.StoreMutationsTotal.WithLabelValues("peer_apply").Inc()
	metrics.StoreKeysGauge.Set(float64(len(s.entries)))
	if s.logger != nil {
		s.logger.Debug("applied peer update", zap.Stringer("kv", &stored))
	}
}

// ApplyWithdrawFromPeer deletes the entry whose key_hash matches, using
// the reverse index for O(1) lookup. A hash miss is a silent no-op — the
// withdraw may race an already-applied local remove.
func (s *Store[K, V]) ApplyWithdrawFromPeer(keyHash uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byHash[keyHash]
	if !ok {
		return
	}
	delete(s.entries, key)
	delete(s.byHash, keyHash)
	metrics.StoreMutationsTotal.WithLabelValues("peer_withdraw").Inc()
	metrics.StoreKeysGauge.Set(float64(len(s.entries)))
	if s.logger != nil {
		s.logger.Debug("applied peer withdraw", zap.Uint64("key_hash", keyHash))
	}
}
