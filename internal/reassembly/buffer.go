// Package reassembly implements the pending-fragment buffer that collects
// inbound routes by key_hash across multiple BGP updates, detects when a
// version is complete, and hands the ordered RouteCollection back to the
// caller for decoding (§4.1 is owned by the codec package; this buffer is
// codec-agnostic and operates purely on route metadata).
package reassembly

import (
	"time"

	"go.uber.org/zap"

	"github.com/kvsbgp/kvsbgp/internal/codec"
	"github.com/kvsbgp/kvsbgp/internal/metrics"
)

// DefaultIdleTimeout is the per-entry eviction threshold: a pending
// collection that hasn't received a new fragment in this long is assumed
// abandoned (peer reconnect will cause it to be re-sent in full).
const DefaultIdleTimeout = 60 * time.Second

type pendingEntry struct {
	version  uint16
	n        uint16
	routes   map[uint16]codec.Route
	lastSeen time.Time
}

// Buffer is the exclusive owner of the key_hash → pending_routes map.
// It is not safe to share across goroutines beyond the single owner that
// calls Feed/Purge/EvictStale serially (the sync loop, per §5).
type Buffer struct {
	pending     map[uint64]*pendingEntry
	idleTimeout time.Duration
	logger      *zap.Logger
}

// New creates an empty Buffer. idleTimeout <= 0 uses DefaultIdleTimeout.
func New(idleTimeout time.Duration, logger *zap.Logger) *Buffer {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Buffer{
		pending:     make(map[uint64]*pendingEntry),
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// Len reports the number of key hashes with a pending (incomplete)
// reassembly. Exposed for the reassembly-buffer-size gauge.
func (b *Buffer) Len() int { return len(b.pending) }

// Feed processes one inbound announce route (§4.2 steps 2-7). It returns
// a non-nil RouteCollection when the fragment just received completed a
// version; callers are responsible for decoding it and for treating a
// supersession (an existing entry discarded in favor of a newer version)
// as implicit — Feed does not report superseded versions separately.
func (b *Buffer) Feed(route codec.Route) *codec.RouteCollection {
	hash := route.NextHop.KeyHash()
	version := route.NextHop.Version()
	seq := route.NextHop.Sequence()
	n := route.NextHop.N()

	entry, ok := b.pending[hash]
	switch {
	case !ok:
		entry = &pendingEntry{version: version, n: n, routes: make(map[uint16]codec.Route, n)}
		b.pending[hash] = entry
	case version > entry.version:
		// Supersession: a faster-converging peer rewrote the pair.
		metrics.ReassemblySupersededTotal.Inc()
		if b.logger != nil {
			b.logger.Debug("reassembly superseded by newer version",
				zap.Uint64("key_hash", hash),
				zap.Uint16("discarded_version", entry.version),
				zap.Uint16("new_version", version),
			)
		}
		entry = &pendingEntry{version: version, n: n, routes: make(map[uint16]codec.Route, n)}
		b.pending[hash] = entry
	case version < entry.version:
		return nil // stale fragment of an already-superseded version; drop
	}

	entry.lastSeen = time.Now()
	if _, exists := entry.routes[seq]; !exists {
		entry.routes[seq] = route
	}
	metrics.ReassemblyPendingGauge.Set(float64(len(b.pending)))

	if entry.n == 0 || uint16(len(entry.routes)) != entry.n {
		metrics.ReassemblyPendingGauge.Set(float64(len(b.pending)))
		return nil
	}

	routes := make([]codec.Route, entry.n)
	for i := uint16(0); i < entry.n; i++ {
		routes[i] = entry.routes[i]
	}
	delete(b.pending, hash)
	metrics.ReassemblyPendingGauge.Set(float64(len(b.pending)))
	rc := codec.RouteCollection{Routes: routes}
	return &rc
}

// Purge removes any pending entry for keyHash, in response to an inbound
// withdraw (MP_UNREACH_NLRI). A hash miss is a silent no-op.
func (b *Buffer) Purge(keyHash uint64) {
	delete(b.pending, keyHash)
}

// EvictStale removes pending entries idle longer than the configured
// timeout, logging and returning the number evicted. Call periodically
// from the sync loop; reassembly buffers never time out on their own
// (§9 open question — resolved here as a simple idle sweep).
func (b *Buffer) EvictStale() int {
	now := time.Now()
	evicted := 0
	for hash, entry := range b.pending {
		if now.Sub(entry.lastSeen) > b.idleTimeout {
			delete(b.pending, hash)
			evicted++
			metrics.ReassemblyEvictionsTotal.Inc()
			if b.logger != nil {
				b.logger.Warn("evicting stale partial reassembly",
					zap.Uint64("key_hash", hash),
					zap.Uint16("version", entry.version),
					zap.Int("routes_received", len(entry.routes)),
					zap.Uint16("routes_expected", entry.n),
				)
			}
		}
	}
	if evicted > 0 {
		metrics.ReassemblyPendingGauge.Set(float64(len(b.pending)))
	}
	return evicted
}
