package peering

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kvsbgp/kvsbgp/internal/bgpwire"
	"github.com/kvsbgp/kvsbgp/internal/codec"
	"github.com/kvsbgp/kvsbgp/internal/kv"
	"github.com/kvsbgp/kvsbgp/internal/metrics"
	"github.com/kvsbgp/kvsbgp/internal/reassembly"
	"github.com/kvsbgp/kvsbgp/internal/store"
)

// EvictionInterval is how often the loop sweeps the reassembly buffer for
// idle partial collections, between inbound/outbound events.
const EvictionInterval = 10 * time.Second

// Loop is the single-threaded cooperative multiplexer described in §4.4:
// it owns the reassembly buffer exclusively and is the only writer to the
// store from the peer side.
type Loop[K comparable, V any] struct {
	transport SessionTransport
	store     *store.Store[K, V]
	buf       *reassembly.Buffer
	keyCodec  kv.ByteCodec[K]
	valCodec  kv.ByteCodec[V]
	outbound  <-chan store.Update
	logger    *zap.Logger
}

// New constructs a Loop. outbound is the multi-producer, single-consumer
// channel API handlers send Updates on (§5); the loop is its sole
// consumer.
func New[K comparable, V any](
	transport SessionTransport,
	st *store.Store[K, V],
	buf *reassembly.Buffer,
	keyCodec kv.ByteCodec[K],
	valCodec kv.ByteCodec[V],
	outbound <-chan store.Update,
	logger *zap.Logger,
) *Loop[K, V] {
	return &Loop[K, V]{
		transport: transport,
		store:     st,
		buf:       buf,
		keyCodec:  keyCodec,
		valCodec:  valCodec,
		outbound:  outbound,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled or the transport fails fatally. On
// cancellation it drains the outbound channel one final time, best-effort,
// then returns nil; inbound drops on shutdown are acceptable (§4.4).
func (l *Loop[K, V]) Run(ctx context.Context) error {
	ticker := time.NewTicker(EvictionInterval)
	defer ticker.Stop()

	inbound := l.transport.Inbound()

	for {
		select {
		case <-ctx.Done():
			l.drainOutbound(context.Background())
			return nil

		case evt, ok := <-inbound:
			if !ok {
				return &PeerTransportError{Op: "inbound", Err: context.Canceled}
			}
			l.handleInbound(evt)

		case upd, ok := <-l.outbound:
			if !ok {
				return nil
			}
			metrics.OutboundQueueDepth.Set(float64(len(l.outbound)))
			if err := l.handleOutbound(ctx, upd); err != nil {
				return err
			}

		case <-ticker.C:
			l.buf.EvictStale()
		}
	}
}

// drainOutbound flushes whatever Updates are immediately available on the
// outbound channel without blocking further, per §4.4's shutdown note.
func (l *Loop[K, V]) drainOutbound(ctx context.Context) {
	for {
		select {
		case upd, ok := <-l.outbound:
			if !ok {
				return
			}
			if err := l.handleOutbound(ctx, upd); err != nil && l.logger != nil {
				l.logger.Warn("outbound drain failed during shutdown", zap.Error(err))
			}
		default:
			return
		}
	}
}

func (l *Loop[K, V]) handleInbound(evt RouteEvent) {
	switch evt.Kind {
	case EventAnnounce:
		route, err := codec.RouteFromWire(evt.Prefix, evt.NextHop)
		if err != nil {
			metrics.NotOurRouteTotal.Inc()
			return
		}
		rc := l.buf.Feed(route)
		if rc == nil {
			return
		}
		pair, err := codec.Decode(l.keyCodec, l.valCodec, *rc)
		if err != nil {
			metrics.DecodeErrorsTotal.WithLabelValues("reassembly").Inc()
			if l.logger != nil {
				l.logger.Warn("dropping malformed route collection", zap.Error(err))
			}
			return
		}
		l.store.ApplyFromPeer(pair)

	case EventWithdraw:
		nh, err := codec.ParseNextHop(evt.NextHop)
		if err != nil {
			metrics.NotOurRouteTotal.Inc()
			return
		}
		hash := nh.KeyHash()
		l.buf.Purge(hash)
		l.store.ApplyWithdrawFromPeer(hash)
	}
}

// handleOutbound instructs the peer transport to withdraw-then-announce
// the routes in upd, preserving the ordering guarantee from §4.4: within
// one Update the withdraw is queued before the announce.
func (l *Loop[K, V]) handleOutbound(ctx context.Context, upd store.Update) error {
	if upd.Withdraw != nil {
		for _, r := range upd.Withdraw.Routes {
			if err := l.transport.Withdraw(ctx, r.Prefix.Addr(), r.NextHop.Addr()); err != nil {
				return &PeerTransportError{Op: "withdraw", Err: err}
			}
			metrics.OutboundRoutesTotal.WithLabelValues("withdraw").Inc()
		}
	}
	if upd.Announce != nil {
		for _, r := range upd.Announce.Routes {
			if err := l.transport.Announce(ctx, r.Prefix.Addr(), r.NextHop.Addr()); err != nil {
				return &PeerTransportError{Op: "announce", Err: err}
			}
			metrics.OutboundRoutesTotal.WithLabelValues("announce").Inc()
		}
	}
	return nil
}

// PrefixMaskBits re-exports bgpwire's mask constant: every route this
// system advertises is a /128 host address. SessionTransport's
// Announce/Withdraw take no mask argument, so a transport applies this
// length itself.
const PrefixMaskBits = bgpwire.PrefixMaskBits
