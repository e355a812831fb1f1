// Package metrics declares the Prometheus collectors exported by kvsbgp.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EncodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvsbgp_encode_errors_total",
			Help: "KeyValue encodings that failed (size limit or field overflow).",
		},
		[]string{"op"},
	)

	DecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvsbgp_decode_errors_total",
			Help: "Inbound route collections dropped for failing to decode.",
		},
		[]string{"reason"},
	)

	NotOurRouteTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvsbgp_not_our_route_total",
			Help: "Inbound routes dropped for lacking the kvsbgp magic prefix.",
		},
	)

	ReassemblyPendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvsbgp_reassembly_pending",
			Help: "Number of key hashes with an incomplete reassembly in progress.",
		},
	)

	ReassemblySupersededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvsbgp_reassembly_superseded_total",
			Help: "Pending reassemblies discarded in favor of a newer inbound version.",
		},
	)

	ReassemblyEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvsbgp_reassembly_evictions_total",
			Help: "Pending reassemblies evicted after sitting idle past the timeout.",
		},
	)

	StoreMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvsbgp_store_mutations_total",
			Help: "Store mutations by kind (insert, update, remove, peer_apply, peer_withdraw).",
		},
		[]string{"kind"},
	)

	StoreKeysGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvsbgp_store_keys",
			Help: "Number of keys currently held in the store.",
		},
	)

	OutboundRoutesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvsbgp_outbound_routes_total",
			Help: "Routes sent to the peer transport by direction (announce, withdraw).",
		},
		[]string{"direction"},
	)

	OutboundQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvsbgp_outbound_queue_depth",
			Help: "Number of Updates waiting on the outbound channel.",
		},
	)
)

var registerOnce sync.Once

// Register adds all collectors to the default Prometheus registry. Safe
// to call more than once (e.g. from both main and a test helper); only
// the first call registers anything.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EncodeErrorsTotal,
			DecodeErrorsTotal,
			NotOurRouteTotal,
			ReassemblyPendingGauge,
			ReassemblySupersededTotal,
			ReassemblyEvictionsTotal,
			StoreMutationsTotal,
			StoreKeysGauge,
			OutboundRoutesTotal,
			OutboundQueueDepth,
		)
	})
}
