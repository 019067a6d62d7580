// Package metrics defines the Prometheus collectors of tributary.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values of tributary metrics.
const (
	Fail = "fail"
	Ok   = "ok"

	Issued = "issued"
	Joined = "joined"

	Hit     = "hit"
	Pending = "pending"
	Timeout = "timeout"
)

// Collectors of domain packet processing.
var (
	PacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_packets_total",
		Help: "Cumulative number of packets processed, by domain and packet kind.",
	}, []string{"domain", "kind"})
	RecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_records_total",
		Help: "Cumulative number of records processed, by domain.",
	}, []string{"domain"})
	StateBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tributary_state_bytes",
		Help: "Approximate size in bytes of materialized state, by node.",
	}, []string{"node"})
	BackpressureWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_backpressure_waits_total",
		Help: "Cumulative number of sends which blocked on a full domain queue, by receiving domain.",
	}, []string{"domain"})
	FatalErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_fatal_errors_total",
		Help: "Cumulative number of fatal packet processing errors, by domain.",
	}, []string{"domain"})
	SequencerQueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_sequencer_queued_total",
		Help: "Cumulative number of packets sequenced, by outcome.",
	}, []string{"outcome"})
)

// Collectors of partial materialization and eviction.
var (
	UpqueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_upqueries_total",
		Help: "Cumulative number of upqueries, by node and outcome (issued or joined to an outstanding upquery).",
	}, []string{"node", "outcome"})
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_fills_total",
		Help: "Cumulative number of keys filled by replay, by node.",
	}, []string{"node"})
	EvictedKeysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_evicted_keys_total",
		Help: "Cumulative number of evicted keys, by node.",
	}, []string{"node"})
	EvictedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_evicted_bytes_total",
		Help: "Cumulative number of evicted state bytes, by domain.",
	}, []string{"domain"})
)

// Collectors of the engine API.
var (
	WritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_writes_total",
		Help: "Cumulative number of writes, by base and status.",
	}, []string{"base", "status"})
	LookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tributary_lookups_total",
		Help: "Cumulative number of lookups, by view and outcome.",
	}, []string{"view", "outcome"})
)
