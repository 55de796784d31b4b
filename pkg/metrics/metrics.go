// Package metrics exports Prometheus counters for every counted condition in
// the pipeline and serves them when METRICS_ADDR is set.
package metrics

import (
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// BGPLagDrops counts updates dropped for exceeding max_bin_lag.
	BGPLagDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabricwatch_bgp_lag_drops_total",
		Help: "BGP updates dropped for arriving beyond max_bin_lag",
	})

	// MalformedRecords counts undecodable transport records per stream.
	MalformedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabricwatch_malformed_records_total",
		Help: "Transport records dropped as undecodable",
	}, []string{"stream"})

	// MPComputeErrors counts matrix profile computations abandoned on
	// numeric failure.
	MPComputeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabricwatch_mp_compute_errors_total",
		Help: "Matrix profile computations abandoned on numeric failure",
	})

	// NonFiniteClamps counts non-finite feature values clamped to the last
	// valid sample.
	NonFiniteClamps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabricwatch_nonfinite_clamps_total",
		Help: "Non-finite BGP feature values clamped before ring insertion",
	})

	// SNMPImputations counts missing SNMP metrics imputed to training means.
	SNMPImputations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabricwatch_snmp_imputations_total",
		Help: "Missing SNMP metrics imputed to the per-feature training mean",
	})

	// SchemaMismatches counts feature vectors rejected by the forest.
	SchemaMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabricwatch_schema_mismatches_total",
		Help: "SNMP feature vectors rejected for a model schema mismatch",
	})

	// TopologyUnknownDevice counts triage lookups for devices missing from
	// the topology.
	TopologyUnknownDevice = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabricwatch_topology_unknown_device_total",
		Help: "Anomalies triaged for devices absent from the topology",
	})

	// AnomaliesDetected counts detector emissions per modality.
	AnomaliesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabricwatch_anomalies_detected_total",
		Help: "Anomalies emitted by the detectors",
	}, []string{"modality"})

	// AlertsEmitted counts published alerts by join kind.
	AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabricwatch_alerts_emitted_total",
		Help: "Enriched alerts emitted by the correlator",
	}, []string{"join_kind"})

	// DedupSuppressed counts anomalies absorbed by an active cooldown.
	DedupSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabricwatch_dedup_suppressed_total",
		Help: "Anomalies absorbed by a (device, kind) cooldown window",
	})

	// SingleSourceDropped counts armed states that expired below the
	// single-source emission threshold.
	SingleSourceDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabricwatch_single_source_dropped_total",
		Help: "Armed correlation states expired without emission",
	})

	// PublishRetries counts transport publish attempts that were retried.
	PublishRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabricwatch_publish_retries_total",
		Help: "Alert publish attempts retried after a transport error",
	})
)

// Serve starts the metrics endpoint when METRICS_ADDR is set. It returns
// immediately; the listener runs until the process exits.
func Serve() {
	addr := os.Getenv("METRICS_ADDR")
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Info().Str("addr", addr).Msg("metrics endpoint listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()
}
