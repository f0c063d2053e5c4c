// Package metrics exposes ingestion counters to Prometheus.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RowsDecoded counts raw events successfully decoded.
	RowsDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_rows_decoded_total",
		Help: "Total number of raw events successfully decoded",
	})

	// DecodeErrors counts per-row decode failures.
	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_decode_errors_total",
		Help: "Total number of per-row decode errors",
	})

	// EventsAdmitted counts change events admitted by the dedup engine.
	EventsAdmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_events_admitted_total",
		Help: "Total number of change events admitted by deduplication",
	})

	// EventsDropped counts change events dropped by the dedup engine, by reason.
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_events_dropped_total",
		Help: "Total number of change events dropped by deduplication",
	}, []string{"reason"})

	// CheckpointSaves counts checkpoints written.
	CheckpointSaves = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_checkpoint_saves_total",
		Help: "Total number of source checkpoints written",
	})
)

// Drop reasons used with EventsDropped.
const (
	ReasonDuplicate = "duplicate"
	ReasonStale     = "stale"
)

// Init registers the collectors and serves /metrics on the given port.
func Init(port string) {
	prometheus.MustRegister(RowsDecoded, DecodeErrors, EventsAdmitted, EventsDropped, CheckpointSaves)

	http.Handle("/metrics", promhttp.Handler())

	log.Printf("prometheus metrics available on :%s/metrics", port)

	go func() {
		if err := http.ListenAndServe(":"+port, nil); err != nil {
			log.Fatalf("failed to start metrics endpoint: %v", err)
		}
	}()
}
