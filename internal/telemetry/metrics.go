package telemetry

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kstream"

var (
	RecordsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_dispatched_total",
		Help:      "Records accepted by a partition handler.",
	}, []string{"topic", "partition"})

	FetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_errors_total",
		Help:      "Per-partition error codes returned by fetch and offset requests.",
	}, []string{"topic", "partition", "code"})

	EmptyPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "empty_polls_total",
		Help:      "Poll rounds that dispatched no records.",
	}, []string{"leader"})

	SearchRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "search_rounds_total",
		Help:      "Multi-partition fetches issued while binary searching for a start offset.",
	}, []string{"leader"})

	ActiveReaders = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_leader_readers",
		Help:      "Leader partition readers currently polling.",
	})
)

func Expose(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
	}()
}
