package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/ijanc/nodeselector-notify/internal/tracker"
)

var (
	trackedPods = promauto.With(ctrlmetrics.Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nsnotify_tracked_pods",
			Help: "Pods tracked by notification state.",
		},
		[]string{"state"},
	)
	podEventsTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsnotify_pod_events_total",
			Help: "Pod events processed, by event type and classification.",
		},
		[]string{"type", "status"},
	)
	resyncsTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsnotify_resyncs_total",
			Help: "Full pod relists by result (success, list_error, watch_error).",
		},
		[]string{"result"},
	)
	deliveryDiagnosticsTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsnotify_delivery_diagnostics_total",
			Help: "Delivery failure episodes by action.",
		},
		[]string{"action"},
	)
)

func updateStateGauge(counts map[tracker.State]int) {
	for state, n := range counts {
		trackedPods.WithLabelValues(string(state)).Set(float64(n))
	}
}
