package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	webhookSendTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsnotify_webhook_send_total",
			Help: "Total webhook deliveries by status (success, retry, error).",
		},
		[]string{"status"},
	)
	webhookSendDuration = promauto.With(ctrlmetrics.Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nsnotify_webhook_send_duration_seconds",
			Help:    "Duration of webhook HTTP requests.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
	deliveriesTotal = promauto.With(ctrlmetrics.Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsnotify_deliveries_total",
			Help: "Outbound messages by kind and final outcome (delivered, failed, dropped, abandoned).",
		},
		[]string{"kind", "outcome"},
	)
	queueDepth = promauto.With(ctrlmetrics.Registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "nsnotify_delivery_queue_depth",
			Help: "Messages waiting in the delivery queue.",
		},
	)
)
