// Package metrics exposes the Prometheus collectors for the streaming hub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps every Prometheus collector the hub records against.
type Registry struct {
	DatasetsCreated prometheus.Counter
	DatasetsDeleted prometheus.Counter

	FramesAppended prometheus.Counter
	FramesClosed   prometheus.Counter

	SubscriberConnections prometheus.Gauge
	SubscriberFramesSent  prometheus.Counter
	FramesSkipped         prometheus.Counter

	BackendErrors *prometheus.CounterVec

	EnvelopeOversize prometheus.Counter
}

// NewRegistry creates Prometheus collectors and registers them with the
// default registerer via promauto.
func NewRegistry() *Registry {
	return &Registry{
		DatasetsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamhub_datasets_created_total",
			Help: "Total number of datasets created.",
		}),
		DatasetsDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamhub_datasets_deleted_total",
			Help: "Total number of datasets deleted.",
		}),
		FramesAppended: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamhub_frames_appended_total",
			Help: "Total number of frames committed via append.",
		}),
		FramesClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamhub_frames_closed_total",
			Help: "Total number of end-of-stream sentinels committed.",
		}),
		SubscriberConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamhub_subscriber_connections_active",
			Help: "Number of active subscriber WebSocket connections.",
		}),
		SubscriberFramesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamhub_subscriber_frames_sent_total",
			Help: "Total number of frame envelopes sent to subscribers.",
		}),
		FramesSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamhub_subscriber_frames_skipped_total",
			Help: "Total number of frame sequences skipped because the frame expired or never existed.",
		}),
		BackendErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamhub_backend_errors_total",
			Help: "Total number of backend errors by operation.",
		}, []string{"operation"}),
		EnvelopeOversize: promauto.NewCounter(prometheus.CounterOpts{
			Name: "streamhub_envelope_oversize_total",
			Help: "Total number of envelopes replaced with an error envelope for exceeding the frame size cap.",
		}),
	}
}

// Handler returns an HTTP handler exposing Prometheus metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
