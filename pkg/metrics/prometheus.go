// Package metrics defines the Prometheus collectors tbflow exports.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcomes
const (
	OutcomeSuccess        = "success"
	OutcomeAPIError       = "api_error"
	OutcomeTransportError = "transport_error"
	OutcomeConfigError    = "config_error"
)

var (
	DispatchCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tbflow",
			Name:      "dispatch_count",
			Help:      "Number of thingsboard node dispatches.",
		},
		[]string{"node_id", "operation", "outcome"},
	)

	DispatchTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tbflow",
			Name:      "dispatch_time_seconds",
			Help:      "Duration in seconds of ThingsBoard REST calls.",
		},
		[]string{"operation"},
	)

	RESTAPITime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tbflow",
			Name:      "rest_api_time_seconds",
			Help:      "Response time in seconds of REST API calls.",
		},
		[]string{"method", "path"},
	)

	WebSocketConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tbflow",
			Name:      "websocket_connection_count",
			Help:      "Number of websocket connections.",
		},
	)
)

func init() {
	prometheus.MustRegister(DispatchCount, DispatchTime, RESTAPITime, WebSocketConnections)
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
