package proxycap

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exchange outcomes used as the metric label.
const (
	outcomeCompleted   = "completed"
	outcomeBlacklisted = "blacklisted"
	outcomeWhitelisted = "whitelisted"
	outcomeFailed      = "failed"
)

// metrics carries the per-proxy instrumentation. Each proxy owns its own
// registry so multiple instances in one process never collide.
type metrics struct {
	registry     *prometheus.Registry
	exchanges    *prometheus.CounterVec
	inflight     prometheus.Gauge
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &metrics{
		registry: registry,
		exchanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "proxycap",
			Name:      "exchanges_total",
			Help:      "Request/response exchanges processed, by outcome.",
		}, []string{"outcome"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "proxycap",
			Name:      "exchanges_in_flight",
			Help:      "Exchanges currently holding a connection.",
		}),
		bytesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "proxycap",
			Name:      "upstream_read_bytes_total",
			Help:      "Bytes received from origin servers.",
		}),
		bytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "proxycap",
			Name:      "upstream_written_bytes_total",
			Help:      "Bytes sent to origin servers.",
		}),
	}
}

// MetricsHandler exposes the proxy's metrics in Prometheus text format.
func (p *Proxy) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.metrics.registry, promhttp.HandlerOpts{})
}
