// Package metrics exposes the daemon's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the daemon-wide collector registry. It is separate from the
// prometheus default registry so tests can construct components freely.
var Registry = prometheus.NewRegistry()

var (
	// LockHold observes how long a registry mutex was held per operation.
	LockHold = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kodiq",
		Name:      "registry_lock_hold_seconds",
		Help:      "Time a session registry lock was held.",
		Buckets:   []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 1e-2},
	}, []string{"registry"})

	// Sessions tracks live entries per registry.
	Sessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kodiq",
		Name:      "sessions_active",
		Help:      "Live entries per session registry.",
	}, []string{"registry"})

	// ForwardedBytes counts bytes spliced by port forwards.
	ForwardedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kodiq",
		Name:      "forward_bytes_total",
		Help:      "Bytes copied through port forwards.",
	}, []string{"direction"})

	// ForwardConns counts accepted forward connections by outcome.
	ForwardConns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kodiq",
		Name:      "forward_connections_total",
		Help:      "Connections accepted by port forwards.",
	}, []string{"result"})

	// SSHConnects counts connect attempts by result.
	SSHConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kodiq",
		Name:      "ssh_connects_total",
		Help:      "SSH connect attempts.",
	}, []string{"result"})

	// EventsDropped counts subscribers dropped for lagging.
	EventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kodiq",
		Name:      "event_subscribers_dropped_total",
		Help:      "Event subscribers disconnected because their buffer was full.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		LockHold,
		Sessions,
		ForwardedBytes,
		ForwardConns,
		SSHConnects,
		EventsDropped,
	)
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
