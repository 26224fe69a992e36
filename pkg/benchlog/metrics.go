package benchlog

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instrumentation for a running authenticator,
// per SPEC_FULL.md §2 item 12: transaction counts, keep-alive ticks, and
// per-command latency, additional to (not instead of) the JSON Logger above.
type Metrics struct {
	Transactions  *prometheus.CounterVec
	KeepaliveTick prometheus.Counter
	CommandLatency *prometheus.HistogramVec
}

// NewMetrics registers the authenticator's counters and histograms against
// reg. Pass prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ctap2key",
			Name:      "transactions_total",
			Help:      "CTAP2 commands processed, labeled by command name and result status.",
		}, []string{"command", "status"}),
		KeepaliveTick: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ctap2key",
			Name:      "keepalive_ticks_total",
			Help:      "KEEPALIVE frames emitted while a CBOR command was in flight.",
		}),
		CommandLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ctap2key",
			Name:      "command_duration_seconds",
			Help:      "Time from receiving a CTAP2 command to emitting its response.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
	}
}

// Handler exposes the metrics endpoint described in SPEC_FULL.md §2 item
// 12. Callers typically mount this at "/metrics".
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Serve runs a metrics HTTP server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return server.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
