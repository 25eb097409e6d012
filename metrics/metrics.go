// Package metrics exposes Prometheus counters for the broker and key
// provider, and a small server that serves them.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters shared by the broker and key provider. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	requests         *prometheus.CounterVec
	providerFailures prometheus.Counter
	sealingKeys      prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Requests served by the host API, by route and status code.",
		}, []string{"route", "status"}),
		providerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_provider_failures_total",
			Help:      "Sealing key requests the key provider could not serve.",
		}),
		sealingKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sealing_keys_issued_total",
			Help:      "Sealing keys issued.",
		}),
	}
	m.Registry.MustRegister(m.requests, m.providerFailures, m.sealingKeys)
	return m
}

func (m *Metrics) ObserveRequest(route string, status int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ProviderFailure() {
	if m == nil {
		return
	}
	m.providerFailures.Inc()
}

func (m *Metrics) SealingKeyIssued() {
	if m == nil {
		return
	}
	m.sealingKeys.Inc()
}

// MetricsServer serves /metrics for a Metrics registry.
type MetricsServer struct {
	srv *http.Server
}

func New(m *Metrics, addr string) *MetricsServer {
	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
