// Package metrics exposes Prometheus metrics on a dedicated listener.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsServer struct {
	srv      *http.Server
	registry *prometheus.Registry
	recovery *Recovery
}

func New(namespace, addr string) (*MetricsServer, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		registry: reg,
		recovery: NewRecovery(reg, namespace),
	}, nil
}

func (m *MetricsServer) Registry() *prometheus.Registry { return m.registry }

func (m *MetricsServer) Recovery() *Recovery { return m.recovery }

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// Recovery holds the service counters. A nil *Recovery records nothing.
type Recovery struct {
	reqs                *prometheus.CounterVec
	reqDuration         *prometheus.HistogramVec
	keysGenerated       *prometheus.CounterVec
	keysReleased        *prometheus.CounterVec
	attestationFailures *prometheus.CounterVec
	policyPublications  *prometheus.CounterVec
	readinessProbes     *prometheus.CounterVec
	retries             *prometheus.CounterVec
}

func NewRecovery(reg prometheus.Registerer, namespace string) *Recovery {
	r := &Recovery{
		reqs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "code"},
		),
		reqDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		keysGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keys_generated_total",
				Help:      "Member keys generated or returned by generate calls",
			},
			[]string{"kind"},
		),
		keysReleased: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keys_released_total",
				Help:      "Private key releases",
			},
			[]string{"kind"},
		),
		attestationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attestation_failures_total",
				Help:      "Rejected attested requests by error code",
			},
			[]string{"code"},
		),
		policyPublications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_publications_total",
				Help:      "Join policy publications by outcome",
			},
			[]string{"outcome"},
		),
		readinessProbes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "readiness_probes_total",
				Help:      "Readiness probes by outcome",
			},
			[]string{"outcome"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retried operations by operation name",
			},
			[]string{"op"},
		),
	}

	reg.MustRegister(
		r.reqs,
		r.reqDuration,
		r.keysGenerated,
		r.keysReleased,
		r.attestationFailures,
		r.policyPublications,
		r.readinessProbes,
		r.retries,
	)
	return r
}

func (r *Recovery) KeyGenerated(kind string) {
	if r == nil {
		return
	}
	r.keysGenerated.With(prometheus.Labels{"kind": kind}).Inc()
}

func (r *Recovery) KeyReleased(kind string) {
	if r == nil {
		return
	}
	r.keysReleased.With(prometheus.Labels{"kind": kind}).Inc()
}

func (r *Recovery) AttestationFailure(code string) {
	if r == nil {
		return
	}
	r.attestationFailures.With(prometheus.Labels{"code": code}).Inc()
}

func (r *Recovery) PolicyPublished(err error) {
	if r == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.policyPublications.With(prometheus.Labels{"outcome": outcome}).Inc()
}

func (r *Recovery) ReadinessProbe(ready bool) {
	if r == nil {
		return
	}
	outcome := "ready"
	if !ready {
		outcome = "not_ready"
	}
	r.readinessProbes.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// RetryNotifier returns a callback suitable for retry.WithNotify.
func (r *Recovery) RetryNotifier(op string) func(err error, attempt int, next time.Duration) {
	return func(error, int, time.Duration) {
		if r == nil {
			return
		}
		r.retries.With(prometheus.Labels{"op": op}).Inc()
	}
}

// Middleware records request counts and latency. Routes are labelled by their
// chi pattern so that member names do not create new series.
func (r *Recovery) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r == nil {
			next.ServeHTTP(w, req)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		route := "unmatched"
		if rctx := chi.RouteContext(req.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		r.reqs.With(prometheus.Labels{
			"route":  route,
			"method": req.Method,
			"code":   strconv.Itoa(status),
		}).Inc()
		r.reqDuration.With(prometheus.Labels{"route": route}).Observe(time.Since(start).Seconds())
	})
}
