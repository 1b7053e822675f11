// Package metrics exposes Prometheus instrumentation for both daemons. The
// collectors are registered on the default registry; Serve starts a
// dedicated /metrics listener when one is configured.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webnis/webnis/internal/logger"
)

var (
	// HTTPRequests counts served HTTP requests by domain and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webnis_http_requests_total",
		Help: "HTTP requests served, by domain and status code.",
	}, []string{"domain", "status"})

	// MapLookups counts map lookups by map name and outcome.
	MapLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webnis_map_lookups_total",
		Help: "Map lookups, by map and outcome (hit, miss, error).",
	}, []string{"map", "result"})

	// AuthRequests counts authentication attempts by domain and outcome.
	AuthRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webnis_auth_requests_total",
		Help: "Authentication attempts, by domain and outcome (ok, fail, error).",
	}, []string{"domain", "result"})

	// UpstreamRequests counts binding-daemon upstream requests by backend
	// and HTTP status code ("error" for transport failures).
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webnis_bind_upstream_requests_total",
		Help: "Upstream HTTPS requests issued by the binding daemon.",
	}, []string{"backend", "code"})

	// BackendState reports each backend's health (0 healthy, 1 failing,
	// 2 dead).
	BackendState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "webnis_bind_backend_state",
		Help: "Backend health state: 0 healthy, 1 failing, 2 dead.",
	}, []string{"backend"})
)

// Serve runs a metrics listener on addr until ctx is cancelled. It returns
// immediately with nil when addr is empty.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("metrics listener started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
