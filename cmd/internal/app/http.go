package app

import (
	"context"
	"net/http"
	"time"

	"nostrid/cmd/internal/api"
	"nostrid/cmd/internal/wellknown"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routes struct {
	log       Logger
	cfg       Config
	ledger    ledgerHandle
	gatherer  prometheus.Gatherer
	wellKnown *wellknown.Handler
	api       *api.Handler
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && !rt.ledger.durable() {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}
		if err := pingLedger(r, rt.ledger); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			rt.log.Info("readyz.db.not_ready", "err", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if rt.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(rt.gatherer, promhttp.HandlerOpts{}))
	}

	r.Method(http.MethodGet, wellknown.Path, rt.wellKnown)
	r.Method(http.MethodHead, wellknown.Path, rt.wellKnown)
	r.Method(http.MethodOptions, wellknown.Path, rt.wellKnown)

	rt.api.Routes(r)

	return WithRequestID(WithRequestLogging(WithSecurityHeaders(r), rt.log))
}

func pingLedger(r *http.Request, l ledgerHandle) error {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	return l.Ping(ctx)
}
