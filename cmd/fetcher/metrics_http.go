//go:build prometheus

package main

import (
	"log/slog"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"

	"forge.stoat.dev/fanfic/fetcher/internal/metrics"
)

// serveMetrics starts a background HTTP server exposing reg on addr. Errors
// after startup are logged, not fatal: a broken metrics endpoint must not
// take down story processing.
func serveMetrics(addr string, reg *prom.Registry, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(reg))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	log.Info("serving prometheus metrics", "addr", addr)
}
