//go:build !prometheus

package main

import (
	"log/slog"

	prom "github.com/prometheus/client_golang/prometheus"
)

// serveMetrics is a no-op in builds without the prometheus tag: metrics are
// still recorded in-process, just not exposed over HTTP.
func serveMetrics(addr string, reg *prom.Registry, log *slog.Logger) {
	log.Warn("metrics endpoint requested but binary built without the prometheus tag", "addr", addr)
}
