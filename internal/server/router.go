package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires HTTP routes for the admin server.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.Health)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/watermarks", h.Watermarks)
	mux.HandleFunc("/api/v1/quality/results", h.QualityResults)
	mux.HandleFunc("/api/v1/alerts", h.Alerts)
	return mux
}
