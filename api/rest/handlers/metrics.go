package handlers

import (
	"net/http"

	"finetune-orchestrator/core/monitoring"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler serves Prometheus metrics from a registry private to the run
type MetricsHandler struct {
	handler http.Handler
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(exporter *monitoring.MetricsExporter) *MetricsHandler {
	return &MetricsHandler{
		handler: promhttp.HandlerFor(exporter.Registry(), promhttp.HandlerOpts{}),
	}
}

// GetMetrics handles GET /metrics
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}
