package routes

import (
	"net/http"

	"finetune-orchestrator/api/rest/handlers"
	"finetune-orchestrator/core/monitoring"
	"finetune-orchestrator/storage"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes. history may be nil when no database is configured.
func SetupRoutes(r *mux.Router, monitor *monitoring.JobMonitor, artifacts *storage.ArtifactManager, cancel func(), history *handlers.HistoryHandler) {
	runHandler := handlers.NewRunHandler(monitor, artifacts, cancel)
	metricsHandler := handlers.NewMetricsHandler(monitoring.NewMetricsExporter(monitor))

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	r.HandleFunc("/metrics", metricsHandler.GetMetrics).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()

	// Run endpoints
	api.HandleFunc("/run", runHandler.GetRun).Methods("GET")
	api.HandleFunc("/run/stages", runHandler.GetStages).Methods("GET")
	api.HandleFunc("/run/events", runHandler.GetEvents).Methods("GET")
	api.HandleFunc("/run/artifacts", runHandler.GetArtifacts).Methods("GET")
	api.HandleFunc("/run/cancel", runHandler.CancelRun).Methods("POST")

	if history == nil {
		return
	}

	// Run history endpoints
	api.HandleFunc("/runs", history.ListRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", history.GetRun).Methods("GET")
	api.HandleFunc("/runs/{id}/events", history.GetEvents).Methods("GET")
	api.HandleFunc("/runs/{id}/artifacts", history.GetArtifacts).Methods("GET")
}
