package handlers

import (
	"errors"
	"net/http"

	"finetune-orchestrator/core/models"
	"finetune-orchestrator/core/repository"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// RunLedger reads persisted runs
type RunLedger interface {
	ListJobs(sessionName string, limit int) ([]*repository.RunRecord, error)
	GetJob(runID string) (*repository.RunRecord, error)
}

// EventLedger reads the persisted stage events of a run
type EventLedger interface {
	GetJobEvents(runID string, limit int) ([]models.StageEvent, error)
}

// ArtifactLedger reads the persisted artifacts of a run
type ArtifactLedger interface {
	GetJobArtifacts(runID string, artifactType *models.ArtifactType) ([]models.RunArtifact, error)
}

// HistoryHandler serves runs recorded in the database, including past ones
type HistoryHandler struct {
	runs      RunLedger
	events    EventLedger
	artifacts ArtifactLedger
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(runs RunLedger, events EventLedger, artifacts ArtifactLedger) *HistoryHandler {
	return &HistoryHandler{
		runs:      runs,
		events:    events,
		artifacts: artifacts,
	}
}

func runItem(rec *repository.RunRecord) map[string]interface{} {
	item := map[string]interface{}{
		"run_id":       rec.RunID,
		"session_name": rec.SessionName,
		"family":       rec.Family,
		"output_dir":   rec.OutputDir,
		"status":       rec.Status,
		"created_at":   rec.CreatedAt,
		"updated_at":   rec.UpdatedAt,
	}
	if rec.Error != "" {
		item["error"] = rec.Error
	}
	return item
}

// runID reads {id} from the path and makes sure the run exists
func (h *HistoryHandler) runID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "Invalid run ID", http.StatusBadRequest)
		return "", false
	}
	if _, err := h.runs.GetJob(id); err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			http.Error(w, "Run not found", http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return "", false
	}
	return id, true
}

// ListRuns handles GET /v1/runs
func (h *HistoryHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	runs, err := h.runs.ListJobs(r.URL.Query().Get("session"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(runs))
	for i, rec := range runs {
		items[i] = runItem(rec)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
	})
}

// GetRun handles GET /v1/runs/{id}
func (h *HistoryHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "Invalid run ID", http.StatusBadRequest)
		return
	}

	rec, err := h.runs.GetJob(id)
	if errors.Is(err, repository.ErrRunNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runItem(rec))
}

// GetEvents handles GET /v1/runs/{id}/events
func (h *HistoryHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	id, ok := h.runID(w, r)
	if !ok {
		return
	}

	events, err := h.events.GetJobEvents(id, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": eventItems(events),
	})
}

// GetArtifacts handles GET /v1/runs/{id}/artifacts
func (h *HistoryHandler) GetArtifacts(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}

	var typeFilter *models.ArtifactType
	if t := r.URL.Query().Get("type"); t != "" {
		at := models.ArtifactType(t)
		typeFilter = &at
	}

	artifacts, err := h.artifacts.GetJobArtifacts(id, typeFilter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	items := make([]map[string]interface{}, len(artifacts))
	for i, artifact := range artifacts {
		items[i] = artifactItem(artifact)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
	})
}
