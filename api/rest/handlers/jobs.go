package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"finetune-orchestrator/core/models"
	"finetune-orchestrator/core/monitoring"
	"finetune-orchestrator/storage"
)

// RunHandler serves the state of the run this process is executing
type RunHandler struct {
	monitor   *monitoring.JobMonitor
	artifacts *storage.ArtifactManager
	cancel    func()

	cancelOnce sync.Once
}

// NewRunHandler creates a new run handler. cancel stops the run; it may be nil.
func NewRunHandler(monitor *monitoring.JobMonitor, artifacts *storage.ArtifactManager, cancel func()) *RunHandler {
	return &RunHandler{
		monitor:   monitor,
		artifacts: artifacts,
		cancel:    cancel,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// queryLimit reads ?limit, defaulting to 100; it answers 400 itself on a bad value
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return 100, true
	}
	n, err := strconv.Atoi(l)
	if err != nil || n <= 0 {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func eventItems(events []models.StageEvent) []map[string]interface{} {
	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"stage":    event.Stage,
			"at":       event.At,
			"to_state": event.ToState,
			"reason":   event.Reason,
		}
		if event.FromState != nil {
			item["from_state"] = *event.FromState
		}
		if len(event.MetaJSON) > 0 {
			item["meta"] = event.MetaJSON
		}
		items[i] = item
	}
	return items
}

func artifactItem(artifact models.RunArtifact) map[string]interface{} {
	return map[string]interface{}{
		"type":       artifact.Type,
		"uri":        artifact.URI,
		"created_at": artifact.CreatedAt,
		"meta":       artifact.MetaJSON,
	}
}

// GetRun handles GET /v1/run
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.Snapshot())
}

// GetStages handles GET /v1/run/stages
func (h *RunHandler) GetStages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": h.monitor.Snapshot().Stages,
	})
}

// GetEvents handles GET /v1/run/events
func (h *RunHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": eventItems(h.monitor.Events(limit)),
	})
}

// GetArtifacts handles GET /v1/run/artifacts
func (h *RunHandler) GetArtifacts(w http.ResponseWriter, r *http.Request) {
	typeFilter := models.ArtifactType(r.URL.Query().Get("type"))

	items := []map[string]interface{}{}
	for _, artifact := range h.artifacts.ListArtifacts() {
		if typeFilter != "" && artifact.Type != typeFilter {
			continue
		}
		items = append(items, artifactItem(artifact))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
	})
}

// CancelRun handles POST /v1/run/cancel
func (h *RunHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	if h.cancel == nil {
		http.Error(w, "Cancellation not supported", http.StatusNotImplemented)
		return
	}

	snap := h.monitor.Snapshot()
	switch snap.Status {
	case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled:
		http.Error(w, "Run already finished", http.StatusConflict)
		return
	}

	h.cancelOnce.Do(h.cancel)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id": snap.RunID,
		"status": "cancelling",
	})
}
