package routes_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"finetune-orchestrator/api/rest/handlers"
	"finetune-orchestrator/api/rest/routes"
	"finetune-orchestrator/core/models"
	"finetune-orchestrator/core/monitoring"
	"finetune-orchestrator/core/repository"
	"finetune-orchestrator/storage"

	"github.com/gorilla/mux"
)

type server struct {
	url       string
	monitor   *monitoring.JobMonitor
	artifacts *storage.ArtifactManager
	cancelled int
}

func newServer(t *testing.T) *server {
	t.Helper()
	job := &models.TrainingJob{RunID: "run-1", SessionName: "sess", Family: models.FamilySDXL}
	s := &server{
		monitor:   monitoring.NewJobMonitor(job, nil, log.New(io.Discard, "", 0)),
		artifacts: storage.NewArtifactManager(nil),
	}
	r := mux.NewRouter()
	routes.SetupRoutes(r, s.monitor, s.artifacts, func() { s.cancelled++ }, nil)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	s.url = srv.URL
	return s
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if out != nil && res.StatusCode == http.StatusOK {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return res.StatusCode
}

func TestRoutes(t *testing.T) {
	t.Run("health", func(t *testing.T) {
		s := newServer(t)
		if code := getJSON(t, s.url+"/health", nil); code != http.StatusOK {
			t.Errorf("unmatch status: %d", code)
		}
	})

	t.Run("run snapshot reflects stage progress", func(t *testing.T) {
		s := newServer(t)
		s.monitor.SetRunStatus(models.RunStatusRunning, nil)
		s.monitor.Transition(models.StagePrepare, models.StageReaped, "done", nil)
		s.monitor.Transition(models.StageTrain, models.StageRunning, "waiting", nil)

		var snap monitoring.RunSnapshot
		if code := getJSON(t, s.url+"/v1/run", &snap); code != http.StatusOK {
			t.Fatalf("unmatch status: %d", code)
		}
		if snap.RunID != "run-1" || snap.Status != models.RunStatusRunning || len(snap.Stages) != 4 {
			t.Errorf("unmatch snapshot: %+v", snap)
		}
		if snap.Stages[1].Stage != models.StageTrain || snap.Stages[1].State != models.StageRunning {
			t.Errorf("unmatch train stage: %+v", snap.Stages[1])
		}

		var stages struct {
			Items []monitoring.StageStatus `json:"items"`
		}
		getJSON(t, s.url+"/v1/run/stages", &stages)
		if len(stages.Items) != 4 {
			t.Errorf("expected 4 stages, got %d", len(stages.Items))
		}
	})

	t.Run("events honour the limit", func(t *testing.T) {
		s := newServer(t)
		s.monitor.Transition(models.StageTrain, models.StageLaunched, "started", map[string]interface{}{"pid": 7})
		s.monitor.Transition(models.StageTrain, models.StageRunning, "waiting", nil)

		var events struct {
			Items []map[string]interface{} `json:"items"`
		}
		getJSON(t, s.url+"/v1/run/events?limit=1", &events)
		if len(events.Items) != 1 || events.Items[0]["to_state"] != "running" {
			t.Errorf("unmatch events: %v", events.Items)
		}
		if code := getJSON(t, s.url+"/v1/run/events?limit=x", nil); code != http.StatusBadRequest {
			t.Errorf("unmatch status: %d", code)
		}
	})

	t.Run("artifacts can be filtered by type", func(t *testing.T) {
		s := newServer(t)
		ctx := context.Background()
		dir := t.TempDir()
		s.artifacts.RecordArtifact(ctx, "run-1", models.ArtifactTypeFineTuned, filepath.Join(dir, "a.safetensors"), nil)
		s.artifacts.RecordArtifact(ctx, "run-1", models.ArtifactTypeDelta, filepath.Join(dir, "b.safetensors"), nil)

		var artifacts struct {
			Items []map[string]interface{} `json:"items"`
		}
		getJSON(t, s.url+"/v1/run/artifacts?type=delta", &artifacts)
		if len(artifacts.Items) != 1 || !strings.HasSuffix(artifacts.Items[0]["uri"].(string), "b.safetensors") {
			t.Errorf("unmatch artifacts: %v", artifacts.Items)
		}
	})

	t.Run("cancel triggers once and is refused after the run ends", func(t *testing.T) {
		s := newServer(t)
		s.monitor.SetRunStatus(models.RunStatusRunning, nil)

		for i := 0; i < 2; i++ {
			res, err := http.Post(s.url+"/v1/run/cancel", "application/json", nil)
			if err != nil {
				t.Fatal(err)
			}
			res.Body.Close()
			if res.StatusCode != http.StatusAccepted {
				t.Errorf("unmatch status: %d", res.StatusCode)
			}
		}
		if s.cancelled != 1 {
			t.Errorf("cancel called %d times", s.cancelled)
		}

		s.monitor.SetRunStatus(models.RunStatusCancelled, context.Canceled)
		res, err := http.Post(s.url+"/v1/run/cancel", "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusConflict {
			t.Errorf("unmatch status: %d", res.StatusCode)
		}
	})

	t.Run("metrics are served as text", func(t *testing.T) {
		s := newServer(t)
		res, err := http.Get(s.url + "/metrics")
		if err != nil {
			t.Fatal(err)
		}
		defer res.Body.Close()
		body, _ := io.ReadAll(res.Body)
		if !strings.Contains(string(body), `finetune_stage_state{family="sdxl",run_id="run-1"`) {
			t.Errorf("unexpected metrics body:\n%s", body)
		}
	})

	t.Run("history is not served without a database", func(t *testing.T) {
		s := newServer(t)
		if code := getJSON(t, s.url+"/v1/runs", nil); code != http.StatusNotFound {
			t.Errorf("unmatch status: %d", code)
		}
	})
}

const (
	pastRun    = "5b0c6f1e-3d1a-4a53-9b9e-0c2f7f1d8a10"
	otherRun   = "9a4d2c71-8e0f-4b6a-a3c5-71d0e2b9f644"
	missingRun = "0e7e2a8c-6f0b-4a7d-8d61-2b1b9c1f4e22"
)

type fakeLedger struct {
	runs      []*repository.RunRecord
	events    []models.StageEvent
	artifacts []models.RunArtifact

	mu          sync.Mutex
	lastSession string
	lastLimit   int
}

func (l *fakeLedger) last() (string, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSession, l.lastLimit
}

func (l *fakeLedger) ListJobs(sessionName string, limit int) ([]*repository.RunRecord, error) {
	l.mu.Lock()
	l.lastSession, l.lastLimit = sessionName, limit
	l.mu.Unlock()
	var out []*repository.RunRecord
	for _, rec := range l.runs {
		if sessionName == "" || rec.SessionName == sessionName {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *fakeLedger) GetJob(runID string) (*repository.RunRecord, error) {
	for _, rec := range l.runs {
		if rec.RunID == runID {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("run %s: %w", runID, repository.ErrRunNotFound)
}

func (l *fakeLedger) GetJobEvents(runID string, limit int) ([]models.StageEvent, error) {
	l.mu.Lock()
	l.lastLimit = limit
	l.mu.Unlock()
	var out []models.StageEvent
	for _, e := range l.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *fakeLedger) GetJobArtifacts(runID string, artifactType *models.ArtifactType) ([]models.RunArtifact, error) {
	var out []models.RunArtifact
	for _, a := range l.artifacts {
		if a.RunID == runID && (artifactType == nil || a.Type == *artifactType) {
			out = append(out, a)
		}
	}
	return out, nil
}

func newHistoryServer(t *testing.T, ledger *fakeLedger) string {
	t.Helper()
	job := &models.TrainingJob{RunID: "run-1", SessionName: "sess", Family: models.FamilySDXL}
	monitor := monitoring.NewJobMonitor(job, nil, log.New(io.Discard, "", 0))
	r := mux.NewRouter()
	routes.SetupRoutes(r, monitor, storage.NewArtifactManager(nil), nil, handlers.NewHistoryHandler(ledger, ledger, ledger))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestHistoryRoutes(t *testing.T) {
	ledger := &fakeLedger{
		runs: []*repository.RunRecord{
			{RunID: pastRun, SessionName: "sess", Family: models.FamilySDXL, Status: models.RunStatusFailed, Error: "train exited with code 3"},
			{RunID: otherRun, SessionName: "other", Family: models.FamilyFlux, Status: models.RunStatusCompleted},
		},
		events: []models.StageEvent{
			{RunID: pastRun, Stage: models.StageTrain, ToState: models.StageLaunched, Reason: "started"},
			{RunID: pastRun, Stage: models.StageTrain, ToState: models.StageFinished, Reason: "exited"},
		},
		artifacts: []models.RunArtifact{
			{RunID: pastRun, Type: models.ArtifactTypeDataset, URI: "/data/train"},
			{RunID: pastRun, Type: models.ArtifactTypeFineTuned, URI: "/out/sess_dreambooth.safetensors"},
		},
	}
	url := newHistoryServer(t, ledger)

	t.Run("runs are listed by session", func(t *testing.T) {
		var runs struct {
			Items []map[string]interface{} `json:"items"`
		}
		if code := getJSON(t, url+"/v1/runs?session=sess&limit=5", &runs); code != http.StatusOK {
			t.Fatalf("unmatch status: %d", code)
		}
		if len(runs.Items) != 1 || runs.Items[0]["run_id"] != pastRun || runs.Items[0]["error"] != "train exited with code 3" {
			t.Errorf("unmatch runs: %v", runs.Items)
		}
		if session, limit := ledger.last(); session != "sess" || limit != 5 {
			t.Errorf("unmatch query: session %q, limit %d", session, limit)
		}
		if code := getJSON(t, url+"/v1/runs?limit=0", nil); code != http.StatusBadRequest {
			t.Errorf("unmatch status: %d", code)
		}
	})

	t.Run("a past run is read back", func(t *testing.T) {
		var run map[string]interface{}
		if code := getJSON(t, url+"/v1/runs/"+pastRun, &run); code != http.StatusOK {
			t.Fatalf("unmatch status: %d", code)
		}
		if run["status"] != "failed" || run["family"] != "sdxl" {
			t.Errorf("unmatch run: %v", run)
		}
	})

	t.Run("events of a past run", func(t *testing.T) {
		var events struct {
			Items []map[string]interface{} `json:"items"`
		}
		getJSON(t, url+"/v1/runs/"+pastRun+"/events", &events)
		if len(events.Items) != 2 || events.Items[1]["to_state"] != "finished" {
			t.Errorf("unmatch events: %v", events.Items)
		}
		if _, limit := ledger.last(); limit != 100 {
			t.Errorf("expected default limit, got %d", limit)
		}
	})

	t.Run("artifacts of a past run can be filtered by type", func(t *testing.T) {
		var artifacts struct {
			Items []map[string]interface{} `json:"items"`
		}
		getJSON(t, url+"/v1/runs/"+pastRun+"/artifacts?type=fine_tuned", &artifacts)
		if len(artifacts.Items) != 1 || artifacts.Items[0]["uri"] != "/out/sess_dreambooth.safetensors" {
			t.Errorf("unmatch artifacts: %v", artifacts.Items)
		}
	})

	for name, tc := range map[string]struct {
		path string
		want int
	}{
		"unknown run":              {"/v1/runs/" + missingRun, http.StatusNotFound},
		"events of unknown run":    {"/v1/runs/" + missingRun + "/events", http.StatusNotFound},
		"artifacts of unknown run": {"/v1/runs/" + missingRun + "/artifacts", http.StatusNotFound},
		"malformed run id":         {"/v1/runs/not-a-uuid", http.StatusBadRequest},
	} {
		t.Run(name, func(t *testing.T) {
			if code := getJSON(t, url+tc.path, nil); code != tc.want {
				t.Errorf("unmatch status: %d, want %d", code, tc.want)
			}
		})
	}
}
