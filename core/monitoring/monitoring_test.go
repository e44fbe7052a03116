package monitoring_test

import (
	"errors"
	"io"
	"log"
	"strings"
	"testing"

	"finetune-orchestrator/core/models"
	"finetune-orchestrator/core/monitoring"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type memorySink struct {
	events []models.StageEvent
	fail   bool
}

func (s *memorySink) RecordEvent(event *models.StageEvent) error {
	if s.fail {
		return errors.New("ledger unavailable")
	}
	s.events = append(s.events, *event)
	return nil
}

func newMonitor(family models.Family, sink monitoring.EventSink) *monitoring.JobMonitor {
	job := &models.TrainingJob{RunID: "run-1", SessionName: "sess", Family: family}
	return monitoring.NewJobMonitor(job, sink, log.New(io.Discard, "", 0))
}

func TestJobMonitor(t *testing.T) {
	t.Run("stages follow the family", func(t *testing.T) {
		for _, tc := range []struct {
			family models.Family
			want   int
		}{
			{models.FamilySDXL, 4},
			{models.FamilyFlux, 2},
		} {
			snap := newMonitor(tc.family, nil).Snapshot()
			if len(snap.Stages) != tc.want {
				t.Errorf("%s: expected %d stages, got %d", tc.family, tc.want, len(snap.Stages))
			}
			for _, st := range snap.Stages {
				if st.State != models.StageNotStarted {
					t.Errorf("%s: stage %s starts in %s", tc.family, st.Stage, st.State)
				}
			}
		}
	})

	t.Run("forward transitions are recorded and forwarded to the sink", func(t *testing.T) {
		sink := &memorySink{}
		jm := newMonitor(models.FamilySDXL, sink)

		for _, to := range []models.StageState{models.StageLaunched, models.StageRunning, models.StageFinished, models.StageReaped} {
			if err := jm.Transition(models.StageTrain, to, "test", nil); err != nil {
				t.Fatal(err)
			}
		}
		jm.SetProcess(models.StageTrain, 4242)
		jm.SetExitCode(models.StageTrain, 0)

		st, ok := jm.Stage(models.StageTrain)
		if !ok {
			t.Fatal("train stage missing")
		}
		if st.State != models.StageReaped || st.Pid != 4242 || st.ExitCode == nil || *st.ExitCode != 0 {
			t.Errorf("unmatch status: %+v", st)
		}
		if st.StartedAt == nil || st.FinishedAt == nil {
			t.Error("timestamps not set")
		}
		if len(sink.events) != 4 || len(jm.Events(0)) != 4 {
			t.Errorf("expected 4 events, got sink=%d monitor=%d", len(sink.events), len(jm.Events(0)))
		}
		if got := jm.Events(1); len(got) != 1 || got[0].ToState != models.StageReaped {
			t.Errorf("unmatch latest event: %+v", got)
		}
		if *sink.events[0].FromState != models.StageNotStarted {
			t.Errorf("unmatch from state: %s", *sink.events[0].FromState)
		}
	})

	t.Run("backward transitions are rejected", func(t *testing.T) {
		jm := newMonitor(models.FamilySDXL, nil)
		if err := jm.Transition(models.StageTrain, models.StageFinished, "done", nil); err != nil {
			t.Fatal(err)
		}
		if err := jm.Transition(models.StageTrain, models.StageRunning, "again", nil); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("stages outside the family are rejected", func(t *testing.T) {
		jm := newMonitor(models.FamilyFlux, nil)
		if err := jm.Transition(models.StageMerge, models.StageLaunched, "", nil); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("sink failures do not fail the transition", func(t *testing.T) {
		jm := newMonitor(models.FamilySDXL, &memorySink{fail: true})
		if err := jm.Transition(models.StagePrepare, models.StageRunning, "", nil); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("terminal run statuses stamp the finish time", func(t *testing.T) {
		jm := newMonitor(models.FamilySDXL, nil)
		jm.SetRunStatus(models.RunStatusRunning, nil)
		if jm.Snapshot().FinishedAt != nil {
			t.Error("running run should not be finished")
		}
		jm.SetRunStatus(models.RunStatusFailed, errors.New("boom"))
		snap := jm.Snapshot()
		if snap.FinishedAt == nil || snap.Error != "boom" {
			t.Errorf("unmatch snapshot: %+v", snap)
		}
	})
}

func TestMetricsExporter(t *testing.T) {
	jm := newMonitor(models.FamilyFlux, nil)
	jm.SetRunStatus(models.RunStatusRunning, nil)
	jm.Transition(models.StageTrain, models.StageFinished, "exited", nil)
	jm.SetExitCode(models.StageTrain, 0)
	exporter := monitoring.NewMetricsExporter(jm)

	t.Run("stage and run gauges follow the snapshot", func(t *testing.T) {
		expected := `
# HELP finetune_run_status Current status of the run (1 for the active status)
# TYPE finetune_run_status gauge
finetune_run_status{family="flux",run_id="run-1",session="sess",status="cancelled"} 0
finetune_run_status{family="flux",run_id="run-1",session="sess",status="completed"} 0
finetune_run_status{family="flux",run_id="run-1",session="sess",status="failed"} 0
finetune_run_status{family="flux",run_id="run-1",session="sess",status="pending"} 0
finetune_run_status{family="flux",run_id="run-1",session="sess",status="publishing"} 0
finetune_run_status{family="flux",run_id="run-1",session="sess",status="running"} 1
finetune_run_status{family="flux",run_id="run-1",session="sess",status="verifying"} 0
# HELP finetune_stage_state Lifecycle state of each stage (0 not started .. 4 reaped)
# TYPE finetune_stage_state gauge
finetune_stage_state{family="flux",run_id="run-1",session="sess",stage="prepare"} 0
finetune_stage_state{family="flux",run_id="run-1",session="sess",stage="train"} 3
# HELP finetune_stage_exit_code Exit code of each finished stage
# TYPE finetune_stage_exit_code gauge
finetune_stage_exit_code{family="flux",run_id="run-1",session="sess",stage="train"} 0
`
		err := testutil.CollectAndCompare(
			exporter, strings.NewReader(expected),
			"finetune_run_status", "finetune_stage_state", "finetune_stage_exit_code",
		)
		if err != nil {
			t.Error(err)
		}
	})

	t.Run("every stage reports a duration", func(t *testing.T) {
		if n := testutil.CollectAndCount(exporter, "finetune_stage_duration_seconds"); n != 2 {
			t.Errorf("expected 2 stage durations, got %d", n)
		}
	})

	t.Run("private registry gathers only run metrics", func(t *testing.T) {
		families, err := exporter.Registry().Gather()
		if err != nil {
			t.Fatal(err)
		}
		for _, mf := range families {
			if !strings.HasPrefix(mf.GetName(), "finetune_") {
				t.Errorf("unexpected metric family %s", mf.GetName())
			}
		}
		if len(families) != 5 {
			t.Errorf("expected 5 metric families, got %d", len(families))
		}
	})
}
