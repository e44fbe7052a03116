package monitoring

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"finetune-orchestrator/core/models"
)

// EventSink persists stage events, e.g. the Postgres event repository
type EventSink interface {
	RecordEvent(event *models.StageEvent) error
}

// StageStatus is the observed state of one stage
type StageStatus struct {
	Stage      models.StageName  `json:"stage"`
	State      models.StageState `json:"state"`
	Pid        int               `json:"pid,omitempty"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Output     string            `json:"output,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Duration is the wall time of the stage so far
func (s StageStatus) Duration(now time.Time) time.Duration {
	if s.StartedAt == nil {
		return 0
	}
	if s.FinishedAt != nil {
		return s.FinishedAt.Sub(*s.StartedAt)
	}
	return now.Sub(*s.StartedAt)
}

// RunSnapshot is a point-in-time copy of the run state
type RunSnapshot struct {
	RunID       string           `json:"run_id"`
	SessionName string           `json:"session_name"`
	Family      models.Family    `json:"family"`
	Status      models.RunStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Stages      []StageStatus    `json:"stages"`
}

var stateRank = map[models.StageState]int{
	models.StageNotStarted: 0,
	models.StageLaunched:   1,
	models.StageRunning:    2,
	models.StageFinished:   3,
	models.StageReaped:     4,
}

// JobMonitor tracks the stages of one training job.
// Readers (the status API) and the pipeline share it under a mutex.
type JobMonitor struct {
	job    *models.TrainingJob
	sink   EventSink
	logger *log.Logger

	mu         sync.RWMutex
	status     models.RunStatus
	lastErr    string
	startedAt  time.Time
	finishedAt *time.Time
	order      []models.StageName
	stages     map[models.StageName]*StageStatus
	events     []models.StageEvent
}

// NewJobMonitor creates a monitor with every stage of the job's family not started.
// sink may be nil.
func NewJobMonitor(job *models.TrainingJob, sink EventSink, logger *log.Logger) *JobMonitor {
	jm := &JobMonitor{
		job:       job,
		sink:      sink,
		logger:    logger,
		status:    models.RunStatusPending,
		startedAt: time.Now(),
		order:     job.Family.Stages(),
		stages:    make(map[models.StageName]*StageStatus),
	}
	for _, name := range jm.order {
		jm.stages[name] = &StageStatus{Stage: name, State: models.StageNotStarted}
	}
	return jm
}

// SetRunStatus moves the run to status; err is kept as the failure reason
func (jm *JobMonitor) SetRunStatus(status models.RunStatus, err error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.status = status
	if err != nil {
		jm.lastErr = err.Error()
	}
	switch status {
	case models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCancelled:
		now := time.Now()
		jm.finishedAt = &now
	}
}

// Transition moves a stage forward. Moving backwards is an error.
func (jm *JobMonitor) Transition(stage models.StageName, to models.StageState, reason string, meta map[string]interface{}) error {
	jm.mu.Lock()
	st, ok := jm.stages[stage]
	if !ok {
		jm.mu.Unlock()
		return fmt.Errorf("stage %s is not part of a %s run", stage, jm.job.Family)
	}
	from := st.State
	if stateRank[to] < stateRank[from] {
		jm.mu.Unlock()
		return fmt.Errorf("stage %s cannot move from %s to %s", stage, from, to)
	}

	now := time.Now()
	st.State = to
	switch to {
	case models.StageLaunched, models.StageRunning:
		if st.StartedAt == nil {
			st.StartedAt = &now
		}
	case models.StageFinished, models.StageReaped:
		if st.FinishedAt == nil {
			st.FinishedAt = &now
		}
	}

	event := models.StageEvent{
		ID:        int64(len(jm.events) + 1),
		RunID:     jm.job.RunID,
		Stage:     stage,
		At:        now,
		FromState: &from,
		ToState:   to,
		Reason:    reason,
		MetaJSON:  meta,
	}
	jm.events = append(jm.events, event)
	jm.mu.Unlock()

	jm.logger.Printf("Stage %s: %s -> %s (%s)", stage, from, to, reason)

	if jm.sink != nil {
		if err := jm.sink.RecordEvent(&event); err != nil {
			jm.logger.Printf("Failed to record event for stage %s: %v", stage, err)
		}
	}
	return nil
}

// SetProcess records the pid of the stage's child
func (jm *JobMonitor) SetProcess(stage models.StageName, pid int) {
	jm.update(stage, func(st *StageStatus) { st.Pid = pid })
}

// SetExitCode records how the stage's child exited
func (jm *JobMonitor) SetExitCode(stage models.StageName, code int) {
	jm.update(stage, func(st *StageStatus) { st.ExitCode = &code })
}

// SetOutput records the artifact the stage produced
func (jm *JobMonitor) SetOutput(stage models.StageName, path string) {
	jm.update(stage, func(st *StageStatus) { st.Output = path })
}

func (jm *JobMonitor) update(stage models.StageName, fn func(*StageStatus)) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	if st, ok := jm.stages[stage]; ok {
		fn(st)
	}
}

// Stage returns a copy of one stage's status
func (jm *JobMonitor) Stage(stage models.StageName) (StageStatus, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	st, ok := jm.stages[stage]
	if !ok {
		return StageStatus{}, false
	}
	return *st, true
}

// Snapshot copies the current run state
func (jm *JobMonitor) Snapshot() RunSnapshot {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	snap := RunSnapshot{
		RunID:       jm.job.RunID,
		SessionName: jm.job.SessionName,
		Family:      jm.job.Family,
		Status:      jm.status,
		Error:       jm.lastErr,
		StartedAt:   jm.startedAt,
		FinishedAt:  jm.finishedAt,
		Stages:      make([]StageStatus, 0, len(jm.order)),
	}
	for _, name := range jm.order {
		snap.Stages = append(snap.Stages, *jm.stages[name])
	}
	return snap
}

// Events returns the most recent events, newest last. limit <= 0 returns all.
func (jm *JobMonitor) Events(limit int) []models.StageEvent {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	events := jm.events
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]models.StageEvent, len(events))
	copy(out, events)
	return out
}

// Start logs the progress of the running stage every interval until ctx is done
func (jm *JobMonitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jm.logProgress(time.Now())
		}
	}
}

func (jm *JobMonitor) logProgress(now time.Time) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	for _, name := range jm.order {
		st := jm.stages[name]
		if st.State == models.StageLaunched || st.State == models.StageRunning {
			jm.logger.Printf("Stage %s still running (pid %d, %s elapsed)",
				name, st.Pid, st.Duration(now).Round(time.Second))
		}
	}
}
