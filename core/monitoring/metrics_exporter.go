package monitoring

import (
	"time"

	"finetune-orchestrator/core/models"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	runLabels   = []string{"run_id", "session", "family"}
	stageLabels = []string{"run_id", "session", "family", "stage"}
)

var (
	runStatusDesc = prometheus.NewDesc(
		"finetune_run_status",
		"Current status of the run (1 for the active status)",
		[]string{"run_id", "session", "family", "status"}, nil,
	)
	runDurationDesc = prometheus.NewDesc(
		"finetune_run_duration_seconds",
		"Wall time of the run",
		runLabels, nil,
	)
	stageStateDesc = prometheus.NewDesc(
		"finetune_stage_state",
		"Lifecycle state of each stage (0 not started .. 4 reaped)",
		stageLabels, nil,
	)
	stageDurationDesc = prometheus.NewDesc(
		"finetune_stage_duration_seconds",
		"Wall time of each stage",
		stageLabels, nil,
	)
	stageExitCodeDesc = prometheus.NewDesc(
		"finetune_stage_exit_code",
		"Exit code of each finished stage",
		stageLabels, nil,
	)
)

var runStatuses = []models.RunStatus{
	models.RunStatusPending,
	models.RunStatusVerifying,
	models.RunStatusRunning,
	models.RunStatusPublishing,
	models.RunStatusCompleted,
	models.RunStatusFailed,
	models.RunStatusCancelled,
}

// MetricsExporter is a prometheus.Collector reading the monitor snapshot at scrape time
type MetricsExporter struct {
	monitor *JobMonitor
	now     func() time.Time
}

// NewMetricsExporter creates a new metrics exporter
func NewMetricsExporter(monitor *JobMonitor) *MetricsExporter {
	return &MetricsExporter{monitor: monitor, now: time.Now}
}

func (me *MetricsExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- runStatusDesc
	ch <- runDurationDesc
	ch <- stageStateDesc
	ch <- stageDurationDesc
	ch <- stageExitCodeDesc
}

func (me *MetricsExporter) Collect(ch chan<- prometheus.Metric) {
	snap := me.monitor.Snapshot()
	now := me.now()
	run := []string{snap.RunID, snap.SessionName, string(snap.Family)}

	for _, status := range runStatuses {
		v := 0.0
		if snap.Status == status {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(runStatusDesc, prometheus.GaugeValue, v, with(run, string(status))...)
	}

	elapsed := now.Sub(snap.StartedAt)
	if snap.FinishedAt != nil {
		elapsed = snap.FinishedAt.Sub(snap.StartedAt)
	}
	ch <- prometheus.MustNewConstMetric(runDurationDesc, prometheus.GaugeValue, elapsed.Seconds(), run...)

	for _, st := range snap.Stages {
		labels := with(run, string(st.Stage))
		ch <- prometheus.MustNewConstMetric(stageStateDesc, prometheus.GaugeValue, float64(stateRank[st.State]), labels...)
		ch <- prometheus.MustNewConstMetric(stageDurationDesc, prometheus.GaugeValue, st.Duration(now).Seconds(), labels...)
		if st.ExitCode != nil {
			ch <- prometheus.MustNewConstMetric(stageExitCodeDesc, prometheus.GaugeValue, float64(*st.ExitCode), labels...)
		}
	}
}

// with returns base followed by extra in a fresh slice
func with(base []string, extra ...string) []string {
	out := make([]string, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

// Registry returns a private registry holding only this exporter
func (me *MetricsExporter) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(me)
	return reg
}

var _ prometheus.Collector = (*MetricsExporter)(nil)
