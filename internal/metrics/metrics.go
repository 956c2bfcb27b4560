package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "talkingheads"

// Recorder owns a private registry. A nil *Recorder discards everything.
type Recorder struct {
	registry *prometheus.Registry
	textfile string

	runs         *prometheus.CounterVec
	runSeconds   prometheus.Histogram
	jobs         *prometheus.CounterVec
	stageCalls   *prometheus.CounterVec
	stageRetries *prometheus.CounterVec
	stageSeconds *prometheus.HistogramVec
	activeJobs   prometheus.Gauge
	encodeBytes  prometheus.Gauge
}

// New builds a recorder. textfile may be empty, in which case Flush is a no-op.
func New(textfile string) *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		textfile: textfile,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Render runs by terminal status.",
		}, []string{"status"}),
		runSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of render runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Render jobs by terminal state and failure kind.",
		}, []string{"state", "kind"}),
		stageCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_total",
			Help:      "Stage results by outcome (ok, cached, error).",
		}, []string{"stage", "outcome"}),
		stageRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Backend attempts beyond the first.",
		}, []string{"stage"}),
		stageSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent per stage call including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		activeJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs admitted but not yet terminal.",
		}),
		encodeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_output_bytes",
			Help:      "Size of the most recently encoded video.",
		}),
	}
}

// Registry exposes the underlying registry for gathering.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// RunFinished counts a run by status and observes its duration.
func (r *Recorder) RunFinished(status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(status).Inc()
	r.runSeconds.Observe(elapsed.Seconds())
}

// JobFinished counts a job that reached a terminal state.
func (r *Recorder) JobFinished(state, kind string) {
	if r == nil {
		return
	}
	r.jobs.WithLabelValues(state, kind).Inc()
}

// StageResult records one synthesis or rendering outcome.
func (r *Recorder) StageResult(stage string, cached bool, attempts int, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case cached:
		outcome = "cached"
	}
	r.stageCalls.WithLabelValues(stage, outcome).Inc()
	if attempts > 1 {
		r.stageRetries.WithLabelValues(stage).Add(float64(attempts - 1))
	}
	r.stageSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// JobsAdmitted adjusts the active job gauge.
func (r *Recorder) JobsAdmitted(delta int) {
	if r == nil {
		return
	}
	r.activeJobs.Add(float64(delta))
}

// OutputWritten records the size of the encoded video.
func (r *Recorder) OutputWritten(bytes int64) {
	if r == nil {
		return
	}
	r.encodeBytes.Set(float64(bytes))
}

// Flush writes the registry to the configured textfile.
func (r *Recorder) Flush() error {
	if r == nil || r.textfile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.textfile), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(r.textfile, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
