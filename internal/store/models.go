package store

import "time"

// RunStatus is the lifecycle state of a render run.
type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunCompleted   RunStatus = "completed"
	RunPartial     RunStatus = "partial"
	RunFailed      RunStatus = "failed"
	RunCancelled   RunStatus = "cancelled"
	RunInterrupted RunStatus = "interrupted"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s != RunRunning
}

// Run is one ledger row per `create` invocation.
type Run struct {
	ID           string
	ScriptPath   string
	ScriptHash   string
	Scene        string
	Layout       string
	Quality      string
	Status       RunStatus
	Partial      bool
	EventCount   int
	FailedCount  int
	OutputPath   string
	ErrorKind    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   time.Time
}

// Elapsed returns the wall time of a finished run, or the time since it
// started when it is still running.
func (r Run) Elapsed() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.CreatedAt)
	}
	return r.FinishedAt.Sub(r.CreatedAt)
}

// Job is one ledger row per dialogue event of a run.
type Job struct {
	RunID          string
	EventIndex     int
	Line           int
	Speaker        string
	Text           string
	State          string
	FailureKind    string
	ErrorMessage   string
	SynthAttempts  int
	RenderAttempts int
	AudioCached    bool
	AvatarCached   bool
	AudioPath      string
	AvatarPath     string
	Duration       float64
	UpdatedAt      time.Time
}
