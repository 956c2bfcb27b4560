package pipeline

import (
	"talkingheads/internal/backend"
	"talkingheads/internal/persona"
	"talkingheads/internal/script"
	"talkingheads/internal/services"
	"talkingheads/internal/store"
)

// State is a RenderJob lifecycle state.
type State string

const (
	StatePending      State = "pending"
	StateSynthesizing State = "synthesizing"
	StateRendering    State = "rendering"
	StateComposited   State = "composited"
	StateEncoded      State = "encoded"
	StateFailed       State = "failed"
	// StateSkipped marks a job that had not failed when its run aborted; it
	// is not part of any output.
	StateSkipped State = "skipped"
	// StateCached records that a stage result came from the cache; the job
	// continues to the next stage from here.
	StateCached State = "cached"
)

// Job tracks one dialogue event through the pipeline. Only the coordinator
// goroutine mutates a Job.
type Job struct {
	Event       script.DialogueEvent
	Profile     persona.Profile
	State       State
	FailureKind services.Kind
	Err         error

	Audio  *backend.AudioClip
	Avatar *backend.AvatarClip

	SynthAttempts  int
	RenderAttempts int
	AudioCached    bool
	AvatarCached   bool
}

// Failed reports whether the job ended in failure.
func (j *Job) Failed() bool { return j.State == StateFailed }

// Terminal reports whether the job can no longer change state.
func (j *Job) Terminal() bool {
	switch j.State {
	case StateEncoded, StateFailed, StateSkipped:
		return true
	}
	return false
}

// ready reports whether the job has an avatar clip waiting for composition.
func (j *Job) ready() bool { return !j.Failed() && j.Avatar != nil }

func (j *Job) record(runID string) store.Job {
	rec := store.Job{
		RunID:          runID,
		EventIndex:     j.Event.Index,
		Line:           j.Event.Line,
		Speaker:        j.Event.Speaker,
		Text:           j.Event.Text,
		State:          string(j.State),
		FailureKind:    string(j.FailureKind),
		SynthAttempts:  j.SynthAttempts,
		RenderAttempts: j.RenderAttempts,
		AudioCached:    j.AudioCached,
		AvatarCached:   j.AvatarCached,
	}
	if j.Err != nil {
		rec.ErrorMessage = j.Err.Error()
	}
	if j.Audio != nil {
		rec.AudioPath = j.Audio.Path
		rec.Duration = j.Audio.Duration
	}
	if j.Avatar != nil {
		rec.AvatarPath = j.Avatar.Path
	}
	return rec
}

// JobSummary is the reportable view of a Job.
type JobSummary struct {
	EventIndex     int     `json:"event_index"`
	Line           int     `json:"line"`
	Speaker        string  `json:"speaker"`
	State          State   `json:"state"`
	FailureKind    string  `json:"failure_kind,omitempty"`
	Error          string  `json:"error,omitempty"`
	SynthAttempts  int     `json:"synth_attempts"`
	RenderAttempts int     `json:"render_attempts"`
	AudioCached    bool    `json:"audio_cached"`
	AvatarCached   bool    `json:"avatar_cached"`
	Duration       float64 `json:"duration"`
}

func (j *Job) summary() JobSummary {
	s := JobSummary{
		EventIndex:     j.Event.Index,
		Line:           j.Event.Line,
		Speaker:        j.Event.Speaker,
		State:          j.State,
		FailureKind:    string(j.FailureKind),
		SynthAttempts:  j.SynthAttempts,
		RenderAttempts: j.RenderAttempts,
		AudioCached:    j.AudioCached,
		AvatarCached:   j.AvatarCached,
	}
	if j.Err != nil {
		s.Error = j.Err.Error()
	}
	if j.Audio != nil {
		s.Duration = j.Audio.Duration
	}
	return s
}
