package drapto

import (
	"fmt"
	"time"

	draptolib "github.com/five82/drapto"
)

// reporter adapts the Drapto Reporter interface to a ProgressUpdate callback.
type reporter struct {
	callback func(ProgressUpdate)
}

func newReporter(callback func(ProgressUpdate)) *reporter {
	return &reporter{callback: callback}
}

func (r *reporter) emit(update ProgressUpdate) {
	update.Timestamp = time.Now()
	r.callback(update)
}

func (r *reporter) Hardware(s draptolib.HardwareSummary) {
	r.emit(ProgressUpdate{Type: EventTypeHardware, Percent: -1, Message: fmt.Sprintf("host %v", s.Hostname)})
}

func (r *reporter) Initialization(s draptolib.InitializationSummary) {
	r.emit(ProgressUpdate{
		Type:    EventTypeInitialization,
		Percent: -1,
		Message: fmt.Sprintf("%v (%v, %v)", s.InputFile, s.Duration, s.Resolution),
	})
}

func (r *reporter) StageProgress(s draptolib.StageProgress) {
	var eta time.Duration
	if s.ETA != nil {
		eta = *s.ETA
	}
	r.emit(ProgressUpdate{
		Type:    EventTypeStageProgress,
		Percent: float64(s.Percent),
		Stage:   s.Stage,
		Message: s.Message,
		ETA:     eta,
	})
}

func (r *reporter) CropResult(s draptolib.CropSummary) {
	r.emit(ProgressUpdate{Type: EventTypeCropResult, Percent: -1, Stage: "crop", Message: fmt.Sprint(s.Message)})
}

func (r *reporter) EncodingConfig(s draptolib.EncodingConfigSummary) {
	r.emit(ProgressUpdate{
		Type:    EventTypeEncodingConfig,
		Percent: -1,
		Message: fmt.Sprintf("%v preset %v quality %v", s.Encoder, s.Preset, s.Quality),
	})
}

func (r *reporter) EncodingStarted(totalFrames uint64) {
	r.emit(ProgressUpdate{Type: EventTypeEncodingStarted, Percent: 0, Stage: "encoding", TotalFrames: int64(totalFrames)})
}

func (r *reporter) EncodingProgress(s draptolib.ProgressSnapshot) {
	r.emit(ProgressUpdate{
		Type:         EventTypeEncodingProgress,
		Percent:      float64(s.Percent),
		Stage:        "encoding",
		Speed:        float64(s.Speed),
		FPS:          float64(s.FPS),
		ETA:          s.ETA,
		TotalFrames:  int64(s.TotalFrames),
		CurrentFrame: int64(s.CurrentFrame),
	})
}

func (r *reporter) ValidationComplete(s draptolib.ValidationSummary) {
	failed := 0
	for _, step := range s.Steps {
		if !step.Passed {
			failed++
		}
	}
	r.emit(ProgressUpdate{
		Type:    EventTypeValidation,
		Percent: -1,
		Stage:   "validation",
		Passed:  s.Passed,
		Message: fmt.Sprintf("%d of %d checks failed", failed, len(s.Steps)),
	})
}

func (r *reporter) EncodingComplete(s draptolib.EncodingOutcome) {
	r.emit(ProgressUpdate{
		Type:        EventTypeEncodingComplete,
		Percent:     100,
		Stage:       "complete",
		OutputPath:  s.OutputPath,
		EncodedSize: int64(s.EncodedSize),
	})
}

func (r *reporter) Warning(message string) {
	r.emit(ProgressUpdate{Type: EventTypeWarning, Percent: -1, Message: message})
}

func (r *reporter) Error(e draptolib.ReporterError) {
	r.emit(ProgressUpdate{
		Type:    EventTypeError,
		Percent: -1,
		Message: e.Message,
		Issue:   &Issue{Title: e.Title, Message: e.Message, Context: e.Context, Suggestion: e.Suggestion},
	})
}

func (r *reporter) OperationComplete(message string) {
	r.emit(ProgressUpdate{Type: EventTypeOperationComplete, Percent: -1, Message: message})
}

// Batch callbacks only fire for directory encodes; a render always encodes
// one file, so they are reported as plain messages.
func (r *reporter) BatchStarted(s draptolib.BatchStartInfo) {
	r.emit(ProgressUpdate{Type: EventTypeBatch, Percent: -1, Message: fmt.Sprintf("batch of %d files", s.TotalFiles)})
}

func (r *reporter) FileProgress(s draptolib.FileProgressContext) {
	r.emit(ProgressUpdate{Type: EventTypeBatch, Percent: -1, Message: fmt.Sprintf("file %d of %d", s.CurrentFile, s.TotalFiles)})
}

func (r *reporter) BatchComplete(s draptolib.BatchSummary) {
	r.emit(ProgressUpdate{Type: EventTypeBatch, Percent: -1, Message: fmt.Sprintf("%d of %d files encoded", s.SuccessfulCount, s.TotalFiles)})
}

var _ draptolib.Reporter = (*reporter)(nil)
