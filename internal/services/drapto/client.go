package drapto

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	draptolib "github.com/five82/drapto"
)

// EventType classifies a ProgressUpdate.
type EventType string

const (
	EventTypeHardware          EventType = "hardware"
	EventTypeInitialization    EventType = "initialization"
	EventTypeStageProgress     EventType = "stage_progress"
	EventTypeCropResult        EventType = "crop_result"
	EventTypeEncodingConfig    EventType = "encoding_config"
	EventTypeEncodingStarted   EventType = "encoding_started"
	EventTypeEncodingProgress  EventType = "encoding_progress"
	EventTypeValidation        EventType = "validation"
	EventTypeEncodingComplete  EventType = "encoding_complete"
	EventTypeWarning           EventType = "warning"
	EventTypeError             EventType = "error"
	EventTypeOperationComplete EventType = "operation_complete"
	EventTypeBatch             EventType = "batch"
)

// ProgressUpdate captures one Drapto reporter callback.
type ProgressUpdate struct {
	Type      EventType
	Timestamp time.Time
	Percent   float64
	Stage     string
	Message   string
	ETA       time.Duration
	Speed     float64
	FPS       float64
	// TotalFrames and CurrentFrame are set on encoding events.
	TotalFrames  int64
	CurrentFrame int64
	// Passed is set on validation events.
	Passed bool
	// Issue is set on error events.
	Issue *Issue
	// OutputPath and EncodedSize are set on the completion event.
	OutputPath  string
	EncodedSize int64
}

// Issue is an error reported by Drapto.
type Issue struct {
	Title      string
	Message    string
	Context    string
	Suggestion string
}

// Client defines Drapto encoding behaviour.
type Client interface {
	Encode(ctx context.Context, inputPath, outputDir string, progress func(ProgressUpdate)) (string, error)
}

// Library implements Client using the Drapto Go library directly.
type Library struct{}

// NewLibrary constructs a Library client.
func NewLibrary() *Library {
	return &Library{}
}

// Encode encodes inputPath into outputDir and returns the output file path.
func (l *Library) Encode(ctx context.Context, inputPath, outputDir string, progress func(ProgressUpdate)) (string, error) {
	if strings.TrimSpace(inputPath) == "" {
		return "", errors.New("input path required")
	}
	outputDir = strings.TrimSpace(outputDir)
	if outputDir == "" {
		return "", errors.New("output directory required")
	}

	encoder, err := draptolib.New(draptolib.WithResponsive())
	if err != nil {
		return "", err
	}
	var rep draptolib.Reporter
	if progress != nil {
		rep = newReporter(progress)
	}
	if _, err := encoder.EncodeWithReporter(ctx, inputPath, outputDir, rep); err != nil {
		return "", err
	}
	return OutputPath(inputPath, outputDir), nil
}

// OutputPath is where Drapto writes the encode of inputPath.
func OutputPath(inputPath, outputDir string) string {
	base := filepath.Base(inputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}
	return filepath.Join(outputDir, stem+".mkv")
}

var _ Client = (*Library)(nil)
