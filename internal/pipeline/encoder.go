package pipeline

import (
	"context"

	"talkingheads/internal/compositor"
)

// EncodeRequest tells an encoder where and how to write the final video.
type EncodeRequest struct {
	RunID      string
	OutputPath string
	// WorkDir holds intermediates; the encoder may leave files behind and the
	// executor removes the directory after the run.
	WorkDir string
	Quality string
	Codec   string
	Format  string
	// Audio maps event index to the synthesized audio for that event. When an
	// event is missing the speaking clip's own audio track is used.
	Audio map[int]string
}

// VideoEncoder renders a composition timeline to a video file.
type VideoEncoder interface {
	Identity() string
	Encode(ctx context.Context, timeline *compositor.Timeline, req EncodeRequest) error
}
