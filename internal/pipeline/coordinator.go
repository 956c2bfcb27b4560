package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"talkingheads/internal/avatar"
	"talkingheads/internal/backend"
	"talkingheads/internal/logging"
	"talkingheads/internal/persona"
	"talkingheads/internal/script"
	"talkingheads/internal/services"
	"talkingheads/internal/synthesis"
)

// stageTask is the work item handed to a stage worker.
type stageTask struct {
	index   int
	event   script.DialogueEvent
	profile persona.Profile
	audio   backend.AudioClip
}

// jobMessage is sent by a worker when its stage finishes for one job.
type jobMessage struct {
	index   int
	stage   string
	synth   synthesis.Result
	render  avatar.Result
	elapsed time.Duration
	err     error
}

// coordinator owns all job state for a run. Workers never touch a Job; they
// only receive tasks and send back jobMessages.
type coordinator struct {
	exec   *Executor
	runID  string
	jobs   []*Job
	synth  *synthesis.Stage
	render *avatar.Stage
	logger *slog.Logger
}

func newCoordinator(exec *Executor, runID string, jobs []*Job, synth *synthesis.Stage, render *avatar.Stage, logger *slog.Logger) *coordinator {
	return &coordinator{exec: exec, runID: runID, jobs: jobs, synth: synth, render: render, logger: logger}
}

func poolSize(configured, jobs int) int {
	return max(1, min(configured, jobs))
}

// run drives every job to a terminal stage result and returns the fatal
// error that aborted the run, if any.
func (c *coordinator) run(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	n := len(c.jobs)
	synthQ := make(chan stageTask, n)
	renderQ := make(chan stageTask, n)
	results := make(chan jobMessage, 2*n)

	var wg sync.WaitGroup
	for range poolSize(c.exec.cfg.Pipeline.SynthesisWorkers, n) {
		wg.Go(func() { c.synthesisWorker(ctx, synthQ, results) })
	}
	for range poolSize(c.exec.cfg.Pipeline.RenderingWorkers, n) {
		wg.Go(func() { c.renderingWorker(ctx, renderQ, results) })
	}

	c.exec.deps.Metrics.JobsAdmitted(n)
	for i, job := range c.jobs {
		c.transition(job, StateSynthesizing)
		synthQ <- stageTask{index: i, event: job.Event, profile: job.Profile}
	}
	close(synthQ)

	var fatal error
	for outstanding := n; outstanding > 0; {
		msg := <-results
		job := c.jobs[msg.index]

		switch msg.stage {
		case synthesis.StageName:
			c.exec.deps.Metrics.StageResult(msg.stage, msg.synth.Cached, msg.synth.Attempts, msg.elapsed, msg.err)
			job.SynthAttempts = msg.synth.Attempts
			if msg.err != nil {
				fatal = c.fail(job, msg.err, fatal, cancel)
				outstanding--
				continue
			}
			clip := msg.synth.Clip
			job.Audio = &clip
			job.AudioCached = msg.synth.Cached
			if job.AudioCached {
				c.transition(job, StateCached)
			}
			if ctx.Err() != nil {
				fatal = c.fail(job, notStarted(ctx, avatar.StageName), fatal, cancel)
				outstanding--
				continue
			}
			c.transition(job, StateRendering)
			renderQ <- stageTask{index: msg.index, event: job.Event, profile: job.Profile, audio: clip}

		case avatar.StageName:
			c.exec.deps.Metrics.StageResult(msg.stage, msg.render.Cached, msg.render.Attempts, msg.elapsed, msg.err)
			job.RenderAttempts = msg.render.Attempts
			outstanding--
			if msg.err != nil {
				fatal = c.fail(job, msg.err, fatal, cancel)
				continue
			}
			clip := msg.render.Clip
			job.Avatar = &clip
			job.AvatarCached = msg.render.Cached
			if job.AvatarCached {
				c.transition(job, StateCached)
			}
			c.exec.deps.Metrics.JobsAdmitted(-1)
		}
	}
	close(renderQ)
	wg.Wait()
	return fatal
}

func (c *coordinator) synthesisWorker(ctx context.Context, tasks <-chan stageTask, results chan<- jobMessage) {
	for task := range tasks {
		msg := jobMessage{index: task.index, stage: synthesis.StageName}
		if ctx.Err() != nil {
			msg.err = notStarted(ctx, synthesis.StageName)
			results <- msg
			continue
		}
		started := time.Now()
		msg.synth, msg.err = c.synth.Synthesize(ctx, task.event, task.profile)
		msg.elapsed = time.Since(started)
		results <- msg
	}
}

func (c *coordinator) renderingWorker(ctx context.Context, tasks <-chan stageTask, results chan<- jobMessage) {
	for task := range tasks {
		msg := jobMessage{index: task.index, stage: avatar.StageName}
		if ctx.Err() != nil {
			msg.err = notStarted(ctx, avatar.StageName)
			results <- msg
			continue
		}
		started := time.Now()
		msg.render, msg.err = c.render.Render(ctx, task.event, task.profile, task.audio)
		msg.elapsed = time.Since(started)
		results <- msg
	}
}

func notStarted(ctx context.Context, stage string) error {
	return services.Wrap(services.ErrCancelled, stage, "admit", "run stopped before this job started", context.Cause(ctx))
}

// fail records a job failure. The first fatal failure cancels the run and is
// returned as the new fatal error.
func (c *coordinator) fail(job *Job, err error, fatal error, cancel context.CancelCauseFunc) error {
	job.Err = err
	job.FailureKind = services.KindOf(err)
	c.transition(job, StateFailed)
	c.exec.deps.Metrics.JobFinished(string(StateFailed), string(job.FailureKind))
	c.exec.deps.Metrics.JobsAdmitted(-1)

	logger := c.logger.With(logging.Line(job.Event.Index, job.Event.Speaker))
	if job.FailureKind == services.KindCancelled {
		logger.Info("job cancelled", logging.String(logging.FieldEventType, "job_cancelled"))
		return fatal
	}
	if services.IsFatal(err) && fatal == nil {
		logger.Error("fatal backend failure; aborting run",
			logging.Error(err),
			logging.String(logging.FieldErrorKind, string(job.FailureKind)),
			logging.String(logging.FieldEventType, "run_abort"),
			logging.String(logging.FieldErrorHint, "check backend credentials and quota"),
		)
		cancel(err)
		return err
	}
	logger.Warn("job failed",
		logging.Error(err),
		logging.String(logging.FieldErrorKind, string(job.FailureKind)),
		logging.String(logging.FieldEventType, "job_failed"),
		logging.String(logging.FieldImpact, "this event is missing unless the whole run is retried"),
	)
	return fatal
}

// advance moves every job that produced a clip to state.
func (c *coordinator) advance(state State) {
	for _, job := range c.jobs {
		if !job.ready() {
			continue
		}
		c.transition(job, state)
		if state == StateEncoded {
			c.exec.deps.Metrics.JobFinished(string(StateEncoded), "")
		}
	}
}

// skipUnfinished moves every job that has not reached a terminal state to
// skipped, recording the state it stopped in.
func (c *coordinator) skipUnfinished(cause error) {
	for _, job := range c.jobs {
		if job.Terminal() {
			continue
		}
		job.Err = fmt.Errorf("run aborted (%s) while job was %s", services.KindOf(cause), job.State)
		c.transition(job, StateSkipped)
		c.exec.deps.Metrics.JobFinished(string(StateSkipped), string(services.KindOf(cause)))
	}
}

// transition sets the job state and persists it. Ledger failures are logged
// and never change the outcome of the run.
func (c *coordinator) transition(job *Job, state State) {
	from := job.State
	job.State = state
	c.logger.Debug("job transition",
		logging.Line(job.Event.Index, job.Event.Speaker),
		logging.String("from", string(from)),
		logging.String("to", string(state)),
		logging.String(logging.FieldEventType, "job_transition"),
	)
	if c.exec.deps.Ledger == nil {
		return
	}
	if err := c.exec.deps.Ledger.UpdateJob(context.Background(), job.record(c.runID)); err != nil {
		c.logger.Warn("job ledger update failed",
			logging.Int(logging.FieldEventIndex, job.Event.Index),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ledger_write_failed"),
		)
	}
}
