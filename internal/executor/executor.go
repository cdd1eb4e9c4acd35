// Package executor runs a scripted task against a replica: it feeds the
// task's step payloads through the codec, applies them in sequence, retries
// transient step failures with exponential backoff, and reduces the run to a
// terminal status under per-step and overall deadlines.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deskgrid/internal/model"
	"deskgrid/pkg/codec"
	"deskgrid/pkg/config"
	"deskgrid/pkg/faults"
	"deskgrid/pkg/logger"
)

// Stepper is the slice of a replica the executor drives. *replica.Manager
// satisfies it.
type Stepper interface {
	Apply(ctx context.Context, seq uint64, cmd *model.ActionCommand) (*model.StepResult, error)
	Seq() uint64
}

// Options bound one run. Zero fields fall back to the configured defaults.
type Options struct {
	MaxAttempts int           // attempts per step, default 3
	BackoffBase time.Duration // first retry delay, doubles per retry
	StepTimeout time.Duration // deadline for one apply
	TaskTimeout time.Duration // deadline for the whole run
}

// OptionsFromConfig builds run options from the executor config section.
func OptionsFromConfig(cfg config.ExecutorConfig) Options {
	return Options{
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
		StepTimeout: time.Duration(cfg.StepTimeout) * time.Second,
		TaskTimeout: time.Duration(cfg.TaskTimeout) * time.Second,
	}
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = config.DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Duration(config.DefaultBackoffBaseMS) * time.Millisecond
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = time.Duration(config.DefaultStepTimeout) * time.Second
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = time.Duration(config.DefaultTaskTimeout) * time.Second
	}
}

// RunResult is the reduced outcome of one run.
type RunResult struct {
	Status      model.TaskStatus
	StepsTotal  int
	StepsPassed int
	Attempts    int
	FailedStep  *int
	Error       string
	AttemptLog  []model.StepAttempt
}

// Executor runs scripted tasks.
type Executor struct {
	opts Options
}

// New creates an executor with the given default options.
func New(opts Options) *Executor {
	opts.applyDefaults()
	return &Executor{opts: opts}
}

// Run executes the task's steps in order against the stepper, stopping early
// when a step reports the task done. A step that fails transiently is retried
// in place up to MaxAttempts times with exponential backoff; the run fails on
// the step that exhausts its attempts. Fatal faults and malformed payloads
// are never retried, and an elapsed step or task deadline times the run out
// regardless of attempts remaining. The task's own timeouts override the
// executor defaults.
func (e *Executor) Run(ctx context.Context, stepper Stepper, task model.TaskConfig) *RunResult {
	opts := e.opts
	if task.StepTimeout > 0 {
		opts.StepTimeout = time.Duration(task.StepTimeout) * time.Second
	}
	if task.TaskTimeout > 0 {
		opts.TaskTimeout = time.Duration(task.TaskTimeout) * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.TaskTimeout)
	defer cancel()

	res := &RunResult{
		Status:     model.TaskStatusRunning,
		StepsTotal: len(task.Steps),
	}

	for i, payload := range task.Steps {
		cmd, err := codec.Decode(payload)
		if err != nil {
			// A payload that cannot parse will never parse; retrying is
			// pointless and the run fails on the spot.
			return e.fail(res, i, fmt.Sprintf("step %d: %v", i, err))
		}

		passed, done := e.runStep(runCtx, stepper, cmd, i, res)
		if !passed {
			if status, msg, dead := terminalFromContext(runCtx, ctx); dead {
				res.Status = status
				if res.Error == "" {
					res.Error = msg
				}
				step := i
				res.FailedStep = &step
				return res
			}
			return res
		}
		res.StepsPassed++
		if done {
			// The step reported the task complete; remaining steps are
			// skipped.
			res.Status = model.TaskStatusSucceeded
			return res
		}
	}

	res.Status = model.TaskStatusSucceeded
	return res
}

// runStep drives one step to success or exhaustion. The first return reports
// whether the step passed, the second that the step declared the task
// complete. When the step did not pass the result is already terminal unless
// the run context expired, which the caller resolves.
func (e *Executor) runStep(ctx context.Context, stepper Stepper, cmd *model.ActionCommand, index int, res *RunResult) (bool, bool) {
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return false, false
		}

		stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout(cmd))
		seq := stepper.Seq() + 1
		result, err := stepper.Apply(stepCtx, seq, cmd)
		stepExpired := errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		res.Attempts++
		record := model.StepAttempt{StepIndex: index, Attempt: attempt, At: time.Now()}

		switch {
		case err == nil && result.Success:
			record.Success = true
			res.AttemptLog = append(res.AttemptLog, record)
			return true, result.Done

		case err != nil && faults.Fatal(err):
			// The replica cannot make progress on this run anymore.
			record.Error = err.Error()
			res.AttemptLog = append(res.AttemptLog, record)
			e.fail(res, index, fmt.Sprintf("step %d: %v", index, err))
			return false, false

		case err != nil && ctx.Err() != nil:
			// Overall deadline or cancellation surfaced through the apply.
			record.Error = err.Error()
			res.AttemptLog = append(res.AttemptLog, record)
			return false, false

		case err != nil && stepExpired:
			// A step that blew its own deadline times the run out; the retry
			// budget does not apply.
			record.Error = err.Error()
			res.AttemptLog = append(res.AttemptLog, record)
			res.Status = model.TaskStatusTimedOut
			step := index
			res.FailedStep = &step
			res.Error = fmt.Sprintf("step %d exceeded its deadline", index)
			return false, false

		default:
			msg := attemptError(result, err)
			record.Error = msg
			res.AttemptLog = append(res.AttemptLog, record)
			logger.WarnCtx(ctx, "Step attempt failed: step=%d attempt=%d/%d err=%s",
				index, attempt, e.opts.MaxAttempts, msg)

			if attempt == e.opts.MaxAttempts {
				e.fail(res, index, fmt.Sprintf("step %d failed after %d attempts: %s", index, attempt, msg))
				return false, false
			}
			if !e.backoff(ctx, attempt) {
				return false, false
			}
		}
	}
	return false, false
}

func (e *Executor) stepTimeout(cmd *model.ActionCommand) time.Duration {
	timeout := e.opts.StepTimeout
	// A wait command legitimately runs for its whole duration.
	if cmd.Kind == model.ActionWait {
		if extra := time.Duration(cmd.WaitMS)*time.Millisecond + time.Second; extra > timeout {
			timeout = extra
		}
	}
	return timeout
}

// backoff sleeps base * 2^(attempt-1), honoring cancellation.
func (e *Executor) backoff(ctx context.Context, attempt int) bool {
	delay := e.opts.BackoffBase << (attempt - 1)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (e *Executor) fail(res *RunResult, step int, msg string) *RunResult {
	res.Status = model.TaskStatusFailed
	res.FailedStep = &step
	res.Error = msg
	return res
}

// terminalFromContext maps context expiry to the terminal status: the run's
// deadline yields TIMED_OUT, an outside cancellation yields CANCELLED.
func terminalFromContext(runCtx, parent context.Context) (model.TaskStatus, string, bool) {
	if errors.Is(parent.Err(), context.Canceled) {
		return model.TaskStatusCancelled, "run cancelled", true
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return model.TaskStatusTimedOut, "run exceeded its deadline", true
	}
	return "", "", false
}

func attemptError(result *model.StepResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if result.Error != "" {
		return result.Error
	}
	return "step reported failure"
}
