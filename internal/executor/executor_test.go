package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"deskgrid/internal/model"
	"deskgrid/pkg/faults"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// outcome is one scripted Apply response.
type outcome struct {
	result *model.StepResult
	err    error
	block  bool // park until the context expires
}

// scriptedStepper replays a fixed list of outcomes and enforces the same
// sequence discipline as a real replica manager.
type scriptedStepper struct {
	mu       sync.Mutex
	seq      uint64
	outcomes []outcome
	calls    int
}

func (s *scriptedStepper) Apply(ctx context.Context, seq uint64, cmd *model.ActionCommand) (*model.StepResult, error) {
	s.mu.Lock()
	if seq != s.seq+1 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: got %d", faults.ErrStaleRequest, seq)
	}
	s.seq = seq
	var o outcome
	switch {
	case s.calls < len(s.outcomes):
		o = s.outcomes[s.calls]
	case len(s.outcomes) > 0:
		// Exhausted scripts repeat their final outcome.
		o = s.outcomes[len(s.outcomes)-1]
	default:
		o = outcome{result: &model.StepResult{Success: true}}
	}
	s.calls++
	s.mu.Unlock()

	if o.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return o.result, o.err
}

func (s *scriptedStepper) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func pass() outcome {
	return outcome{result: &model.StepResult{Success: true}}
}

func softFail(msg string) outcome {
	return outcome{result: &model.StepResult{Success: false, Error: msg}}
}

func hardFail(err error) outcome {
	return outcome{err: err}
}

func step(call string) string {
	return "<think>next</think><action>" + call + "</action>"
}

func fastExecutor() *Executor {
	return New(Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		StepTimeout: time.Second,
		TaskTimeout: 10 * time.Second,
	})
}

func TestExecutor_AllStepsPass(t *testing.T) {
	stepper := &scriptedStepper{outcomes: []outcome{pass(), pass(), pass()}}
	task := model.TaskConfig{
		TaskID: "t1",
		Steps:  []string{step("click(1, 2)"), step("type_text(\"hi\")"), step("press_key(\"Enter\")")},
	}

	res := fastExecutor().Run(context.Background(), stepper, task)

	assert.Equal(t, model.TaskStatusSucceeded, res.Status)
	assert.Equal(t, 3, res.StepsTotal)
	assert.Equal(t, 3, res.StepsPassed)
	assert.Equal(t, 3, res.Attempts)
	assert.Nil(t, res.FailedStep)
	assert.Equal(t, uint64(3), stepper.Seq())
}

func TestExecutor_RetriesTransientFailureInPlace(t *testing.T) {
	// Step A passes; step B fails twice, then passes.
	stepper := &scriptedStepper{outcomes: []outcome{
		pass(),
		softFail("window not found"),
		hardFail(errors.New("agent hiccup")),
		pass(),
	}}
	task := model.TaskConfig{
		TaskID: "t1",
		Steps:  []string{step("click(1, 2)"), step("click(3, 4)")},
	}

	res := fastExecutor().Run(context.Background(), stepper, task)

	assert.Equal(t, model.TaskStatusSucceeded, res.Status)
	assert.Equal(t, 2, res.StepsPassed)
	assert.Equal(t, 4, res.Attempts)
	require.Len(t, res.AttemptLog, 4)
	assert.True(t, res.AttemptLog[0].Success)
	assert.False(t, res.AttemptLog[1].Success)
	assert.Equal(t, 1, res.AttemptLog[1].StepIndex)
	assert.Equal(t, 1, res.AttemptLog[1].Attempt)
	assert.False(t, res.AttemptLog[2].Success)
	assert.Equal(t, 2, res.AttemptLog[2].Attempt)
	assert.True(t, res.AttemptLog[3].Success)
	assert.Equal(t, 3, res.AttemptLog[3].Attempt)
}

func TestExecutor_FailsAfterExactlyMaxAttempts(t *testing.T) {
	stepper := &scriptedStepper{outcomes: []outcome{
		softFail("nope"), softFail("nope"), softFail("nope"), pass(),
	}}
	task := model.TaskConfig{
		TaskID: "t1",
		Steps:  []string{step("click(1, 2)"), step("click(3, 4)")},
	}

	res := fastExecutor().Run(context.Background(), stepper, task)

	assert.Equal(t, model.TaskStatusFailed, res.Status)
	assert.Equal(t, 3, res.Attempts, "exactly MaxAttempts applies, never a fourth")
	assert.Equal(t, 0, res.StepsPassed)
	require.NotNil(t, res.FailedStep)
	assert.Equal(t, 0, *res.FailedStep)
	assert.Contains(t, res.Error, "after 3 attempts")
	// The second step was never reached.
	assert.Equal(t, 3, stepper.calls)
}

func TestExecutor_FatalFaultIsNeverRetried(t *testing.T) {
	stepper := &scriptedStepper{outcomes: []outcome{
		pass(),
		hardFail(fmt.Errorf("%w: replica destroyed", faults.ErrInvalidState)),
	}}
	task := model.TaskConfig{
		TaskID: "t1",
		Steps:  []string{step("click(1, 2)"), step("click(3, 4)")},
	}

	res := fastExecutor().Run(context.Background(), stepper, task)

	assert.Equal(t, model.TaskStatusFailed, res.Status)
	assert.Equal(t, 2, res.Attempts)
	require.NotNil(t, res.FailedStep)
	assert.Equal(t, 1, *res.FailedStep)
	assert.Equal(t, 2, stepper.calls, "fatal fault must not be retried")
}

func TestExecutor_MalformedStepFailsWithoutApplying(t *testing.T) {
	stepper := &scriptedStepper{}
	task := model.TaskConfig{
		TaskID: "t1",
		Steps:  []string{"<think>x</think><action>hover(1, 2)</action>"},
	}

	res := fastExecutor().Run(context.Background(), stepper, task)

	assert.Equal(t, model.TaskStatusFailed, res.Status)
	assert.Equal(t, 0, res.Attempts)
	assert.Equal(t, 0, stepper.calls)
	require.NotNil(t, res.FailedStep)
	assert.Equal(t, 0, *res.FailedStep)
}

func TestExecutor_DoneStepEndsRunEarly(t *testing.T) {
	stepper := &scriptedStepper{outcomes: []outcome{
		{result: &model.StepResult{Success: true, Done: true}},
	}}
	task := model.TaskConfig{
		TaskID: "t1",
		Steps:  []string{step("click(1, 2)"), step("click(3, 4)"), step("press_key(\"Enter\")")},
	}

	res := fastExecutor().Run(context.Background(), stepper, task)

	assert.Equal(t, model.TaskStatusSucceeded, res.Status)
	assert.Equal(t, 1, stepper.calls, "remaining steps are skipped once the task is done")
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, res.StepsPassed)
	assert.Equal(t, 3, res.StepsTotal)
	assert.Nil(t, res.FailedStep)
}

func TestExecutor_StepDeadlineTimesOutWithoutRetry(t *testing.T) {
	e := New(Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		StepTimeout: 100 * time.Millisecond,
		TaskTimeout: time.Hour,
	})
	stepper := &scriptedStepper{outcomes: []outcome{{block: true}}}
	task := model.TaskConfig{
		TaskID: "t1",
		Steps:  []string{step("click(1, 2)"), step("click(3, 4)")},
	}

	start := time.Now()
	res := e.Run(context.Background(), stepper, task)

	assert.Equal(t, model.TaskStatusTimedOut, res.Status)
	assert.Equal(t, 1, res.Attempts, "a blown step deadline is not retried")
	assert.Equal(t, 1, stepper.calls)
	require.NotNil(t, res.FailedStep)
	assert.Equal(t, 0, *res.FailedStep)
	assert.Contains(t, res.Error, "deadline")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecutor_OverallDeadlineTimesOut(t *testing.T) {
	stepper := &scriptedStepper{outcomes: []outcome{pass(), {block: true}}}
	task := model.TaskConfig{
		TaskID:      "t1",
		Steps:       []string{step("click(1, 2)"), step("click(3, 4)")},
		TaskTimeout: 1, // seconds
	}

	start := time.Now()
	res := fastExecutor().Run(context.Background(), stepper, task)

	assert.Equal(t, model.TaskStatusTimedOut, res.Status)
	assert.Equal(t, 1, res.StepsPassed)
	require.NotNil(t, res.FailedStep)
	assert.Equal(t, 1, *res.FailedStep)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecutor_CancellationYieldsCancelled(t *testing.T) {
	stepper := &scriptedStepper{outcomes: []outcome{pass(), {block: true}}}
	task := model.TaskConfig{
		TaskID: "t1",
		Steps:  []string{step("click(1, 2)"), step("click(3, 4)")},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res := fastExecutor().Run(ctx, stepper, task)

	assert.Equal(t, model.TaskStatusCancelled, res.Status)
	assert.Equal(t, 1, res.StepsPassed)
}

func TestExecutor_TaskTimeoutsOverrideDefaults(t *testing.T) {
	e := New(Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		StepTimeout: time.Second,
		TaskTimeout: time.Hour,
	})
	stepper := &scriptedStepper{outcomes: []outcome{{block: true}}}
	task := model.TaskConfig{
		TaskID:      "t1",
		Steps:       []string{step("click(1, 2)")},
		TaskTimeout: 1,
	}

	start := time.Now()
	res := e.Run(context.Background(), stepper, task)

	assert.Equal(t, model.TaskStatusTimedOut, res.Status)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecutor_EmptyTaskSucceedsTrivially(t *testing.T) {
	stepper := &scriptedStepper{}
	res := fastExecutor().Run(context.Background(), stepper, model.TaskConfig{TaskID: "t1"})

	assert.Equal(t, model.TaskStatusSucceeded, res.Status)
	assert.Equal(t, 0, res.StepsTotal)
	assert.Equal(t, 0, res.Attempts)
}
