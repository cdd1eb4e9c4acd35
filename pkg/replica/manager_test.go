package replica

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"deskgrid/internal/model"
	"deskgrid/pkg/faults"
	"deskgrid/pkg/provision/local"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubDriver lets tests inject failures and observe driver calls.
type stubDriver struct {
	mu           sync.Mutex
	provisionErr error
	performErr   error
	performGate  chan struct{} // when set, Perform blocks until closed
	disposeCalls int
}

func (s *stubDriver) Provision(ctx context.Context, id string, profile model.ResourceProfile, task model.TaskConfig) error {
	return s.provisionErr
}

func (s *stubDriver) Perform(ctx context.Context, id string, cmd *model.ActionCommand) (*model.StepResult, error) {
	if s.performGate != nil {
		<-s.performGate
	}
	if s.performErr != nil {
		return nil, s.performErr
	}
	return &model.StepResult{Success: true, Observation: model.Observation{Data: []byte{1}, Format: "png"}}, nil
}

func (s *stubDriver) Capture(ctx context.Context, id string) (*model.Observation, error) {
	return &model.Observation{Data: []byte{0}, Format: "png"}, nil
}

func (s *stubDriver) Dispose(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposeCalls++
	return nil
}

func startedManager(t *testing.T) *Manager {
	t.Helper()
	m := New(local.NewDriver(), "rep-1", "default", "host-a", model.ResourceProfile{})
	require.NoError(t, m.Start(context.Background(), model.TaskConfig{TaskID: "task-1"}))
	return m
}

func TestManager_StartTransitionsToReady(t *testing.T) {
	m := startedManager(t)
	assert.Equal(t, model.ReplicaStateReady, m.State())
	assert.Equal(t, uint64(0), m.Seq())

	snap := m.Snapshot()
	assert.Equal(t, "rep-1", snap.ID)
	assert.Equal(t, "task-1", snap.TaskID)
}

func TestManager_StartProvisionFailure(t *testing.T) {
	driver := &stubDriver{provisionErr: faults.ErrProvision}
	m := New(driver, "rep-1", "default", "host-a", model.ResourceProfile{})

	err := m.Start(context.Background(), model.TaskConfig{TaskID: "task-1"})
	require.Error(t, err)
	assert.Equal(t, model.ReplicaStateUnhealthy, m.State())

	// An unhealthy replica accepts no steps.
	_, err = m.Apply(context.Background(), 1, &model.ActionCommand{Kind: model.ActionWait})
	assert.True(t, errors.Is(err, faults.ErrReplicaUnavailable))
}

func TestManager_ApplyEnforcesSequence(t *testing.T) {
	m := startedManager(t)
	ctx := context.Background()
	cmd := &model.ActionCommand{Kind: model.ActionClick, X: 10, Y: 10}

	result, err := m.Apply(ctx, 1, cmd)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, uint64(1), m.Seq())

	// Replay of an accepted sequence.
	_, err = m.Apply(ctx, 1, cmd)
	assert.True(t, errors.Is(err, faults.ErrStaleRequest))

	// Gap ahead of the expected sequence.
	_, err = m.Apply(ctx, 5, cmd)
	assert.True(t, errors.Is(err, faults.ErrStaleRequest))

	// Sequence zero is never acceptable after start.
	_, err = m.Apply(ctx, 0, cmd)
	assert.True(t, errors.Is(err, faults.ErrStaleRequest))

	// The failed attempts must not advance the counter.
	assert.Equal(t, uint64(1), m.Seq())

	_, err = m.Apply(ctx, 2, cmd)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m.Seq())
}

func TestManager_ConcurrentDuplicateIsStale(t *testing.T) {
	gate := make(chan struct{})
	driver := &stubDriver{performGate: gate}
	m := New(driver, "rep-1", "default", "host-a", model.ResourceProfile{})
	require.NoError(t, m.Start(context.Background(), model.TaskConfig{TaskID: "task-1"}))

	done := make(chan error, 1)
	go func() {
		_, err := m.Apply(context.Background(), 1, &model.ActionCommand{Kind: model.ActionWait})
		done <- err
	}()

	// Wait for the first apply to reserve the sequence and enter the driver.
	require.Eventually(t, func() bool {
		return m.State() == model.ReplicaStateBusy
	}, time.Second, 5*time.Millisecond)

	// Same sequence while the step is in flight: stale, not applied twice.
	_, err := m.Apply(context.Background(), 1, &model.ActionCommand{Kind: model.ActionWait})
	assert.True(t, errors.Is(err, faults.ErrStaleRequest))

	// The next sequence also cannot jump the in-flight step.
	_, err = m.Apply(context.Background(), 2, &model.ActionCommand{Kind: model.ActionWait})
	assert.True(t, errors.Is(err, faults.ErrInvalidState))

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), m.Seq())
}

func TestManager_DriverFailureMarksUnhealthy(t *testing.T) {
	driver := &stubDriver{}
	m := New(driver, "rep-1", "default", "host-a", model.ResourceProfile{})
	require.NoError(t, m.Start(context.Background(), model.TaskConfig{TaskID: "task-1"}))

	driver.performErr = errors.New("session crashed")
	_, err := m.Apply(context.Background(), 1, &model.ActionCommand{Kind: model.ActionClick})
	require.Error(t, err)
	assert.Equal(t, model.ReplicaStateUnhealthy, m.State())

	// The reserved sequence is burned.
	assert.Equal(t, uint64(1), m.Seq())
}

func TestManager_CaptureReturnsCommittedObservation(t *testing.T) {
	m := startedManager(t)
	ctx := context.Background()

	baseline, err := m.Capture(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, baseline.Data)

	result, err := m.Apply(ctx, 1, &model.ActionCommand{Kind: model.ActionClick, X: 3, Y: 4})
	require.NoError(t, err)

	after, err := m.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, result.Observation, *after)
	assert.NotEqual(t, baseline.Data, after.Data)
}

func TestManager_CaptureDoesNotBlockApply(t *testing.T) {
	gate := make(chan struct{})
	driver := &stubDriver{performGate: gate}
	m := New(driver, "rep-1", "default", "host-a", model.ResourceProfile{})
	require.NoError(t, m.Start(context.Background(), model.TaskConfig{TaskID: "task-1"}))

	done := make(chan error, 1)
	go func() {
		_, err := m.Apply(context.Background(), 1, &model.ActionCommand{Kind: model.ActionWait})
		done <- err
	}()

	require.Eventually(t, func() bool {
		return m.State() == model.ReplicaStateBusy
	}, time.Second, 5*time.Millisecond)

	// Capture returns the baseline immediately while the step is in flight.
	obs, err := m.Capture(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, obs.Data)

	close(gate)
	require.NoError(t, <-done)
}

func TestManager_ShutdownIsIdempotent(t *testing.T) {
	driver := &stubDriver{}
	m := New(driver, "rep-1", "default", "host-a", model.ResourceProfile{})
	require.NoError(t, m.Start(context.Background(), model.TaskConfig{TaskID: "task-1"}))

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))

	assert.Equal(t, model.ReplicaStateDestroyed, m.State())
	assert.Equal(t, 1, driver.disposeCalls)

	_, err := m.Apply(context.Background(), 1, &model.ActionCommand{Kind: model.ActionClick})
	assert.True(t, errors.Is(err, faults.ErrInvalidState))

	_, err = m.Capture(context.Background())
	assert.True(t, errors.Is(err, faults.ErrInvalidState))
}

func TestManager_ShutdownOfUnhealthyReplica(t *testing.T) {
	driver := &stubDriver{}
	m := New(driver, "rep-1", "default", "host-a", model.ResourceProfile{})
	require.NoError(t, m.Start(context.Background(), model.TaskConfig{TaskID: "task-1"}))

	m.MarkUnhealthy("probe timeout")
	assert.Equal(t, model.ReplicaStateUnhealthy, m.State())

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, model.ReplicaStateDestroyed, m.State())
}
