package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskgrid/internal/model"
	"deskgrid/pkg/config"
	"deskgrid/pkg/faults"
	"deskgrid/pkg/pool"
	"deskgrid/pkg/provision/local"
)

func newTestGateway(t *testing.T) *GatewayService {
	t.Helper()
	driver := local.NewDriver()
	p := pool.NewPool(config.PoolConfig{
		Name:   "default",
		Weight: 1,
		Hosts: []config.HostConfig{
			{Name: "host-a", MemoryMB: 8192, VCPU: 8},
		},
	}, driver)
	return NewGatewayService(pool.NewGroup([]*pool.Pool{p}), nil)
}

func resetReplica(t *testing.T, svc *GatewayService) string {
	t.Helper()
	resp, err := svc.Reset(context.Background(), &model.ResetRequest{
		Task:    model.TaskConfig{TaskID: "t1"},
		Profile: model.ResourceProfile{MemoryMB: 1024, VCPU: 1},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ReplicaID)
	return resp.ReplicaID
}

func TestGatewayService_ResetReturnsBaseline(t *testing.T) {
	svc := newTestGateway(t)

	resp, err := svc.Reset(context.Background(), &model.ResetRequest{
		Task:    model.TaskConfig{TaskID: "t1"},
		Profile: model.ResourceProfile{MemoryMB: 1024, VCPU: 1},
	})

	require.NoError(t, err)
	assert.NotEmpty(t, resp.ReplicaID)
	assert.NotEmpty(t, resp.Observation.Data)
	assert.Equal(t, "png", resp.Observation.Format)
}

func TestGatewayService_StepRoundTrip(t *testing.T) {
	svc := newTestGateway(t)
	id := resetReplica(t, svc)

	result, err := svc.Step(context.Background(), id, &model.StepAPIRequest{
		Seq:     1,
		Payload: "<think>open the menu</think><action>click(10, 20)</action>",
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.Observation.Data)
}

func TestGatewayService_StepMalformedPayload(t *testing.T) {
	svc := newTestGateway(t)
	id := resetReplica(t, svc)

	_, err := svc.Step(context.Background(), id, &model.StepAPIRequest{
		Seq:     1,
		Payload: "<think>x</think><action>hover(1, 2)</action>",
	})

	assert.ErrorIs(t, err, faults.ErrMalformedAction)

	// A rejected payload must not consume the sequence number.
	result, err := svc.Step(context.Background(), id, &model.StepAPIRequest{
		Seq:     1,
		Payload: "<think>x</think><action>click(1, 2)</action>",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestGatewayService_StepStaleSequence(t *testing.T) {
	svc := newTestGateway(t)
	id := resetReplica(t, svc)

	_, err := svc.Step(context.Background(), id, &model.StepAPIRequest{
		Seq:     5,
		Payload: "<think>x</think><action>click(1, 2)</action>",
	})

	assert.ErrorIs(t, err, faults.ErrStaleRequest)
}

func TestGatewayService_UnknownReplica(t *testing.T) {
	svc := newTestGateway(t)

	_, err := svc.Step(context.Background(), "rep-missing", &model.StepAPIRequest{
		Seq:     1,
		Payload: "<think>x</think><action>click(1, 2)</action>",
	})
	assert.ErrorIs(t, err, faults.ErrUnknownReplica)

	_, err = svc.Screenshot(context.Background(), "rep-missing")
	assert.ErrorIs(t, err, faults.ErrUnknownReplica)
}

func TestGatewayService_ScreenshotNonBlocking(t *testing.T) {
	svc := newTestGateway(t)
	id := resetReplica(t, svc)

	obs, err := svc.Screenshot(context.Background(), id)

	require.NoError(t, err)
	assert.NotEmpty(t, obs.Data)
}

func TestGatewayService_ShutdownIdempotent(t *testing.T) {
	svc := newTestGateway(t)
	id := resetReplica(t, svc)

	require.NoError(t, svc.Shutdown(context.Background(), id))
	require.NoError(t, svc.Shutdown(context.Background(), id))
	require.NoError(t, svc.Shutdown(context.Background(), "rep-never-existed"))

	_, err := svc.Step(context.Background(), id, &model.StepAPIRequest{
		Seq:     1,
		Payload: "<think>x</think><action>click(1, 2)</action>",
	})
	assert.ErrorIs(t, err, faults.ErrUnknownReplica)
}

func TestGatewayService_ListAndStats(t *testing.T) {
	svc := newTestGateway(t)
	resetReplica(t, svc)
	resetReplica(t, svc)

	replicas := svc.ListReplicas(context.Background())
	assert.Len(t, replicas, 2)
	for _, rep := range replicas {
		assert.Equal(t, model.ReplicaStateReady, rep.State)
	}

	stats := svc.PoolStats(context.Background())
	require.Len(t, stats, 1)
	assert.Equal(t, "default", stats[0].Name)
	assert.Equal(t, 2, stats[0].Replicas)
	assert.Equal(t, 2, stats[0].ReadyReplicas)
}
