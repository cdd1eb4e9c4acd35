package redis

import (
	"context"
	"testing"
	"time"

	"deskgrid/internal/model"
	"deskgrid/pkg/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRepository(t *testing.T) (*ReplicaRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(&config.Config{
		Redis: config.RedisConfig{Addr: mr.Addr()},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return NewReplicaRepository(client, 60), mr
}

func sampleReplica(id, pool string) *model.Replica {
	return &model.Replica{
		ID:           id,
		Pool:         pool,
		Host:         "host-a",
		State:        model.ReplicaStateReady,
		Seq:          3,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
		LastActivity: time.Now().UTC().Truncate(time.Second),
	}
}

func TestReplicaRepository_SaveAndGet(t *testing.T) {
	repo, _ := testRepository(t)
	ctx := context.Background()

	rep := sampleReplica("rep-1", "default")
	require.NoError(t, repo.Save(ctx, rep))

	got, err := repo.Get(ctx, "rep-1")
	require.NoError(t, err)
	assert.Equal(t, rep.ID, got.ID)
	assert.Equal(t, rep.Pool, got.Pool)
	assert.Equal(t, rep.State, got.State)
	assert.Equal(t, rep.Seq, got.Seq)

	_, err = repo.Get(ctx, "rep-missing")
	assert.Error(t, err)
}

func TestReplicaRepository_PoolIndex(t *testing.T) {
	repo, _ := testRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleReplica("rep-1", "cpu")))
	require.NoError(t, repo.Save(ctx, sampleReplica("rep-2", "cpu")))
	require.NoError(t, repo.Save(ctx, sampleReplica("rep-3", "gpu")))

	cpu, err := repo.GetByPool(ctx, "cpu")
	require.NoError(t, err)
	assert.Len(t, cpu, 2)

	gpu, err := repo.GetByPool(ctx, "gpu")
	require.NoError(t, err)
	assert.Len(t, gpu, 1)

	none, err := repo.GetByPool(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	count, err := repo.GetLiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestReplicaRepository_Delete(t *testing.T) {
	repo, _ := testRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleReplica("rep-1", "cpu")))
	require.NoError(t, repo.Delete(ctx, "rep-1"))

	_, err := repo.Get(ctx, "rep-1")
	assert.Error(t, err)

	byPool, err := repo.GetByPool(ctx, "cpu")
	require.NoError(t, err)
	assert.Empty(t, byPool)

	// Deleting an unknown id is a no-op.
	require.NoError(t, repo.Delete(ctx, "rep-missing"))
}

func TestReplicaRepository_ExpiredRecordsAreSkipped(t *testing.T) {
	repo, mr := testRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleReplica("rep-1", "cpu")))
	require.NoError(t, repo.Save(ctx, sampleReplica("rep-2", "cpu")))

	// Age past the record TTL; the index set outlives the records.
	mr.FastForward(61 * time.Second)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
