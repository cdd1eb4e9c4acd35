package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"deskgrid/internal/model"

	"github.com/go-redis/redis/v8"
)

const (
	replicaKeyPrefix   = "replica:"       // Live replica record
	replicaSetKey      = "replicas:live"  // Live replica id set
	replicaPoolPrefix  = "replicas:pool:" // Replica set by pool (replicas:pool:{pool})
	defaultActivityTTL = 2 * time.Minute
)

// ReplicaRepository mirrors live replica records into Redis so operators and
// sibling gateway processes can observe the fleet. Records carry a TTL; a
// replica that stops refreshing drops out of the mirror on its own.
type ReplicaRepository struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewReplicaRepository creates a replica repository. ttlSeconds <= 0 selects
// the default activity TTL.
func NewReplicaRepository(redisClient *RedisClient, ttlSeconds int) *ReplicaRepository {
	ttl := defaultActivityTTL
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &ReplicaRepository{
		redis: redisClient.GetClient(),
		ttl:   ttl,
	}
}

// Save writes the replica record and refreshes its TTL and indexes.
func (r *ReplicaRepository) Save(ctx context.Context, rep *model.Replica) error {
	key := replicaKeyPrefix + rep.ID
	data, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("failed to marshal replica: %w", err)
	}

	poolSetKey := replicaPoolPrefix + rep.Pool

	pipe := r.redis.Pipeline()
	pipe.Set(ctx, key, data, r.ttl)
	pipe.SAdd(ctx, replicaSetKey, rep.ID)
	pipe.Expire(ctx, replicaSetKey, r.ttl*2)
	pipe.SAdd(ctx, poolSetKey, rep.ID)
	pipe.Expire(ctx, poolSetKey, r.ttl*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save replica: %w", err)
	}
	return nil
}

// Get retrieves one replica record.
func (r *ReplicaRepository) Get(ctx context.Context, id string) (*model.Replica, error) {
	data, err := r.redis.Get(ctx, replicaKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("replica not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get replica: %w", err)
	}

	var rep model.Replica
	if err := json.Unmarshal([]byte(data), &rep); err != nil {
		return nil, fmt.Errorf("failed to unmarshal replica: %w", err)
	}
	return &rep, nil
}

// GetAll retrieves every live replica record.
func (r *ReplicaRepository) GetAll(ctx context.Context) ([]*model.Replica, error) {
	ids, err := r.redis.SMembers(ctx, replicaSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get replica list: %w", err)
	}
	return r.fetch(ctx, ids)
}

// GetByPool retrieves the live replica records of one pool.
func (r *ReplicaRepository) GetByPool(ctx context.Context, pool string) ([]*model.Replica, error) {
	ids, err := r.redis.SMembers(ctx, replicaPoolPrefix+pool).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get replica IDs for pool: %w", err)
	}
	return r.fetch(ctx, ids)
}

// fetch batch-loads records by id, skipping ids whose record has expired.
func (r *ReplicaRepository) fetch(ctx context.Context, ids []string) ([]*model.Replica, error) {
	if len(ids) == 0 {
		return []*model.Replica{}, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.Get(ctx, replicaKeyPrefix+id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		// Pipeline failed, fall back to individual gets.
		out := make([]*model.Replica, 0, len(ids))
		for _, id := range ids {
			rep, err := r.Get(ctx, id)
			if err != nil {
				continue
			}
			out = append(out, rep)
		}
		return out, nil
	}

	out := make([]*model.Replica, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			// Record expired, the set entry will age out too.
			continue
		}
		var rep model.Replica
		if err := json.Unmarshal([]byte(data), &rep); err != nil {
			continue
		}
		out = append(out, &rep)
	}
	return out, nil
}

// Delete removes the replica record and its index entries.
func (r *ReplicaRepository) Delete(ctx context.Context, id string) error {
	rep, err := r.Get(ctx, id)
	if err != nil {
		// Record already gone; still clear the global set entry.
		pipe := r.redis.Pipeline()
		pipe.Del(ctx, replicaKeyPrefix+id)
		pipe.SRem(ctx, replicaSetKey, id)
		_, _ = pipe.Exec(ctx)
		return nil
	}

	pipe := r.redis.Pipeline()
	pipe.Del(ctx, replicaKeyPrefix+id)
	pipe.SRem(ctx, replicaSetKey, id)
	pipe.SRem(ctx, replicaPoolPrefix+rep.Pool, id)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete replica: %w", err)
	}
	return nil
}

// GetLiveCount retrieves the live replica count.
func (r *ReplicaRepository) GetLiveCount(ctx context.Context) (int, error) {
	count, err := r.redis.SCard(ctx, replicaSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get live replica count: %w", err)
	}
	return int(count), nil
}
