package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
	rd "github.com/redis/go-redis/v9"
)

var _ persistence.TimeoutQueue = new(redisExecutionDao)

// PollExpired pops due trigger ids from the partition's timeout sorted set.
// Only the popped ids are removed, so a poll never drops entries beyond its
// batch.
func (r *redisExecutionDao) PollExpired(ctx context.Context, partition int, limit int) ([]model.PendingTrigger, error) {
	key := r.timeoutKey(partition)
	ids, err := r.getExpiredFromSortedSet(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	return r.loadTriggers(ctx, ids)
}

func (r *redisExecutionDao) getExpiredFromSortedSet(ctx context.Context, key string, limit int) ([]string, error) {
	currentTime := time.Now().UnixMilli()
	opt := &rd.ZRangeBy{
		Min: strconv.Itoa(0),
		Max: strconv.FormatInt(currentTime, 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	values, err := r.redisClient.ZRangeByScore(ctx, key, opt).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return []string{}, nil
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	if len(values) == 0 {
		return values, nil
	}
	// only ids removed by this poll are returned to the caller
	pipe := r.redisClient.Pipeline()
	cmds := make([]*rd.IntCmd, len(values))
	for i, v := range values {
		cmds[i] = pipe.ZRem(ctx, key, v)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	owned := make([]string, 0, len(values))
	for i, cmd := range cmds {
		if cmd.Val() == 1 {
			owned = append(owned, values[i])
		}
	}
	return owned, nil
}

func (r *redisExecutionDao) Requeue(ctx context.Context, trigger model.PendingTrigger, at time.Time) error {
	pending, err := r.redisClient.HExists(ctx, r.getNamespaceKey(TRIGGER_INDEX_KEY), trigger.Id).Result()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if !pending {
		return nil
	}
	key := r.timeoutKey(persistence.Partition(trigger.ExecutionId, r.partitions))
	if err := r.redisClient.ZAdd(ctx, key, rd.Z{Score: float64(at.UnixMilli()), Member: trigger.Id}).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}
