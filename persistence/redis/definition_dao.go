package redis

import (
	"context"
	"errors"

	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
	"github.com/mohitkumar/chatflow/util"
	rd "github.com/redis/go-redis/v9"
)

var _ persistence.DefinitionStorage = new(redisDefinitionDao)

type redisDefinitionDao struct {
	*baseDao
	encoderDecoder util.EncoderDecoder[model.WorkflowDefinition]
}

func newRedisDefinitionDao(base *baseDao, encoderDecoder util.EncoderDecoder[model.WorkflowDefinition]) *redisDefinitionDao {
	return &redisDefinitionDao{
		baseDao:        base,
		encoderDecoder: encoderDecoder,
	}
}

func (r *redisDefinitionDao) SaveDefinition(ctx context.Context, def *model.WorkflowDefinition) error {
	data, err := r.encoderDecoder.Encode(*def)
	if err != nil {
		return err
	}
	key := r.getNamespaceKey(DEFINITION_KEY)
	if err := r.redisClient.HSet(ctx, key, def.Id, string(data)).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (r *redisDefinitionDao) GetDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	key := r.getNamespaceKey(DEFINITION_KEY)
	data, err := r.redisClient.HGet(ctx, key, id).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFound("definition", id)
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return r.encoderDecoder.Decode([]byte(data))
}

func (r *redisDefinitionDao) DeleteDefinition(ctx context.Context, id string) error {
	key := r.getNamespaceKey(DEFINITION_KEY)
	if err := r.redisClient.HDel(ctx, key, id).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}
