package redis

import (
	"context"

	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
	"github.com/mohitkumar/chatflow/util"
)

var _ persistence.Storage = new(Storage)

type Storage struct {
	*redisDefinitionDao
	*redisExecutionDao
	base *baseDao
}

func NewRedisStorage(conf Config, encoderDecoder util.EncoderDecoder[model.WorkflowDefinition]) *Storage {
	base := newBaseDao(conf)
	return &Storage{
		redisDefinitionDao: newRedisDefinitionDao(base, encoderDecoder),
		redisExecutionDao:  newRedisExecutionDao(base),
		base:               base,
	}
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := s.base.redisClient.Ping(ctx).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Storage) Close() error {
	return s.base.redisClient.Close()
}
