package engine

import (
	"context"

	"github.com/mohitkumar/chatflow/flow"
	"github.com/mohitkumar/chatflow/logger"
	"github.com/mohitkumar/chatflow/persistence"
	"go.uber.org/zap"
)

type StateHandlerContainer struct {
	handlers map[flow.Statehandler]func(ctx context.Context, executionId string) error
	storage  persistence.ExecutionStorage
}

func NewStateHandlerContainer(storage persistence.ExecutionStorage) *StateHandlerContainer {
	hd := &StateHandlerContainer{
		storage:  storage,
		handlers: make(map[flow.Statehandler]func(ctx context.Context, executionId string) error, 2),
	}
	hd.handlers[flow.DELETE] = hd.delete
	hd.handlers[flow.NOOP] = hd.noop
	return hd
}

func (s *StateHandlerContainer) GetHandler(st flow.Statehandler) func(ctx context.Context, executionId string) error {
	handler, ok := s.handlers[st]
	if ok {
		return handler
	}
	return s.noop
}

func (s *StateHandlerContainer) delete(ctx context.Context, executionId string) error {
	logger.Info("deleting finished execution", zap.String("execution", executionId))
	return s.storage.DeleteExecution(ctx, executionId)
}

func (s *StateHandlerContainer) noop(ctx context.Context, executionId string) error {
	logger.Debug("noop handler called", zap.String("execution", executionId))
	return nil
}
