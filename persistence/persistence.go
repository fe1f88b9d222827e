package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohitkumar/chatflow/model"
	"github.com/spaolacci/murmur3"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by Commit when a claimed trigger was already
	// resolved by another unit of work.
	ErrConflict = errors.New("trigger already claimed")
)

type DefinitionStorage interface {
	SaveDefinition(ctx context.Context, def *model.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error)
	DeleteDefinition(ctx context.Context, id string) error
}

// ExecutionReader reads committed execution state.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error)
	GetStep(ctx context.Context, executionId string, stepId string) (*model.StepExecution, error)
	// ListSteps returns the steps of an execution ordered by Seq.
	ListSteps(ctx context.Context, executionId string) ([]model.StepExecution, error)
	GetVariable(ctx context.Context, executionId string, name string) (*model.VariableValue, error)
	ListVariables(ctx context.Context, executionId string) ([]model.VariableValue, error)
	ListTriggers(ctx context.Context, executionId string) ([]model.PendingTrigger, error)
	// FindTriggers returns the unresolved triggers for a correlation key,
	// oldest first.
	FindTriggers(ctx context.Context, kind model.TriggerKind, correlationKey string) ([]model.PendingTrigger, error)
}

// Session is a unit of work. Writes are buffered and applied atomically by
// Commit, reads see committed state overlaid with the session's own writes.
// A session is owned by one goroutine and can be committed more than once.
type Session interface {
	ExecutionReader
	SaveExecution(exec *model.WorkflowExecution)
	SaveStep(step *model.StepExecution)
	SetVariable(executionId string, value model.VariableValue)
	AddTrigger(trigger model.PendingTrigger)
	// ClaimTrigger removes the trigger on commit. The commit fails with
	// ErrConflict if the trigger no longer exists.
	ClaimTrigger(trigger model.PendingTrigger)
	DeleteTrigger(trigger model.PendingTrigger)
	Commit(ctx context.Context) error
	Rollback()
}

type ExecutionStorage interface {
	ExecutionReader
	NewSession(ctx context.Context) (Session, error)
	// DeleteExecution removes the execution with its steps, variables and
	// triggers.
	DeleteExecution(ctx context.Context, id string) error
}

// TimeoutQueue yields triggers whose ExpiresAt has passed. Each expired
// trigger is returned by at most one poll.
type TimeoutQueue interface {
	PollExpired(ctx context.Context, partition int, limit int) ([]model.PendingTrigger, error)
	// Requeue puts a polled trigger back, due at at. Triggers that are no
	// longer pending are ignored.
	Requeue(ctx context.Context, trigger model.PendingTrigger, at time.Time) error
}

// Storage is everything a backend provides.
type Storage interface {
	DefinitionStorage
	ExecutionStorage
	TimeoutQueue
	Close() error
}

// Partition maps an execution to one of count timeout partitions.
func Partition(executionId string, count int) int {
	if count <= 1 {
		return 0
	}
	return int(murmur3.Sum32([]byte(executionId)) % uint32(count))
}

func NotFound(what string, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
}
