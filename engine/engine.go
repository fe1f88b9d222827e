package engine

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mohitkumar/chatflow/action"
	"github.com/mohitkumar/chatflow/logger"
	"github.com/mohitkumar/chatflow/metadata"
	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
	"github.com/mohitkumar/chatflow/variable"
	"github.com/spaolacci/murmur3"
	"go.opencensus.io/trace"
	"go.uber.org/zap"
)

var (
	ErrExecutionFinished = errors.New("execution already finished")
	ErrInvalidDefinition = metadata.ErrInvalidDefinition
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotPaused         = errors.New("execution is not paused")
)

type Config struct {
	LockStripes int
}

// FlowEngine drives executions. Work on one execution is serialized by an
// in-process lock; different executions run concurrently.
type FlowEngine struct {
	storage         persistence.ExecutionStorage
	metadataService metadata.MetadataService
	variables       *variable.Store
	dispatcher      *action.Dispatcher
	stateHandler    *StateHandlerContainer
	locks           *stripedLock

	mu      sync.Mutex
	running map[string]context.CancelFunc
	pauses  map[string]struct{}
}

func NewFlowEngine(storage persistence.ExecutionStorage, metadataService metadata.MetadataService, dispatcher *action.Dispatcher, conf Config) *FlowEngine {
	return &FlowEngine{
		storage:         storage,
		metadataService: metadataService,
		variables:       variable.NewStore(storage, metadataService),
		dispatcher:      dispatcher,
		stateHandler:    NewStateHandlerContainer(storage),
		locks:           newStripedLock(conf.LockStripes),
		running:         make(map[string]context.CancelFunc),
		pauses:          make(map[string]struct{}),
	}
}

func (f *FlowEngine) Status(ctx context.Context, executionId string) (*model.ExecutionStatus, error) {
	exec, err := f.storage.GetExecution(ctx, executionId)
	if err != nil {
		return nil, err
	}
	steps, err := f.storage.ListSteps(ctx, executionId)
	if err != nil {
		return nil, err
	}
	return &model.ExecutionStatus{Execution: exec, Steps: steps}, nil
}

// DeleteExecution stops any in-flight drive and removes the execution with
// everything it owns.
func (f *FlowEngine) DeleteExecution(ctx context.Context, executionId string) error {
	f.interrupt(executionId)
	unlock := f.locks.Lock(executionId)
	defer unlock()
	if _, err := f.storage.GetExecution(ctx, executionId); err != nil {
		return err
	}
	if err := f.storage.DeleteExecution(ctx, executionId); err != nil {
		return err
	}
	logger.Info("execution deleted", zap.String("execution", executionId))
	return nil
}

func (f *FlowEngine) GetVariable(ctx context.Context, executionId string, name string) (*model.VariableValue, error) {
	return f.variables.Get(ctx, executionId, name)
}

func (f *FlowEngine) ListVariables(ctx context.Context, executionId string) ([]model.VariableValue, error) {
	return f.variables.List(ctx, executionId)
}

// SetVariable writes a variable on behalf of an operator. Variables of a
// finished execution are frozen.
func (f *FlowEngine) SetVariable(ctx context.Context, executionId string, name string, value any, sourceRef string) (*model.VariableValue, error) {
	ctx, span := trace.StartSpan(ctx, "engine.SetVariable")
	defer span.End()
	unlock := f.locks.Lock(executionId)
	defer unlock()
	exec, err := f.storage.GetExecution(ctx, executionId)
	if err != nil {
		return nil, err
	}
	if exec.IsFinished() {
		return nil, ErrExecutionFinished
	}
	v, err := f.variables.Set(ctx, executionId, name, value, model.SOURCE_USER, sourceRef)
	if errors.Is(err, variable.ErrInvalidValue) {
		return nil, errors.Join(ErrInvalidInput, err)
	}
	return v, err
}

func (f *FlowEngine) compiled(ctx context.Context, definitionId string) (*metadata.Compiled, error) {
	compiled, err := f.metadataService.GetFlow(ctx, definitionId)
	if err != nil {
		return nil, err
	}
	return compiled, nil
}

// detach gives a drive its own cancellable context so a caller going away
// does not abort a wave half way. Cancel reaches it through interrupt.
func (f *FlowEngine) detach(ctx context.Context, executionId string) (context.Context, func()) {
	driveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.mu.Lock()
	f.running[executionId] = cancel
	f.mu.Unlock()
	return driveCtx, func() {
		f.mu.Lock()
		delete(f.running, executionId)
		f.mu.Unlock()
		cancel()
	}
}

func (f *FlowEngine) interrupt(executionId string) {
	f.mu.Lock()
	cancel := f.running[executionId]
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *FlowEngine) requestPause(executionId string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses[executionId] = struct{}{}
}

func (f *FlowEngine) clearPause(executionId string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pauses, executionId)
}

func (f *FlowEngine) pauseRequested(executionId string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pauses[executionId]
	return ok
}

type stripedLock struct {
	stripes []sync.Mutex
}

func newStripedLock(n int) *stripedLock {
	if n <= 0 {
		n = 256
	}
	return &stripedLock{stripes: make([]sync.Mutex, n)}
}

// Lock locks the stripe of key and returns its unlock.
func (l *stripedLock) Lock(key string) func() {
	m := &l.stripes[murmur3.Sum32([]byte(key))%uint32(len(l.stripes))]
	m.Lock()
	return m.Unlock
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
