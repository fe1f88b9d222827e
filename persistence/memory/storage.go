package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
)

var _ persistence.Storage = new(Storage)

// Storage keeps everything in process memory. It backs single-process runs
// and tests.
type Storage struct {
	mu          sync.RWMutex
	partitions  int
	definitions map[string]*model.WorkflowDefinition
	executions  map[string]*model.WorkflowExecution
	steps       map[string]map[string]*model.StepExecution
	variables   map[string]map[string]model.VariableValue
	triggers    map[string]model.PendingTrigger
	timeouts    map[int]map[string]time.Time
}

func New(partitions int) *Storage {
	if partitions <= 0 {
		partitions = 1
	}
	return &Storage{
		partitions:  partitions,
		definitions: make(map[string]*model.WorkflowDefinition),
		executions:  make(map[string]*model.WorkflowExecution),
		steps:       make(map[string]map[string]*model.StepExecution),
		variables:   make(map[string]map[string]model.VariableValue),
		triggers:    make(map[string]model.PendingTrigger),
		timeouts:    make(map[int]map[string]time.Time),
	}
}

func (s *Storage) SaveDefinition(ctx context.Context, def *model.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *def
	s.definitions[def.Id] = &c
	return nil
}

func (s *Storage) GetDefinition(ctx context.Context, id string) (*model.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, persistence.NotFound("definition", id)
	}
	c := *def
	return &c, nil
}

func (s *Storage) DeleteDefinition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.definitions, id)
	return nil
}

func (s *Storage) NewSession(ctx context.Context) (persistence.Session, error) {
	return persistence.NewBufferedSession(s, s.apply), nil
}

func (s *Storage) apply(ctx context.Context, ops []persistence.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, claim := range persistence.Claims(ops) {
		if _, ok := s.triggers[claim.Id]; !ok {
			return persistence.ErrConflict
		}
	}
	for _, op := range ops {
		switch op.Kind {
		case persistence.OP_SAVE_EXECUTION:
			s.executions[op.ExecutionId] = op.Execution.Clone()
		case persistence.OP_SAVE_STEP:
			if s.steps[op.ExecutionId] == nil {
				s.steps[op.ExecutionId] = make(map[string]*model.StepExecution)
			}
			s.steps[op.ExecutionId][op.Step.Id] = op.Step.Clone()
		case persistence.OP_SET_VARIABLE:
			if s.variables[op.ExecutionId] == nil {
				s.variables[op.ExecutionId] = make(map[string]model.VariableValue)
			}
			s.variables[op.ExecutionId][op.Variable.Name] = *op.Variable
		case persistence.OP_ADD_TRIGGER:
			t := *op.Trigger
			s.triggers[t.Id] = t
			if t.ExpiresAt != nil {
				p := persistence.Partition(t.ExecutionId, s.partitions)
				if s.timeouts[p] == nil {
					s.timeouts[p] = make(map[string]time.Time)
				}
				s.timeouts[p][t.Id] = *t.ExpiresAt
			}
		case persistence.OP_CLAIM_TRIGGER, persistence.OP_DELETE_TRIGGER:
			s.removeTrigger(*op.Trigger)
		}
	}
	return nil
}

func (s *Storage) removeTrigger(t model.PendingTrigger) {
	delete(s.triggers, t.Id)
	delete(s.timeouts[persistence.Partition(t.ExecutionId, s.partitions)], t.Id)
}

func (s *Storage) GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, persistence.NotFound("execution", id)
	}
	return exec.Clone(), nil
}

func (s *Storage) GetStep(ctx context.Context, executionId string, stepId string) (*model.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[executionId][stepId]
	if !ok {
		return nil, persistence.NotFound("step", stepId)
	}
	return step.Clone(), nil
}

func (s *Storage) ListSteps(ctx context.Context, executionId string) ([]model.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.StepExecution, 0, len(s.steps[executionId]))
	for _, st := range s.steps[executionId] {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Storage) GetVariable(ctx context.Context, executionId string, name string) (*model.VariableValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variables[executionId][name]
	if !ok {
		return nil, persistence.NotFound("variable", name)
	}
	return &v, nil
}

func (s *Storage) ListVariables(ctx context.Context, executionId string) ([]model.VariableValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.VariableValue, 0, len(s.variables[executionId]))
	for _, v := range s.variables[executionId] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Storage) ListTriggers(ctx context.Context, executionId string) ([]model.PendingTrigger, error) {
	return s.filterTriggers(func(t model.PendingTrigger) bool { return t.ExecutionId == executionId }), nil
}

func (s *Storage) FindTriggers(ctx context.Context, kind model.TriggerKind, correlationKey string) ([]model.PendingTrigger, error) {
	return s.filterTriggers(func(t model.PendingTrigger) bool {
		return t.Kind == kind && t.CorrelationKey == correlationKey
	}), nil
}

func (s *Storage) filterTriggers(match func(model.PendingTrigger) bool) []model.PendingTrigger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.PendingTrigger
	for _, t := range s.triggers {
		if match(t) {
			out = append(out, t)
		}
	}
	persistence.SortTriggers(out)
	return out
}

func (s *Storage) DeleteExecution(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.triggers {
		if t.ExecutionId == id {
			s.removeTrigger(t)
		}
	}
	delete(s.executions, id)
	delete(s.steps, id)
	delete(s.variables, id)
	return nil
}

func (s *Storage) PollExpired(ctx context.Context, partition int, limit int) ([]model.PendingTrigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	type due struct {
		id       string
		deadline time.Time
	}
	var expired []due
	for id, deadline := range s.timeouts[partition] {
		if !deadline.After(now) {
			expired = append(expired, due{id: id, deadline: deadline})
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].deadline.Before(expired[j].deadline) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	var out []model.PendingTrigger
	for _, d := range expired {
		delete(s.timeouts[partition], d.id)
		if t, ok := s.triggers[d.id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Storage) Requeue(ctx context.Context, trigger model.PendingTrigger, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[trigger.Id]; !ok {
		return nil
	}
	p := persistence.Partition(trigger.ExecutionId, s.partitions)
	if s.timeouts[p] == nil {
		s.timeouts[p] = make(map[string]time.Time)
	}
	s.timeouts[p][trigger.Id] = at
	return nil
}

func (s *Storage) Close() error {
	return nil
}
