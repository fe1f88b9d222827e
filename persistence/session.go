package persistence

import (
	"context"
	"errors"
	"sort"

	"github.com/mohitkumar/chatflow/model"
)

type OpKind int

const (
	OP_SAVE_EXECUTION OpKind = iota
	OP_SAVE_STEP
	OP_SET_VARIABLE
	OP_ADD_TRIGGER
	OP_CLAIM_TRIGGER
	OP_DELETE_TRIGGER
)

// Op is one buffered write of a session.
type Op struct {
	Kind        OpKind
	ExecutionId string
	Execution   *model.WorkflowExecution
	Step        *model.StepExecution
	Variable    *model.VariableValue
	Trigger     *model.PendingTrigger
}

// Claims returns the triggers an apply must verify before writing.
func Claims(ops []Op) []model.PendingTrigger {
	var claims []model.PendingTrigger
	for _, op := range ops {
		if op.Kind == OP_CLAIM_TRIGGER {
			claims = append(claims, *op.Trigger)
		}
	}
	return claims
}

// ApplyFunc writes ops atomically: all of them or none.
type ApplyFunc func(ctx context.Context, ops []Op) error

var _ Session = new(bufferedSession)

type bufferedSession struct {
	reader     ExecutionReader
	apply      ApplyFunc
	ops        []Op
	executions map[string]*model.WorkflowExecution
	steps      map[string]map[string]*model.StepExecution
	variables  map[string]map[string]*model.VariableValue
	added      map[string]model.PendingTrigger
	removed    map[string]struct{}
}

// NewBufferedSession builds a session on top of a backend reader and its
// atomic apply.
func NewBufferedSession(reader ExecutionReader, apply ApplyFunc) Session {
	s := &bufferedSession{
		reader: reader,
		apply:  apply,
	}
	s.reset()
	return s
}

func (s *bufferedSession) reset() {
	s.ops = nil
	s.executions = make(map[string]*model.WorkflowExecution)
	s.steps = make(map[string]map[string]*model.StepExecution)
	s.variables = make(map[string]map[string]*model.VariableValue)
	s.added = make(map[string]model.PendingTrigger)
	s.removed = make(map[string]struct{})
}

func (s *bufferedSession) SaveExecution(exec *model.WorkflowExecution) {
	c := exec.Clone()
	s.executions[c.Id] = c
	s.ops = append(s.ops, Op{Kind: OP_SAVE_EXECUTION, ExecutionId: c.Id, Execution: c})
}

func (s *bufferedSession) SaveStep(step *model.StepExecution) {
	c := step.Clone()
	if s.steps[c.ExecutionId] == nil {
		s.steps[c.ExecutionId] = make(map[string]*model.StepExecution)
	}
	s.steps[c.ExecutionId][c.Id] = c
	s.ops = append(s.ops, Op{Kind: OP_SAVE_STEP, ExecutionId: c.ExecutionId, Step: c})
}

func (s *bufferedSession) SetVariable(executionId string, value model.VariableValue) {
	if s.variables[executionId] == nil {
		s.variables[executionId] = make(map[string]*model.VariableValue)
	}
	v := value
	s.variables[executionId][v.Name] = &v
	s.ops = append(s.ops, Op{Kind: OP_SET_VARIABLE, ExecutionId: executionId, Variable: &v})
}

func (s *bufferedSession) AddTrigger(trigger model.PendingTrigger) {
	t := trigger
	s.added[t.Id] = t
	delete(s.removed, t.Id)
	s.ops = append(s.ops, Op{Kind: OP_ADD_TRIGGER, ExecutionId: t.ExecutionId, Trigger: &t})
}

func (s *bufferedSession) ClaimTrigger(trigger model.PendingTrigger) {
	t := trigger
	s.removeTrigger(t.Id)
	s.ops = append(s.ops, Op{Kind: OP_CLAIM_TRIGGER, ExecutionId: t.ExecutionId, Trigger: &t})
}

func (s *bufferedSession) DeleteTrigger(trigger model.PendingTrigger) {
	t := trigger
	s.removeTrigger(t.Id)
	s.ops = append(s.ops, Op{Kind: OP_DELETE_TRIGGER, ExecutionId: t.ExecutionId, Trigger: &t})
}

func (s *bufferedSession) removeTrigger(id string) {
	delete(s.added, id)
	s.removed[id] = struct{}{}
}

func (s *bufferedSession) Commit(ctx context.Context) error {
	if len(s.ops) == 0 {
		return nil
	}
	ops := s.ops
	s.reset()
	return s.apply(ctx, ops)
}

func (s *bufferedSession) Rollback() {
	s.reset()
}

func (s *bufferedSession) GetExecution(ctx context.Context, id string) (*model.WorkflowExecution, error) {
	if exec, ok := s.executions[id]; ok {
		return exec.Clone(), nil
	}
	return s.reader.GetExecution(ctx, id)
}

func (s *bufferedSession) GetStep(ctx context.Context, executionId string, stepId string) (*model.StepExecution, error) {
	if step, ok := s.steps[executionId][stepId]; ok {
		return step.Clone(), nil
	}
	return s.reader.GetStep(ctx, executionId, stepId)
}

func (s *bufferedSession) ListSteps(ctx context.Context, executionId string) ([]model.StepExecution, error) {
	committed, err := s.reader.ListSteps(ctx, executionId)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	buffered := s.steps[executionId]
	if len(buffered) == 0 {
		return committed, nil
	}
	seen := make(map[string]struct{}, len(buffered))
	var out []model.StepExecution
	for _, st := range committed {
		if b, ok := buffered[st.Id]; ok {
			out = append(out, *b)
			seen[st.Id] = struct{}{}
			continue
		}
		out = append(out, st)
	}
	for id, b := range buffered {
		if _, ok := seen[id]; !ok {
			out = append(out, *b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *bufferedSession) GetVariable(ctx context.Context, executionId string, name string) (*model.VariableValue, error) {
	if v, ok := s.variables[executionId][name]; ok {
		c := *v
		return &c, nil
	}
	return s.reader.GetVariable(ctx, executionId, name)
}

func (s *bufferedSession) ListVariables(ctx context.Context, executionId string) ([]model.VariableValue, error) {
	committed, err := s.reader.ListVariables(ctx, executionId)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	buffered := s.variables[executionId]
	if len(buffered) == 0 {
		return committed, nil
	}
	var out []model.VariableValue
	for _, v := range committed {
		if _, ok := buffered[v.Name]; !ok {
			out = append(out, v)
		}
	}
	for _, v := range buffered {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *bufferedSession) ListTriggers(ctx context.Context, executionId string) ([]model.PendingTrigger, error) {
	committed, err := s.reader.ListTriggers(ctx, executionId)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.overlayTriggers(committed, func(t model.PendingTrigger) bool {
		return t.ExecutionId == executionId
	}), nil
}

func (s *bufferedSession) FindTriggers(ctx context.Context, kind model.TriggerKind, correlationKey string) ([]model.PendingTrigger, error) {
	committed, err := s.reader.FindTriggers(ctx, kind, correlationKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.overlayTriggers(committed, func(t model.PendingTrigger) bool {
		return t.Kind == kind && t.CorrelationKey == correlationKey
	}), nil
}

func (s *bufferedSession) overlayTriggers(committed []model.PendingTrigger, match func(model.PendingTrigger) bool) []model.PendingTrigger {
	var out []model.PendingTrigger
	seen := make(map[string]struct{})
	for _, t := range committed {
		if _, gone := s.removed[t.Id]; gone {
			continue
		}
		seen[t.Id] = struct{}{}
		out = append(out, t)
	}
	for id, t := range s.added {
		if _, ok := seen[id]; ok || !match(t) {
			continue
		}
		out = append(out, t)
	}
	SortTriggers(out)
	return out
}

// SortTriggers orders triggers oldest first.
func SortTriggers(triggers []model.PendingTrigger) {
	sort.SliceStable(triggers, func(i, j int) bool {
		if triggers[i].CreatedAt.Equal(triggers[j].CreatedAt) {
			return triggers[i].Id < triggers[j].Id
		}
		return triggers[i].CreatedAt.Before(triggers[j].CreatedAt)
	})
}
