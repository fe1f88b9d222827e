package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mohitkumar/chatflow/action"
	"github.com/mohitkumar/chatflow/analytics"
	"github.com/mohitkumar/chatflow/flow"
	"github.com/mohitkumar/chatflow/logger"
	"github.com/mohitkumar/chatflow/metadata"
	"github.com/mohitkumar/chatflow/metrics"
	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
	"github.com/mohitkumar/chatflow/variable"
	"go.opencensus.io/trace"
	"go.uber.org/zap"
)

// Start creates an execution of the definition and runs it until it
// suspends or ends.
func (f *FlowEngine) Start(ctx context.Context, req model.StartRequest) (*model.StartResponse, error) {
	ctx, span := trace.StartSpan(ctx, "engine.Start")
	defer span.End()
	span.AddAttributes(trace.StringAttribute("definition", req.DefinitionId))

	compiled, err := f.compiled(ctx, req.DefinitionId)
	if err != nil {
		return nil, err
	}
	def := compiled.Definition
	seeds, err := variable.NewSchema(def.Variables).Seed(req.Input)
	if err != nil {
		return nil, errors.Join(ErrInvalidInput, err)
	}
	exec := model.NewWorkflowExecution(uuid.NewString(), def, req.Input, req.Actor)
	exec.State = model.EXECUTION_RUNNING

	unlock := f.locks.Lock(exec.Id)
	defer unlock()
	sess, err := f.storage.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range seeds {
		sess.SetVariable(exec.Id, v)
	}
	sess.SaveStep(f.activate(exec, compiled.Flow.Entry, false))
	sess.SaveExecution(exec)
	if err := sess.Commit(ctx); err != nil {
		return nil, err
	}
	logger.Info("execution started", zap.String("execution", exec.Id), zap.String("definition", def.Id), zap.String("actor", exec.StartedBy.String()))

	driveCtx, done := f.detach(ctx, exec.Id)
	defer done()
	exec, err = f.drive(driveCtx, compiled, exec)
	if err != nil {
		logger.Error("error driving execution", zap.String("execution", exec.Id), zap.Error(err))
		return nil, err
	}
	return &model.StartResponse{ExecutionId: exec.Id, State: exec.State}, nil
}

// activate records a pending step of node and marks the node active.
func (f *FlowEngine) activate(exec *model.WorkflowExecution, node *flow.Node, implicit bool) *model.StepExecution {
	exec.StepCount++
	step := &model.StepExecution{
		Id:          uuid.NewString(),
		ExecutionId: exec.Id,
		Seq:         exec.StepCount,
		NodeId:      node.Id,
		NodeType:    string(node.Type),
		State:       model.STEP_PENDING,
		Input:       node.Data,
		Implicit:    implicit,
		UpdatedAt:   time.Now().UTC(),
	}
	exec.ActiveSteps[node.Id] = step.Id
	exec.ExecutedNodes[node.Id] = step.Id
	return step
}

// drive runs waves until nothing is runnable and then settles the execution.
// The execution lock must be held.
func (f *FlowEngine) drive(ctx context.Context, compiled *metadata.Compiled, exec *model.WorkflowExecution) (*model.WorkflowExecution, error) {
	if compiled.Flow.Version != exec.DefinitionVersion {
		logger.Warn("definition changed since execution start", zap.String("execution", exec.Id), zap.String("definition", exec.DefinitionId))
	}
	sess, err := f.storage.NewSession(ctx)
	if err != nil {
		return exec, err
	}
	wave, err := f.reconcile(ctx, sess, exec)
	if err != nil {
		return exec, err
	}
	for {
		if ctx.Err() != nil {
			logger.Info("execution drive interrupted", zap.String("execution", exec.Id))
			return exec, nil
		}
		if exec.State == model.EXECUTION_PAUSED || f.pauseRequested(exec.Id) {
			exec.State = model.EXECUTION_PAUSED
			exec.UpdatedAt = time.Now().UTC()
			sess.SaveExecution(exec)
			logger.Info("execution paused", zap.String("execution", exec.Id))
			return exec, sess.Commit(ctx)
		}
		if len(wave) == 0 {
			if wave, err = f.navigate(ctx, sess, compiled.Flow, exec); err != nil {
				return exec, err
			}
			if len(wave) == 0 {
				break
			}
			exec.UpdatedAt = time.Now().UTC()
			sess.SaveExecution(exec)
			if err := sess.Commit(ctx); err != nil {
				return exec, err
			}
		}
		if err := f.runWave(ctx, compiled, exec, wave); err != nil {
			return exec, err
		}
		if ctx.Err() != nil {
			logger.Info("execution drive interrupted", zap.String("execution", exec.Id))
			return exec, nil
		}
		exec.UpdatedAt = time.Now().UTC()
		sess.SaveExecution(exec)
		if err := sess.Commit(ctx); err != nil {
			return exec, err
		}
		wave = nil
	}
	return exec, f.settle(ctx, sess, compiled, exec)
}

// reconcile folds in what an interrupted drive left in the active set and
// returns the steps that never got to run.
func (f *FlowEngine) reconcile(ctx context.Context, sess persistence.Session, exec *model.WorkflowExecution) ([]*model.StepExecution, error) {
	var pending []*model.StepExecution
	for _, nodeId := range sortedKeys(exec.ActiveSteps) {
		stepId := exec.ActiveSteps[nodeId]
		step, err := sess.GetStep(ctx, exec.Id, stepId)
		if errors.Is(err, persistence.ErrNotFound) {
			logger.Warn("active step record missing", zap.String("execution", exec.Id), zap.String("step", stepId))
			delete(exec.ActiveSteps, nodeId)
			continue
		}
		if err != nil {
			return nil, err
		}
		switch step.State {
		case model.STEP_COMPLETED:
			delete(exec.ActiveSteps, nodeId)
			if !slices.Contains(exec.Frontier, step.Id) {
				exec.Frontier = append(exec.Frontier, step.Id)
			}
			if flow.ParseNodeType(step.NodeType).IsTerminal() {
				exec.TerminalReached = true
			}
		case model.STEP_FAILED, model.STEP_CANCELLED:
			delete(exec.ActiveSteps, nodeId)
		case model.STEP_PENDING:
			pending = append(pending, step)
		case model.STEP_RUNNING:
			logger.Warn("step left running, waiting for its trigger", zap.String("execution", exec.Id), zap.String("step", stepId))
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
	return pending, nil
}

type candidate struct {
	node     *flow.Node
	implicit bool
}

// navigate turns the frontier and the deferred joins into the next wave.
// A candidate that an active or sibling branch can still reach is deferred.
// A terminal is admitted only once nothing else can run, and only one.
func (f *FlowEngine) navigate(ctx context.Context, sess persistence.Session, fl *flow.Flow, exec *model.WorkflowExecution) ([]*model.StepExecution, error) {
	var candidates []candidate
	index := make(map[string]int)
	add := func(node *flow.Node, implicit bool) {
		if exec.Visited(node.Id) {
			return
		}
		if i, ok := index[node.Id]; ok {
			candidates[i].implicit = candidates[i].implicit && implicit
			return
		}
		index[node.Id] = len(candidates)
		candidates = append(candidates, candidate{node: node, implicit: implicit})
	}
	for _, id := range exec.Deferred {
		if node := fl.Node(id); node != nil {
			add(node, f.implicitTerminal(fl, exec, node))
		}
	}
	for _, stepId := range exec.Frontier {
		step, err := sess.GetStep(ctx, exec.Id, stepId)
		if err != nil {
			return nil, err
		}
		ref := flow.NodeRef{Id: step.NodeId, Type: flow.ParseNodeType(step.NodeType)}
		for _, next := range fl.NextNodes(ref, step.Event, exec.Visited) {
			add(next.Node, next.Implicit)
		}
	}
	exec.Frontier = nil
	exec.Deferred = nil

	pool := sortedKeys(exec.ActiveSteps)
	for _, c := range candidates {
		pool = append(pool, c.node.Id)
	}
	var admitted, terminals []candidate
	for _, c := range candidates {
		if c.node.Type.IsTerminal() || c.implicit {
			terminals = append(terminals, c)
			continue
		}
		if fl.Blocked(c.node.Id, pool) {
			exec.Deferred = append(exec.Deferred, c.node.Id)
			continue
		}
		admitted = append(admitted, c)
	}
	for _, c := range terminals {
		if len(exec.ActiveSteps) == 0 && len(admitted) == 0 && !fl.Blocked(c.node.Id, pool) {
			admitted = append(admitted, c)
			continue
		}
		exec.Deferred = append(exec.Deferred, c.node.Id)
	}

	wave := make([]*model.StepExecution, 0, len(admitted))
	for _, c := range admitted {
		step := f.activate(exec, c.node, c.implicit)
		sess.SaveStep(step)
		wave = append(wave, step)
	}
	return wave, nil
}

// implicitTerminal tells whether a deferred terminal was reached by fallback
// rather than through an edge from an executed node.
func (f *FlowEngine) implicitTerminal(fl *flow.Flow, exec *model.WorkflowExecution, node *flow.Node) bool {
	if !node.Type.IsTerminal() {
		return false
	}
	for _, pred := range fl.Predecessors(node.Id) {
		if exec.Visited(pred) {
			return false
		}
	}
	return true
}

type branchResult struct {
	step *model.StepExecution
	err  error
}

// runWave executes the steps of a wave concurrently, each branch in its own
// unit of work, and merges the outcomes into exec.
func (f *FlowEngine) runWave(ctx context.Context, compiled *metadata.Compiled, exec *model.WorkflowExecution, wave []*model.StepExecution) error {
	view, err := f.snapshot(ctx, exec)
	if err != nil {
		return err
	}
	results := make(chan branchResult, len(wave))
	for _, step := range wave {
		go func(step *model.StepExecution) {
			results <- f.runStep(ctx, compiled, exec, step, view)
		}(step)
	}
	var firstErr error
	var current *model.StepExecution
	for range wave {
		r := <-results
		if r.err != nil {
			logger.Error("error running step", zap.String("execution", exec.Id), zap.String("step", r.step.Id), zap.Error(r.err))
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		f.merge(exec, r.step)
		if current == nil || preferCurrent(r.step, current) {
			current = r.step
		}
	}
	if current != nil {
		exec.CurrentStepId = current.Id
	}
	return firstErr
}

// preferCurrent orders steps for the current pointer: suspended steps first,
// then the latest.
func preferCurrent(step *model.StepExecution, current *model.StepExecution) bool {
	if step.IsSuspended() != current.IsSuspended() {
		return step.IsSuspended()
	}
	return step.Seq > current.Seq
}

// merge folds a settled step into the execution's navigation state.
func (f *FlowEngine) merge(exec *model.WorkflowExecution, step *model.StepExecution) {
	switch step.State {
	case model.STEP_COMPLETED:
		delete(exec.ActiveSteps, step.NodeId)
		exec.Frontier = append(exec.Frontier, step.Id)
		if flow.ParseNodeType(step.NodeType).IsTerminal() {
			exec.TerminalReached = true
		}
	case model.STEP_FAILED, model.STEP_CANCELLED:
		delete(exec.ActiveSteps, step.NodeId)
	}
}

type dataView struct {
	variables map[string]any
	outputs   map[string]map[string]any
}

func (f *FlowEngine) snapshot(ctx context.Context, exec *model.WorkflowExecution) (*dataView, error) {
	values, err := f.storage.ListVariables(ctx, exec.Id)
	if err != nil {
		return nil, err
	}
	steps, err := f.storage.ListSteps(ctx, exec.Id)
	if err != nil {
		return nil, err
	}
	view := &dataView{variables: variable.Snapshot(values), outputs: make(map[string]map[string]any)}
	for _, s := range steps {
		if s.State == model.STEP_COMPLETED {
			view.outputs[s.NodeId] = s.Output
		}
	}
	return view, nil
}

func (f *FlowEngine) runStep(ctx context.Context, compiled *metadata.Compiled, exec *model.WorkflowExecution, step *model.StepExecution, view *dataView) branchResult {
	sess, err := f.storage.NewSession(ctx)
	if err != nil {
		return branchResult{step: step, err: err}
	}
	started := time.Now()
	step.MarkRunning()
	sess.SaveStep(step)
	if err := sess.Commit(ctx); err != nil {
		return branchResult{step: step, err: err}
	}

	node := compiled.Flow.Node(step.NodeId)
	var res *action.Result
	if node == nil {
		reason := fmt.Sprintf("node %s no longer exists", step.NodeId)
		res = &action.Result{Status: action.STATUS_FAILED, Error: reason}
	} else {
		res = f.dispatcher.Execute(ctx, &action.ExecutionContext{
			ExecutionId:  exec.Id,
			DefinitionId: exec.DefinitionId,
			Node:         node,
			Step:         step,
			Input:        exec.Input,
			Variables:    view.variables,
			Outputs:      view.outputs,
		})
	}
	if ctx.Err() != nil {
		// whoever cancelled owns the step now
		return branchResult{step: step}
	}
	f.applyResult(ctx, sess, exec, node, step, res)
	if err := sess.Commit(ctx); err != nil {
		return branchResult{step: step, err: err}
	}
	f.recordStep(ctx, exec, step, time.Since(started))
	return branchResult{step: step}
}

func (f *FlowEngine) applyResult(ctx context.Context, sess persistence.Session, exec *model.WorkflowExecution, node *flow.Node, step *model.StepExecution, res *action.Result) {
	switch res.Status {
	case action.STATUS_COMPLETED:
		source := model.SOURCE_NODE
		if node.Type == flow.NODE_SCRIPT {
			source = model.SOURCE_SCRIPT
		}
		for _, name := range sortedKeys(res.Variables) {
			if _, err := f.variables.SetInSession(ctx, sess, exec, name, res.Variables[name], source, node.Id); err != nil {
				sess.Rollback()
				step.MarkFailed(err.Error(), res.Output)
				sess.SaveStep(step)
				return
			}
		}
		step.MarkCompleted(res.Event, res.Output)
	case action.STATUS_WAITING:
		if res.Wait == nil {
			step.MarkFailed("node suspended without a trigger", res.Output)
			break
		}
		step.Output = res.Output
		step.MarkWaiting()
		sess.AddTrigger(newTrigger(step, res.Wait))
	default:
		step.MarkFailed(res.Error, res.Output)
	}
	sess.SaveStep(step)
}

func newTrigger(step *model.StepExecution, wait *action.WaitSpec) model.PendingTrigger {
	now := time.Now().UTC()
	t := model.PendingTrigger{
		Id:             uuid.NewString(),
		Kind:           wait.Kind,
		ExecutionId:    step.ExecutionId,
		StepId:         step.Id,
		NodeId:         step.NodeId,
		CorrelationKey: wait.CorrelationKey,
		CreatedAt:      now,
	}
	if wait.Timeout > 0 {
		expires := now.Add(wait.Timeout)
		t.ExpiresAt = &expires
	}
	return t
}

func (f *FlowEngine) recordStep(ctx context.Context, exec *model.WorkflowExecution, step *model.StepExecution, latency time.Duration) {
	metrics.RecordStep(ctx, step.NodeType, string(step.State), latency)
	switch step.State {
	case model.STEP_COMPLETED:
		analytics.RecordStepSuccess(exec.DefinitionId, exec.Id, step.NodeId, step.NodeType, step.Output)
	case model.STEP_FAILED:
		logger.Warn("step failed", zap.String("execution", exec.Id), zap.String("node", step.NodeId), zap.String("error", step.Error))
		analytics.RecordStepFailure(exec.DefinitionId, exec.Id, step.NodeId, step.NodeType, step.Error)
	}
}

// settle decides the state of an execution with nothing left to run.
func (f *FlowEngine) settle(ctx context.Context, sess persistence.Session, compiled *metadata.Compiled, exec *model.WorkflowExecution) error {
	if len(exec.ActiveSteps) > 0 {
		if err := f.pointAtSuspended(ctx, sess, exec); err != nil {
			return err
		}
		exec.State = model.EXECUTION_WAITING
		exec.UpdatedAt = time.Now().UTC()
		sess.SaveExecution(exec)
		if err := sess.Commit(ctx); err != nil {
			return err
		}
		logger.Info("execution waiting", zap.String("execution", exec.Id), zap.String("step", exec.CurrentStepId))
		return nil
	}
	state, err := f.finalState(ctx, sess, compiled.Flow, exec)
	if err != nil {
		return err
	}
	exec.Finish(state)
	sess.SaveExecution(exec)
	if err := sess.Commit(ctx); err != nil {
		return err
	}
	f.onFinished(ctx, compiled, exec)
	return nil
}

func (f *FlowEngine) pointAtSuspended(ctx context.Context, sess persistence.Session, exec *model.WorkflowExecution) error {
	var current *model.StepExecution
	for _, nodeId := range sortedKeys(exec.ActiveSteps) {
		step, err := sess.GetStep(ctx, exec.Id, exec.ActiveSteps[nodeId])
		if err != nil {
			return err
		}
		if current == nil || step.Seq > current.Seq {
			current = step
		}
	}
	if current != nil {
		exec.CurrentStepId = current.Id
	}
	return nil
}

func (f *FlowEngine) finalState(ctx context.Context, sess persistence.Session, fl *flow.Flow, exec *model.WorkflowExecution) (model.ExecutionState, error) {
	if exec.TerminalReached {
		return model.EXECUTION_COMPLETED, nil
	}
	steps, err := sess.ListSteps(ctx, exec.Id)
	if err != nil {
		return "", err
	}
	for _, s := range steps {
		if s.State == model.STEP_FAILED {
			return model.EXECUTION_FAILED, nil
		}
	}
	if terminal := fl.Terminal(); terminal != nil {
		logger.Warn("no terminal reached, closing with a synthetic terminal step", zap.String("execution", exec.Id), zap.String("node", terminal.Id))
		step := f.activate(exec, terminal, true)
		step.Synthetic = true
		step.MarkCompleted("", action.TerminalOutput())
		step.StartedAt = step.EndedAt
		delete(exec.ActiveSteps, terminal.Id)
		exec.TerminalReached = true
		exec.CurrentStepId = step.Id
		sess.SaveStep(step)
		return model.EXECUTION_COMPLETED, nil
	}
	if len(steps) == 0 {
		return model.EXECUTION_COMPLETED, nil
	}
	last := steps[len(steps)-1]
	logger.Warn("graph has no terminal node, execution ends in the state of its last step", zap.String("execution", exec.Id), zap.String("step", last.Id))
	if last.State == model.STEP_COMPLETED {
		return model.EXECUTION_COMPLETED, nil
	}
	return model.EXECUTION_FAILED, nil
}

func (f *FlowEngine) onFinished(ctx context.Context, compiled *metadata.Compiled, exec *model.WorkflowExecution) {
	logger.Info("execution finished", zap.String("execution", exec.Id), zap.String("state", string(exec.State)))
	metrics.RecordExecution(ctx, string(exec.State))
	analytics.RecordExecutionEnd(exec.DefinitionId, exec.Id, string(exec.State))
	var handler flow.Statehandler
	switch exec.State {
	case model.EXECUTION_COMPLETED:
		handler = compiled.Flow.SuccessHandler
	case model.EXECUTION_FAILED:
		handler = compiled.Flow.FailureHandler
	default:
		return
	}
	if err := f.stateHandler.GetHandler(handler)(ctx, exec.Id); err != nil {
		logger.Error("error in running state handler", zap.String("execution", exec.Id), zap.String("handler", string(handler)), zap.Error(err))
	}
}
