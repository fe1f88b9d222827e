package engine

import (
	"context"
	"time"

	"github.com/mohitkumar/chatflow/analytics"
	"github.com/mohitkumar/chatflow/logger"
	"github.com/mohitkumar/chatflow/metrics"
	"github.com/mohitkumar/chatflow/model"
	"go.opencensus.io/trace"
	"go.uber.org/zap"
)

// Cancel stops an unfinished execution. Its unfinished steps are cancelled
// and its pending triggers dropped, so late triggers become no-ops.
func (f *FlowEngine) Cancel(ctx context.Context, executionId string, req model.CancelRequest) (*model.WorkflowExecution, error) {
	ctx, span := trace.StartSpan(ctx, "engine.Cancel")
	defer span.End()
	f.interrupt(executionId)
	unlock := f.locks.Lock(executionId)
	defer unlock()

	exec, err := f.storage.GetExecution(ctx, executionId)
	if err != nil {
		return nil, err
	}
	if exec.IsFinished() {
		return nil, ErrExecutionFinished
	}
	sess, err := f.storage.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	steps, err := sess.ListSteps(ctx, executionId)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		if steps[i].IsFinished() {
			continue
		}
		steps[i].MarkCancelled()
		sess.SaveStep(&steps[i])
	}
	triggers, err := sess.ListTriggers(ctx, executionId)
	if err != nil {
		return nil, err
	}
	for _, t := range triggers {
		sess.DeleteTrigger(t)
	}
	actor := req.Actor.OrUnknown()
	exec.ActiveSteps = make(map[string]string)
	exec.Deferred = nil
	exec.Frontier = nil
	exec.CancelledBy = &actor
	exec.Reason = req.Reason
	exec.Finish(model.EXECUTION_CANCELLED)
	sess.SaveExecution(exec)
	if err := sess.Commit(ctx); err != nil {
		return nil, err
	}
	f.clearPause(executionId)
	logger.Info("execution cancelled", zap.String("execution", exec.Id), zap.String("actor", actor.String()), zap.String("reason", req.Reason))
	metrics.RecordExecution(ctx, string(exec.State))
	analytics.RecordExecutionEnd(exec.DefinitionId, exec.Id, string(exec.State))
	return exec, nil
}

// Pause stops an execution at the next wave boundary. Triggers arriving
// while paused still settle their steps but nothing new is started.
func (f *FlowEngine) Pause(ctx context.Context, executionId string) (*model.WorkflowExecution, error) {
	f.requestPause(executionId)
	unlock := f.locks.Lock(executionId)
	defer unlock()
	defer f.clearPause(executionId)

	exec, err := f.storage.GetExecution(ctx, executionId)
	if err != nil {
		return nil, err
	}
	if exec.IsFinished() {
		return nil, ErrExecutionFinished
	}
	if exec.State == model.EXECUTION_PAUSED {
		return exec, nil
	}
	sess, err := f.storage.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	exec.State = model.EXECUTION_PAUSED
	exec.UpdatedAt = time.Now().UTC()
	sess.SaveExecution(exec)
	if err := sess.Commit(ctx); err != nil {
		return nil, err
	}
	logger.Info("execution paused", zap.String("execution", exec.Id))
	return exec, nil
}

// Unpause continues a paused execution from where it stopped.
func (f *FlowEngine) Unpause(ctx context.Context, executionId string) (*model.WorkflowExecution, error) {
	unlock := f.locks.Lock(executionId)
	defer unlock()

	exec, err := f.storage.GetExecution(ctx, executionId)
	if err != nil {
		return nil, err
	}
	if exec.IsFinished() {
		return nil, ErrExecutionFinished
	}
	if exec.State != model.EXECUTION_PAUSED {
		return nil, ErrNotPaused
	}
	compiled, err := f.compiled(ctx, exec.DefinitionId)
	if err != nil {
		return nil, err
	}
	exec.State = model.EXECUTION_RUNNING
	logger.Info("execution unpaused", zap.String("execution", exec.Id))
	driveCtx, done := f.detach(ctx, executionId)
	defer done()
	return f.drive(driveCtx, compiled, exec)
}
