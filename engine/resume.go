package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohitkumar/chatflow/flow"
	"github.com/mohitkumar/chatflow/logger"
	"github.com/mohitkumar/chatflow/metadata"
	"github.com/mohitkumar/chatflow/metrics"
	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
	"go.opencensus.io/trace"
	"go.uber.org/zap"
)

// outcome is what a trigger makes of the suspended step.
type outcome struct {
	completed bool
	event     string
	output    map[string]any
	reason    string
	// written to the variable named by the node's "variable" field
	value any
}

type completion func(compiled *metadata.Compiled, node *flow.Node, step *model.StepExecution) outcome

func (f *FlowEngine) ResumeFormDecision(ctx context.Context, d model.FormDecision) (*model.ResumeResult, error) {
	ctx, span := trace.StartSpan(ctx, "engine.ResumeFormDecision")
	defer span.End()
	if !d.Valid() {
		return nil, fmt.Errorf("%w: decision %q is neither an approval nor a rejection", ErrInvalidInput, d.Decision)
	}
	var triggers []model.PendingTrigger
	var err error
	switch {
	case d.FormInstanceId != "":
		triggers, err = f.storage.FindTriggers(ctx, model.TRIGGER_FORM_DECISION, d.FormInstanceId)
		triggers = ofExecution(triggers, d.ExecutionId)
	case d.ExecutionId != "":
		triggers, err = f.executionTriggers(ctx, d.ExecutionId, model.TRIGGER_FORM_DECISION)
	default:
		return nil, fmt.Errorf("%w: executionId or formInstanceId is required", ErrInvalidInput)
	}
	if err != nil {
		return nil, err
	}
	actor := d.Actor.OrUnknown()
	return f.resume(ctx, model.TRIGGER_FORM_DECISION, d.ExecutionId, triggers, func(*metadata.Compiled, *flow.Node, *model.StepExecution) outcome {
		event := flow.EVENT_REJECTED
		if d.Approved() {
			event = flow.EVENT_APPROVED
		}
		var value any = d.Decision
		if len(d.Data) > 0 {
			value = d.Data
		}
		return outcome{
			completed: true,
			event:     event,
			output: map[string]any{
				"decision": d.Decision,
				"approved": d.Approved(),
				"note":     d.Note,
				"data":     d.Data,
				"actor":    actor.String(),
			},
			value: value,
		}
	})
}

// ResumeInboundMessage matches a message to the oldest reply wait of its
// sender, or to the wait of the given execution.
func (f *FlowEngine) ResumeInboundMessage(ctx context.Context, m model.InboundMessage) (*model.ResumeResult, error) {
	ctx, span := trace.StartSpan(ctx, "engine.ResumeInboundMessage")
	defer span.End()
	var triggers []model.PendingTrigger
	var err error
	if m.ExecutionId != "" {
		triggers, err = f.executionTriggers(ctx, m.ExecutionId, model.TRIGGER_INBOUND_MESSAGE)
	} else {
		key := model.NormalizeCorrelationKey(m.Sender)
		if key == "" {
			return nil, fmt.Errorf("%w: sender or executionId is required", ErrInvalidInput)
		}
		triggers, err = f.storage.FindTriggers(ctx, model.TRIGGER_INBOUND_MESSAGE, key)
	}
	if err != nil {
		return nil, err
	}
	return f.resume(ctx, model.TRIGGER_INBOUND_MESSAGE, m.ExecutionId, triggers, func(*metadata.Compiled, *flow.Node, *model.StepExecution) outcome {
		return outcome{
			completed: true,
			output: map[string]any{
				"from":     m.Sender,
				"body":     m.Body,
				"mediaRef": m.MediaRef,
				"data":     m.Data,
			},
			value: m.Body,
		}
	})
}

func (f *FlowEngine) ResumeScanResult(ctx context.Context, r model.ScanResult) (*model.ResumeResult, error) {
	ctx, span := trace.StartSpan(ctx, "engine.ResumeScanResult")
	defer span.End()
	var triggers []model.PendingTrigger
	var err error
	switch {
	case r.ScanRef != "":
		triggers, err = f.storage.FindTriggers(ctx, model.TRIGGER_SCAN_RESULT, r.ScanRef)
		triggers = ofExecution(triggers, r.ExecutionId)
	case r.ExecutionId != "":
		triggers, err = f.executionTriggers(ctx, r.ExecutionId, model.TRIGGER_SCAN_RESULT)
	default:
		return nil, fmt.Errorf("%w: executionId or scanRef is required", ErrInvalidInput)
	}
	if err != nil {
		return nil, err
	}
	return f.resume(ctx, model.TRIGGER_SCAN_RESULT, r.ExecutionId, triggers, func(*metadata.Compiled, *flow.Node, *model.StepExecution) outcome {
		output := map[string]any{"payload": r.Payload}
		if r.Failed {
			reason := r.Error
			if reason == "" {
				reason = "scan failed"
			}
			return outcome{output: output, reason: reason}
		}
		return outcome{completed: true, output: output, value: r.Payload}
	})
}

func (f *FlowEngine) ResumeMessageAck(ctx context.Context, a model.MessageAck) (*model.ResumeResult, error) {
	ctx, span := trace.StartSpan(ctx, "engine.ResumeMessageAck")
	defer span.End()
	if a.MessageRef == "" {
		return nil, fmt.Errorf("%w: messageRef is required", ErrInvalidInput)
	}
	triggers, err := f.storage.FindTriggers(ctx, model.TRIGGER_MESSAGE_ACK, a.MessageRef)
	if err != nil {
		return nil, err
	}
	triggers = ofExecution(triggers, a.ExecutionId)
	return f.resume(ctx, model.TRIGGER_MESSAGE_ACK, a.ExecutionId, triggers, func(*metadata.Compiled, *flow.Node, *model.StepExecution) outcome {
		output := map[string]any{"messageRef": a.MessageRef, "status": a.Status}
		if a.Failed() {
			reason := a.Error
			if reason == "" {
				reason = "message delivery " + a.Status
			}
			return outcome{output: output, reason: reason}
		}
		return outcome{completed: true, output: output}
	})
}

// ExpireTrigger resolves a wait whose deadline passed. The step follows its
// timeout edge when it has one and fails otherwise.
func (f *FlowEngine) ExpireTrigger(ctx context.Context, trigger model.PendingTrigger) (*model.ResumeResult, error) {
	ctx, span := trace.StartSpan(ctx, "engine.ExpireTrigger")
	defer span.End()
	res, err := f.resumeTrigger(ctx, trigger, func(compiled *metadata.Compiled, node *flow.Node, step *model.StepExecution) outcome {
		if node != nil && compiled.Flow.HasHandle(node.Id, flow.EVENT_TIMEOUT) {
			return outcome{completed: true, event: flow.EVENT_TIMEOUT, output: map[string]any{"timedOut": true}}
		}
		return outcome{output: map[string]any{"timedOut": true}, reason: "wait timed out"}
	})
	if err == nil {
		metrics.RecordResumption(ctx, "timeout", res.Resumed)
	}
	return res, err
}

func (f *FlowEngine) resume(ctx context.Context, kind model.TriggerKind, executionId string, triggers []model.PendingTrigger, complete completion) (*model.ResumeResult, error) {
	if len(triggers) == 0 {
		logger.Info("no pending trigger matched", zap.String("kind", string(kind)), zap.String("execution", executionId))
		metrics.RecordResumption(ctx, string(kind), false)
		res := &model.ResumeResult{ExecutionId: executionId}
		if executionId != "" {
			if exec, err := f.storage.GetExecution(ctx, executionId); err == nil {
				res.State = exec.State
			}
		}
		return res, nil
	}
	if len(triggers) > 1 {
		logger.Debug("several triggers matched, resuming the oldest", zap.String("kind", string(kind)), zap.Int("count", len(triggers)))
	}
	res, err := f.resumeTrigger(ctx, triggers[0], complete)
	if err == nil {
		metrics.RecordResumption(ctx, string(kind), res.Resumed)
	}
	return res, err
}

// resumeTrigger settles the step behind trigger and continues the execution.
// A trigger whose step or execution has moved on is a no-op.
func (f *FlowEngine) resumeTrigger(ctx context.Context, trigger model.PendingTrigger, complete completion) (*model.ResumeResult, error) {
	unlock := f.locks.Lock(trigger.ExecutionId)
	defer unlock()
	result := &model.ResumeResult{ExecutionId: trigger.ExecutionId, StepId: trigger.StepId}

	exec, err := f.storage.GetExecution(ctx, trigger.ExecutionId)
	if errors.Is(err, persistence.ErrNotFound) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.State = exec.State
	if exec.IsFinished() {
		logger.Info("trigger for finished execution ignored", zap.String("execution", exec.Id), zap.String("trigger", trigger.Id))
		return result, nil
	}
	step, err := f.storage.GetStep(ctx, exec.Id, trigger.StepId)
	if errors.Is(err, persistence.ErrNotFound) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	if !step.IsSuspended() {
		logger.Info("trigger for settled step ignored", zap.String("execution", exec.Id), zap.String("step", step.Id))
		return result, nil
	}
	compiled, err := f.compiled(ctx, exec.DefinitionId)
	if err != nil {
		return nil, err
	}
	node := compiled.Flow.Node(step.NodeId)
	out := complete(compiled, node, step)

	sess, err := f.storage.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	sess.ClaimTrigger(trigger)
	if out.completed && out.value != nil && node != nil {
		if name, _ := node.Data["variable"].(string); name != "" {
			if _, err := f.variables.SetInSession(ctx, sess, exec, name, out.value, model.SOURCE_TRIGGER, trigger.Id); err != nil {
				out = outcome{output: out.output, reason: err.Error()}
			}
		}
	}
	if out.completed {
		step.MarkCompleted(out.event, out.output)
	} else {
		step.MarkFailed(out.reason, out.output)
	}
	sess.SaveStep(step)
	f.merge(exec, step)
	exec.CurrentStepId = step.Id
	paused := exec.State == model.EXECUTION_PAUSED
	if !paused {
		exec.State = model.EXECUTION_RUNNING
	}
	exec.UpdatedAt = time.Now().UTC()
	sess.SaveExecution(exec)
	if err := sess.Commit(ctx); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			logger.Info("trigger already claimed", zap.String("execution", exec.Id), zap.String("trigger", trigger.Id))
			return result, nil
		}
		return nil, err
	}
	latency := time.Duration(0)
	if step.StartedAt != nil {
		latency = time.Since(*step.StartedAt)
	}
	f.recordStep(ctx, exec, step, latency)
	logger.Info("execution resumed", zap.String("execution", exec.Id), zap.String("step", step.Id), zap.String("kind", string(trigger.Kind)))

	result.Resumed = true
	result.State = exec.State
	if paused {
		return result, nil
	}
	driveCtx, done := f.detach(ctx, exec.Id)
	defer done()
	exec, err = f.drive(driveCtx, compiled, exec)
	if err != nil {
		return nil, err
	}
	result.State = exec.State
	return result, nil
}

func (f *FlowEngine) executionTriggers(ctx context.Context, executionId string, kind model.TriggerKind) ([]model.PendingTrigger, error) {
	all, err := f.storage.ListTriggers(ctx, executionId)
	if err != nil {
		return nil, err
	}
	var out []model.PendingTrigger
	for _, t := range all {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	persistence.SortTriggers(out)
	return out, nil
}

func ofExecution(triggers []model.PendingTrigger, executionId string) []model.PendingTrigger {
	if executionId == "" {
		return triggers
	}
	var out []model.PendingTrigger
	for _, t := range triggers {
		if t.ExecutionId == executionId {
			out = append(out, t)
		}
	}
	return out
}
