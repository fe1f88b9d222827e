package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mohitkumar/chatflow/flow"
	"github.com/mohitkumar/chatflow/logger"
	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/util"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

type Status string

const (
	STATUS_COMPLETED Status = "COMPLETED"
	STATUS_WAITING   Status = "WAITING"
	STATUS_FAILED    Status = "FAILED"
)

// WaitSpec describes the trigger a suspended step waits for.
type WaitSpec struct {
	Kind           model.TriggerKind
	CorrelationKey string
	// zero means the wait never expires
	Timeout time.Duration
}

type Result struct {
	Status Status
	Output map[string]any
	// completion event used to pick the outgoing edges
	Event string
	Wait  *WaitSpec
	// variable writes requested by the step, validated by the caller
	Variables map[string]any
	Error     string
}

func completed(event string, output map[string]any) *Result {
	return &Result{Status: STATUS_COMPLETED, Event: event, Output: output}
}

func waiting(output map[string]any, wait *WaitSpec) *Result {
	return &Result{Status: STATUS_WAITING, Output: output, Wait: wait}
}

func failed(format string, args ...any) *Result {
	msg := fmt.Sprintf(format, args...)
	return &Result{Status: STATUS_FAILED, Error: msg, Output: map[string]any{"error": msg}}
}

// ExecutionContext is what a step sees of its execution.
type ExecutionContext struct {
	ExecutionId  string
	DefinitionId string
	Node         *flow.Node
	Step         *model.StepExecution
	Input        map[string]any
	Variables    map[string]any
	// outputs of completed steps keyed by node id
	Outputs map[string]map[string]any
}

// Data is the document expressions and scripts are evaluated against.
func (c *ExecutionContext) Data() map[string]any {
	steps := make(map[string]any, len(c.Outputs))
	for id, out := range c.Outputs {
		steps[id] = map[string]any(out)
	}
	input := c.Input
	if input == nil {
		input = make(map[string]any)
	}
	variables := c.Variables
	if variables == nil {
		variables = make(map[string]any)
	}
	return map[string]any{
		"execution": map[string]any{
			"id":           c.ExecutionId,
			"definitionId": c.DefinitionId,
		},
		"input":     input,
		"variables": variables,
		"steps":     steps,
	}
}

// Action executes one node type.
type Action interface {
	Type() flow.NodeType
	Execute(ctx context.Context, ectx *ExecutionContext) *Result
}

// MessageSender delivers an outbound chat message and returns its reference.
type MessageSender interface {
	Send(ctx context.Context, recipient string, body string) (string, error)
}

// FormService creates a form instance awaiting a human decision.
type FormService interface {
	CreateInstance(ctx context.Context, formRef string, data map[string]any) (string, error)
}

type Options struct {
	// applied to waits whose node sets no timeoutSeconds; zero disables
	DefaultWaitTimeout time.Duration
	ScriptTimeout      time.Duration
}

type Dispatcher struct {
	actions            map[flow.NodeType]Action
	defaultWaitTimeout time.Duration
}

func NewDispatcher(sender MessageSender, forms FormService, opts Options) *Dispatcher {
	scriptTimeout := opts.ScriptTimeout
	if scriptTimeout <= 0 {
		scriptTimeout = 5 * time.Second
	}
	d := &Dispatcher{
		actions:            make(map[flow.NodeType]Action),
		defaultWaitTimeout: opts.DefaultWaitTimeout,
	}
	d.Register(new(startAction))
	d.Register(new(terminalAction))
	d.Register(NewSendMessageAction(sender))
	d.Register(NewSendFormAction(forms))
	d.Register(new(waitReplyAction))
	d.Register(NewWaitApprovalAction(forms))
	d.Register(new(waitScanAction))
	d.Register(new(switchAction))
	d.Register(new(setVariableAction))
	d.Register(NewJsAction(scriptTimeout))
	return d
}

// Register replaces the action of a node type.
func (d *Dispatcher) Register(a Action) {
	d.actions[a.Type()] = a
}

// Execute runs the node of ectx. Failures are reported in the result, never
// as a panic or an error.
func (d *Dispatcher) Execute(ctx context.Context, ectx *ExecutionContext) (res *Result) {
	node := ectx.Node
	defer func() {
		if r := recover(); r != nil {
			logger.Error("action panicked", zap.String("execution", ectx.ExecutionId), zap.String("node", node.Id), zap.Any("panic", r))
			res = failed("node %s: %v", node.Id, r)
		}
	}()
	if err := node.DataErr(); err != nil {
		return failed("node %s: invalid data: %s", node.Id, err)
	}
	a, ok := d.actions[node.Type]
	if !ok {
		name := node.RawType
		if name == "" {
			name = string(node.Type)
		}
		return failed("unsupported node type %s", name)
	}
	logger.Debug("running action", zap.String("execution", ectx.ExecutionId), zap.String("node", node.Id), zap.String("type", string(node.Type)))
	res = a.Execute(ctx, ectx)
	if res.Output == nil {
		res.Output = make(map[string]any)
	}
	if res.Status == STATUS_WAITING && res.Wait != nil && res.Wait.Timeout == 0 {
		res.Wait.Timeout = d.waitTimeout(node)
	}
	return res
}

func (d *Dispatcher) waitTimeout(node *flow.Node) time.Duration {
	if raw, ok := node.Data["timeoutSeconds"]; ok {
		if secs, err := cast.ToFloat64E(raw); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return d.defaultWaitTimeout
}

// field returns the first non-empty of keys in the node data with its
// {$.path} tokens resolved.
func field(ectx *ExecutionContext, data map[string]any, keys ...string) string {
	for _, k := range keys {
		raw, ok := ectx.Node.Data[k]
		if !ok || raw == nil {
			continue
		}
		s, err := cast.ToStringE(raw)
		if err != nil {
			continue
		}
		if v := strings.TrimSpace(util.ResolveText(data, s)); v != "" {
			return v
		}
	}
	return ""
}

func flag(ectx *ExecutionContext, key string) bool {
	return cast.ToBool(ectx.Node.Data[key])
}
