package action

import (
	"context"

	"github.com/mohitkumar/chatflow/flow"
)

var _ Action = new(startAction)

type startAction struct{}

func (a *startAction) Type() flow.NodeType {
	return flow.NODE_START
}

func (a *startAction) Execute(ctx context.Context, ectx *ExecutionContext) *Result {
	output := make(map[string]any, len(ectx.Input))
	for k, v := range ectx.Input {
		output[k] = v
	}
	return completed("", output)
}

var _ Action = new(terminalAction)

type terminalAction struct{}

func (a *terminalAction) Type() flow.NodeType {
	return flow.NODE_TERMINAL
}

func (a *terminalAction) Execute(ctx context.Context, ectx *ExecutionContext) *Result {
	return completed("", TerminalOutput())
}

// TerminalOutput is the fixed payload of every terminal step.
func TerminalOutput() map[string]any {
	return map[string]any{"status": "completed"}
}
