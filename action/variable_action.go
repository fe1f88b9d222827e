package action

import (
	"context"

	"github.com/mohitkumar/chatflow/flow"
	"github.com/mohitkumar/chatflow/util"
)

var _ Action = new(setVariableAction)

// setVariableAction resolves each entry of data.variables against the
// execution data. The values are written through the variable store by the
// caller, which may still reject them.
type setVariableAction struct{}

func (a *setVariableAction) Type() flow.NodeType {
	return flow.NODE_SET_VARIABLE
}

func (a *setVariableAction) Execute(ctx context.Context, ectx *ExecutionContext) *Result {
	vars := variablesOf(ectx.Node.Data)
	if len(vars) == 0 {
		return failed("set-variable node %s: variables can not be empty", ectx.Node.Id)
	}
	resolved := util.ResolveParams(ectx.Data(), vars)
	output := make(map[string]any, len(resolved))
	for k, v := range resolved {
		output[k] = v
	}
	res := completed("", output)
	res.Variables = resolved
	return res
}

// variablesOf accepts {"variables": {...}}, a single {"name", "value"} pair
// or a list of such pairs.
func variablesOf(data map[string]any) map[string]any {
	switch v := data["variables"].(type) {
	case map[string]any:
		return v
	case []any:
		out := make(map[string]any)
		for _, item := range v {
			if pair, ok := item.(map[string]any); ok {
				if name, ok := pair["name"].(string); ok && name != "" {
					out[name] = pair["value"]
				}
			}
		}
		return out
	}
	if name, ok := data["name"].(string); ok && name != "" {
		return map[string]any{name: data["value"]}
	}
	return nil
}
