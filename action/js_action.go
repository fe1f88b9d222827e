package action

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/dop251/goja"
	"github.com/mohitkumar/chatflow/flow"
)

var _ Action = new(jsAction)

// jsAction runs a script with $ bound to the execution data. Changes the
// script makes to $.variables are written back, and a string assigned to
// $.event becomes the completion event.
type jsAction struct {
	timeout time.Duration
}

func NewJsAction(timeout time.Duration) *jsAction {
	return &jsAction{timeout: timeout}
}

func (a *jsAction) Type() flow.NodeType {
	return flow.NODE_SCRIPT
}

func (a *jsAction) Execute(ctx context.Context, ectx *ExecutionContext) *Result {
	script, _ := ectx.Node.Data["script"].(string)
	if script == "" {
		script, _ = ectx.Node.Data["code"].(string)
	}
	if script == "" {
		return failed("script node %s: script can not be empty", ectx.Node.Id)
	}
	data, err := json.Marshal(ectx.Data())
	if err != nil {
		return failed("script node %s: %s", ectx.Node.Id, err)
	}
	var before map[string]any
	json.Unmarshal(data, &before)

	vm := goja.New()
	timer := time.AfterFunc(a.timeout, func() {
		vm.Interrupt("script timed out")
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt("execution cancelled")
	})
	defer stop()

	if _, err := vm.RunString(fmt.Sprintf("var $ = %s;", data)); err != nil {
		return failed("script node %s: %s", ectx.Node.Id, err)
	}
	last, err := vm.RunString(script)
	if err != nil {
		return failed("script node %s: error executing javascript %s", ectx.Node.Id, err)
	}
	after, err := export(vm.Get("$"))
	if err != nil {
		return failed("script node %s: %s", ectx.Node.Id, err)
	}
	output := map[string]any{}
	if last != nil && !goja.IsUndefined(last) && !goja.IsNull(last) {
		if v, err := exportValue(last); err == nil {
			output["result"] = v
		}
	}
	res := completed("", output)
	if event, ok := after["event"].(string); ok {
		res.Event = event
	}
	res.Variables = changedVariables(before, after)
	if len(res.Variables) > 0 {
		output["variables"] = res.Variables
	}
	return res
}

func export(v goja.Value) (map[string]any, error) {
	exported, err := exportValue(v)
	if err != nil {
		return nil, err
	}
	m, ok := exported.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("$ was replaced by a non object")
	}
	return m, nil
}

// exportValue normalizes a script value through JSON so outputs carry plain
// maps, slices, strings, float64 and bool.
func exportValue(v goja.Value) (any, error) {
	b, err := json.Marshal(v.Export())
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func changedVariables(before map[string]any, after map[string]any) map[string]any {
	old, _ := before["variables"].(map[string]any)
	current, _ := after["variables"].(map[string]any)
	changed := make(map[string]any)
	for k, v := range current {
		if prev, ok := old[k]; !ok || !reflect.DeepEqual(prev, v) {
			changed[k] = v
		}
	}
	return changed
}
