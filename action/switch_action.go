package action

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/mohitkumar/chatflow/flow"
	"github.com/mohitkumar/chatflow/logger"
	"github.com/mohitkumar/chatflow/util"
	"github.com/oliveagle/jsonpath"
	"go.uber.org/zap"
)

var errExpression = errors.New("expression should be a valid jsonpath enclosed in {}")

var _ Action = new(switchAction)

// switchAction evaluates a {$.path} expression and completes with its value
// as the event, so the matching labeled edge is taken.
type switchAction struct{}

func (a *switchAction) Type() flow.NodeType {
	return flow.NODE_BRANCH
}

// ValidateExpression checks that expression is a jsonpath enclosed in {}.
func ValidateExpression(expression string) error {
	expression = strings.TrimSpace(expression)
	if !strings.HasPrefix(expression, "{") || !strings.HasSuffix(expression, "}") {
		return errExpression
	}
	if _, err := jsonpath.Compile(expression[1 : len(expression)-1]); err != nil {
		return errExpression
	}
	return nil
}

func (a *switchAction) Execute(ctx context.Context, ectx *ExecutionContext) *Result {
	expression, _ := ectx.Node.Data["expression"].(string)
	if expression == "" {
		expression, _ = ectx.Node.Data["condition"].(string)
	}
	if expression == "" {
		return failed("branch node %s: expression can not be empty", ectx.Node.Id)
	}
	if err := ValidateExpression(expression); err != nil {
		return failed("branch node %s: %s", ectx.Node.Id, err)
	}
	value, err := util.Lookup(ectx.Data(), expression)
	event := flow.EVENT_DEFAULT
	if err != nil {
		logger.Debug("branch expression did not resolve", zap.String("node", ectx.Node.Id), zap.String("expression", expression), zap.Error(err))
	} else if e := eventOf(value); e != "" {
		event = e
	}
	return completed(event, map[string]any{
		"expression": expression,
		"value":      value,
		"event":      event,
	})
}

func eventOf(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(b)
}
