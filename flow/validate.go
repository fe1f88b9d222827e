package flow

import (
	"fmt"
	"strings"

	"github.com/mohitkumar/chatflow/model"
)

// ValidationError lists every problem found in a definition.
type ValidationError struct {
	Problems []string
	cause    error
}

func (e ValidationError) Unwrap() error {
	return e.cause
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid workflow: %s", strings.Join(e.Problems, "; "))
}

// Validate is the authoring-time check. Cycles, empty or duplicate ids, bad
// node data and unknown state handlers are rejected. Unknown node types and
// dangling edges are left to the runtime and reported by Warnings.
func Validate(def *model.WorkflowDefinition) error {
	var problems []string
	if strings.TrimSpace(def.Id) == "" {
		problems = append(problems, "definition id can not be empty")
	}
	if err := ValidateStateHandler(def.OnSuccess); err != nil {
		problems = append(problems, err.Error())
	}
	if err := ValidateStateHandler(def.OnFailure); err != nil {
		problems = append(problems, err.Error())
	}
	ids := make(map[string]struct{}, len(def.Nodes))
	for _, n := range def.Nodes {
		if strings.TrimSpace(n.Id) == "" {
			problems = append(problems, "node id can not be empty")
			continue
		}
		if _, ok := ids[n.Id]; ok {
			problems = append(problems, fmt.Sprintf("node id %s is duplicate", n.Id))
		}
		ids[n.Id] = struct{}{}
		if _, err := n.DataMap(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	var cause error
	if len(problems) == 0 {
		if _, err := Parse(def); err != nil {
			cause = err
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return ValidationError{Problems: problems, cause: cause}
	}
	return nil
}

// Warnings lists the problems a definition can run with: nodes of an unknown
// type fail their step and dangling edges fall back to a terminal.
func Warnings(def *model.WorkflowDefinition) []string {
	var warnings []string
	ids := make(map[string]struct{}, len(def.Nodes))
	for _, n := range def.Nodes {
		ids[n.Id] = struct{}{}
		if ParseNodeType(n.Type) == NODE_UNKNOWN {
			warnings = append(warnings, fmt.Sprintf("node %s has unsupported type %q", n.Id, n.Type))
		}
	}
	for _, e := range def.Edges {
		if _, ok := ids[e.Source]; !ok {
			warnings = append(warnings, fmt.Sprintf("edge %s -> %s: source node not defined", e.Source, e.Target))
		}
		if _, ok := ids[e.Target]; !ok {
			warnings = append(warnings, fmt.Sprintf("edge %s -> %s: target node not defined", e.Source, e.Target))
		}
	}
	return warnings
}
