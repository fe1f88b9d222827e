package flow

import (
	"strings"

	"github.com/mohitkumar/chatflow/logger"
	"go.uber.org/zap"
)

const (
	EVENT_DEFAULT  = "default"
	EVENT_TIMEOUT  = "timeout"
	EVENT_APPROVED = "approved"
	EVENT_REJECTED = "rejected"
)

// NodeRef identifies a node the way a step record does. Type is only used
// when the id no longer resolves.
type NodeRef struct {
	Id   string
	Type NodeType
}

// Next is a navigation result. Implicit marks the synthesized transition to
// the terminal node of a branch that had nowhere to go.
type Next struct {
	Node     *Node
	Implicit bool
}

// NextNodes returns the successors of ref for the completion event. More
// than one result means parallel fan-out. A non-terminal node without a
// matching edge falls back to the first terminal node not yet visited.
func (f *Flow) NextNodes(ref NodeRef, event string, visited func(id string) bool) []Next {
	node := f.Node(ref.Id)
	if node == nil && ref.Type != "" && ref.Type != NODE_UNKNOWN {
		node = f.FirstOfType(ref.Type)
		if node != nil {
			logger.Warn("node resolved by type", zap.String("flow", f.Id), zap.String("node", ref.Id), zap.String("resolved", node.Id))
		}
	}
	var result []Next
	if node != nil {
		seen := make(map[string]struct{})
		for _, e := range matchEdges(f.Outgoing(node.Id), event) {
			if _, ok := seen[e.Target]; ok {
				continue
			}
			seen[e.Target] = struct{}{}
			if tgt := f.Node(e.Target); tgt != nil {
				result = append(result, Next{Node: tgt})
			}
		}
		if len(result) > 0 || node.Type.IsTerminal() {
			return result
		}
	}
	for _, t := range f.Terminals {
		if visited != nil && visited(t.Id) {
			continue
		}
		logger.Info("no outgoing transition, falling back to terminal", zap.String("flow", f.Id), zap.String("node", ref.Id), zap.String("terminal", t.Id))
		return []Next{{Node: t, Implicit: true}}
	}
	return nil
}

// matchEdges filters edges by completion event. An event selects edges with
// the same handle, then "default" edges, then unconditional ones. A plain
// completion follows unconditional edges, or every labeled edge except the
// timeout edge when the editor labeled all of them.
func matchEdges(edges []Edge, event string) []Edge {
	event = strings.TrimSpace(event)
	if event != "" {
		if exact := edgesWithHandle(edges, event); len(exact) > 0 {
			return exact
		}
		if strings.EqualFold(event, EVENT_TIMEOUT) {
			return nil
		}
		if def := edgesWithHandle(edges, EVENT_DEFAULT); len(def) > 0 {
			return def
		}
	}
	unlabeled := edgesWithHandle(edges, "")
	if len(unlabeled) > 0 || event != "" {
		return unlabeled
	}
	var out []Edge
	for _, e := range edges {
		if !strings.EqualFold(e.Handle, EVENT_TIMEOUT) {
			out = append(out, e)
		}
	}
	return out
}

func edgesWithHandle(edges []Edge, handle string) []Edge {
	var out []Edge
	for _, e := range edges {
		if strings.EqualFold(e.Handle, handle) {
			out = append(out, e)
		}
	}
	return out
}

// Blocked reports whether a join candidate must wait: some active node other
// than the candidate is, or can still reach, one of its predecessors.
func (f *Flow) Blocked(candidate string, active []string) bool {
	for _, a := range active {
		if a == candidate {
			continue
		}
		for _, p := range f.Predecessors(candidate) {
			if a == p || f.CanReach(a, p) {
				return true
			}
		}
	}
	return false
}
