package flow

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/mohitkumar/chatflow/model"
)

var (
	ErrEmptyGraph   = errors.New("workflow has no nodes")
	ErrNoEntryNode  = errors.New("workflow has no entry node")
	ErrCyclicGraph  = errors.New("workflow graph contains a cycle")
	ErrDuplicateIds = errors.New("workflow has duplicate node ids")
)

type Statehandler string

const DELETE Statehandler = "DELETE"
const NOOP Statehandler = "NOOP"

func ValidateStateHandler(handler string) error {
	if len(handler) == 0 {
		return nil
	}
	switch Statehandler(strings.ToUpper(handler)) {
	case DELETE, NOOP:
		return nil
	}
	return fmt.Errorf("invalid state handler %s, valid values are DELETE and NOOP", handler)
}

type Node struct {
	Id      string
	Type    NodeType
	RawType string
	Index   int
	Data    map[string]any
	dataErr error
}

// DataErr is the decode error of the node payload, if any. It fails the
// step that dispatches the node.
func (n *Node) DataErr() error {
	return n.dataErr
}

type Edge struct {
	Source string
	Target string
	Handle string
}

// Flow is the parsed, immutable form of a definition version.
type Flow struct {
	Id             string
	Name           string
	Version        int64
	Nodes          []*Node
	Entry          *Node
	Terminals      []*Node
	Dangling       []model.EdgeDef
	Variables      []model.VariableDefinition
	SuccessHandler Statehandler
	FailureHandler Statehandler

	nodes       map[string]*Node
	outgoing    map[string][]Edge
	incoming    map[string][]string
	descendants map[string]map[string]struct{}
}

// Parse builds the adjacency of a definition. Dangling edges are dropped and
// kept in Dangling; unknown node types parse as NODE_UNKNOWN. Cycles fail.
func Parse(def *model.WorkflowDefinition) (*Flow, error) {
	if len(def.Nodes) == 0 {
		return nil, ErrEmptyGraph
	}
	f := &Flow{
		Id:             def.Id,
		Name:           def.Name,
		Version:        def.Version(),
		Variables:      def.Variables,
		SuccessHandler: stateHandler(def.OnSuccess),
		FailureHandler: stateHandler(def.OnFailure),
		nodes:          make(map[string]*Node, len(def.Nodes)),
		outgoing:       make(map[string][]Edge),
		incoming:       make(map[string][]string),
	}
	for i := range def.Nodes {
		nd := &def.Nodes[i]
		if _, ok := f.nodes[nd.Id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIds, nd.Id)
		}
		data, err := nd.DataMap()
		if data == nil {
			data = make(map[string]any)
		}
		n := &Node{
			Id:      nd.Id,
			Type:    ParseNodeType(nd.Type),
			RawType: nd.Type,
			Index:   i,
			Data:    data,
			dataErr: err,
		}
		f.nodes[n.Id] = n
		f.Nodes = append(f.Nodes, n)
		if n.Type.IsTerminal() {
			f.Terminals = append(f.Terminals, n)
		}
	}
	seen := make(map[string]struct{})
	for _, ed := range def.Edges {
		_, srcOk := f.nodes[ed.Source]
		_, tgtOk := f.nodes[ed.Target]
		if !srcOk || !tgtOk {
			f.Dangling = append(f.Dangling, ed)
			continue
		}
		handle := ed.Handle()
		key := ed.Source + "\x00" + ed.Target + "\x00" + strings.ToLower(handle)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		f.outgoing[ed.Source] = append(f.outgoing[ed.Source], Edge{Source: ed.Source, Target: ed.Target, Handle: handle})
		if !slices.Contains(f.incoming[ed.Target], ed.Source) {
			f.incoming[ed.Target] = append(f.incoming[ed.Target], ed.Source)
		}
	}
	order, err := f.topologicalOrder()
	if err != nil {
		return nil, err
	}
	f.computeDescendants(order)
	f.Entry = f.findEntry()
	if f.Entry == nil {
		return nil, ErrNoEntryNode
	}
	return f, nil
}

func stateHandler(name string) Statehandler {
	if len(name) == 0 {
		return NOOP
	}
	return Statehandler(strings.ToUpper(name))
}

// topologicalOrder runs Kahn's algorithm over the in-degree map.
func (f *Flow) topologicalOrder() ([]string, error) {
	// parallel edges with different handles count once
	inDegree := make(map[string]int, len(f.Nodes))
	for _, n := range f.Nodes {
		inDegree[n.Id] = len(f.incoming[n.Id])
	}
	queue := make([]string, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		if inDegree[n.Id] == 0 {
			queue = append(queue, n.Id)
		}
	}
	order := make([]string, 0, len(f.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, tgt := range f.successors(id) {
			inDegree[tgt]--
			if inDegree[tgt] == 0 {
				queue = append(queue, tgt)
			}
		}
	}
	if len(order) != len(f.Nodes) {
		var cyclic []string
		for id, d := range inDegree {
			if d > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, fmt.Errorf("%w: nodes %s", ErrCyclicGraph, strings.Join(cyclic, ", "))
	}
	return order, nil
}

func (f *Flow) computeDescendants(order []string) {
	f.descendants = make(map[string]map[string]struct{}, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		desc := make(map[string]struct{})
		for _, tgt := range f.successors(id) {
			desc[tgt] = struct{}{}
			for d := range f.descendants[tgt] {
				desc[d] = struct{}{}
			}
		}
		f.descendants[id] = desc
	}
}

func (f *Flow) findEntry() *Node {
	for _, n := range f.Nodes {
		if n.Type == NODE_START {
			return n
		}
	}
	for _, n := range f.Nodes {
		if len(f.incoming[n.Id]) == 0 {
			return n
		}
	}
	return nil
}

func (f *Flow) successors(id string) []string {
	var out []string
	for _, e := range f.outgoing[id] {
		if !slices.Contains(out, e.Target) {
			out = append(out, e.Target)
		}
	}
	return out
}

func (f *Flow) Node(id string) *Node {
	return f.nodes[id]
}

// FirstOfType is the lookup used for legacy step records that only carry
// the node type.
func (f *Flow) FirstOfType(t NodeType) *Node {
	for _, n := range f.Nodes {
		if n.Type == t {
			return n
		}
	}
	return nil
}

func (f *Flow) Outgoing(id string) []Edge {
	return f.outgoing[id]
}

func (f *Flow) Predecessors(id string) []string {
	return f.incoming[id]
}

// CanReach reports whether to is a strict descendant of from.
func (f *Flow) CanReach(from string, to string) bool {
	_, ok := f.descendants[from][to]
	return ok
}

func (f *Flow) HasHandle(id string, handle string) bool {
	for _, e := range f.outgoing[id] {
		if strings.EqualFold(e.Handle, handle) {
			return true
		}
	}
	return false
}

func (f *Flow) Terminal() *Node {
	if len(f.Terminals) == 0 {
		return nil
	}
	return f.Terminals[0]
}
