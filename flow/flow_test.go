package flow

import (
	"encoding/json"
	"testing"

	"github.com/mohitkumar/chatflow/model"
	"github.com/stretchr/testify/require"
)

func definition(t *testing.T, doc string) *model.WorkflowDefinition {
	t.Helper()
	var def model.WorkflowDefinition
	require.NoError(t, json.Unmarshal([]byte(doc), &def))
	if def.Id == "" {
		def.Id = "def-1"
	}
	return &def
}

func TestParseNodeType(t *testing.T) {
	for in, want := range map[string]NodeType{
		"send-message":   NODE_SEND_MESSAGE,
		"send_message":   NODE_SEND_MESSAGE,
		"sendMessage":    NODE_SEND_MESSAGE,
		"WAIT_FOR_REPLY": NODE_WAIT_REPLY,
		"end":            NODE_TERMINAL,
		"javascript":     NODE_SCRIPT,
		"qr-scan":        NODE_WAIT_SCAN,
		"teleport":       NODE_UNKNOWN,
		"":               NODE_UNKNOWN,
	} {
		require.Equal(t, want, ParseNodeType(in), in)
	}
}

func TestParse(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"linear graph":             testParseLinear,
		"numeric ids and extras":   testParseNumericIds,
		"dangling edges tolerated": testParseDangling,
		"cycle rejected":           testParseCycle,
		"self loop rejected":       testParseSelfLoop,
		"empty graph":              testParseEmpty,
		"duplicate node ids":       testParseDuplicate,
		"start node is entry":      testParseStartEntry,
		"bad node data":            testParseBadData,
	} {
		t.Run(scenario, fn)
	}
}

func testParseLinear(t *testing.T) {
	fl, err := Parse(definition(t, `{
		"nodes": [
			{"id": "a", "type": "send-message", "data": {"recipient": "1", "message": "hi"}},
			{"id": "b", "type": "wait-reply"},
			{"id": "c", "type": "terminal"}
		],
		"edges": [{"source": "a", "target": "b"}, {"source": "b", "target": "c"}]
	}`))
	require.NoError(t, err)
	require.Equal(t, "a", fl.Entry.Id)
	require.Equal(t, "c", fl.Terminal().Id)
	require.Equal(t, NODE_WAIT_REPLY, fl.Node("b").Type)
	require.Equal(t, "hi", fl.Node("a").Data["message"])
	require.True(t, fl.CanReach("a", "c"))
	require.False(t, fl.CanReach("c", "a"))
	require.Equal(t, []string{"b"}, fl.Predecessors("c"))
	require.Equal(t, NOOP, fl.SuccessHandler)
}

func testParseNumericIds(t *testing.T) {
	fl, err := Parse(definition(t, `{
		"nodes": [
			{"id": 1, "type": "start", "position": {"x": 1, "y": 2}},
			{"id": 2, "type": "end"}
		],
		"edges": [{"id": "e1", "source": 1, "target": 2, "animated": true}]
	}`))
	require.NoError(t, err)
	require.Equal(t, "1", fl.Entry.Id)
	require.Len(t, fl.Outgoing("1"), 1)
	require.Equal(t, "2", fl.Outgoing("1")[0].Target)
}

func testParseDangling(t *testing.T) {
	fl, err := Parse(definition(t, `{
		"nodes": [{"id": "a", "type": "start"}, {"id": "b", "type": "terminal"}],
		"edges": [{"source": "a", "target": "b"}, {"source": "a", "target": "ghost"}]
	}`))
	require.NoError(t, err)
	require.Len(t, fl.Dangling, 1)
	require.Len(t, fl.Outgoing("a"), 1)
}

func testParseCycle(t *testing.T) {
	_, err := Parse(definition(t, `{
		"nodes": [{"id": "a", "type": "start"}, {"id": "b", "type": "send-message"}, {"id": "c", "type": "branch"}],
		"edges": [{"source": "a", "target": "b"}, {"source": "b", "target": "c"}, {"source": "c", "target": "b"}]
	}`))
	require.ErrorIs(t, err, ErrCyclicGraph)
	require.Contains(t, err.Error(), "b, c")
}

func testParseSelfLoop(t *testing.T) {
	_, err := Parse(definition(t, `{
		"nodes": [{"id": "a", "type": "start"}, {"id": "b", "type": "send-message"}],
		"edges": [{"source": "a", "target": "b"}, {"source": "b", "target": "b"}]
	}`))
	require.ErrorIs(t, err, ErrCyclicGraph)
}

func testParseEmpty(t *testing.T) {
	_, err := Parse(definition(t, `{"nodes": [], "edges": []}`))
	require.ErrorIs(t, err, ErrEmptyGraph)
}

func testParseDuplicate(t *testing.T) {
	_, err := Parse(definition(t, `{"nodes": [{"id": "a", "type": "start"}, {"id": "a", "type": "end"}]}`))
	require.ErrorIs(t, err, ErrDuplicateIds)
}

func testParseStartEntry(t *testing.T) {
	fl, err := Parse(definition(t, `{
		"nodes": [{"id": "orphan", "type": "send-message"}, {"id": "s", "type": "start"}, {"id": "t", "type": "end"}],
		"edges": [{"source": "s", "target": "t"}]
	}`))
	require.NoError(t, err)
	require.Equal(t, "s", fl.Entry.Id)
}

func testParseBadData(t *testing.T) {
	fl, err := Parse(definition(t, `{"nodes": [{"id": "a", "type": "send-message", "data": "oops"}]}`))
	require.NoError(t, err)
	require.Error(t, fl.Node("a").DataErr())
}

func TestValidate(t *testing.T) {
	err := Validate(definition(t, `{
		"onSuccess": "ARCHIVE",
		"nodes": [{"id": "a", "type": "start"}, {"id": "b", "type": "teleport"}],
		"edges": [{"source": "a", "target": "b"}, {"source": "b", "target": "zz"}]
	}`))
	require.Error(t, err)
	verr, ok := err.(ValidationError)
	require.True(t, ok)
	require.Len(t, verr.Problems, 1)

	lenient := definition(t, `{
		"id": "lenient",
		"nodes": [{"id": "a", "type": "start"}, {"id": "b", "type": "teleport"}],
		"edges": [{"source": "a", "target": "b"}, {"source": "b", "target": "zz"}]
	}`)
	require.NoError(t, Validate(lenient))
	require.Equal(t, []string{
		`node b has unsupported type "teleport"`,
		"edge b -> zz: target node not defined",
	}, Warnings(lenient))

	err = Validate(definition(t, `{
		"nodes": [{"id": "a", "type": "start"}, {"id": "b", "type": "send-message"}],
		"edges": [{"source": "a", "target": "b"}, {"source": "b", "target": "a"}]
	}`))
	require.ErrorIs(t, err, ErrCyclicGraph)

	require.NoError(t, Validate(definition(t, `{
		"onFailure": "delete",
		"nodes": [{"id": "a", "type": "start"}, {"id": "b", "type": "end"}],
		"edges": [{"source": "a", "target": "b"}]
	}`)))
}
