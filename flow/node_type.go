package flow

import "strings"

// NodeType is the closed set of node kinds the dispatcher understands.
type NodeType string

const (
	NODE_START         NodeType = "start"
	NODE_SEND_MESSAGE  NodeType = "send-message"
	NODE_SEND_FORM     NodeType = "send-form"
	NODE_WAIT_REPLY    NodeType = "wait-reply"
	NODE_WAIT_APPROVAL NodeType = "wait-approval"
	NODE_WAIT_SCAN     NodeType = "wait-scan"
	NODE_BRANCH        NodeType = "branch"
	NODE_SET_VARIABLE  NodeType = "set-variable"
	NODE_SCRIPT        NodeType = "script"
	NODE_TERMINAL      NodeType = "terminal"
	NODE_UNKNOWN       NodeType = "unknown"
)

var nodeTypeAliases = map[string]NodeType{
	"start":               NODE_START,
	"begin":               NODE_START,
	"trigger":             NODE_START,
	"sendmessage":         NODE_SEND_MESSAGE,
	"message":             NODE_SEND_MESSAGE,
	"whatsappmessage":     NODE_SEND_MESSAGE,
	"sendform":            NODE_SEND_FORM,
	"form":                NODE_SEND_FORM,
	"waitreply":           NODE_WAIT_REPLY,
	"waitforreply":        NODE_WAIT_REPLY,
	"waitmessage":         NODE_WAIT_REPLY,
	"reply":               NODE_WAIT_REPLY,
	"waitapproval":        NODE_WAIT_APPROVAL,
	"waitforapproval":     NODE_WAIT_APPROVAL,
	"waitforformapproval": NODE_WAIT_APPROVAL,
	"formapproval":        NODE_WAIT_APPROVAL,
	"approval":            NODE_WAIT_APPROVAL,
	"waitscan":            NODE_WAIT_SCAN,
	"waitforscan":         NODE_WAIT_SCAN,
	"waitforqrscan":       NODE_WAIT_SCAN,
	"qrscan":              NODE_WAIT_SCAN,
	"scan":                NODE_WAIT_SCAN,
	"branch":              NODE_BRANCH,
	"condition":           NODE_BRANCH,
	"switch":              NODE_BRANCH,
	"setvariable":         NODE_SET_VARIABLE,
	"variable":            NODE_SET_VARIABLE,
	"assign":              NODE_SET_VARIABLE,
	"script":              NODE_SCRIPT,
	"javascript":          NODE_SCRIPT,
	"js":                  NODE_SCRIPT,
	"terminal":            NODE_TERMINAL,
	"end":                 NODE_TERMINAL,
	"finish":              NODE_TERMINAL,
	"stop":                NODE_TERMINAL,
}

// ParseNodeType resolves a type name regardless of case and separator
// style, so "send_message", "sendMessage" and "send-message" are the same.
func ParseNodeType(name string) NodeType {
	key := strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', ' ', '.':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(name)))
	if t, ok := nodeTypeAliases[key]; ok {
		return t
	}
	return NODE_UNKNOWN
}

func (t NodeType) IsTerminal() bool {
	return t == NODE_TERMINAL
}

// Suspends reports whether the node always waits for an external trigger.
func (t NodeType) Suspends() bool {
	switch t {
	case NODE_WAIT_REPLY, NODE_WAIT_APPROVAL, NODE_WAIT_SCAN:
		return true
	}
	return false
}
