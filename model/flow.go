package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WorkflowDefinition is the authored process graph. A definition is immutable
// per version; the version is its UpdatedAt timestamp.
type WorkflowDefinition struct {
	Id        string               `json:"id"`
	TenantId  string               `json:"tenantId,omitempty"`
	Name      string               `json:"name"`
	Nodes     []NodeDef            `json:"nodes"`
	Edges     []EdgeDef            `json:"edges"`
	Variables []VariableDefinition `json:"variables,omitempty"`
	OnSuccess string               `json:"onSuccess,omitempty"`
	OnFailure string               `json:"onFailure,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

func (d *WorkflowDefinition) Version() int64 {
	return d.UpdatedAt.UnixNano()
}

type NodeDef struct {
	Id   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON accepts numeric ids and ignores extra editor fields.
func (n *NodeDef) UnmarshalJSON(b []byte) error {
	var raw struct {
		Id   json.RawMessage `json:"id"`
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	id, err := flexString(raw.Id)
	if err != nil {
		return fmt.Errorf("node id: %w", err)
	}
	n.Id = id
	n.Type = raw.Type
	n.Data = raw.Data
	return nil
}

// DataMap decodes the node payload. An absent payload is an empty map.
func (n *NodeDef) DataMap() (map[string]any, error) {
	data := make(map[string]any)
	trimmed := bytes.TrimSpace(n.Data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return data, nil
	}
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return nil, fmt.Errorf("node %s: invalid data: %w", n.Id, err)
	}
	return data, nil
}

// EdgeDef is a directed transition. SourceHandle or Label, when present,
// restricts the edge to a completion event of the source node.
type EdgeDef struct {
	Id           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Label        string `json:"label,omitempty"`
}

func (e *EdgeDef) UnmarshalJSON(b []byte) error {
	var raw struct {
		Id           json.RawMessage `json:"id"`
		Source       json.RawMessage `json:"source"`
		Target       json.RawMessage `json:"target"`
		SourceHandle *string         `json:"sourceHandle"`
		Label        any             `json:"label"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var err error
	if e.Id, err = flexString(raw.Id); err != nil {
		return fmt.Errorf("edge id: %w", err)
	}
	if e.Source, err = flexString(raw.Source); err != nil {
		return fmt.Errorf("edge source: %w", err)
	}
	if e.Target, err = flexString(raw.Target); err != nil {
		return fmt.Errorf("edge target: %w", err)
	}
	if raw.SourceHandle != nil {
		e.SourceHandle = *raw.SourceHandle
	}
	if label, ok := raw.Label.(string); ok {
		e.Label = label
	}
	return nil
}

// Handle is the event filter of the edge, empty when unconditional.
func (e *EdgeDef) Handle() string {
	if h := strings.TrimSpace(e.SourceHandle); h != "" {
		return h
	}
	return strings.TrimSpace(e.Label)
}

func flexString(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var num json.Number
	if err := json.Unmarshal(trimmed, &num); err != nil {
		return "", err
	}
	return num.String(), nil
}
