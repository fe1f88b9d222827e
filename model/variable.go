package model

import "time"

type VariableDefinition struct {
	Name     string `json:"name"`
	DataType string `json:"dataType"`
	Rules    string `json:"rules,omitempty"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
}

type SourceType string

const (
	SOURCE_INPUT   SourceType = "input"
	SOURCE_USER    SourceType = "user"
	SOURCE_NODE    SourceType = "node"
	SOURCE_SCRIPT  SourceType = "script"
	SOURCE_TRIGGER SourceType = "trigger"
	SOURCE_SYSTEM  SourceType = "system"
)

// VariableValue is the current value of a named variable of one execution.
type VariableValue struct {
	Name       string     `json:"name"`
	DataType   string     `json:"dataType"`
	Value      any        `json:"value"`
	SourceType SourceType `json:"sourceType"`
	SourceRef  string     `json:"sourceRef,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}
