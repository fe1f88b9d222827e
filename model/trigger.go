package model

import (
	"strings"
	"time"
)

type TriggerKind string

const (
	TRIGGER_FORM_DECISION   TriggerKind = "form-decision"
	TRIGGER_INBOUND_MESSAGE TriggerKind = "inbound-message"
	TRIGGER_SCAN_RESULT     TriggerKind = "scan-result"
	TRIGGER_MESSAGE_ACK     TriggerKind = "message-ack"
)

// PendingTrigger is the registration of a suspended step. At most one exists
// per step and it is removed by the commit that resolves the step.
type PendingTrigger struct {
	Id             string      `json:"id"`
	Kind           TriggerKind `json:"kind"`
	ExecutionId    string      `json:"executionId"`
	StepId         string      `json:"stepId"`
	NodeId         string      `json:"nodeId"`
	CorrelationKey string      `json:"correlationKey"`
	CreatedAt      time.Time   `json:"createdAt"`
	ExpiresAt      *time.Time  `json:"expiresAt,omitempty"`
}

// NormalizeCorrelationKey makes sender ids comparable: phone numbers lose
// formatting characters, everything else is lower cased.
func NormalizeCorrelationKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "whatsapp:")
	digits := strings.Builder{}
	phone := len(key) > 0
	for _, r := range key {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			phone = false
		}
	}
	if phone && digits.Len() > 0 {
		return digits.String()
	}
	return strings.ToLower(key)
}

type StartRequest struct {
	DefinitionId string         `json:"definitionId"`
	Input        map[string]any `json:"input"`
	Actor        Actor          `json:"actor"`
}

type StartResponse struct {
	ExecutionId string         `json:"executionId"`
	State       ExecutionState `json:"state"`
}

type FormDecision struct {
	ExecutionId    string         `json:"executionId,omitempty"`
	FormInstanceId string         `json:"formInstanceId,omitempty"`
	Decision       string         `json:"decision"`
	Note           string         `json:"note,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Actor          Actor          `json:"actor"`
}

func (d FormDecision) Approved() bool {
	switch strings.ToLower(strings.TrimSpace(d.Decision)) {
	case "approve", "approved", "accept", "accepted", "yes", "true", "confirm", "confirmed":
		return true
	}
	return false
}

func (d FormDecision) Rejected() bool {
	switch strings.ToLower(strings.TrimSpace(d.Decision)) {
	case "reject", "rejected", "decline", "declined", "deny", "denied", "no", "false":
		return true
	}
	return false
}

// Valid reports whether the decision is a recognised approval or rejection.
func (d FormDecision) Valid() bool {
	return d.Approved() || d.Rejected()
}

type InboundMessage struct {
	Sender      string         `json:"sender"`
	Body        string         `json:"body"`
	MediaRef    string         `json:"mediaRef,omitempty"`
	ExecutionId string         `json:"executionId,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

type ScanResult struct {
	ExecutionId string         `json:"executionId"`
	ScanRef     string         `json:"scanRef,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Failed      bool           `json:"failed,omitempty"`
	Error       string         `json:"error,omitempty"`
}

type MessageAck struct {
	MessageRef  string `json:"messageRef"`
	ExecutionId string `json:"executionId,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

func (a MessageAck) Failed() bool {
	switch strings.ToLower(strings.TrimSpace(a.Status)) {
	case "failed", "undelivered", "error", "rejected":
		return true
	}
	return false
}

type CancelRequest struct {
	Actor  Actor  `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// ResumeResult answers every trigger. Stale and duplicate triggers give
// Resumed == false.
type ResumeResult struct {
	Resumed     bool           `json:"resumed"`
	ExecutionId string         `json:"executionId,omitempty"`
	StepId      string         `json:"stepId,omitempty"`
	State       ExecutionState `json:"state,omitempty"`
}
