package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mohitkumar/chatflow/action"
	"github.com/mohitkumar/chatflow/metadata"
	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/persistence"
	"github.com/mohitkumar/chatflow/persistence/memory"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(ctx context.Context, recipient string, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recipient+": "+body)
	return fmt.Sprintf("m-%d", len(f.sent)), nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeForms struct{}

func (fakeForms) CreateInstance(ctx context.Context, formRef string, data map[string]any) (string, error) {
	return "inst-" + formRef, nil
}

type harness struct {
	engine  *FlowEngine
	storage *memory.Storage
	sender  *fakeSender
}

func newHarness(t *testing.T, docs ...string) *harness {
	t.Helper()
	storage := memory.New(4)
	md := metadata.NewMetadataService(storage, 0)
	for _, doc := range docs {
		var def model.WorkflowDefinition
		require.NoError(t, json.Unmarshal([]byte(doc), &def))
		_, err := md.SaveDefinition(context.Background(), &def)
		require.NoError(t, err)
	}
	sender := &fakeSender{}
	dispatcher := action.NewDispatcher(sender, fakeForms{}, action.Options{DefaultWaitTimeout: time.Hour, ScriptTimeout: time.Second})
	return &harness{
		engine:  NewFlowEngine(storage, md, dispatcher, Config{LockStripes: 8}),
		storage: storage,
		sender:  sender,
	}
}

func (h *harness) start(t *testing.T, definitionId string, input map[string]any) *model.StartResponse {
	t.Helper()
	res, err := h.engine.Start(context.Background(), model.StartRequest{DefinitionId: definitionId, Input: input, Actor: model.UserActor("ops")})
	require.NoError(t, err)
	return res
}

func (h *harness) status(t *testing.T, executionId string) *model.ExecutionStatus {
	t.Helper()
	st, err := h.engine.Status(context.Background(), executionId)
	require.NoError(t, err)
	return st
}

func nodeIds(steps []model.StepExecution) []string {
	ids := make([]string, 0, len(steps))
	for _, s := range steps {
		ids = append(ids, s.NodeId)
	}
	return ids
}

func countTerminals(steps []model.StepExecution) int {
	n := 0
	for _, s := range steps {
		if s.NodeType == "terminal" {
			n++
		}
	}
	return n
}

const replyFlow = `{
	"id": "reply",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "greet", "type": "send-message", "data": {"recipient": "{$.input.phone}", "message": "hello"}},
		{"id": "reply", "type": "wait-reply", "data": {"from": "{$.input.phone}", "variable": "answer"}},
		{"id": "end", "type": "terminal"}
	],
	"edges": [
		{"source": "start", "target": "greet"},
		{"source": "greet", "target": "reply"},
		{"source": "reply", "target": "end"}
	]
}`

const linearFlow = `{
	"id": "linear",
	"nodes": [
		{"id": "1", "type": "send-message", "data": {"recipient": "{$.input.phone}", "message": "hello"}},
		{"id": "2", "type": "wait-reply", "data": {"from": "{$.input.phone}"}},
		{"id": "3", "type": "terminal"}
	],
	"edges": [
		{"source": "1", "target": "2"},
		{"source": "2", "target": "3"}
	]
}`

const fanOutFlow = `{
	"id": "fanout",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "a", "type": "send-message", "data": {"recipient": "{$.input.phone}", "message": "a"}},
		{"id": "b", "type": "send-message", "data": {"recipient": "{$.input.phone}", "message": "b"}},
		{"id": "end", "type": "terminal"}
	],
	"edges": [
		{"source": "start", "target": "a"},
		{"source": "start", "target": "b"},
		{"source": "a", "target": "end"},
		{"source": "b", "target": "end"}
	]
}`

const waitingJoinFlow = `{
	"id": "waitjoin",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "ask", "type": "wait-reply", "data": {"from": "{$.input.phone}"}},
		{"id": "notify", "type": "send-message", "data": {"recipient": "{$.input.phone}", "message": "working"}},
		{"id": "end", "type": "terminal"}
	],
	"edges": [
		{"source": "start", "target": "ask"},
		{"source": "start", "target": "notify"},
		{"source": "ask", "target": "end"},
		{"source": "notify", "target": "end"}
	]
}`

const danglingFlow = `{
	"id": "dangling",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "greet", "type": "send-message", "data": {"recipient": "+1 555 0100", "message": "hello"}},
		{"id": "end", "type": "terminal"}
	],
	"edges": [
		{"source": "start", "target": "greet"}
	]
}`

const unknownNodeFlow = `{
	"id": "unknown",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "beam", "type": "teleport"},
		{"id": "end", "type": "terminal"}
	],
	"edges": [
		{"source": "start", "target": "beam"},
		{"source": "beam", "target": "end"}
	]
}`

const missingTargetFlow = `{
	"id": "nowhere",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "end", "type": "terminal"}
	],
	"edges": [
		{"source": "start", "target": "nowhere"}
	]
}`

const noTerminalFlow = `{
	"id": "noterminal",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "greet", "type": "send-message", "data": {"recipient": "{$.input.phone}", "message": "hello"}}
	],
	"edges": [
		{"source": "start", "target": "greet"}
	]
}`

const failingFlow = `{
	"id": "failing",
	"onFailure": "DELETE",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "greet", "type": "send-message", "data": {"message": "nobody to send to"}},
		{"id": "end", "type": "terminal"}
	],
	"edges": [
		{"source": "start", "target": "greet"},
		{"source": "greet", "target": "end"}
	]
}`

const timeoutFlow = `{
	"id": "timeout",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "reply", "type": "wait-reply", "data": {"from": "{$.input.phone}", "timeoutSeconds": 60}},
		{"id": "remind", "type": "send-message", "data": {"recipient": "{$.input.phone}", "message": "still there?"}},
		{"id": "end", "type": "terminal"}
	],
	"edges": [
		{"source": "start", "target": "reply"},
		{"source": "reply", "target": "remind", "sourceHandle": "timeout"},
		{"source": "reply", "target": "end"},
		{"source": "remind", "target": "end"}
	]
}`

const approvalFlow = `{
	"id": "approval",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "approve", "type": "wait-approval", "data": {"formRef": "leave"}},
		{"id": "yes", "type": "send-message", "data": {"recipient": "{$.input.phone}", "message": "approved"}},
		{"id": "no", "type": "send-message", "data": {"recipient": "{$.input.phone}", "message": "rejected"}},
		{"id": "end", "type": "terminal"}
	],
	"edges": [
		{"source": "start", "target": "approve"},
		{"source": "approve", "target": "yes", "sourceHandle": "approved"},
		{"source": "approve", "target": "no", "sourceHandle": "rejected"},
		{"source": "yes", "target": "end"},
		{"source": "no", "target": "end"}
	]
}`

const dataFlow = `{
	"id": "data",
	"onSuccess": "NOOP",
	"variables": [
		{"name": "count", "dataType": "integer", "rules": "min:0"},
		{"name": "tier", "dataType": "string", "rules": "in:gold,silver", "default": "silver"}
	],
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "set", "type": "set-variable", "data": {"variables": {"tier": "gold"}}},
		{"id": "calc", "type": "script", "data": {"script": "$.variables.count = $.input.n * 2;"}},
		{"id": "check", "type": "branch", "data": {"expression": "{$.variables.tier}"}},
		{"id": "vip", "type": "send-message", "data": {"recipient": "{$.input.phone}", "message": "count {$.variables.count}"}},
		{"id": "plain", "type": "send-message", "data": {"recipient": "{$.input.phone}", "message": "plain"}},
		{"id": "end", "type": "terminal"}
	],
	"edges": [
		{"source": "start", "target": "set"},
		{"source": "set", "target": "calc"},
		{"source": "calc", "target": "check"},
		{"source": "check", "target": "vip", "sourceHandle": "gold"},
		{"source": "check", "target": "plain", "sourceHandle": "default"},
		{"source": "vip", "target": "end"},
		{"source": "plain", "target": "end"}
	]
}`

const badScriptFlow = `{
	"id": "badscript",
	"variables": [
		{"name": "count", "dataType": "integer", "rules": "min:0"}
	],
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "calc", "type": "script", "data": {"script": "$.variables.count = -5;"}},
		{"id": "end", "type": "terminal"}
	],
	"edges": [
		{"source": "start", "target": "calc"},
		{"source": "calc", "target": "end"}
	]
}`

const ackFlow = `{
	"id": "ack",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "greet", "type": "send-message", "data": {"recipient": "{$.input.phone}", "message": "hello", "waitForAck": true}},
		{"id": "end", "type": "terminal"}
	],
	"edges": [
		{"source": "start", "target": "greet"},
		{"source": "greet", "target": "end"}
	]
}`

const scanFlow = `{
	"id": "scan",
	"onSuccess": "DELETE",
	"nodes": [
		{"id": "start", "type": "start"},
		{"id": "scan", "type": "wait-scan", "data": {"scanRef": "{$.input.ticket}", "variable": "badge"}},
		{"id": "end", "type": "terminal"}
	],
	"edges": [
		{"source": "start", "target": "scan"},
		{"source": "scan", "target": "end"}
	]
}`

const requiredFlow = `{
	"id": "required",
	"variables": [{"name": "email", "dataType": "email", "required": true}],
	"nodes": [{"id": "start", "type": "start"}, {"id": "end", "type": "terminal"}],
	"edges": [{"source": "start", "target": "end"}]
}`

var phone = map[string]any{"phone": "+1 555 0100"}

func TestFlowEngine(t *testing.T) {
	ctx := context.Background()
	scenarios := map[string]func(t *testing.T, h *harness){
		"linear flow suspends and resumes on reply": func(t *testing.T, h *harness) {
			res := h.start(t, "reply", phone)
			require.Equal(t, model.EXECUTION_WAITING, res.State)
			st := h.status(t, res.ExecutionId)
			require.Equal(t, []string{"start", "greet", "reply"}, nodeIds(st.Steps))
			require.Equal(t, st.Steps[2].Id, st.Execution.CurrentStepId)
			require.Equal(t, model.STEP_WAITING, st.Steps[2].State)

			resumed, err := h.engine.ResumeInboundMessage(ctx, model.InboundMessage{Sender: "+1-555-0100", Body: "yes"})
			require.NoError(t, err)
			require.True(t, resumed.Resumed)
			require.Equal(t, model.EXECUTION_COMPLETED, resumed.State)

			st = h.status(t, res.ExecutionId)
			require.Equal(t, []string{"start", "greet", "reply", "end"}, nodeIds(st.Steps))
			require.Equal(t, "yes", st.Steps[2].Output["body"])
			require.NotNil(t, st.Execution.EndedAt)
			answer, err := h.engine.GetVariable(ctx, res.ExecutionId, "answer")
			require.NoError(t, err)
			require.Equal(t, "yes", answer.Value)
			require.Equal(t, model.SOURCE_TRIGGER, answer.SourceType)
			require.Equal(t, []string{"+1 555 0100: hello"}, h.sender.messages())
		},
		"entry without start node": func(t *testing.T, h *harness) {
			res := h.start(t, "linear", phone)
			require.Equal(t, model.EXECUTION_WAITING, res.State)
			st := h.status(t, res.ExecutionId)
			require.Equal(t, "2", st.Steps[len(st.Steps)-1].NodeId)
			resumed, err := h.engine.ResumeInboundMessage(ctx, model.InboundMessage{Sender: "+1 555 0100", Body: "ok"})
			require.NoError(t, err)
			require.Equal(t, model.EXECUTION_COMPLETED, resumed.State)
			st = h.status(t, res.ExecutionId)
			require.Equal(t, []string{"1", "2", "3"}, nodeIds(st.Steps))
			for i, s := range st.Steps {
				require.Equal(t, i+1, s.Seq)
				require.Equal(t, model.STEP_COMPLETED, s.State)
			}
		},
		"duplicate trigger is a no-op": func(t *testing.T, h *harness) {
			res := h.start(t, "reply", phone)
			first, err := h.engine.ResumeInboundMessage(ctx, model.InboundMessage{Sender: "+15550100", Body: "one"})
			require.NoError(t, err)
			require.True(t, first.Resumed)
			again, err := h.engine.ResumeInboundMessage(ctx, model.InboundMessage{Sender: "+15550100", Body: "two"})
			require.NoError(t, err)
			require.False(t, again.Resumed)
			second, err := h.engine.ResumeInboundMessage(ctx, model.InboundMessage{ExecutionId: res.ExecutionId, Body: "three"})
			require.NoError(t, err)
			require.False(t, second.Resumed)
			require.Equal(t, model.EXECUTION_COMPLETED, second.State)
			st := h.status(t, res.ExecutionId)
			require.Len(t, st.Steps, 4)
			require.Equal(t, "one", st.Steps[2].Output["body"])
		},
		"concurrent replies resume once": func(t *testing.T, h *harness) {
			res := h.start(t, "reply", phone)
			var wg sync.WaitGroup
			results := make(chan bool, 8)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					r, err := h.engine.ResumeInboundMessage(ctx, model.InboundMessage{ExecutionId: res.ExecutionId, Body: "hi"})
					if err == nil {
						results <- r.Resumed
					}
				}()
			}
			wg.Wait()
			close(results)
			resumed := 0
			for r := range results {
				if r {
					resumed++
				}
			}
			require.Equal(t, 1, resumed)
			require.Equal(t, 1, countTerminals(h.status(t, res.ExecutionId).Steps))
		},
		"fan-out joins into a single terminal step": func(t *testing.T, h *harness) {
			res := h.start(t, "fanout", phone)
			require.Equal(t, model.EXECUTION_COMPLETED, res.State)
			st := h.status(t, res.ExecutionId)
			require.Len(t, st.Steps, 4)
			require.Equal(t, 1, countTerminals(st.Steps))
			require.Equal(t, "end", st.Steps[3].NodeId)
			require.ElementsMatch(t, []string{"+1 555 0100: a", "+1 555 0100: b"}, h.sender.messages())
		},
		"join waits for a suspended branch": func(t *testing.T, h *harness) {
			res := h.start(t, "waitjoin", phone)
			require.Equal(t, model.EXECUTION_WAITING, res.State)
			st := h.status(t, res.ExecutionId)
			require.Equal(t, 0, countTerminals(st.Steps))
			require.Contains(t, st.Execution.Deferred, "end")

			resumed, err := h.engine.ResumeInboundMessage(ctx, model.InboundMessage{Sender: "+1 555 0100", Body: "done"})
			require.NoError(t, err)
			require.True(t, resumed.Resumed)
			require.Equal(t, model.EXECUTION_COMPLETED, resumed.State)
			st = h.status(t, res.ExecutionId)
			require.Len(t, st.Steps, 4)
			require.Equal(t, 1, countTerminals(st.Steps))
		},
		"missing edge falls back to the terminal": func(t *testing.T, h *harness) {
			res := h.start(t, "dangling", nil)
			require.Equal(t, model.EXECUTION_COMPLETED, res.State)
			st := h.status(t, res.ExecutionId)
			require.Equal(t, []string{"start", "greet", "end"}, nodeIds(st.Steps))
			require.True(t, st.Steps[2].Implicit)
			require.False(t, st.Steps[2].Synthetic)
		},
		"unknown node type fails only its step": func(t *testing.T, h *harness) {
			res := h.start(t, "unknown", nil)
			require.Equal(t, model.EXECUTION_FAILED, res.State)
			st := h.status(t, res.ExecutionId)
			require.Equal(t, []string{"start", "beam"}, nodeIds(st.Steps))
			require.Equal(t, model.STEP_COMPLETED, st.Steps[0].State)
			require.Equal(t, model.STEP_FAILED, st.Steps[1].State)
			require.Equal(t, "unknown", st.Steps[1].NodeType)
			require.Equal(t, "unsupported node type teleport", st.Steps[1].Error)
		},
		"edge to a missing node falls back to the terminal": func(t *testing.T, h *harness) {
			res := h.start(t, "nowhere", nil)
			require.Equal(t, model.EXECUTION_COMPLETED, res.State)
			require.Equal(t, []string{"start", "end"}, nodeIds(h.status(t, res.ExecutionId).Steps))
		},
		"graph without terminal ends in the state of its last step": func(t *testing.T, h *harness) {
			res := h.start(t, "noterminal", phone)
			require.Equal(t, model.EXECUTION_COMPLETED, res.State)
			require.Len(t, h.status(t, res.ExecutionId).Steps, 2)

			res = h.start(t, "noterminal", nil)
			require.Equal(t, model.EXECUTION_FAILED, res.State)
		},
		"failed step fails the execution and runs the failure handler": func(t *testing.T, h *harness) {
			res := h.start(t, "failing", nil)
			require.Equal(t, model.EXECUTION_FAILED, res.State)
			_, err := h.engine.Status(ctx, res.ExecutionId)
			require.ErrorIs(t, err, persistence.ErrNotFound)
		},
		"timeout follows the timeout edge": func(t *testing.T, h *harness) {
			res := h.start(t, "timeout", phone)
			triggers, err := h.storage.ListTriggers(ctx, res.ExecutionId)
			require.NoError(t, err)
			require.Len(t, triggers, 1)
			require.NotNil(t, triggers[0].ExpiresAt)

			expired, err := h.engine.ExpireTrigger(ctx, triggers[0])
			require.NoError(t, err)
			require.True(t, expired.Resumed)
			require.Equal(t, model.EXECUTION_COMPLETED, expired.State)
			st := h.status(t, res.ExecutionId)
			require.Equal(t, []string{"start", "reply", "remind", "end"}, nodeIds(st.Steps))
			require.Equal(t, "timeout", st.Steps[1].Event)

			again, err := h.engine.ExpireTrigger(ctx, triggers[0])
			require.NoError(t, err)
			require.False(t, again.Resumed)
		},
		"timeout without a timeout edge fails the wait": func(t *testing.T, h *harness) {
			res := h.start(t, "reply", phone)
			triggers, err := h.storage.ListTriggers(ctx, res.ExecutionId)
			require.NoError(t, err)
			expired, err := h.engine.ExpireTrigger(ctx, triggers[0])
			require.NoError(t, err)
			require.True(t, expired.Resumed)
			require.Equal(t, model.EXECUTION_FAILED, expired.State)
			st := h.status(t, res.ExecutionId)
			require.Equal(t, model.STEP_FAILED, st.Steps[2].State)
			require.Equal(t, "wait timed out", st.Steps[2].Error)
		},
		"rejected form follows the rejected edge": func(t *testing.T, h *harness) {
			res := h.start(t, "approval", phone)
			require.Equal(t, model.EXECUTION_WAITING, res.State)
			resumed, err := h.engine.ResumeFormDecision(ctx, model.FormDecision{FormInstanceId: "inst-leave", Decision: "reject", Note: "busy", Actor: model.UserActor("boss")})
			require.NoError(t, err)
			require.True(t, resumed.Resumed)
			require.Equal(t, model.EXECUTION_COMPLETED, resumed.State)
			st := h.status(t, res.ExecutionId)
			require.Equal(t, []string{"start", "approve", "no", "end"}, nodeIds(st.Steps))
			require.Equal(t, "rejected", st.Steps[1].Event)
			require.Equal(t, "user:boss", st.Steps[1].Output["actor"])
			require.Equal(t, []string{"+1 555 0100: rejected"}, h.sender.messages())
		},
		"approved form by execution id": func(t *testing.T, h *harness) {
			res := h.start(t, "approval", phone)
			resumed, err := h.engine.ResumeFormDecision(ctx, model.FormDecision{ExecutionId: res.ExecutionId, Decision: "approved"})
			require.NoError(t, err)
			require.True(t, resumed.Resumed)
			st := h.status(t, res.ExecutionId)
			require.Equal(t, []string{"start", "approve", "yes", "end"}, nodeIds(st.Steps))
			require.Equal(t, "unknown", st.Steps[1].Output["actor"])
		},
		"malformed decision keeps the form waiting": func(t *testing.T, h *harness) {
			res := h.start(t, "approval", phone)
			for _, decision := range []string{"", "aprove"} {
				_, err := h.engine.ResumeFormDecision(ctx, model.FormDecision{FormInstanceId: "inst-leave", Decision: decision})
				require.ErrorIs(t, err, ErrInvalidInput)
			}
			require.Equal(t, model.EXECUTION_WAITING, h.status(t, res.ExecutionId).Execution.State)
			require.Empty(t, h.sender.messages())

			resumed, err := h.engine.ResumeFormDecision(ctx, model.FormDecision{FormInstanceId: "inst-leave", Decision: "Approve"})
			require.NoError(t, err)
			require.True(t, resumed.Resumed)
			st := h.status(t, res.ExecutionId)
			require.Equal(t, []string{"start", "approve", "yes", "end"}, nodeIds(st.Steps))
		},
		"unmatched decision answers not resumed": func(t *testing.T, h *harness) {
			res, err := h.engine.ResumeFormDecision(ctx, model.FormDecision{FormInstanceId: "nope", Decision: "approved"})
			require.NoError(t, err)
			require.False(t, res.Resumed)
			_, err = h.engine.ResumeFormDecision(ctx, model.FormDecision{Decision: "approved"})
			require.ErrorIs(t, err, ErrInvalidInput)
		},
		"variables flow through nodes and scripts": func(t *testing.T, h *harness) {
			res := h.start(t, "data", map[string]any{"phone": "+1 555 0100", "n": 3})
			require.Equal(t, model.EXECUTION_COMPLETED, res.State)
			st := h.status(t, res.ExecutionId)
			require.Equal(t, []string{"start", "set", "calc", "check", "vip", "end"}, nodeIds(st.Steps))
			count, err := h.engine.GetVariable(ctx, res.ExecutionId, "count")
			require.NoError(t, err)
			require.EqualValues(t, 6, count.Value)
			require.Equal(t, model.SOURCE_SCRIPT, count.SourceType)
			tier, err := h.engine.GetVariable(ctx, res.ExecutionId, "tier")
			require.NoError(t, err)
			require.Equal(t, "gold", tier.Value)
			require.Equal(t, model.SOURCE_NODE, tier.SourceType)
			require.Equal(t, []string{"+1 555 0100: count 6"}, h.sender.messages())
		},
		"invalid variable write fails the step": func(t *testing.T, h *harness) {
			res := h.start(t, "badscript", nil)
			require.Equal(t, model.EXECUTION_FAILED, res.State)
			st := h.status(t, res.ExecutionId)
			require.Equal(t, model.STEP_FAILED, st.Steps[1].State)
			_, err := h.engine.GetVariable(ctx, res.ExecutionId, "count")
			require.ErrorIs(t, err, persistence.ErrNotFound)
		},
		"failed delivery ack fails the step": func(t *testing.T, h *harness) {
			res := h.start(t, "ack", phone)
			require.Equal(t, model.EXECUTION_WAITING, res.State)
			acked, err := h.engine.ResumeMessageAck(ctx, model.MessageAck{MessageRef: "m-1", Status: "undelivered"})
			require.NoError(t, err)
			require.True(t, acked.Resumed)
			require.Equal(t, model.EXECUTION_FAILED, acked.State)
		},
		"delivered ack continues": func(t *testing.T, h *harness) {
			h.start(t, "ack", phone)
			acked, err := h.engine.ResumeMessageAck(ctx, model.MessageAck{MessageRef: "m-1", Status: "delivered"})
			require.NoError(t, err)
			require.Equal(t, model.EXECUTION_COMPLETED, acked.State)
		},
		"scan result completes and the success handler deletes": func(t *testing.T, h *harness) {
			res := h.start(t, "scan", map[string]any{"ticket": "T-9"})
			scanned, err := h.engine.ResumeScanResult(ctx, model.ScanResult{ScanRef: "T-9", Payload: map[string]any{"badge": 42}})
			require.NoError(t, err)
			require.True(t, scanned.Resumed)
			require.Equal(t, model.EXECUTION_COMPLETED, scanned.State)
			_, err = h.engine.Status(ctx, res.ExecutionId)
			require.ErrorIs(t, err, persistence.ErrNotFound)
		},
		"cancel stops a waiting execution": func(t *testing.T, h *harness) {
			res := h.start(t, "reply", phone)
			exec, err := h.engine.Cancel(ctx, res.ExecutionId, model.CancelRequest{Actor: model.UserActor("ops"), Reason: "customer left"})
			require.NoError(t, err)
			require.Equal(t, model.EXECUTION_CANCELLED, exec.State)
			require.Equal(t, "user:ops", exec.CancelledBy.String())

			st := h.status(t, res.ExecutionId)
			require.Equal(t, model.STEP_CANCELLED, st.Steps[2].State)
			triggers, err := h.storage.ListTriggers(ctx, res.ExecutionId)
			require.NoError(t, err)
			require.Empty(t, triggers)

			late, err := h.engine.ResumeInboundMessage(ctx, model.InboundMessage{ExecutionId: res.ExecutionId, Body: "late"})
			require.NoError(t, err)
			require.False(t, late.Resumed)
			require.Equal(t, model.EXECUTION_CANCELLED, late.State)

			_, err = h.engine.Cancel(ctx, res.ExecutionId, model.CancelRequest{})
			require.ErrorIs(t, err, ErrExecutionFinished)
		},
		"pause holds progress until unpause": func(t *testing.T, h *harness) {
			res := h.start(t, "reply", phone)
			exec, err := h.engine.Pause(ctx, res.ExecutionId)
			require.NoError(t, err)
			require.Equal(t, model.EXECUTION_PAUSED, exec.State)

			resumed, err := h.engine.ResumeInboundMessage(ctx, model.InboundMessage{Sender: "+1 555 0100", Body: "yes"})
			require.NoError(t, err)
			require.True(t, resumed.Resumed)
			require.Equal(t, model.EXECUTION_PAUSED, resumed.State)
			st := h.status(t, res.ExecutionId)
			require.Len(t, st.Steps, 3)
			require.Equal(t, model.STEP_COMPLETED, st.Steps[2].State)

			exec, err = h.engine.Unpause(ctx, res.ExecutionId)
			require.NoError(t, err)
			require.Equal(t, model.EXECUTION_COMPLETED, exec.State)
			require.Len(t, h.status(t, res.ExecutionId).Steps, 4)

			_, err = h.engine.Unpause(ctx, res.ExecutionId)
			require.ErrorIs(t, err, ErrExecutionFinished)
		},
		"unpause of a running execution is rejected": func(t *testing.T, h *harness) {
			res := h.start(t, "reply", phone)
			_, err := h.engine.Unpause(ctx, res.ExecutionId)
			require.ErrorIs(t, err, ErrNotPaused)
		},
		"start rejects bad input and unknown definitions": func(t *testing.T, h *harness) {
			_, err := h.engine.Start(ctx, model.StartRequest{DefinitionId: "required"})
			require.ErrorIs(t, err, ErrInvalidInput)
			res := h.start(t, "required", map[string]any{"email": "a@b.co"})
			require.Equal(t, model.EXECUTION_COMPLETED, res.State)
			_, err = h.engine.Start(ctx, model.StartRequest{DefinitionId: "missing"})
			require.ErrorIs(t, err, persistence.ErrNotFound)
		},
		"operator variable writes are validated": func(t *testing.T, h *harness) {
			res := h.start(t, "reply", phone)
			_, err := h.engine.SetVariable(ctx, res.ExecutionId, "answer", "typed", "user:ops")
			require.NoError(t, err)
			vars, err := h.engine.ListVariables(ctx, res.ExecutionId)
			require.NoError(t, err)
			require.Len(t, vars, 1)
			require.Equal(t, model.SOURCE_USER, vars[0].SourceType)

			_, err = h.engine.Cancel(ctx, res.ExecutionId, model.CancelRequest{Reason: "done"})
			require.NoError(t, err)
			_, err = h.engine.SetVariable(ctx, res.ExecutionId, "answer", "late", "user:ops")
			require.ErrorIs(t, err, ErrExecutionFinished)
			answer, err := h.engine.GetVariable(ctx, res.ExecutionId, "answer")
			require.NoError(t, err)
			require.Equal(t, "typed", answer.Value)

			done := h.start(t, "fanout", phone)
			require.Equal(t, model.EXECUTION_COMPLETED, done.State)
			_, err = h.engine.SetVariable(ctx, done.ExecutionId, "answer", "late", "user:ops")
			require.ErrorIs(t, err, ErrExecutionFinished)
		},
		"delete removes the execution": func(t *testing.T, h *harness) {
			res := h.start(t, "reply", phone)
			require.NoError(t, h.engine.DeleteExecution(ctx, res.ExecutionId))
			_, err := h.engine.Status(ctx, res.ExecutionId)
			require.True(t, errors.Is(err, persistence.ErrNotFound))
			require.ErrorIs(t, h.engine.DeleteExecution(ctx, res.ExecutionId), persistence.ErrNotFound)
		},
	}
	for name, scenario := range scenarios {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, replyFlow, linearFlow, fanOutFlow, waitingJoinFlow, danglingFlow, unknownNodeFlow, missingTargetFlow, noTerminalFlow, failingFlow,
				timeoutFlow, approvalFlow, dataFlow, badScriptFlow, ackFlow, scanFlow, requiredFlow)
			scenario(t, h)
		})
	}
}

func TestReconcileRerunsPendingSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, fanOutFlow)
	compiled, err := h.engine.metadataService.GetFlow(ctx, "fanout")
	require.NoError(t, err)

	exec := model.NewWorkflowExecution("exec-1", compiled.Definition, phone, model.UnknownActor())
	exec.State = model.EXECUTION_RUNNING
	sess, err := h.storage.NewSession(ctx)
	require.NoError(t, err)
	sess.SaveStep(h.engine.activate(exec, compiled.Flow.Entry, false))
	sess.SaveExecution(exec)
	require.NoError(t, sess.Commit(ctx))

	loaded, err := h.storage.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	unlock := h.engine.locks.Lock(loaded.Id)
	exec, err = h.engine.drive(ctx, compiled, loaded)
	unlock()
	require.NoError(t, err)
	require.Equal(t, model.EXECUTION_COMPLETED, exec.State)
	st := h.status(t, "exec-1")
	require.Len(t, st.Steps, 4)
}
