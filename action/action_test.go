package action

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mohitkumar/chatflow/flow"
	"github.com/mohitkumar/chatflow/model"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []string
	ref  string
	err  error
}

func (f *fakeSender) Send(ctx context.Context, recipient string, body string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, recipient+": "+body)
	return f.ref, nil
}

type fakeForms struct {
	created map[string]map[string]any
}

func (f *fakeForms) CreateInstance(ctx context.Context, formRef string, data map[string]any) (string, error) {
	if f.created == nil {
		f.created = make(map[string]map[string]any)
	}
	id := "inst-" + formRef
	f.created[id] = data
	return id, nil
}

type panicAction struct{}

func (p *panicAction) Type() flow.NodeType {
	return flow.NODE_SEND_FORM
}

func (p *panicAction) Execute(ctx context.Context, ectx *ExecutionContext) *Result {
	panic("boom")
}

func newContext(nodeType flow.NodeType, data map[string]any) *ExecutionContext {
	if data == nil {
		data = map[string]any{}
	}
	return &ExecutionContext{
		ExecutionId:  "exec-1",
		DefinitionId: "def-1",
		Node:         &flow.Node{Id: "n1", Type: nodeType, RawType: string(nodeType), Data: data},
		Step:         &model.StepExecution{Id: "s1", NodeId: "n1"},
		Input:        map[string]any{"phone": "+1 555 0100", "a": 2, "b": 3},
		Variables:    map[string]any{"name": "Ana", "choice": "yes", "level": 2.0},
		Outputs:      map[string]map[string]any{"n0": {"messageRef": "m-0"}},
	}
}

func TestDispatcher(t *testing.T) {
	scenarios := map[string]func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms){
		"start echoes input": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_START, nil))
			require.Equal(t, STATUS_COMPLETED, res.Status)
			require.Equal(t, "+1 555 0100", res.Output["phone"])
		},
		"terminal payload is fixed": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_TERMINAL, map[string]any{"status": "other"}))
			require.Equal(t, STATUS_COMPLETED, res.Status)
			require.Equal(t, map[string]any{"status": "completed"}, res.Output)
		},
		"unknown type fails": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			ectx := newContext(flow.NODE_UNKNOWN, nil)
			ectx.Node.RawType = "fancy"
			res := d.Execute(context.Background(), ectx)
			require.Equal(t, STATUS_FAILED, res.Status)
			require.Equal(t, "unsupported node type fancy", res.Error)
			require.Equal(t, res.Error, res.Output["error"])
		},
		"send message resolves tokens": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_SEND_MESSAGE, map[string]any{
				"recipient": "{$.input.phone}",
				"message":   "Hi {$.variables.name}",
			}))
			require.Equal(t, STATUS_COMPLETED, res.Status)
			require.Equal(t, []string{"+1 555 0100: Hi Ana"}, sender.sent)
			require.Equal(t, "m-1", res.Output["messageRef"])
			require.Nil(t, res.Wait)
		},
		"send message needs recipient": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_SEND_MESSAGE, map[string]any{"message": "hi"}))
			require.Equal(t, STATUS_FAILED, res.Status)
			require.Contains(t, res.Error, "recipient is required")
			require.Empty(t, sender.sent)
		},
		"send failure fails step": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			sender.err = errors.New("gateway down")
			res := d.Execute(context.Background(), newContext(flow.NODE_SEND_MESSAGE, map[string]any{"to": "123456", "body": "hi"}))
			require.Equal(t, STATUS_FAILED, res.Status)
			require.Contains(t, res.Error, "gateway down")
		},
		"send message waits for ack": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_SEND_MESSAGE, map[string]any{
				"to": "123456", "body": "hi", "waitForAck": true,
			}))
			require.Equal(t, STATUS_WAITING, res.Status)
			require.Equal(t, &WaitSpec{Kind: model.TRIGGER_MESSAGE_ACK, CorrelationKey: "m-1", Timeout: time.Hour}, res.Wait)
		},
		"wait reply keyed by sender": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_WAIT_REPLY, map[string]any{
				"from": "{$.input.phone}", "timeoutSeconds": 30,
			}))
			require.Equal(t, STATUS_WAITING, res.Status)
			require.Equal(t, model.TRIGGER_INBOUND_MESSAGE, res.Wait.Kind)
			require.Equal(t, "15550100", res.Wait.CorrelationKey)
			require.Equal(t, 30*time.Second, res.Wait.Timeout)
		},
		"wait reply needs sender": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_WAIT_REPLY, nil))
			require.Equal(t, STATUS_FAILED, res.Status)
		},
		"wait approval creates form": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_WAIT_APPROVAL, map[string]any{
				"formRef": "leave",
				"data":    map[string]any{"who": "{$.variables.name}"},
			}))
			require.Equal(t, STATUS_WAITING, res.Status)
			require.Equal(t, "inst-leave", res.Wait.CorrelationKey)
			require.Equal(t, model.TRIGGER_FORM_DECISION, res.Wait.Kind)
			require.Equal(t, "Ana", forms.created["inst-leave"]["who"])
			require.Equal(t, "exec-1", forms.created["inst-leave"]["executionId"])
		},
		"wait approval on existing instance": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_WAIT_APPROVAL, map[string]any{"formInstanceId": "f-9"}))
			require.Equal(t, "f-9", res.Wait.CorrelationKey)
			require.Empty(t, forms.created)
		},
		"send form completes": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_SEND_FORM, map[string]any{"formRef": "survey"}))
			require.Equal(t, STATUS_COMPLETED, res.Status)
			require.Equal(t, "inst-survey", res.Output["formInstanceId"])
		},
		"wait scan defaults to execution": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_WAIT_SCAN, nil))
			require.Equal(t, STATUS_WAITING, res.Status)
			require.Equal(t, "exec-1", res.Wait.CorrelationKey)
		},
		"branch picks event": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_BRANCH, map[string]any{"expression": "{$.variables.choice}"}))
			require.Equal(t, STATUS_COMPLETED, res.Status)
			require.Equal(t, "yes", res.Event)

			res = d.Execute(context.Background(), newContext(flow.NODE_BRANCH, map[string]any{"expression": "{$.variables.level}"}))
			require.Equal(t, "2", res.Event)

			res = d.Execute(context.Background(), newContext(flow.NODE_BRANCH, map[string]any{"expression": "{$.variables.missing}"}))
			require.Equal(t, flow.EVENT_DEFAULT, res.Event)
		},
		"branch rejects bad expression": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_BRANCH, map[string]any{"expression": "$.variables.choice"}))
			require.Equal(t, STATUS_FAILED, res.Status)
		},
		"set variable resolves values": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_SET_VARIABLE, map[string]any{
				"variables": map[string]any{"greeting": "hello {$.variables.name}", "ref": "{$.steps.n0.messageRef}"},
			}))
			require.Equal(t, STATUS_COMPLETED, res.Status)
			require.Equal(t, map[string]any{"greeting": "hello Ana", "ref": "m-0"}, res.Variables)
		},
		"set variable single pair": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_SET_VARIABLE, map[string]any{"name": "x", "value": 1.0}))
			require.Equal(t, map[string]any{"x": 1.0}, res.Variables)
		},
		"script writes variables": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_SCRIPT, map[string]any{
				"script": `$.variables.total = $.input.a + $.input.b; $.event = "big"; $.variables.total`,
			}))
			require.Equal(t, STATUS_COMPLETED, res.Status, res.Error)
			require.Equal(t, "big", res.Event)
			require.Equal(t, 5.0, res.Output["result"])
			require.Equal(t, map[string]any{"total": 5.0}, res.Variables)
		},
		"script error fails": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_SCRIPT, map[string]any{"script": "this is not js"}))
			require.Equal(t, STATUS_FAILED, res.Status)
		},
		"script is interrupted": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			res := d.Execute(context.Background(), newContext(flow.NODE_SCRIPT, map[string]any{"script": "while (true) {}"}))
			require.Equal(t, STATUS_FAILED, res.Status)
		},
		"panic becomes failure": func(t *testing.T, d *Dispatcher, sender *fakeSender, forms *fakeForms) {
			d.Register(new(panicAction))
			res := d.Execute(context.Background(), newContext(flow.NODE_SEND_FORM, nil))
			require.Equal(t, STATUS_FAILED, res.Status)
			require.Contains(t, res.Error, "boom")
		},
	}
	for name, scenario := range scenarios {
		t.Run(name, func(t *testing.T) {
			sender := &fakeSender{ref: "m-1"}
			forms := &fakeForms{}
			d := NewDispatcher(sender, forms, Options{DefaultWaitTimeout: time.Hour, ScriptTimeout: 50 * time.Millisecond})
			scenario(t, d, sender, forms)
		})
	}
}
