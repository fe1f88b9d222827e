package action

import (
	"context"

	"github.com/mohitkumar/chatflow/flow"
	"github.com/mohitkumar/chatflow/model"
	"github.com/mohitkumar/chatflow/util"
)

var _ Action = new(sendMessageAction)

type sendMessageAction struct {
	sender MessageSender
}

func NewSendMessageAction(sender MessageSender) *sendMessageAction {
	return &sendMessageAction{sender: sender}
}

func (a *sendMessageAction) Type() flow.NodeType {
	return flow.NODE_SEND_MESSAGE
}

func (a *sendMessageAction) Execute(ctx context.Context, ectx *ExecutionContext) *Result {
	data := ectx.Data()
	recipient := field(ectx, data, "recipient", "to", "phone")
	if recipient == "" {
		return failed("send-message node %s: recipient is required", ectx.Node.Id)
	}
	body := field(ectx, data, "message", "body", "text")
	if body == "" {
		return failed("send-message node %s: message is required", ectx.Node.Id)
	}
	if a.sender == nil {
		return failed("send-message node %s: no message service configured", ectx.Node.Id)
	}
	ref, err := a.sender.Send(ctx, recipient, body)
	if err != nil {
		return failed("send-message node %s: send failed: %s", ectx.Node.Id, err)
	}
	output := map[string]any{
		"recipient":  recipient,
		"message":    body,
		"messageRef": ref,
	}
	if !flag(ectx, "waitForAck") {
		return completed("", output)
	}
	if ref == "" {
		return failed("send-message node %s: message service returned no reference to acknowledge", ectx.Node.Id)
	}
	return waiting(output, &WaitSpec{Kind: model.TRIGGER_MESSAGE_ACK, CorrelationKey: ref})
}

var _ Action = new(sendFormAction)

type sendFormAction struct {
	forms FormService
}

func NewSendFormAction(forms FormService) *sendFormAction {
	return &sendFormAction{forms: forms}
}

func (a *sendFormAction) Type() flow.NodeType {
	return flow.NODE_SEND_FORM
}

func (a *sendFormAction) Execute(ctx context.Context, ectx *ExecutionContext) *Result {
	data := ectx.Data()
	formRef := field(ectx, data, "formRef", "formId", "form")
	if formRef == "" {
		return failed("send-form node %s: formRef is required", ectx.Node.Id)
	}
	instanceId, res := createForm(ctx, a.forms, ectx, data, formRef)
	if res != nil {
		return res
	}
	output := map[string]any{
		"formRef":        formRef,
		"formInstanceId": instanceId,
	}
	if flag(ectx, "waitForDecision") {
		return waiting(output, &WaitSpec{Kind: model.TRIGGER_FORM_DECISION, CorrelationKey: instanceId})
	}
	return completed("", output)
}

func createForm(ctx context.Context, forms FormService, ectx *ExecutionContext, data map[string]any, formRef string) (string, *Result) {
	if forms == nil {
		return "", failed("node %s: no form service configured", ectx.Node.Id)
	}
	payload := make(map[string]any)
	if raw, ok := ectx.Node.Data["data"].(map[string]any); ok {
		payload = util.ResolveParams(data, raw)
	}
	payload["executionId"] = ectx.ExecutionId
	instanceId, err := forms.CreateInstance(ctx, formRef, payload)
	if err != nil {
		return "", failed("node %s: form creation failed: %s", ectx.Node.Id, err)
	}
	if instanceId == "" {
		return "", failed("node %s: form service returned no instance id", ectx.Node.Id)
	}
	return instanceId, nil
}
