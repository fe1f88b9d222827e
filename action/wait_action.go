package action

import (
	"context"

	"github.com/mohitkumar/chatflow/flow"
	"github.com/mohitkumar/chatflow/model"
)

var _ Action = new(waitReplyAction)

type waitReplyAction struct{}

func (a *waitReplyAction) Type() flow.NodeType {
	return flow.NODE_WAIT_REPLY
}

func (a *waitReplyAction) Execute(ctx context.Context, ectx *ExecutionContext) *Result {
	from := field(ectx, ectx.Data(), "from", "recipient", "sender", "phone")
	if from == "" {
		return failed("wait-reply node %s: from is required", ectx.Node.Id)
	}
	key := model.NormalizeCorrelationKey(from)
	return waiting(map[string]any{"from": from}, &WaitSpec{Kind: model.TRIGGER_INBOUND_MESSAGE, CorrelationKey: key})
}

var _ Action = new(waitApprovalAction)

type waitApprovalAction struct {
	forms FormService
}

func NewWaitApprovalAction(forms FormService) *waitApprovalAction {
	return &waitApprovalAction{forms: forms}
}

func (a *waitApprovalAction) Type() flow.NodeType {
	return flow.NODE_WAIT_APPROVAL
}

// Execute waits on an existing form instance, or creates one from formRef.
func (a *waitApprovalAction) Execute(ctx context.Context, ectx *ExecutionContext) *Result {
	data := ectx.Data()
	output := make(map[string]any)
	instanceId := field(ectx, data, "formInstanceId")
	if instanceId == "" {
		formRef := field(ectx, data, "formRef", "formId", "form")
		if formRef == "" {
			return failed("wait-approval node %s: formRef or formInstanceId is required", ectx.Node.Id)
		}
		id, res := createForm(ctx, a.forms, ectx, data, formRef)
		if res != nil {
			return res
		}
		instanceId = id
		output["formRef"] = formRef
	}
	output["formInstanceId"] = instanceId
	return waiting(output, &WaitSpec{Kind: model.TRIGGER_FORM_DECISION, CorrelationKey: instanceId})
}

var _ Action = new(waitScanAction)

type waitScanAction struct{}

func (a *waitScanAction) Type() flow.NodeType {
	return flow.NODE_WAIT_SCAN
}

func (a *waitScanAction) Execute(ctx context.Context, ectx *ExecutionContext) *Result {
	scanRef := field(ectx, ectx.Data(), "scanRef", "correlationId")
	key := scanRef
	if key == "" {
		key = ectx.ExecutionId
	}
	return waiting(map[string]any{"scanRef": key}, &WaitSpec{Kind: model.TRIGGER_SCAN_RESULT, CorrelationKey: key})
}
