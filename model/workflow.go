package model

import "time"

type ExecutionState string

const (
	EXECUTION_PENDING   ExecutionState = "PENDING"
	EXECUTION_RUNNING   ExecutionState = "RUNNING"
	EXECUTION_WAITING   ExecutionState = "WAITING"
	EXECUTION_PAUSED    ExecutionState = "PAUSED"
	EXECUTION_COMPLETED ExecutionState = "COMPLETED"
	EXECUTION_FAILED    ExecutionState = "FAILED"
	EXECUTION_CANCELLED ExecutionState = "CANCELLED"
)

func (s ExecutionState) IsFinished() bool {
	return s == EXECUTION_COMPLETED || s == EXECUTION_FAILED || s == EXECUTION_CANCELLED
}

// WorkflowExecution is one running instance of a definition. It owns its
// steps, variable values and pending triggers.
type WorkflowExecution struct {
	Id                string         `json:"id"`
	DefinitionId      string         `json:"definitionId"`
	DefinitionVersion int64          `json:"definitionVersion"`
	TenantId          string         `json:"tenantId,omitempty"`
	State             ExecutionState `json:"state"`
	CurrentStepId     string         `json:"currentStepId,omitempty"`
	Input             map[string]any `json:"input,omitempty"`
	// node id -> step id of every activated step that has not finished
	ActiveSteps map[string]string `json:"activeSteps"`
	// node id -> step id of every node ever activated
	ExecutedNodes map[string]string `json:"executedNodes"`
	// join candidates blocked on a still running branch
	Deferred []string `json:"deferred,omitempty"`
	// completed step ids whose successors were not navigated yet
	Frontier        []string   `json:"frontier,omitempty"`
	TerminalReached bool       `json:"terminalReached"`
	StepCount       int        `json:"stepCount"`
	StartedBy       Actor      `json:"startedBy"`
	CancelledBy     *Actor     `json:"cancelledBy,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func NewWorkflowExecution(id string, def *WorkflowDefinition, input map[string]any, actor Actor) *WorkflowExecution {
	now := time.Now().UTC()
	if input == nil {
		input = make(map[string]any)
	}
	return &WorkflowExecution{
		Id:                id,
		DefinitionId:      def.Id,
		DefinitionVersion: def.Version(),
		TenantId:          def.TenantId,
		State:             EXECUTION_PENDING,
		Input:             input,
		ActiveSteps:       make(map[string]string),
		ExecutedNodes:     make(map[string]string),
		StartedBy:         actor.OrUnknown(),
		StartedAt:         now,
		UpdatedAt:         now,
	}
}

func (e *WorkflowExecution) IsFinished() bool {
	return e.State.IsFinished()
}

func (e *WorkflowExecution) Visited(nodeId string) bool {
	_, ok := e.ExecutedNodes[nodeId]
	return ok
}

func (e *WorkflowExecution) Finish(state ExecutionState) {
	now := time.Now().UTC()
	e.State = state
	e.EndedAt = &now
	e.UpdatedAt = now
}

type StepState string

const (
	STEP_PENDING   StepState = "PENDING"
	STEP_RUNNING   StepState = "RUNNING"
	STEP_WAITING   StepState = "WAITING"
	STEP_COMPLETED StepState = "COMPLETED"
	STEP_FAILED    StepState = "FAILED"
	STEP_CANCELLED StepState = "CANCELLED"
)

func (s StepState) IsFinished() bool {
	return s == STEP_COMPLETED || s == STEP_FAILED || s == STEP_CANCELLED
}

// StepExecution is the record of one node activation. Records are append
// only and ordered by Seq.
type StepExecution struct {
	Id          string         `json:"id"`
	ExecutionId string         `json:"executionId"`
	Seq         int            `json:"seq"`
	NodeId      string         `json:"nodeId"`
	NodeType    string         `json:"nodeType"`
	State       StepState      `json:"state"`
	Event       string         `json:"event,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Implicit    bool           `json:"implicit,omitempty"`
	Synthetic   bool           `json:"synthetic,omitempty"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	EndedAt     *time.Time     `json:"endedAt,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func (s *StepExecution) IsFinished() bool {
	return s.State.IsFinished()
}

// IsSuspended reports whether the step can still be completed by a trigger.
// A step left RUNNING by an interrupted resumption is treated as suspended.
func (s *StepExecution) IsSuspended() bool {
	return s.State == STEP_WAITING || s.State == STEP_RUNNING
}

func (s *StepExecution) MarkRunning() {
	now := time.Now().UTC()
	s.State = STEP_RUNNING
	s.StartedAt = &now
	s.UpdatedAt = now
}

func (s *StepExecution) MarkWaiting() {
	s.State = STEP_WAITING
	s.UpdatedAt = time.Now().UTC()
}

func (s *StepExecution) MarkCompleted(event string, output map[string]any) {
	now := time.Now().UTC()
	s.State = STEP_COMPLETED
	s.Event = event
	s.Output = output
	s.Error = ""
	s.EndedAt = &now
	s.UpdatedAt = now
}

func (s *StepExecution) MarkFailed(reason string, output map[string]any) {
	now := time.Now().UTC()
	if output == nil {
		output = make(map[string]any)
	}
	output["error"] = reason
	s.State = STEP_FAILED
	s.Error = reason
	s.Output = output
	s.EndedAt = &now
	s.UpdatedAt = now
}

func (s *StepExecution) MarkCancelled() {
	now := time.Now().UTC()
	s.State = STEP_CANCELLED
	s.EndedAt = &now
	s.UpdatedAt = now
}

type ExecutionStatus struct {
	Execution *WorkflowExecution `json:"execution"`
	Steps     []StepExecution    `json:"steps"`
}

// Clone copies the execution so buffered writes are not shared with callers.
func (e *WorkflowExecution) Clone() *WorkflowExecution {
	c := *e
	c.ActiveSteps = cloneStringMap(e.ActiveSteps)
	c.ExecutedNodes = cloneStringMap(e.ExecutedNodes)
	c.Deferred = append([]string(nil), e.Deferred...)
	c.Frontier = append([]string(nil), e.Frontier...)
	if e.CancelledBy != nil {
		actor := *e.CancelledBy
		c.CancelledBy = &actor
	}
	if e.EndedAt != nil {
		ended := *e.EndedAt
		c.EndedAt = &ended
	}
	return &c
}

func (s *StepExecution) Clone() *StepExecution {
	c := *s
	return &c
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
