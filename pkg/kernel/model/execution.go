package model

import "time"

// ExecutionState is the finite state machine governing one execution's
// lifecycle. Terminal states are absorbing.
type ExecutionState string

const (
	ExecutionPending      ExecutionState = "PENDING"
	ExecutionRunning      ExecutionState = "RUNNING"
	ExecutionPaused       ExecutionState = "PAUSED"
	ExecutionWaitingHuman ExecutionState = "WAITING_HUMAN"
	ExecutionCompleted    ExecutionState = "COMPLETED"
	ExecutionFailed       ExecutionState = "FAILED"
	ExecutionCancelled    ExecutionState = "CANCELLED"
)

// IsTerminal reports whether s admits no further transitions.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// ExecutionError carries the terminal failure detail for a FAILED
// execution.
type ExecutionError struct {
	Kind          string `json:"error_kind"`
	FailingNodeID string `json:"failing_node_id"`
	Message       string `json:"message"`
}

// ExecutionHandle is the control-plane record for one running
// execution, snapshotted for status queries.
type ExecutionHandle struct {
	ExecutionID       string          `json:"execution_id"`
	WorkflowID        string          `json:"workflow_id"`
	UserID            string          `json:"user_id"`
	State             ExecutionState  `json:"state"`
	CurrentNode       string          `json:"current_node,omitempty"`
	Progress          float64         `json:"progress"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	PendingHITL       *string         `json:"pending_hitl,omitempty"` // HITLRequest.ID
	LoopCounters      map[string]int  `json:"loop_counters"`
	Error             *ExecutionError `json:"error,omitempty"`
	ParentExecutionID *string         `json:"parent_execution_id,omitempty"`
	NestingDepth      int             `json:"nesting_depth"`
	Output            map[string]any  `json:"output,omitempty"`

	SupervisionLevel SupervisionLevel `json:"supervision_level,omitempty"`
	GoalConditions   GoalConditions   `json:"goal_conditions,omitempty"`
}

// Clone returns a deep-enough copy for safe external snapshotting: the
// scalar fields and maps are copied so a caller cannot mutate the
// Supervisor's live handle through the returned value.
func (h *ExecutionHandle) Clone() *ExecutionHandle {
	if h == nil {
		return nil
	}
	c := *h
	c.LoopCounters = make(map[string]int, len(h.LoopCounters))
	for k, v := range h.LoopCounters {
		c.LoopCounters[k] = v
	}
	if h.Output != nil {
		c.Output = make(map[string]any, len(h.Output))
		for k, v := range h.Output {
			c.Output[k] = v
		}
	}
	if h.CompletedAt != nil {
		t := *h.CompletedAt
		c.CompletedAt = &t
	}
	if h.PendingHITL != nil {
		s := *h.PendingHITL
		c.PendingHITL = &s
	}
	if h.ParentExecutionID != nil {
		s := *h.ParentExecutionID
		c.ParentExecutionID = &s
	}
	if h.Error != nil {
		e := *h.Error
		c.Error = &e
	}
	return &c
}

// NodeResult is what a handler's execute operation returns: the value
// map published into downstream scope, the output handle selecting
// outgoing edges, and an optional error.
type NodeResult struct {
	Data         map[string]any `json:"data"`
	OutputHandle string         `json:"output_handle"`
	Error        *NodeError     `json:"error,omitempty"`
}

// NodeErrorKind classifies a handler-reported failure for the runner's
// retry decision.
type NodeErrorKind string

const (
	NodeErrorRetryable   NodeErrorKind = "retryable"
	NodeErrorPermanent   NodeErrorKind = "permanent"
)

// NodeError is the structured error a handler may attach to a
// NodeResult routed through the "error" handle.
type NodeError struct {
	Kind    NodeErrorKind `json:"kind"`
	Message string        `json:"message"`
}

func (e *NodeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}
