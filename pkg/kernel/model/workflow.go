// Package model defines the core data types of the workflow execution
// kernel: the workflow graph as submitted for compilation, the plan
// produced by the compiler, and the handle/context types a running
// execution is built from.
package model

import "time"

// ErrorPolicy governs how the Graph Runner treats an unrouted node error.
type ErrorPolicy string

const (
	// ErrorPolicyFailFast terminates the execution on the first
	// un-routed error.
	ErrorPolicyFailFast ErrorPolicy = "fail_fast"
	// ErrorPolicyContinue routes errors through "error" handles where
	// present; the execution only fails once an error reaches a node
	// with no "error" handle configured.
	ErrorPolicyContinue ErrorPolicy = "continue"
)

// SystemMaxLoops is the hard ceiling on any single loop-carrying node's
// iteration count, enforced by the runner regardless of per-node config.
const SystemMaxLoops = 1000

// SystemDefaultTimeoutMS is used when neither the node nor the workflow
// declares a timeout.
const SystemDefaultTimeoutMS = 60_000

// WorkflowSettings holds the workflow-level execution defaults.
type WorkflowSettings struct {
	DefaultTimeoutMS int         `json:"default_timeout_ms"`
	MaxRetries       int         `json:"max_retries"`
	ErrorPolicy      ErrorPolicy `json:"error_policy"      validate:"omitempty,oneof=fail_fast continue"`
	MaxNestingDepth  int         `json:"max_nesting_depth"`
	StrictOrphans    bool        `json:"strict_orphans"` // promote OrphanWarning to OrphanError
}

// Workflow is the input to the Compiler: a validated DAG (with
// loop-carrying exceptions) of typed nodes. Immutable for the duration
// of any execution referring to it.
type Workflow struct {
	ID       string           `json:"id"                validate:"required"`
	UserID   string           `json:"user_id"           validate:"required"`
	Nodes    []Node           `json:"nodes"             validate:"required,dive"`
	Edges    []Edge           `json:"edges"             validate:"dive"`
	Settings WorkflowSettings `json:"workflow_settings"`
}

// Node is one vertex of the workflow graph. Config is opaque per
// type_tag and may contain templated string values (see package
// kernel/template).
type Node struct {
	ID             string         `json:"id"              validate:"required"`
	TypeTag        string         `json:"type"            validate:"required"`
	Config         map[string]any `json:"data"`
	CredentialRefs []string       `json:"credential_refs"`
}

// EdgeKind disambiguates the semantics of an outgoing edge beyond its
// source handle.
type EdgeKind string

const (
	EdgeKindDefault     EdgeKind = "default"
	EdgeKindConditional EdgeKind = "conditional"
	EdgeKindLoopBody    EdgeKind = "loop_body"
	EdgeKindLoopDone    EdgeKind = "loop_done"
)

// Edge connects a source node's output handle to a target node.
type Edge struct {
	ID           string   `json:"id"`
	SourceNodeID string   `json:"source"          validate:"required"`
	TargetNodeID string   `json:"target"          validate:"required"`
	SourceHandle string   `json:"sourceHandle"` // empty means "default"
	Kind         EdgeKind `json:"type"`
}

// Handle returns the edge's effective source handle, defaulting to
// "default" when unset.
func (e Edge) Handle() string {
	if e.SourceHandle == "" {
		return "default"
	}
	return e.SourceHandle
}

// HITLKind enumerates the flavors of a human-in-the-loop request.
type HITLKind string

const (
	HITLKindApproval      HITLKind = "approval"
	HITLKindClarification HITLKind = "clarification"
	HITLKindErrorRecovery HITLKind = "error_recovery"
)

// HITLStatus is the lifecycle of a single HITL request.
type HITLStatus string

const (
	HITLStatusPending   HITLStatus = "pending"
	HITLStatusResponded HITLStatus = "responded"
	HITLStatusTimedOut  HITLStatus = "timed_out"
	HITLStatusCancelled HITLStatus = "cancelled"
)

// HITLRequest is a single human-in-the-loop round trip owned by the
// Supervisor for the lifetime of exactly one WAITING_HUMAN period.
type HITLRequest struct {
	ID            string     `json:"id"`
	ExecutionID   string     `json:"execution_id"`
	UserID        string     `json:"user_id"`
	Kind          HITLKind   `json:"kind"`
	Title         string     `json:"title"`
	Message       string     `json:"message"`
	Options       []string   `json:"options,omitempty"`
	TimeoutSecond int        `json:"timeout_seconds"`
	CreatedAt     time.Time  `json:"created_at"`
	Status        HITLStatus `json:"status"`
	Response      any        `json:"response,omitempty"`
}

// GoalConditions bounds an execution without requiring hand-written
// conditional nodes. Supplements spec.md's data model per the original
// King's ExecutionHandle.goal_conditions; a zero-value GoalConditions
// changes no behavior.
type GoalConditions struct {
	MinRows        int  `json:"min_rows,omitempty"`
	MaxErrors      int  `json:"max_errors,omitempty"`
	ShouldStop     bool `json:"should_stop,omitempty"`
	SkipRemaining  bool `json:"skip_remaining,omitempty"`
}

// SupervisionLevel selects whether the Supervisor's hooks publish node
// lifecycle events for a given execution. The hooks themselves always
// run: none suppresses node_started/node_completed/node_failed events,
// while full and error_only both publish all of them.
type SupervisionLevel string

const (
	SupervisionFull      SupervisionLevel = "full"
	SupervisionErrorOnly SupervisionLevel = "error_only"
	SupervisionNone      SupervisionLevel = "none"
)
