// Package kernelerr defines the kernel's typed error taxonomy:
// compilation errors, runtime node errors, and control-layer errors,
// each `errors.As`-friendly and renderable as RFC-7807 problem
// documents for embedding HTTP callers.
package kernelerr

import (
	"errors"
	"fmt"

	"github.com/moogar0880/problems"
)

// Control-layer sentinel errors. Compared with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrNotAuthorized       = errors.New("not authorized")
	ErrAlreadyTerminal     = errors.New("execution already terminal")
	ErrAlreadyPending      = errors.New("hitl request already pending")
	ErrTimedOut            = errors.New("timed out")
	ErrNestingDepthExceeded = errors.New("nesting depth exceeded")
	ErrSubworkflowCycle    = errors.New("sub-workflow cycle")
	ErrLoopLimitExceeded   = errors.New("loop limit exceeded")
	ErrNotPending          = errors.New("hitl request not pending")
)

// CompilationError is raised synchronously from Compile/start. Issues
// is the full list of compile-time issues found; the wrapped error is
// the first fatal one.
type CompilationError struct {
	WorkflowID string
	Op         string
	NodeID     string
	Err        error
	Issues     []CompileIssue
}

func (e *CompilationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("compile %s: node %s: %v", e.WorkflowID, e.NodeID, e.Err)
	}
	return fmt.Sprintf("compile %s: %v", e.WorkflowID, e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// CompileIssue is one entry accumulated during the validation pipeline.
// Not every issue is fatal — orphans and type mismatches may be
// warnings that do not block compilation.
type CompileIssue struct {
	NodeID  string
	Kind    string // e.g. "cycle", "orphan", "credential", "config", "type_mismatch", "unknown_node_type"
	Message string
	Fatal   bool
}

func (i CompileIssue) String() string {
	if i.NodeID != "" {
		return fmt.Sprintf("%s(%s): %s", i.Kind, i.NodeID, i.Message)
	}
	return fmt.Sprintf("%s: %s", i.Kind, i.Message)
}

// Named compile-time error kinds, matching spec.md's taxonomy exactly.
const (
	IssueCycle             = "cycle"
	IssueOrphan            = "orphan"
	IssueCredential        = "credential"
	IssueConfig            = "config"
	IssueTypeMismatch      = "type_mismatch"
	IssueUnknownNodeType   = "unknown_node_type"
	IssueStructural        = "structural"
)

// NewCompilationError wraps the first fatal issue while retaining the
// full issue list for callers that want to report everything found.
func NewCompilationError(workflowID string, issues []CompileIssue) *CompilationError {
	var first *CompileIssue
	for i := range issues {
		if issues[i].Fatal {
			first = &issues[i]
			break
		}
	}
	err := &CompilationError{WorkflowID: workflowID, Issues: issues}
	if first != nil {
		err.NodeID = first.NodeID
		err.Err = errors.New(first.Message)
	} else {
		err.Err = errors.New("compilation failed")
	}
	return err
}

// RuntimeNodeError families, per spec.md §7.
type RuntimeNodeErrorKind string

const (
	RuntimeHandlerException RuntimeNodeErrorKind = "HandlerException"
	RuntimeTimeoutError     RuntimeNodeErrorKind = "TimeoutError"
	RuntimeTemplateError    RuntimeNodeErrorKind = "TemplateError"
	RuntimePermissionDenied RuntimeNodeErrorKind = "PermissionDenied"
)

// RuntimeNodeError is attached to a FAILED execution's ExecutionError
// and to node_failed events.
type RuntimeNodeError struct {
	Kind    RuntimeNodeErrorKind
	NodeID  string
	Err     error
}

func (e *RuntimeNodeError) Error() string {
	return fmt.Sprintf("%s at node %s: %v", e.Kind, e.NodeID, e.Err)
}

func (e *RuntimeNodeError) Unwrap() error { return e.Err }

// AsProblem renders any kernel error as an RFC-7807 problem document,
// matching the teacher's HTTP error rendering convention for callers
// that expose the control surface over HTTP.
func AsProblem(err error) *problems.Problem {
	status, kind := classify(err)
	return problems.NewStatusProblem(status).
		WithType(kind).
		WithDetail(err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return 404, "not_found"
	case errors.Is(err, ErrNotAuthorized):
		return 403, "not_authorized"
	case errors.Is(err, ErrAlreadyTerminal):
		return 409, "already_terminal"
	case errors.Is(err, ErrAlreadyPending):
		return 409, "already_pending"
	case errors.Is(err, ErrNotPending):
		return 409, "not_pending"
	case errors.Is(err, ErrTimedOut):
		return 408, "timed_out"
	case errors.Is(err, ErrNestingDepthExceeded):
		return 400, "nesting_depth_exceeded"
	case errors.Is(err, ErrSubworkflowCycle):
		return 400, "subworkflow_cycle"
	case errors.Is(err, ErrLoopLimitExceeded):
		return 500, "loop_limit_exceeded"
	default:
		var compileErr *CompilationError
		if errors.As(err, &compileErr) {
			return 422, "compilation_error"
		}
		return 500, "internal_error"
	}
}
