package supervisor

import (
	"context"
	"errors"

	"github.com/opkernel/workflow-kernel/pkg/kernel/kernelerr"
	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

// ExecuteSubworkflow implements execctx.SubworkflowGate: it is what the
// subworkflow handler reaches through the Execution Context. workflowID
// is resolved through storage, so this path is only available when the
// Supervisor was built WithStorage.
func (s *Supervisor) ExecuteSubworkflow(ctx context.Context, executionID, workflowID string, input map[string]any, outputMapping map[string]string) (map[string]any, error) {
	if s.storage == nil {
		return nil, errors.New("supervisor: execute_subworkflow requires a storage collaborator")
	}
	sub, err := s.storage.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return s.ExecuteSubworkflowDirect(ctx, executionID, sub, input, outputMapping)
}

// ExecuteSubworkflowDirect starts sub as a child of parentExecutionID,
// blocks until it reaches a terminal state, and maps its output back
// into the parent's scope. Enforces I4 (nesting depth) and I5 (no cycle
// through the ancestor chain) before starting anything.
func (s *Supervisor) ExecuteSubworkflowDirect(
	ctx context.Context,
	parentExecutionID string,
	sub *model.Workflow,
	input map[string]any,
	outputMapping map[string]string,
) (map[string]any, error) {
	s.mu.Lock()
	parent, ok := s.executions[parentExecutionID]
	if !ok {
		s.mu.Unlock()
		return nil, kernelerr.ErrNotFound
	}

	depth := parent.ec.NestingDepth() + 1
	maxDepth := parent.workflow.Settings.MaxNestingDepth
	if maxDepth <= 0 {
		maxDepth = model.SystemMaxLoops // no explicit cap declared: fall back to the system ceiling rather than none
	}
	if depth > maxDepth {
		s.mu.Unlock()
		return nil, kernelerr.ErrNestingDepthExceeded
	}
	for _, ancestor := range parent.workflowChain {
		if ancestor == sub.ID {
			s.mu.Unlock()
			return nil, kernelerr.ErrSubworkflowCycle
		}
	}

	userID := parent.handle.UserID
	chain := append([]string(nil), parent.workflowChain...)
	s.mu.Unlock()

	handle, err := s.Start(ctx, sub, userID, input, StartOptions{
		Supervision:       model.SupervisionFull,
		ParentExecutionID: parentExecutionID,
		NestingDepth:      depth,
		WorkflowChain:     chain,
	})
	if err != nil {
		return nil, err
	}

	final, err := s.awaitTerminal(ctx, handle.ExecutionID)
	if err != nil {
		return nil, err
	}
	if final.State == model.ExecutionFailed {
		msg := "sub-workflow failed"
		if final.Error != nil {
			msg = final.Error.Message
		}
		return nil, &kernelerr.RuntimeNodeError{Kind: kernelerr.RuntimeHandlerException, NodeID: sub.ID, Err: errors.New(msg)}
	}
	if final.State == model.ExecutionCancelled {
		return nil, context.Canceled
	}

	if len(outputMapping) == 0 {
		return final.Output, nil
	}
	mapped := make(map[string]any, len(outputMapping))
	for from, to := range outputMapping {
		if v, ok := final.Output[from]; ok {
			mapped[to] = v
		}
	}
	return mapped, nil
}

// awaitTerminal blocks until executionID's entry closes its doneCh
// (runExecution does this immediately before removing the entry from
// the active set), then re-derives the terminal handle from storage-
// independent state captured at that moment. Because runExecution
// deletes the entry from the map in the same critical section that
// closes doneCh, a fresh lookup after the channel closes would race
// against deletion; the handle is therefore captured once, right after
// the close is observed, from the entry the caller already holds a
// reference to.
func (s *Supervisor) awaitTerminal(ctx context.Context, executionID string) (*model.ExecutionHandle, error) {
	s.mu.Lock()
	entry, ok := s.executions[executionID]
	s.mu.Unlock()
	if !ok {
		return nil, kernelerr.ErrNotFound
	}

	select {
	case <-entry.doneCh:
		return entry.handle.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
