package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opkernel/workflow-kernel/pkg/kernel/eventsink"
	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

// truncatedOutputLimit bounds the JSON preview of a node's output
// carried on node_completed, so a handler returning a large payload
// doesn't blow up the event stream.
const truncatedOutputLimit = 2048

// BeforeNode implements runner.Hooks. It is the runner's only
// suspension point for pause/cancel: a non-blocking check first (so an
// already-running execution never pays a select), then a blocking wait
// on the pause gate versus the run context's cancellation.
func (s *Supervisor) BeforeNode(ctx context.Context, executionID, nodeID string) model.Decision {
	s.mu.Lock()
	entry, ok := s.executions[executionID]
	if !ok {
		s.mu.Unlock()
		return model.Abort("execution vanished")
	}
	if entry.cancelled {
		s.mu.Unlock()
		return model.Abort("cancelled")
	}
	gate := entry.runGate
	supervision := entry.handle.SupervisionLevel
	entry.handle.CurrentNode = nodeID
	entry.handle.LoopCounters = entry.ec.LoopCounters()
	entry.nodeStartedAt[nodeID] = s.clock.Now()
	snap := entry.handle.Clone()
	s.mu.Unlock()

	select {
	case <-gate:
	default:
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Abort("cancelled while paused")
		}
	}

	s.mu.Lock()
	if entry.cancelled {
		s.mu.Unlock()
		return model.Abort("cancelled")
	}
	s.mu.Unlock()

	if supervision != model.SupervisionNone {
		s.emit(ctx, eventsink.EventNodeStarted, executionID, snap.WorkflowID, map[string]any{"node_id": nodeID})
	}
	return model.Continue()
}

// AfterNode implements runner.Hooks. It evaluates goal conditions
// against the newly published output and emits node_completed.
func (s *Supervisor) AfterNode(ctx context.Context, executionID, nodeID string, result model.NodeResult) model.Decision {
	s.mu.Lock()
	entry, ok := s.executions[executionID]
	if !ok {
		s.mu.Unlock()
		return model.Abort("execution vanished")
	}
	supervision := entry.handle.SupervisionLevel
	goal := entry.handle.GoalConditions
	errCount := len(entry.executionErrors)
	workflowID := entry.workflow.ID
	entry.handle.LoopCounters = entry.ec.LoopCounters()
	entry.completedNodes++
	if total := len(entry.plan.Nodes); total > 0 {
		entry.handle.Progress = min(1.0, float64(entry.completedNodes)/float64(total))
	}
	var duration time.Duration
	if started, ok := entry.nodeStartedAt[nodeID]; ok {
		duration = s.clock.Now().Sub(started)
	}
	secretFields := entry.secretFields
	s.mu.Unlock()

	decision := checkGoalCondition(goal, errCount, result)

	if supervision != model.SupervisionNone {
		payload := map[string]any{
			"node_id":          nodeID,
			"output_handle":    result.OutputHandle,
			"duration_ms":      duration.Milliseconds(),
			"truncated_output": truncateOutput(eventsink.Redact(result.Data, secretFields)),
		}
		s.emit(ctx, eventsink.EventNodeCompleted, executionID, workflowID, payload)
	}
	return decision
}

// truncateOutput renders a node's redacted output as a length-capped
// JSON preview for node_completed, rather than the full document.
func truncateOutput(data map[string]any) string {
	raw, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	if len(raw) <= truncatedOutputLimit {
		return string(raw)
	}
	return string(raw[:truncatedOutputLimit-3]) + "..."
}

// OnError implements runner.Hooks. It records the failure against the
// execution's error budget and aborts once the error count reaches
// max_errors (or
// there is no goal condition to consult, matching the original King's
// default-to-abort policy).
func (s *Supervisor) OnError(ctx context.Context, executionID, nodeID string, nodeErr *model.NodeError) model.Decision {
	s.mu.Lock()
	entry, ok := s.executions[executionID]
	if !ok {
		s.mu.Unlock()
		return model.Abort("execution vanished")
	}
	entry.executionErrors = append(entry.executionErrors, nodeErr)
	goal := entry.handle.GoalConditions
	errCount := len(entry.executionErrors)
	workflowID := entry.workflow.ID
	supervision := entry.handle.SupervisionLevel
	s.mu.Unlock()

	if supervision != model.SupervisionNone {
		s.emit(ctx, eventsink.EventNodeFailed, executionID, workflowID, map[string]any{
			"node_id": nodeID, "kind": nodeErr.Kind, "message": nodeErr.Message,
		})
	}

	if goal.MaxErrors > 0 && errCount < goal.MaxErrors {
		return model.Continue()
	}
	return model.Abort(nodeErr.Message)
}

// checkGoalCondition translates the original King's
// ExecutionHandle.check_goal_condition: max_errors and should_stop (the
// goal's own flag or a should_stop key in the node's output) are
// evaluated purely from runtime state, never from the knowledge base.
// skip_remaining is not consulted, and min_rows never changes the
// decision: a "results" list shorter than min_rows still continues.
func checkGoalCondition(goal model.GoalConditions, errCount int, result model.NodeResult) model.Decision {
	if goal.MaxErrors > 0 && errCount >= goal.MaxErrors {
		return model.Abort("max_errors reached")
	}
	if goal.ShouldStop {
		return model.Abort("goal condition: should_stop")
	}
	if stop, ok := result.Data["should_stop"].(bool); ok && stop {
		return model.Abort("node signaled should_stop")
	}
	if goal.MinRows > 0 {
		if rows, ok := result.Data["results"].([]any); ok && len(rows) < goal.MinRows {
			return model.Continue()
		}
	}
	return model.Continue()
}
