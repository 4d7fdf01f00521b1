package execctx

import "context"

// SubworkflowGate is the narrow slice of the Supervisor a handler needs
// to run a nested workflow to completion and fold its output back into
// the parent's scope. Kept as an interface for the same reason as
// HITLGate: avoiding a supervisor <-> execctx import cycle.
type SubworkflowGate interface {
	ExecuteSubworkflow(ctx context.Context, executionID, workflowID string, input map[string]any, outputMapping map[string]string) (map[string]any, error)
}

// SetSubworkflowGate installs the Supervisor's execute_subworkflow
// capability. Called once, at execution start.
func (c *Context) SetSubworkflowGate(gate SubworkflowGate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subworkflowGate = gate
}

// RunSubworkflow blocks the calling handler until workflowID runs to a
// terminal state as a child of this execution. Panics if no Supervisor
// is attached, for the same reason AskHuman does.
func (c *Context) RunSubworkflow(ctx context.Context, workflowID string, input map[string]any, outputMapping map[string]string) (map[string]any, error) {
	c.mu.RLock()
	gate := c.subworkflowGate
	executionID := c.executionID
	c.mu.RUnlock()

	if gate == nil {
		panic("execctx: RunSubworkflow called with no subworkflow gate attached")
	}
	return gate.ExecuteSubworkflow(ctx, executionID, workflowID, input, outputMapping)
}
