package runner

import (
	"context"

	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

// Hooks is the Supervisor's contract consumed by the Graph Runner at
// every node boundary. Implementations must be safe to call from the
// single goroutine driving one execution; they own event emission,
// pause/cancel observation, and loop-counter bookkeeping.
type Hooks interface {
	// BeforeNode awaits the pause gate, checks the cancel flag, updates
	// current_node and emits node_start. Abort or Pause here stop the
	// runner before the node executes.
	BeforeNode(ctx context.Context, executionID, nodeID string) model.Decision

	// AfterNode is called once a node produced a result, whether or not
	// that result carried a handler-level error. It updates loop
	// counters and emits node_complete.
	AfterNode(ctx context.Context, executionID, nodeID string, result model.NodeResult) model.Decision

	// OnError is called after retry exhaustion for a node whose result
	// was a retryable/permanent failure. Default policy aborts; a
	// Supervisor MAY consult goal conditions or ask_human before
	// returning Retry.
	OnError(ctx context.Context, executionID, nodeID string, nodeErr *model.NodeError) model.Decision
}

// NopHooks is a zero-friction Hooks implementation for callers (tests,
// simple embeddings) that don't need pause/cancel/HITL — every hook
// simply continues.
type NopHooks struct{}

func (NopHooks) BeforeNode(context.Context, string, string) model.Decision { return model.Continue() }

func (NopHooks) AfterNode(context.Context, string, string, model.NodeResult) model.Decision {
	return model.Continue()
}

func (NopHooks) OnError(context.Context, string, string, *model.NodeError) model.Decision {
	return model.Abort("no supervisor attached")
}
