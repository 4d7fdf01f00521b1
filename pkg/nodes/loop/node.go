// Package loop implements the "loop" node handler: the reference
// loop-carrying handler that walks config["items"] one element per
// invocation, emitting "loop" with the current element until the
// batch is exhausted, then "done". Generalizes the teacher's
// split_in_batches style nodes to the single-output-handle Handler
// contract.
//
// Execute is not told which graph node it is running as (model.Handler
// deliberately omits a node_id parameter), so a node using this
// handler must declare a config field "loop_key" — conventionally its
// own node ID — that this handler uses to namespace its own cursor
// bookkeeping in the Execution Context. This is a private namespace:
// the Graph Runner's own per-iteration accounting (accumulated
// results, loop counters, published output) is always keyed by the
// real node ID and never touches loop_key.
package loop

import (
	"context"
	"fmt"

	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

const TypeTag = "loop"

const (
	OutputLoop = "loop"
	OutputDone = "done"
)

// cursorStore is the slice of execctx.Context this handler needs, kept
// narrow so tests can inject a fake instead of a real Context.
type cursorStore interface {
	BatchCursor(key string) int
	SetBatchCursor(key string, cursor int)
}

type Handler struct{}

func New() *Handler { return &Handler{} }

func (h *Handler) TypeTag() string { return TypeTag }

func (h *Handler) DeclaredFields() []model.FieldSpec {
	return []model.FieldSpec{
		{Name: "loop_key", Type: model.FieldTypeString, Required: true},
	}
}

func (h *Handler) DeclaredCredentials() []string { return nil }
func (h *Handler) DeclaredOutputs() []string      { return []string{OutputLoop, OutputDone} }

// IsLoopCarrying tells the Compiler's cycle pass to exempt this
// handler's own back-edge (loop -> body -> loop) from acyclicity.
func (h *Handler) IsLoopCarrying() bool { return true }

func (h *Handler) Execute(_ context.Context, _ map[string]any, config map[string]any, execCtx any) (model.NodeResult, error) {
	loopKey, _ := config["loop_key"].(string)
	if loopKey == "" {
		return model.NodeResult{}, fmt.Errorf("missing required field 'loop_key'")
	}
	items, _ := config["items"].([]any)

	store, ok := execCtx.(cursorStore)
	if !ok {
		return model.NodeResult{}, fmt.Errorf("loop handler requires an execution context with cursor state")
	}

	cursor := store.BatchCursor(loopKey)
	if cursor >= len(items) {
		return model.NodeResult{OutputHandle: OutputDone}, nil
	}

	item := items[cursor]
	store.SetBatchCursor(loopKey, cursor+1)

	return model.NodeResult{
		Data:         map[string]any{"item": item, "index": cursor},
		OutputHandle: OutputLoop,
	}, nil
}
