// Package subworkflow implements the "subworkflow" node handler:
// starts config["workflow_id"] as a child of the current execution,
// blocks until it reaches a terminal state, and folds its output back
// through config["output_mapping"] under "default".
package subworkflow

import (
	"context"
	"fmt"

	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

const TypeTag = "subworkflow"

const OutputDefault = "default"

// runner is the slice of execctx.Context this handler needs.
type runner interface {
	RunSubworkflow(ctx context.Context, workflowID string, input map[string]any, outputMapping map[string]string) (map[string]any, error)
}

type Handler struct{}

func New() *Handler { return &Handler{} }

func (h *Handler) TypeTag() string { return TypeTag }

func (h *Handler) DeclaredFields() []model.FieldSpec {
	return []model.FieldSpec{
		{Name: "workflow_id", Type: model.FieldTypeString, Required: true},
	}
}

func (h *Handler) DeclaredCredentials() []string { return nil }
func (h *Handler) DeclaredOutputs() []string      { return []string{OutputDefault} }

func (h *Handler) Execute(ctx context.Context, input map[string]any, config map[string]any, execCtx any) (model.NodeResult, error) {
	workflowID, _ := config["workflow_id"].(string)
	if workflowID == "" {
		return model.NodeResult{}, fmt.Errorf("missing required field 'workflow_id'")
	}

	r, ok := execCtx.(runner)
	if !ok {
		return model.NodeResult{}, fmt.Errorf("subworkflow handler requires an execution context with a subworkflow gate")
	}

	childInput := input
	if mapping, ok := config["input_mapping"].(map[string]any); ok && len(mapping) > 0 {
		childInput = make(map[string]any, len(mapping))
		for from, toAny := range mapping {
			to, ok := toAny.(string)
			if !ok {
				continue
			}
			if v, ok := input[from]; ok {
				childInput[to] = v
			}
		}
	}

	outputMapping := make(map[string]string)
	if mapping, ok := config["output_mapping"].(map[string]any); ok {
		for from, toAny := range mapping {
			if to, ok := toAny.(string); ok {
				outputMapping[from] = to
			}
		}
	}

	output, err := r.RunSubworkflow(ctx, workflowID, childInput, outputMapping)
	if err != nil {
		return model.NodeResult{}, fmt.Errorf("subworkflow %q: %w", workflowID, err)
	}

	return model.NodeResult{Data: output, OutputHandle: OutputDefault}, nil
}
