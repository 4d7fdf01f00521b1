// Package merge implements the "merge" node handler. The Execution
// Context already merges every direct predecessor's published output
// into a single input map (deterministically, in predecessor node_id
// order) before Execute runs, so unlike the teacher's port-based
// MergeNode this handler has no coordination left to do: it packages
// the already-merged input under "merged" and reports which keys
// arrived.
package merge

import (
	"context"

	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

const TypeTag = "merge"

const OutputMerged = "merged"

type Handler struct{}

func New() *Handler { return &Handler{} }

func (h *Handler) TypeTag() string { return TypeTag }

func (h *Handler) DeclaredFields() []model.FieldSpec {
	return []model.FieldSpec{
		{Name: "merge_mode", Type: model.FieldTypeSelect, Options: []string{"all", "any", "first"}},
	}
}

func (h *Handler) DeclaredCredentials() []string { return nil }
func (h *Handler) DeclaredOutputs() []string      { return []string{OutputMerged} }

func (h *Handler) Execute(_ context.Context, input map[string]any, config map[string]any, _ any) (model.NodeResult, error) {
	mode, _ := config["merge_mode"].(string)
	if mode == "" {
		mode = "all"
	}

	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}

	return model.NodeResult{
		Data: map[string]any{
			"merged":     input,
			"keys":       keys,
			"merge_mode": mode,
		},
		OutputHandle: OutputMerged,
	}, nil
}
