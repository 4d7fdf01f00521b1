// Package transform implements the "transform" node handler.
// config["expression"] is a `{{ ... }}` template already resolved by
// the runner before Execute runs, so this handler's only job is to
// hand the resolved value onward under "result".
package transform

import (
	"context"
	"fmt"

	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

const TypeTag = "transform"

const OutputDefault = "default"

type Handler struct{}

func New() *Handler { return &Handler{} }

func (h *Handler) TypeTag() string { return TypeTag }

func (h *Handler) DeclaredFields() []model.FieldSpec {
	return []model.FieldSpec{{Name: "expression", Type: model.FieldTypeString, Required: true}}
}

func (h *Handler) DeclaredCredentials() []string { return nil }
func (h *Handler) DeclaredOutputs() []string      { return []string{OutputDefault} }

func (h *Handler) Execute(_ context.Context, _ map[string]any, config map[string]any, _ any) (model.NodeResult, error) {
	result, present := config["expression"]
	if !present {
		return model.NodeResult{}, fmt.Errorf("missing required field 'expression'")
	}
	return model.NodeResult{
		Data:         map[string]any{"result": result},
		OutputHandle: OutputDefault,
	}, nil
}
