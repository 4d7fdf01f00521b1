// Package switchnode implements the "switch" node handler: routes to
// the output handle matching config["value"] against config["cases"],
// falling back to "default" when nothing matches. Both fields arrive
// already template-resolved by the runner.
package switchnode

import (
	"context"
	"fmt"

	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

const TypeTag = "switch"

const OutputDefault = "default"

type Handler struct{}

func New() *Handler { return &Handler{} }

func (h *Handler) TypeTag() string { return TypeTag }

func (h *Handler) DeclaredFields() []model.FieldSpec {
	return []model.FieldSpec{{Name: "value", Type: model.FieldTypeString, Required: true}}
}

func (h *Handler) DeclaredCredentials() []string { return nil }

// DeclaredOutputs cannot enumerate the case-specific handles a
// particular node instance declares in config["cases"] since those
// are only known per-node, not per-handler; "default" is always legal
// regardless, per model.Handler's contract.
func (h *Handler) DeclaredOutputs() []string { return []string{OutputDefault} }

func (h *Handler) Execute(_ context.Context, _ map[string]any, config map[string]any, _ any) (model.NodeResult, error) {
	value, present := config["value"]
	if !present {
		return model.NodeResult{}, fmt.Errorf("missing required field 'value'")
	}
	valueStr := fmt.Sprintf("%v", value)

	casesAny, _ := config["cases"].([]any)
	for i, caseAny := range casesAny {
		caseMap, ok := caseAny.(map[string]any)
		if !ok {
			return model.NodeResult{}, fmt.Errorf("case %d must be an object", i)
		}
		caseValue, _ := caseMap["value"].(string)
		outputPort, ok := caseMap["output_port"].(string)
		if !ok {
			return model.NodeResult{}, fmt.Errorf("case %d missing 'output_port'", i)
		}
		if caseValue == valueStr {
			return model.NodeResult{
				Data:         map[string]any{"matched_value": valueStr, "output_port": outputPort},
				OutputHandle: outputPort,
			}, nil
		}
	}

	return model.NodeResult{
		Data:         map[string]any{"matched_value": valueStr, "no_match": true},
		OutputHandle: OutputDefault,
	}, nil
}
