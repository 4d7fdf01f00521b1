// Package conditional implements the "conditional" node handler:
// routes to "true" or "false" depending on the truthiness of
// config["condition"], already template-resolved by the runner.
package conditional

import (
	"context"
	"fmt"
	"strconv"

	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

const TypeTag = "conditional"

const (
	OutputTrue  = "true"
	OutputFalse = "false"
)

type Handler struct{}

func New() *Handler { return &Handler{} }

func (h *Handler) TypeTag() string { return TypeTag }

func (h *Handler) DeclaredFields() []model.FieldSpec {
	return []model.FieldSpec{{Name: "condition", Type: model.FieldTypeString, Required: true}}
}

func (h *Handler) DeclaredCredentials() []string { return nil }
func (h *Handler) DeclaredOutputs() []string      { return []string{OutputTrue, OutputFalse} }

func (h *Handler) Execute(_ context.Context, _ map[string]any, config map[string]any, _ any) (model.NodeResult, error) {
	condition, present := config["condition"]
	if !present {
		return model.NodeResult{}, fmt.Errorf("missing required field 'condition'")
	}

	handle := OutputFalse
	if truthy(condition) {
		handle = OutputTrue
	}
	return model.NodeResult{
		Data:         map[string]any{"evaluated_value": condition},
		OutputHandle: handle,
	}, nil
}

// truthy mirrors the teacher's evaluateCondition type switch: booleans
// pass through, numeric zero is false, empty containers are false,
// non-empty strings are true unless they parse as an explicit boolean.
func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	case nil:
		return false
	default:
		return false
	}
}
