package switchnode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_Execute_MatchedCase(t *testing.T) {
	h := New()
	config := map[string]any{
		"value": "gold",
		"cases": []any{
			map[string]any{"value": "gold", "output_port": "gold_tier"},
			map[string]any{"value": "silver", "output_port": "silver_tier"},
		},
	}
	result, err := h.Execute(context.Background(), nil, config, nil)
	require.NoError(t, err)
	assert.Equal(t, "gold_tier", result.OutputHandle)
}

func TestHandler_Execute_NoMatchUsesDefault(t *testing.T) {
	h := New()
	config := map[string]any{
		"value": "bronze",
		"cases": []any{
			map[string]any{"value": "gold", "output_port": "gold_tier"},
		},
	}
	result, err := h.Execute(context.Background(), nil, config, nil)
	require.NoError(t, err)
	assert.Equal(t, OutputDefault, result.OutputHandle)
	assert.Equal(t, true, result.Data["no_match"])
}

func TestHandler_Execute_MissingValue(t *testing.T) {
	h := New()
	_, err := h.Execute(context.Background(), nil, map[string]any{}, nil)
	assert.Error(t, err)
}

func TestHandler_Execute_CaseMissingOutputPort(t *testing.T) {
	h := New()
	config := map[string]any{
		"value": "gold",
		"cases": []any{map[string]any{"value": "gold"}},
	}
	_, err := h.Execute(context.Background(), nil, config, nil)
	assert.Error(t, err)
}
