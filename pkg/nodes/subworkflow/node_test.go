package subworkflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	gotWorkflowID string
	gotInput      map[string]any
	output        map[string]any
	err           error
}

func (f *fakeRunner) RunSubworkflow(_ context.Context, workflowID string, input map[string]any, _ map[string]string) (map[string]any, error) {
	f.gotWorkflowID = workflowID
	f.gotInput = input
	return f.output, f.err
}

func TestHandler_Execute_RunsChildAndReturnsOutput(t *testing.T) {
	h := New()
	r := &fakeRunner{output: map[string]any{"total": 3}}
	config := map[string]any{"workflow_id": "wf-child"}

	result, err := h.Execute(context.Background(), map[string]any{"x": 1}, config, r)
	require.NoError(t, err)
	assert.Equal(t, OutputDefault, result.OutputHandle)
	assert.Equal(t, map[string]any{"total": 3}, result.Data)
	assert.Equal(t, "wf-child", r.gotWorkflowID)
	assert.Equal(t, map[string]any{"x": 1}, r.gotInput)
}

func TestHandler_Execute_AppliesInputMapping(t *testing.T) {
	h := New()
	r := &fakeRunner{output: map[string]any{}}
	config := map[string]any{
		"workflow_id":   "wf-child",
		"input_mapping": map[string]any{"parent_total": "amount"},
	}

	_, err := h.Execute(context.Background(), map[string]any{"parent_total": 10}, config, r)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"amount": 10}, r.gotInput)
}

func TestHandler_Execute_MissingWorkflowID(t *testing.T) {
	h := New()
	_, err := h.Execute(context.Background(), nil, map[string]any{}, &fakeRunner{})
	assert.Error(t, err)
}

func TestHandler_Execute_ChildFailurePropagates(t *testing.T) {
	h := New()
	r := &fakeRunner{err: assert.AnError}
	_, err := h.Execute(context.Background(), nil, map[string]any{"workflow_id": "wf-child"}, r)
	assert.Error(t, err)
}
