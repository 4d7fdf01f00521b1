package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, dir, name string, v any) string {
	t.Helper()
	path := filepath.Join(dir, name)
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestLoadWorkflow_ValidDefinition(t *testing.T) {
	dir := t.TempDir()
	path := writeJSON(t, dir, "workflow.json", map[string]any{
		"id":      "wf-1",
		"user_id": "user-1",
		"nodes": []map[string]any{
			{"id": "n1", "type": "log", "data": map[string]any{"message": "hi"}},
		},
		"edges": []map[string]any{},
	})

	wf, err := loadWorkflow(path)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", wf.ID)
	assert.Len(t, wf.Nodes, 1)
}

func TestLoadWorkflow_MissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	path := writeJSON(t, dir, "workflow.json", map[string]any{
		"nodes": []map[string]any{},
	})

	_, err := loadWorkflow(path)
	assert.Error(t, err)
}

func TestLoadWorkflow_MissingFile(t *testing.T) {
	_, err := loadWorkflow(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Error(t, err)
}

func TestLoadInput_EmptyPathReturnsNil(t *testing.T) {
	input, err := loadInput("")
	require.NoError(t, err)
	assert.Nil(t, input)
}

func TestLoadInput_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := writeJSON(t, dir, "input.json", map[string]any{"amount": 10})

	input, err := loadInput(path)
	require.NoError(t, err)
	assert.Equal(t, float64(10), input["amount"])
}
