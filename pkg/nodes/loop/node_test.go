package loop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	cursors map[string]int
}

func newFakeStore() *fakeStore { return &fakeStore{cursors: make(map[string]int)} }

func (f *fakeStore) BatchCursor(key string) int          { return f.cursors[key] }
func (f *fakeStore) SetBatchCursor(key string, cursor int) { f.cursors[key] = cursor }

func TestHandler_Execute_WalksItemsThenDone(t *testing.T) {
	h := New()
	store := newFakeStore()
	config := map[string]any{
		"loop_key": "n1",
		"items":    []any{"a", "b"},
	}

	r1, err := h.Execute(context.Background(), nil, config, store)
	require.NoError(t, err)
	assert.Equal(t, OutputLoop, r1.OutputHandle)
	assert.Equal(t, "a", r1.Data["item"])

	r2, err := h.Execute(context.Background(), nil, config, store)
	require.NoError(t, err)
	assert.Equal(t, OutputLoop, r2.OutputHandle)
	assert.Equal(t, "b", r2.Data["item"])

	r3, err := h.Execute(context.Background(), nil, config, store)
	require.NoError(t, err)
	assert.Equal(t, OutputDone, r3.OutputHandle)
}

func TestHandler_Execute_MissingLoopKey(t *testing.T) {
	h := New()
	_, err := h.Execute(context.Background(), nil, map[string]any{"items": []any{}}, newFakeStore())
	assert.Error(t, err)
}

func TestHandler_Execute_SeparateKeysDoNotCollide(t *testing.T) {
	h := New()
	store := newFakeStore()

	r1, err := h.Execute(context.Background(), nil, map[string]any{"loop_key": "outer", "items": []any{1}}, store)
	require.NoError(t, err)
	assert.Equal(t, OutputLoop, r1.OutputHandle)

	r2, err := h.Execute(context.Background(), nil, map[string]any{"loop_key": "inner", "items": []any{1, 2}}, store)
	require.NoError(t, err)
	assert.Equal(t, OutputLoop, r2.OutputHandle)
	assert.Equal(t, 0, r2.Data["index"])
}

func TestHandler_IsLoopCarrying(t *testing.T) {
	assert.True(t, New().IsLoopCarrying())
}
