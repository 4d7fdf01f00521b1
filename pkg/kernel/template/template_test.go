package template

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opkernel/workflow-kernel/pkg/kernel/kernelerr"
)

type fakeSource struct {
	input   map[string]any
	vars    map[string]any
	outputs map[string]map[string]any
}

func (f *fakeSource) Input() map[string]any { return f.input }

func (f *fakeSource) Var(name string) (any, bool) {
	v, ok := f.vars[name]
	return v, ok
}

func (f *fakeSource) Output(nodeID string) (map[string]any, bool) {
	v, ok := f.outputs[nodeID]
	return v, ok
}

func TestResolveString_InputJSONPath(t *testing.T) {
	src := &fakeSource{input: map[string]any{"user": map[string]any{"id": 42}}}

	v, err := ResolveString("n1", "{{ $input.user.id }}", src)
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)
}

func TestResolveString_Vars(t *testing.T) {
	src := &fakeSource{vars: map[string]any{"batch_id": 2500}}

	v, err := ResolveString("n1", "{{ $vars.batch_id }}", src)
	require.NoError(t, err)
	assert.Equal(t, 2500, v)
}

func TestResolveString_VarsUnset(t *testing.T) {
	src := &fakeSource{vars: map[string]any{}}

	_, err := ResolveString("n1", "{{ $vars.missing }}", src)
	require.Error(t, err)

	var rerr *kernelerr.RuntimeNodeError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, kernelerr.RuntimeTemplateError, rerr.Kind)
}

func TestResolveString_OutputNamespace(t *testing.T) {
	src := &fakeSource{outputs: map[string]map[string]any{
		"fetch": {"status": "ok", "rows": []any{1, 2, 3}},
	}}

	v, err := ResolveString("n1", "{{ $output.fetch.status }}", src)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestResolveString_OutputWholeObject(t *testing.T) {
	src := &fakeSource{outputs: map[string]map[string]any{
		"fetch": {"status": "ok"},
	}}

	v, err := ResolveString("n1", "{{ $output.fetch }}", src)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "ok"}, v)
}

func TestResolveString_UnknownOutputNode(t *testing.T) {
	src := &fakeSource{outputs: map[string]map[string]any{}}

	_, err := ResolveString("n1", "{{ $output.missing.status }}", src)
	require.Error(t, err)
}

func TestResolveString_MixedTextInterpolation(t *testing.T) {
	src := &fakeSource{vars: map[string]any{"name": "acme"}}

	v, err := ResolveString("n1", "hello {{ $vars.name }}!", src)
	require.NoError(t, err)
	assert.Equal(t, "hello acme!", v)
}

func TestResolveString_NoExpressions(t *testing.T) {
	src := &fakeSource{}

	v, err := ResolveString("n1", "plain text", src)
	require.NoError(t, err)
	assert.Equal(t, "plain text", v)
}

func TestResolveString_UnknownNamespace(t *testing.T) {
	src := &fakeSource{}

	_, err := ResolveString("n1", "{{ $bogus.thing }}", src)
	require.Error(t, err)
}

func TestResolveValue_WalksNestedStructures(t *testing.T) {
	src := &fakeSource{vars: map[string]any{"batch_id": 2500}}

	v, err := ResolveValue("n1", map[string]any{
		"headers": map[string]any{"X-Batch": "{{ $vars.batch_id }}"},
		"list":    []any{"static", "{{ $vars.batch_id }}"},
	}, src)
	require.NoError(t, err)

	m := v.(map[string]any)
	assert.Equal(t, 2500, m["headers"].(map[string]any)["X-Batch"])
	assert.Equal(t, []any{"static", 2500}, m["list"])
}
