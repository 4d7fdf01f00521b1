package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opkernel/workflow-kernel/pkg/kernel/execctx"
	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

// fakeHandler executes a scripted function, letting each test define
// its own routing/data behavior without a full node package.
type fakeHandler struct {
	typeTag string
	fn      func(input, config map[string]any) (model.NodeResult, error)
	calls   int
}

func (h *fakeHandler) TypeTag() string                    { return h.typeTag }
func (h *fakeHandler) DeclaredFields() []model.FieldSpec   { return nil }
func (h *fakeHandler) DeclaredCredentials() []string       { return nil }
func (h *fakeHandler) DeclaredOutputs() []string           { return []string{"default", "true", "false", "loop", "done", "error"} }
func (h *fakeHandler) Execute(_ context.Context, input, config map[string]any, _ any) (model.NodeResult, error) {
	h.calls++
	return h.fn(input, config)
}

type loopCarryingHandler struct{ fakeHandler }

func (loopCarryingHandler) IsLoopCarrying() bool { return true }

type stubRegistry struct {
	handlers map[string]model.Handler
}

func (r *stubRegistry) MustLookup(typeTag string) model.Handler {
	h, ok := r.handlers[typeTag]
	if !ok {
		panic("unregistered type tag: " + typeTag)
	}
	return h
}

func compiledNode(id, typeTag string) *model.CompiledNode {
	return &model.CompiledNode{
		Node:         model.Node{ID: id, TypeTag: typeTag},
		Timeout:      time.Second,
		Retry:        model.RetryPolicy{MaxRetries: 1, BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond},
		MaxLoopCount: 3,
	}
}

func planWithEdges(nodes []*model.CompiledNode, edges []model.Edge) *model.ExecutionPlan {
	p := model.NewExecutionPlan("wf-1")
	for _, n := range nodes {
		p.Nodes[n.ID] = n
	}
	p.Edges = edges
	p.IndexAdjacency()

	incoming := make(map[string]bool)
	for _, e := range edges {
		if e.Kind == model.EdgeKindLoopBody {
			continue
		}
		incoming[e.TargetNodeID] = true
	}
	for _, n := range nodes {
		if !incoming[n.ID] {
			p.EntrySet = append(p.EntrySet, n.ID)
		}
	}
	return p
}

func TestRunner_HappyPath(t *testing.T) {
	trigger := &fakeHandler{typeTag: "trigger", fn: func(input, config map[string]any) (model.NodeResult, error) {
		return model.NodeResult{Data: map[string]any{"user_id": 1500}, OutputHandle: "default"}, nil
	}}
	code := &fakeHandler{typeTag: "code", fn: func(input, config map[string]any) (model.NodeResult, error) {
		return model.NodeResult{Data: map[string]any{"batch_id": 2500}, OutputHandle: "default"}, nil
	}}
	ifNode := &fakeHandler{typeTag: "if", fn: func(input, config map[string]any) (model.NodeResult, error) {
		if input["batch_id"].(int) > 2000 {
			return model.NodeResult{Data: map[string]any{"batch_id": input["batch_id"]}, OutputHandle: "true"}, nil
		}
		return model.NodeResult{Data: map[string]any{}, OutputHandle: "false"}, nil
	}}
	httpNode := &fakeHandler{typeTag: "http", fn: func(input, config map[string]any) (model.NodeResult, error) {
		return model.NodeResult{Data: map[string]any{"status": "active"}, OutputHandle: "default"}, nil
	}}

	nodes := []*model.CompiledNode{
		compiledNode("trigger", "trigger"),
		compiledNode("code", "code"),
		compiledNode("if", "if"),
		compiledNode("http", "http"),
	}
	edges := []model.Edge{
		{ID: "e1", SourceNodeID: "trigger", TargetNodeID: "code"},
		{ID: "e2", SourceNodeID: "code", TargetNodeID: "if"},
		{ID: "e3", SourceNodeID: "if", TargetNodeID: "http", SourceHandle: "true"},
	}
	plan := planWithEdges(nodes, edges)

	reg := &stubRegistry{handlers: map[string]model.Handler{
		"trigger": trigger, "code": code, "if": ifNode, "http": httpNode,
	}}

	r := New(reg, nil, nil)
	ec := execctx.New("exec-1", "wf-1", plan, nil)

	result := r.Run(context.Background(), "exec-1", plan, ec, NopHooks{}, map[string]any{"user_id": 1500}, model.ErrorPolicyFailFast)

	require.Equal(t, model.ExecutionCompleted, result.State)
	assert.Equal(t, "active", result.Output["status"])
	assert.Equal(t, 1, httpNode.calls)
}

func TestRunner_ConditionalSkip(t *testing.T) {
	code := &fakeHandler{typeTag: "code", fn: func(input, config map[string]any) (model.NodeResult, error) {
		return model.NodeResult{Data: map[string]any{"batch_id": 1500}, OutputHandle: "default"}, nil
	}}
	ifNode := &fakeHandler{typeTag: "if", fn: func(input, config map[string]any) (model.NodeResult, error) {
		if v, _ := input["batch_id"].(int); v > 2000 {
			return model.NodeResult{OutputHandle: "true"}, nil
		}
		return model.NodeResult{OutputHandle: "false"}, nil
	}}
	httpNode := &fakeHandler{typeTag: "http", fn: func(input, config map[string]any) (model.NodeResult, error) {
		return model.NodeResult{OutputHandle: "default"}, nil
	}}
	notify := &fakeHandler{typeTag: "notify", fn: func(input, config map[string]any) (model.NodeResult, error) {
		return model.NodeResult{Data: map[string]any{"notified": true}, OutputHandle: "default"}, nil
	}}

	nodes := []*model.CompiledNode{
		compiledNode("code", "code"),
		compiledNode("if", "if"),
		compiledNode("http", "http"),
		compiledNode("notify", "notify"),
	}
	edges := []model.Edge{
		{ID: "e1", SourceNodeID: "code", TargetNodeID: "if"},
		{ID: "e2", SourceNodeID: "if", TargetNodeID: "http", SourceHandle: "true"},
		{ID: "e3", SourceNodeID: "if", TargetNodeID: "notify", SourceHandle: "false"},
	}
	plan := planWithEdges(nodes, edges)

	reg := &stubRegistry{handlers: map[string]model.Handler{
		"code": code, "if": ifNode, "http": httpNode, "notify": notify,
	}}

	r := New(reg, nil, nil)
	ec := execctx.New("exec-1", "wf-1", plan, nil)

	result := r.Run(context.Background(), "exec-1", plan, ec, NopHooks{}, nil, model.ErrorPolicyFailFast)

	require.Equal(t, model.ExecutionCompleted, result.State)
	assert.Equal(t, 0, httpNode.calls)
	assert.Equal(t, 1, notify.calls)
	assert.Equal(t, true, result.Output["notified"])
}

func TestRunner_RetryThenSucceed(t *testing.T) {
	attempt := 0
	flaky := &fakeHandler{typeTag: "flaky", fn: func(input, config map[string]any) (model.NodeResult, error) {
		attempt++
		if attempt < 2 {
			return model.NodeResult{}, assertError{"transient failure"}
		}
		return model.NodeResult{Data: map[string]any{"ok": true}, OutputHandle: "default"}, nil
	}}

	nodes := []*model.CompiledNode{compiledNode("flaky", "flaky")}
	plan := planWithEdges(nodes, nil)
	reg := &stubRegistry{handlers: map[string]model.Handler{"flaky": flaky}}

	r := New(reg, nil, nil)
	ec := execctx.New("exec-1", "wf-1", plan, nil)

	result := r.Run(context.Background(), "exec-1", plan, ec, NopHooks{}, nil, model.ErrorPolicyFailFast)

	require.Equal(t, model.ExecutionCompleted, result.State)
	assert.Equal(t, 2, attempt)
	assert.Equal(t, true, result.Output["ok"])
}

func TestRunner_RetryExhaustionAborts(t *testing.T) {
	failing := &fakeHandler{typeTag: "failing", fn: func(input, config map[string]any) (model.NodeResult, error) {
		return model.NodeResult{}, assertError{"permanent-ish failure"}
	}}

	nodes := []*model.CompiledNode{compiledNode("failing", "failing")}
	plan := planWithEdges(nodes, nil)
	reg := &stubRegistry{handlers: map[string]model.Handler{"failing": failing}}

	r := New(reg, nil, nil)
	ec := execctx.New("exec-1", "wf-1", plan, nil)

	result := r.Run(context.Background(), "exec-1", plan, ec, NopHooks{}, nil, model.ErrorPolicyFailFast)

	require.Equal(t, model.ExecutionFailed, result.State)
	require.NotNil(t, result.Error)
	assert.Equal(t, "failing", result.Error.FailingNodeID)
	assert.Equal(t, 2, failing.calls) // 1 + MaxRetries(1)
}

func TestRunner_LoopRunsUntilMaxLoopCount(t *testing.T) {
	loopNode := &loopCarryingHandler{fakeHandler{typeTag: "loop", fn: func(input, config map[string]any) (model.NodeResult, error) {
		return model.NodeResult{OutputHandle: "loop"}, nil
	}}}
	body := &fakeHandler{typeTag: "increment", fn: func(input, config map[string]any) (model.NodeResult, error) {
		return model.NodeResult{Data: map[string]any{"tick": 1}, OutputHandle: "default"}, nil
	}}

	loopCN := compiledNode("loop", "loop")
	loopCN.LoopCarrying = true
	loopCN.MaxLoopCount = 3
	bodyCN := compiledNode("body", "increment")

	nodes := []*model.CompiledNode{loopCN, bodyCN}
	edges := []model.Edge{
		{ID: "e1", SourceNodeID: "loop", TargetNodeID: "body", SourceHandle: "loop"},
		{ID: "e2", SourceNodeID: "body", TargetNodeID: "loop", Kind: model.EdgeKindLoopBody},
	}
	plan := planWithEdges(nodes, edges)
	reg := &stubRegistry{handlers: map[string]model.Handler{"loop": loopNode, "increment": body}}

	r := New(reg, nil, nil)
	ec := execctx.New("exec-1", "wf-1", plan, nil)

	result := r.Run(context.Background(), "exec-1", plan, ec, NopHooks{}, nil, model.ErrorPolicyFailFast)

	require.Equal(t, model.ExecutionCompleted, result.State)
	assert.Equal(t, 3, ec.LoopCount("loop"))
	assert.Equal(t, 3, body.calls)
}

// Boundary case: max_loop_count=0 must resolve to "done" immediately,
// without the body running even once.
func TestRunner_LoopMaxLoopCountZero_DoneImmediately(t *testing.T) {
	loopNode := &loopCarryingHandler{fakeHandler{typeTag: "loop", fn: func(input, config map[string]any) (model.NodeResult, error) {
		return model.NodeResult{OutputHandle: "loop"}, nil
	}}}
	body := &fakeHandler{typeTag: "increment", fn: func(input, config map[string]any) (model.NodeResult, error) {
		return model.NodeResult{Data: map[string]any{"tick": 1}, OutputHandle: "default"}, nil
	}}

	loopCN := compiledNode("loop", "loop")
	loopCN.LoopCarrying = true
	loopCN.MaxLoopCount = 0
	bodyCN := compiledNode("body", "increment")

	nodes := []*model.CompiledNode{loopCN, bodyCN}
	edges := []model.Edge{
		{ID: "e1", SourceNodeID: "loop", TargetNodeID: "body", SourceHandle: "loop"},
		{ID: "e2", SourceNodeID: "body", TargetNodeID: "loop", Kind: model.EdgeKindLoopBody},
	}
	plan := planWithEdges(nodes, edges)
	reg := &stubRegistry{handlers: map[string]model.Handler{"loop": loopNode, "increment": body}}

	r := New(reg, nil, nil)
	ec := execctx.New("exec-1", "wf-1", plan, nil)

	result := r.Run(context.Background(), "exec-1", plan, ec, NopHooks{}, nil, model.ErrorPolicyFailFast)

	require.Equal(t, model.ExecutionCompleted, result.State)
	assert.Equal(t, 0, ec.LoopCount("loop"))
	assert.Equal(t, 0, body.calls)
}

// S5: a max_loop_count above SYSTEM_MAX_LOOPS is capped at compile
// time, but the runner still enforces the system ceiling itself and
// must abort rather than treat the cap as a graceful "done".
func TestRunner_LoopAbortsAtSystemMaxLoops(t *testing.T) {
	bodyCalls := 0
	loopNode := &loopCarryingHandler{fakeHandler{typeTag: "loop", fn: func(input, config map[string]any) (model.NodeResult, error) {
		return model.NodeResult{OutputHandle: "loop"}, nil
	}}}
	body := &fakeHandler{typeTag: "increment", fn: func(input, config map[string]any) (model.NodeResult, error) {
		bodyCalls++
		return model.NodeResult{Data: map[string]any{"tick": 1}, OutputHandle: "default"}, nil
	}}

	loopCN := compiledNode("loop", "loop")
	loopCN.LoopCarrying = true
	loopCN.MaxLoopCount = model.SystemMaxLoops // as the compiler would resolve a 10_000 request
	bodyCN := compiledNode("body", "increment")

	nodes := []*model.CompiledNode{loopCN, bodyCN}
	edges := []model.Edge{
		{ID: "e1", SourceNodeID: "loop", TargetNodeID: "body", SourceHandle: "loop"},
		{ID: "e2", SourceNodeID: "body", TargetNodeID: "loop", Kind: model.EdgeKindLoopBody},
	}
	plan := planWithEdges(nodes, edges)
	reg := &stubRegistry{handlers: map[string]model.Handler{"loop": loopNode, "increment": body}}

	r := New(reg, nil, nil)
	ec := execctx.New("exec-1", "wf-1", plan, nil)

	result := r.Run(context.Background(), "exec-1", plan, ec, NopHooks{}, nil, model.ErrorPolicyFailFast)

	require.Equal(t, model.ExecutionFailed, result.State)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Message, "loop limit exceeded")
	assert.Equal(t, model.SystemMaxLoops, bodyCalls)
}

func TestRunner_ContinuePolicyRoutesThroughErrorHandle(t *testing.T) {
	failing := &fakeHandler{typeTag: "failing", fn: func(input, config map[string]any) (model.NodeResult, error) {
		return model.NodeResult{}, assertError{"boom"}
	}}
	recovered := &fakeHandler{typeTag: "recovered", fn: func(input, config map[string]any) (model.NodeResult, error) {
		return model.NodeResult{Data: map[string]any{"handled": true}, OutputHandle: "default"}, nil
	}}

	nodes := []*model.CompiledNode{compiledNode("failing", "failing"), compiledNode("recovered", "recovered")}
	edges := []model.Edge{
		{ID: "e1", SourceNodeID: "failing", TargetNodeID: "recovered", SourceHandle: "error"},
	}
	plan := planWithEdges(nodes, edges)
	reg := &stubRegistry{handlers: map[string]model.Handler{"failing": failing, "recovered": recovered}}

	r := New(reg, nil, nil)
	ec := execctx.New("exec-1", "wf-1", plan, nil)

	result := r.Run(context.Background(), "exec-1", plan, ec, NopHooks{}, nil, model.ErrorPolicyContinue)

	require.Equal(t, model.ExecutionCompleted, result.State)
	assert.Equal(t, true, result.Output["handled"])
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
