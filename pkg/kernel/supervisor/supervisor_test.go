package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opkernel/workflow-kernel/pkg/kernel/compiler"
	"github.com/opkernel/workflow-kernel/pkg/kernel/execctx"
	"github.com/opkernel/workflow-kernel/pkg/kernel/kernelerr"
	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
	"github.com/opkernel/workflow-kernel/pkg/kernel/registry"
	"github.com/opkernel/workflow-kernel/pkg/kernel/runner"
)

type fakeHandler struct {
	tag  string
	fn   func(input, config map[string]any, execCtx any) (model.NodeResult, error)
}

func (h *fakeHandler) TypeTag() string                  { return h.tag }
func (h *fakeHandler) DeclaredFields() []model.FieldSpec { return nil }
func (h *fakeHandler) DeclaredCredentials() []string     { return nil }
func (h *fakeHandler) DeclaredOutputs() []string         { return []string{"default"} }
func (h *fakeHandler) Execute(_ context.Context, input, config map[string]any, execCtx any) (model.NodeResult, error) {
	if h.fn != nil {
		return h.fn(input, config, execCtx)
	}
	return model.NodeResult{OutputHandle: "default", Data: map[string]any{}}, nil
}

func newSupervisor(t *testing.T, reg *registry.Registry) *Supervisor {
	t.Helper()
	c := compiler.New(reg, nil)
	r := runner.New(reg, nil, nil)
	return New(c, r)
}

func oneNodeWorkflow(id, tag string) *model.Workflow {
	return &model.Workflow{
		ID:     id,
		UserID: "user-1",
		Nodes: []model.Node{
			{ID: "n1", TypeTag: tag},
		},
	}
}

func waitForTerminal(t *testing.T, s *Supervisor, executionID, userID string) *model.ExecutionHandle {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h, err := s.Status(executionID, userID)
		if err != nil {
			require.ErrorIs(t, err, kernelerr.ErrNotFound)
			t.Fatalf("execution disappeared before reaching a terminal snapshot we could observe")
		}
		if h.State.IsTerminal() {
			return h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution never reached a terminal state")
	return nil
}

func TestSupervisor_StartAndAwaitCompletion(t *testing.T) {
	reg := registry.New(nil)
	reg.Register(&fakeHandler{tag: "noop"})
	s := newSupervisor(t, reg)

	handle, err := s.Start(context.Background(), oneNodeWorkflow("wf-1", "noop"), "user-1", nil, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionPending, handle.State)

	final := waitForTerminal(t, s, handle.ExecutionID, "user-1")
	assert.Equal(t, model.ExecutionCompleted, final.State)

	_, err = s.Status(handle.ExecutionID, "user-1")
	assert.ErrorIs(t, err, kernelerr.ErrNotFound, "a terminal execution must leave the active set")
}

func TestSupervisor_Status_WrongUserIsNotAuthorized(t *testing.T) {
	reg := registry.New(nil)
	reg.Register(&fakeHandler{tag: "slow", fn: func(input, config map[string]any, execCtx any) (model.NodeResult, error) {
		time.Sleep(50 * time.Millisecond)
		return model.NodeResult{OutputHandle: "default"}, nil
	}})
	s := newSupervisor(t, reg)

	handle, err := s.Start(context.Background(), oneNodeWorkflow("wf-1", "slow"), "user-1", nil, StartOptions{})
	require.NoError(t, err)

	_, err = s.Status(handle.ExecutionID, "someone-else")
	assert.ErrorIs(t, err, kernelerr.ErrNotAuthorized)
}

func TestSupervisor_Status_UnknownExecution(t *testing.T) {
	s := newSupervisor(t, registry.New(nil))
	_, err := s.Status("does-not-exist", "user-1")
	assert.ErrorIs(t, err, kernelerr.ErrNotFound)
}

// gateHandler blocks its own Execute until release is closed, so tests
// can pause/cancel an execution while it is provably in flight.
func gateHandler(tag string, release <-chan struct{}) *fakeHandler {
	return &fakeHandler{tag: tag, fn: func(input, config map[string]any, execCtx any) (model.NodeResult, error) {
		<-release
		return model.NodeResult{OutputHandle: "default"}, nil
	}}
}

func TestSupervisor_PauseBlocksBeforeNodeUntilResume(t *testing.T) {
	reg := registry.New(nil)
	reached := make(chan struct{})
	reg.Register(&fakeHandler{tag: "first", fn: func(input, config map[string]any, execCtx any) (model.NodeResult, error) {
		close(reached)
		return model.NodeResult{OutputHandle: "default"}, nil
	}})
	s := newSupervisor(t, reg)

	handle, err := s.Start(context.Background(), oneNodeWorkflow("wf-1", "first"), "user-1", nil, StartOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Pause(context.Background(), handle.ExecutionID, "user-1"))

	select {
	case <-reached:
		t.Fatal("node executed before Resume despite Pause")
	case <-time.After(50 * time.Millisecond):
	}

	st, err := s.Status(handle.ExecutionID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionPaused, st.State)

	require.NoError(t, s.Resume(context.Background(), handle.ExecutionID, "user-1"))

	select {
	case <-reached:
	case <-time.After(time.Second):
		t.Fatal("node never ran after Resume")
	}

	waitForTerminal(t, s, handle.ExecutionID, "user-1")
}

func TestSupervisor_PauseOnTerminalExecutionFails(t *testing.T) {
	reg := registry.New(nil)
	reg.Register(&fakeHandler{tag: "noop"})
	s := newSupervisor(t, reg)

	handle, err := s.Start(context.Background(), oneNodeWorkflow("wf-1", "noop"), "user-1", nil, StartOptions{})
	require.NoError(t, err)
	waitForTerminal(t, s, handle.ExecutionID, "user-1")

	err = s.Pause(context.Background(), handle.ExecutionID, "user-1")
	assert.ErrorIs(t, err, kernelerr.ErrNotFound, "terminal executions are already gone from the active set")
}

func TestSupervisor_CancelUnblocksInFlightNode(t *testing.T) {
	reg := registry.New(nil)
	release := make(chan struct{})
	reg.Register(gateHandler("blocked", release))
	s := newSupervisor(t, reg)

	handle, err := s.Start(context.Background(), oneNodeWorkflow("wf-1", "blocked"), "user-1", nil, StartOptions{})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(context.Background(), handle.ExecutionID, "user-1"))

	final := waitForTerminal(t, s, handle.ExecutionID, "user-1")
	assert.Equal(t, model.ExecutionCancelled, final.State)
	close(release)
}

func TestSupervisor_AskHuman_ApprovalDeliversResponse(t *testing.T) {
	reg := registry.New(nil)
	reg.Register(&fakeHandler{tag: "approval", fn: func(input, config map[string]any, execCtx any) (model.NodeResult, error) {
		ec := execCtx.(*execctx.Context)
		resp, err := ec.AskHuman(context.Background(), "approval", "proceed?", []string{"yes", "no"}, 5)
		if err != nil {
			return model.NodeResult{}, err
		}
		return model.NodeResult{OutputHandle: "default", Data: map[string]any{"answer": resp}}, nil
	}})
	s := newSupervisor(t, reg)

	handle, err := s.Start(context.Background(), oneNodeWorkflow("wf-1", "approval"), "user-1", nil, StartOptions{})
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	var requests []model.HITLRequest
	for time.Now().Before(deadline) {
		requests = s.PendingHITLRequests("user-1")
		if len(requests) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, requests, 1)

	require.NoError(t, s.SubmitHumanResponse(requests[0].ID, "user-1", "yes"))

	final := waitForTerminal(t, s, handle.ExecutionID, "user-1")
	assert.Equal(t, model.ExecutionCompleted, final.State)
	assert.Equal(t, "yes", final.Output["answer"])
}

func TestSupervisor_SubmitHumanResponse_WrongUserIsNotAuthorized(t *testing.T) {
	reg := registry.New(nil)
	reg.Register(&fakeHandler{tag: "approval", fn: func(input, config map[string]any, execCtx any) (model.NodeResult, error) {
		ec := execCtx.(*execctx.Context)
		_, err := ec.AskHuman(context.Background(), "approval", "proceed?", nil, 5)
		return model.NodeResult{OutputHandle: "default"}, err
	}})
	s := newSupervisor(t, reg)

	handle, err := s.Start(context.Background(), oneNodeWorkflow("wf-1", "approval"), "user-1", nil, StartOptions{})
	require.NoError(t, err)

	var requests []model.HITLRequest
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		requests = s.PendingHITLRequests("user-1")
		if len(requests) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, requests, 1)

	err = s.SubmitHumanResponse(requests[0].ID, "someone-else", "yes")
	assert.ErrorIs(t, err, kernelerr.ErrNotAuthorized)

	require.NoError(t, s.SubmitHumanResponse(requests[0].ID, "user-1", "yes"))
	waitForTerminal(t, s, handle.ExecutionID, "user-1")
}

func TestSupervisor_SubmitHumanResponse_DuplicateFails(t *testing.T) {
	reg := registry.New(nil)
	reg.Register(&fakeHandler{tag: "approval", fn: func(input, config map[string]any, execCtx any) (model.NodeResult, error) {
		ec := execCtx.(*execctx.Context)
		_, err := ec.AskHuman(context.Background(), "approval", "proceed?", nil, 5)
		return model.NodeResult{OutputHandle: "default"}, err
	}})
	s := newSupervisor(t, reg)

	handle, err := s.Start(context.Background(), oneNodeWorkflow("wf-1", "approval"), "user-1", nil, StartOptions{})
	require.NoError(t, err)

	var requests []model.HITLRequest
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		requests = s.PendingHITLRequests("user-1")
		if len(requests) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, requests, 1)

	require.NoError(t, s.SubmitHumanResponse(requests[0].ID, "user-1", "yes"))
	err = s.SubmitHumanResponse(requests[0].ID, "user-1", "yes")
	assert.ErrorIs(t, err, kernelerr.ErrNotPending)

	waitForTerminal(t, s, handle.ExecutionID, "user-1")
}

func TestExecuteSubworkflow_NestingDepthExceeded(t *testing.T) {
	reg := registry.New(nil)
	reg.Register(&fakeHandler{tag: "noop"})
	release := make(chan struct{})
	reg.Register(gateHandler("blocked", release))
	s := newSupervisor(t, reg)
	defer close(release)

	// The parent already sits at depth 1 == max_nesting_depth, so its
	// child would be at depth 2; the parent stays in flight on the gate.
	parent := oneNodeWorkflow("parent", "blocked")
	parent.Settings.MaxNestingDepth = 1
	handle, err := s.Start(context.Background(), parent, "user-1", nil, StartOptions{NestingDepth: 1})
	require.NoError(t, err)

	child := oneNodeWorkflow("child", "noop")
	_, err = s.ExecuteSubworkflowDirect(context.Background(), handle.ExecutionID, child, nil, nil)
	assert.ErrorIs(t, err, kernelerr.ErrNestingDepthExceeded)

	s.Cancel(context.Background(), handle.ExecutionID, "user-1")
}

func TestExecuteSubworkflow_CycleRejected(t *testing.T) {
	reg := registry.New(nil)
	release := make(chan struct{})
	reg.Register(gateHandler("blocked", release))
	s := newSupervisor(t, reg)
	defer close(release)

	parent := oneNodeWorkflow("wf-cycle", "blocked")
	parent.Settings.MaxNestingDepth = 10
	handle, err := s.Start(context.Background(), parent, "user-1", nil, StartOptions{})
	require.NoError(t, err)

	self := oneNodeWorkflow("wf-cycle", "blocked")
	_, err = s.ExecuteSubworkflowDirect(context.Background(), handle.ExecutionID, self, nil, nil)
	assert.ErrorIs(t, err, kernelerr.ErrSubworkflowCycle)

	s.Cancel(context.Background(), handle.ExecutionID, "user-1")
}

type loopCarryingFakeHandler struct{ fakeHandler }

func (loopCarryingFakeHandler) IsLoopCarrying() bool { return true }

func loopWorkflow(id string, maxLoopCount int) *model.Workflow {
	return &model.Workflow{
		ID:     id,
		UserID: "user-1",
		Nodes: []model.Node{
			{ID: "loop", TypeTag: "loop", Config: map[string]any{"max_loop_count": maxLoopCount}},
			{ID: "body", TypeTag: "increment"},
		},
		Edges: []model.Edge{
			{ID: "e1", SourceNodeID: "loop", TargetNodeID: "body", SourceHandle: "loop"},
			{ID: "e2", SourceNodeID: "body", TargetNodeID: "loop"},
		},
	}
}

// S5: a max_loop_count requested above SYSTEM_MAX_LOOPS is capped at
// compile time, but the runner must still tell the two ceilings apart
// at runtime and abort with LoopLimitExceeded once the system ceiling
// itself is reached, rather than completing gracefully at that count.
func TestSupervisor_Loop_SystemMaxLoopsAbortsAboveConfiguredCap(t *testing.T) {
	bodyCalls := 0
	reg := registry.New(nil)
	reg.Register(&loopCarryingFakeHandler{fakeHandler{tag: "loop", fn: func(_, _ map[string]any, _ any) (model.NodeResult, error) {
		return model.NodeResult{OutputHandle: "loop"}, nil
	}}})
	reg.Register(&fakeHandler{tag: "increment", fn: func(_, _ map[string]any, _ any) (model.NodeResult, error) {
		bodyCalls++
		return model.NodeResult{OutputHandle: "default"}, nil
	}})
	s := newSupervisor(t, reg)

	handle, err := s.Start(context.Background(), loopWorkflow("wf-loop-cap", 10_000), "user-1", nil, StartOptions{})
	require.NoError(t, err)

	final := waitForTerminal(t, s, handle.ExecutionID, "user-1")
	require.Equal(t, model.ExecutionFailed, final.State)
	require.NotNil(t, final.Error)
	assert.Contains(t, final.Error.Message, "loop limit exceeded")
	assert.Equal(t, model.SystemMaxLoops, bodyCalls)
}

// Boundary case (spec: "Loop with max_loop_count=0 -> done immediately"):
// the ceiling must be consulted before the body ever runs.
func TestSupervisor_Loop_MaxLoopCountZeroSkipsBodyEntirely(t *testing.T) {
	bodyCalls := 0
	reg := registry.New(nil)
	reg.Register(&loopCarryingFakeHandler{fakeHandler{tag: "loop", fn: func(_, _ map[string]any, _ any) (model.NodeResult, error) {
		return model.NodeResult{OutputHandle: "loop"}, nil
	}}})
	reg.Register(&fakeHandler{tag: "increment", fn: func(_, _ map[string]any, _ any) (model.NodeResult, error) {
		bodyCalls++
		return model.NodeResult{OutputHandle: "default"}, nil
	}})
	s := newSupervisor(t, reg)

	handle, err := s.Start(context.Background(), loopWorkflow("wf-loop-zero", 0), "user-1", nil, StartOptions{})
	require.NoError(t, err)

	final := waitForTerminal(t, s, handle.ExecutionID, "user-1")
	require.Equal(t, model.ExecutionCompleted, final.State)
	assert.Equal(t, 0, bodyCalls)
}
