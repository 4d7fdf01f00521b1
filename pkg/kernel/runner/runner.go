// Package runner implements the Graph Runner: given a compiled plan, a
// fresh execution context and a supervisor's hook set, drives one
// execution to a terminal state — selecting ready nodes, invoking
// handlers under a timeout with retry/backoff, routing by output
// handle, and enforcing loop bounds. Grounded on the original
// compiler.py's `_create_node_function` per-node closure (before/after/
// on_error gating, timeout via a cancellable context, loop
// accumulation into per-node accumulators) generalized from a single
// LangGraph node function into an explicit driving loop over
// model.ExecutionPlan.
package runner

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opkernel/workflow-kernel/pkg/kernel/clock"
	"github.com/opkernel/workflow-kernel/pkg/kernel/execctx"
	"github.com/opkernel/workflow-kernel/pkg/kernel/kernelerr"
	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
	"github.com/opkernel/workflow-kernel/pkg/kernel/template"
	"github.com/opkernel/workflow-kernel/pkg/otelhelper"
)

// HandlerRegistry is the narrow slice of kernel/registry.Registry the
// runner needs, kept as an interface so tests can inject a stub.
type HandlerRegistry interface {
	MustLookup(typeTag string) model.Handler
}

// Result is what Run returns once the execution reaches a terminal
// state (or is handed back paused, for the Supervisor to resume later).
type Result struct {
	State  model.ExecutionState
	Output map[string]any
	Error  *model.ExecutionError
}

// GraceWindow is the default 5 s grace window for a cancelled
// execution's in-flight handler. Run does not consult it: handlers are
// called synchronously, so a cancelled execution's runner returns only
// after the in-flight handler does, and a handler that ignores its
// context is never abandoned.
const GraceWindow = 5 * time.Second

// Runner drives exactly one execution at a time; a Runner value holds
// no per-execution state and is safe to reuse/share across concurrent
// executions.
type Runner struct {
	registry HandlerRegistry
	clock    clock.Clock
	logger   *logrus.Entry
	tracer   trace.Tracer
}

// New builds a Runner bound to a handler registry. Pass nil for clock
// to use the real wall clock, nil for logger to discard.
func New(reg HandlerRegistry, c clock.Clock, logger *logrus.Entry) *Runner {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Runner{registry: reg, clock: c, logger: logger.WithField("component", "runner")}
}

// SetTracer installs the tracer used to open one span per node
// execution, covering all of its retry attempts. Optional: a nil tracer (the default) means no
// per-node spans are opened.
func (r *Runner) SetTracer(t trace.Tracer) { r.tracer = t }

// Run drives executionID's plan to completion, failure or
// cancellation. input seeds every entry node's resolve_input merge.
func (r *Runner) Run(
	ctx context.Context,
	executionID string,
	plan *model.ExecutionPlan,
	ec *execctx.Context,
	hooks Hooks,
	input map[string]any,
	errorPolicy model.ErrorPolicy,
) Result {
	d := &drive{
		Runner:      r,
		ctx:         ctx,
		executionID: executionID,
		plan:        plan,
		ec:          ec,
		hooks:       hooks,
		input:       input,
		errorPolicy: errorPolicy,
		remaining:   make(map[string]int),
		fired:       make(map[string]bool),
		done:        make(map[string]bool),
		executed:    make(map[string]bool),
	}
	return d.run()
}

// drive holds the mutable state of one Run call. Kept as its own type
// so Run's signature stays small while the driving algorithm gets a
// receiver to hang helpers off of.
type drive struct {
	*Runner
	ctx         context.Context
	executionID string
	plan        *model.ExecutionPlan
	ec          *execctx.Context
	hooks       Hooks
	input       map[string]any
	errorPolicy model.ErrorPolicy

	// remaining[n] counts blocking (non loop-back) predecessors of n
	// not yet resolved (executed or skipped).
	remaining map[string]int
	// fired[n] is true once at least one incoming edge into n actually
	// carried data (as opposed to arriving only via a not-taken branch).
	fired map[string]bool
	// done[n] marks n as resolved (skipped or executed) for readiness
	// accounting, independent of whether it ever ran.
	done map[string]bool
	// executed[n] marks n as having actually run its handler, used to
	// pick terminal leaves for the execution's output.
	executed map[string]bool
}

func (d *drive) run() Result {
	d.indexBlockingPredecessors()

	queue := append([]string(nil), d.plan.EntrySet...)
	sort.Strings(queue)

	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]

		if d.done[nodeID] {
			continue
		}

		select {
		case <-d.ctx.Done():
			return d.cancelled()
		default:
		}

		before := d.hooks.BeforeNode(d.ctx, d.executionID, nodeID)
		switch before.Kind {
		case model.DecisionAbort:
			return d.failed(nodeID, "aborted", before.Reason)
		case model.DecisionPause:
			// Cooperative pause: the Supervisor's BeforeNode blocks the
			// calling goroutine until resumed, so returning here would
			// be premature. A hook implementation that wants a real
			// pause blocks internally and returns Continue once resumed;
			// Pause surfacing here means the caller wants the runner to
			// stop without marking terminal — treated the same as an
			// external context cancellation from the caller's view.
			return Result{State: model.ExecutionPaused}
		}

		result, nerr, abortReason := d.executeWithSupervision(nodeID)
		if abortReason != "" {
			kind := "aborted"
			if nerr != nil {
				kind = string(nerr.Kind)
			}
			return d.failed(nodeID, kind, abortReason)
		}

		d.markDone(nodeID, true)
		newlyReady := d.route(nodeID, result)
		queue = append(queue, newlyReady...)
		sort.Strings(queue)
	}

	return d.completed()
}

// indexBlockingPredecessors computes, for every node, the count of
// distinct predecessors whose completion it must wait for before it
// can run. Edges tagged loop_body are the back-edge into a loop's own
// entry node; they are excluded here and handled explicitly by
// driveLoop instead, or every workflow with a loop would deadlock
// waiting on its own body to finish first.
func (d *drive) indexBlockingPredecessors() {
	preds := make(map[string]map[string]struct{})
	for _, e := range d.plan.Edges {
		if e.Kind == model.EdgeKindLoopBody {
			continue
		}
		if preds[e.TargetNodeID] == nil {
			preds[e.TargetNodeID] = make(map[string]struct{})
		}
		preds[e.TargetNodeID][e.SourceNodeID] = struct{}{}
	}
	for id := range d.plan.Nodes {
		d.remaining[id] = len(preds[id])
	}
}

// executeWithSupervision runs a node to completion (including
// retry/backoff and, for loop-carrying nodes, the full loop), then
// calls AfterNode. It returns a non-empty abortReason when the
// execution must terminate FAILED.
func (d *drive) executeWithSupervision(nodeID string) (model.NodeResult, *model.NodeError, string) {
	result, nerr, abortReason := d.executeAttempts(nodeID)
	if abortReason != "" {
		return result, nerr, abortReason
	}

	cn := d.plan.Nodes[nodeID]
	if cn.LoopCarrying && result.OutputHandle == "loop" {
		var loopAbort string
		result, loopAbort = d.driveLoop(nodeID, result)
		if loopAbort != "" {
			return result, &model.NodeError{Kind: model.NodeErrorPermanent, Message: loopAbort}, loopAbort
		}
	}

	d.ec.PublishOutput(nodeID, result)

	after := d.hooks.AfterNode(d.ctx, d.executionID, nodeID, result)
	if after.Kind == model.DecisionAbort {
		return result, nerr, "after_node aborted: " + after.Reason
	}
	return result, nerr, ""
}

// driveLoop repeatedly re-invokes a loop-carrying node's handler as
// its body completes each iteration, until the handler chooses "done"
// or SYSTEM_MAX_LOOPS/max_loop_count is reached. Body nodes execute
// once per iteration, so their done/fired/remaining bookkeeping is
// reset to a base snapshot before each pass rather than reusing the
// once-per-execution state the rest of the plan relies on.
func (d *drive) driveLoop(nodeID string, first model.NodeResult) (model.NodeResult, string) {
	cn := d.plan.Nodes[nodeID]
	current := first

	bodyEntries := d.plan.NextNodes(nodeID, "loop")
	sort.Strings(bodyEntries)
	bodyNodes := d.bodyNodeSet(nodeID, bodyEntries)
	baseRemaining := make(map[string]int, len(bodyNodes))
	for id := range bodyNodes {
		baseRemaining[id] = d.remaining[id]
	}

	for current.OutputHandle == "loop" {
		// The ceiling is consulted before the body runs, not after: a
		// max_loop_count of 0 must produce zero body executions, not one.
		count := d.ec.LoopCount(nodeID)
		if count >= model.SystemMaxLoops {
			return current, kernelerr.ErrLoopLimitExceeded.Error()
		}
		if count >= cn.MaxLoopCount {
			current.OutputHandle = "done"
			current.Data = map[string]any{"results": d.ec.AccumulatedResults(nodeID)}
			break
		}

		// Publish this iteration's data before running the body: a body
		// node resolves the current item through $output.<loopNodeID>,
		// same as it would for any other predecessor.
		d.ec.PublishOutput(nodeID, current)

		for id := range bodyNodes {
			delete(d.done, id)
			delete(d.fired, id)
			delete(d.executed, id)
			d.remaining[id] = baseRemaining[id]
		}
		for _, entry := range bodyEntries {
			d.remaining[entry] = 0
		}

		for _, entry := range bodyEntries {
			if abort := d.runBodyUntilBackEdge(entry, nodeID); abort != "" {
				return current, abort
			}
		}

		next, nerr, abortReason := d.executeAttempts(nodeID)
		if abortReason != "" {
			return next, kernelerr.ErrLoopLimitExceeded.Error() + ": " + nerr.Message
		}
		current = next
	}

	if current.OutputHandle == "done" {
		if current.Data == nil {
			current.Data = map[string]any{}
		}
		if _, ok := current.Data["results"]; !ok {
			current.Data["results"] = d.ec.AccumulatedResults(nodeID)
		}
	}
	return current, ""
}

// bodyNodeSet returns every node reachable from the loop's body
// entries without crossing a loop_body back-edge, i.e. the set of
// nodes that re-execute on every iteration.
func (d *drive) bodyNodeSet(loopNodeID string, entries []string) map[string]struct{} {
	set := make(map[string]struct{})
	queue := append([]string(nil), entries...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		for _, e := range d.plan.Edges {
			if e.SourceNodeID != id {
				continue
			}
			if e.Kind == model.EdgeKindLoopBody && e.TargetNodeID == loopNodeID {
				continue
			}
			queue = append(queue, e.TargetNodeID)
		}
	}
	return set
}

// runBodyUntilBackEdge drives the body subgraph starting at entry,
// following ordinary routing, until it reaches an edge tagged
// loop_body pointing back at loopNodeID — at which point the body
// node's result is accumulated for the loop rather than routed
// further.
func (d *drive) runBodyUntilBackEdge(entry, loopNodeID string) string {
	queue := []string{entry}
	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]
		if d.done[nodeID] {
			continue
		}

		before := d.hooks.BeforeNode(d.ctx, d.executionID, nodeID)
		if before.Kind == model.DecisionAbort {
			return "aborted in loop body: " + before.Reason
		}

		result, nerr, abortReason := d.executeAttempts(nodeID)
		if abortReason != "" {
			return abortReason
		}
		d.ec.PublishOutput(nodeID, result)
		_ = nerr

		after := d.hooks.AfterNode(d.ctx, d.executionID, nodeID, result)
		if after.Kind == model.DecisionAbort {
			return "after_node aborted in loop body: " + after.Reason
		}

		d.markDone(nodeID, true)

		backEdge := false
		for _, e := range d.plan.Edges {
			if e.SourceNodeID != nodeID || e.Handle() != result.OutputHandle {
				continue
			}
			if e.Kind == model.EdgeKindLoopBody && e.TargetNodeID == loopNodeID {
				d.ec.AccumulateResult(loopNodeID, result.Data)
				d.ec.IncrementLoop(loopNodeID)
				backEdge = true
				continue
			}
			d.markDone(e.TargetNodeID, false)
			queue = append(queue, e.TargetNodeID)
		}
		if !backEdge {
			// No explicit back-edge configured for this handle: treat
			// reaching a body dead end as one iteration too.
			d.ec.AccumulateResult(loopNodeID, result.Data)
			d.ec.IncrementLoop(loopNodeID)
		}
	}
	return ""
}

// executeAttempts opens the per-node span (if a tracer is configured)
// around executeAttemptsInner's actual retry loop.
func (d *drive) executeAttempts(nodeID string) (model.NodeResult, *model.NodeError, string) {
	if d.tracer == nil {
		return d.executeAttemptsInner(nodeID)
	}

	_, span := otelhelper.StartSpan(d.ctx, d.tracer, "kernel.node",
		attribute.String(otelhelper.ExecutionIDKey, d.executionID),
		attribute.String(otelhelper.WorkflowIDKey, d.plan.WorkflowID),
		attribute.String(otelhelper.NodeIDKey, nodeID),
	)
	defer span.End()

	result, nerr, abortReason := d.executeAttemptsInner(nodeID)
	if nerr != nil {
		otelhelper.SetError(span, fmt.Errorf("%s: %s", nerr.Kind, nerr.Message))
	}
	return result, nerr, abortReason
}

// executeAttemptsInner runs a node's handler up to 1+MaxRetries times
// with exponential backoff, escalating to OnError on exhaustion.
func (d *drive) executeAttemptsInner(nodeID string) (model.NodeResult, *model.NodeError, string) {
	cn := d.plan.Nodes[nodeID]
	handler := d.registry.MustLookup(cn.TypeTag)

	backoff := cn.Retry.BackoffBase
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	backoffCap := cn.Retry.BackoffCap
	if backoffCap <= 0 {
		backoffCap = 30 * time.Second
	}

	attempts := 1 + cn.Retry.MaxRetries
	var lastErr *model.NodeError

	for attempt := 1; attempt <= attempts; attempt++ {
		result, nerr := d.attemptOnce(nodeID, cn, handler)
		if nerr == nil {
			return result, nil, ""
		}
		lastErr = nerr

		if attempt == attempts {
			break
		}
		if nerr.Kind == model.NodeErrorPermanent {
			break
		}
		if err := d.clock.Sleep(d.ctx, backoff); err != nil {
			return model.NodeResult{}, nerr, "cancelled during retry backoff"
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}

	decision := d.hooks.OnError(d.ctx, d.executionID, nodeID, lastErr)
	if decision.Kind == model.DecisionAbort &&
		d.errorPolicy == model.ErrorPolicyContinue &&
		len(d.plan.NextNodes(nodeID, "error")) > 0 {
		// error_policy=continue routes an unrecovered error through the
		// node's own "error" handle rather than failing the execution,
		// as long as one is actually wired up.
		decision = model.Continue()
	}
	switch decision.Kind {
	case model.DecisionContinue:
		return model.NodeResult{
			Data:         map[string]any{"error": lastErr.Message},
			OutputHandle: "error",
			Error:        lastErr,
		}, lastErr, ""
	case model.DecisionRetry:
		return d.executeAttempts(nodeID)
	default:
		return model.NodeResult{}, lastErr, lastErr.Message
	}
}

func (d *drive) attemptOnce(nodeID string, cn *model.CompiledNode, handler model.Handler) (result model.NodeResult, nerr *model.NodeError) {
	defer func() {
		if rec := recover(); rec != nil {
			nerr = &model.NodeError{Kind: model.NodeErrorRetryable, Message: fmt.Sprintf("panic: %v", rec)}
		}
	}()

	input := d.ec.ResolveInput(nodeID)
	for k, v := range d.input {
		if _, exists := input[k]; !exists {
			input[k] = v
		}
	}

	src := &templateSource{ec: d.ec, input: input, plan: d.plan}
	resolvedConfig, terr := template.ResolveValue(nodeID, cn.Config, src)
	if terr != nil {
		return model.NodeResult{}, &model.NodeError{Kind: model.NodeErrorPermanent, Message: terr.Error()}
	}

	attemptCtx, cancel := context.WithTimeout(d.ctx, effectiveDuration(cn.Timeout))
	defer cancel()

	res, err := handler.Execute(attemptCtx, input, resolvedConfig.(map[string]any), d.ec)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return model.NodeResult{}, &model.NodeError{Kind: model.NodeErrorRetryable, Message: "handler timed out: " + err.Error()}
		}
		return model.NodeResult{}, &model.NodeError{Kind: model.NodeErrorRetryable, Message: err.Error()}
	}

	if res.OutputHandle == "" {
		res.OutputHandle = "default"
	}
	if res.OutputHandle == "error" && res.Error != nil {
		return model.NodeResult{}, res.Error
	}
	return res, nil
}

func effectiveDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return model.SystemDefaultTimeoutMS * time.Millisecond
	}
	return d
}

// route enumerates outgoing edges from nodeID whose handle matches the
// published result, marks fired/not-fired arrivals at every target,
// and returns the subset that became newly ready to execute.
func (d *drive) route(nodeID string, result model.NodeResult) []string {
	handle := result.OutputHandle
	if handle == "" {
		handle = "default"
	}
	if len(d.plan.NextNodes(nodeID, handle)) == 0 && handle != "default" {
		if len(d.plan.NextNodes(nodeID, "default")) > 0 {
			d.logger.WithFields(logrus.Fields{"node_id": nodeID, "handle": handle}).
				Warn("unknown output handle, falling back to default")
			handle = "default"
		}
	}

	var ready []string
	for _, e := range d.plan.Edges {
		if e.SourceNodeID != nodeID || e.Kind == model.EdgeKindLoopBody {
			continue
		}
		fired := e.Handle() == handle
		d.arrive(e.TargetNodeID, fired, &ready)
	}
	return ready
}

// arrive resolves one predecessor's completion at target, appending
// target to ready once every blocking predecessor has resolved and at
// least one of them actually fired into it. A target that resolves
// with none of its predecessors firing is skipped, and that skip is
// propagated to its own successors so a not-taken branch never leaves
// downstream nodes waiting forever — one of those successors may still
// have a live predecessor elsewhere, in which case it is appended to
// the same ready accumulator once its count reaches zero.
func (d *drive) arrive(target string, fired bool, ready *[]string) {
	if d.done[target] {
		return
	}
	if fired {
		d.fired[target] = true
	}
	d.remaining[target]--
	if d.remaining[target] > 0 {
		return
	}
	if !d.fired[target] {
		d.markDone(target, false)
		d.propagateSkip(target, ready)
		return
	}
	*ready = append(*ready, target)
}

func (d *drive) propagateSkip(target string, ready *[]string) {
	for _, e := range d.plan.Edges {
		if e.SourceNodeID != target || e.Kind == model.EdgeKindLoopBody {
			continue
		}
		d.arrive(e.TargetNodeID, false, ready)
	}
}

func (d *drive) markDone(nodeID string, ran bool) {
	d.done[nodeID] = true
	if ran {
		d.executed[nodeID] = true
	}
}

func (d *drive) completed() Result {
	var leaves []string
	for id := range d.executed {
		if len(d.plan.Edges) == 0 {
			leaves = append(leaves, id)
			continue
		}
		hasSuccessor := false
		for _, e := range d.plan.Edges {
			if e.SourceNodeID == id && e.Kind != model.EdgeKindLoopBody {
				hasSuccessor = true
				break
			}
		}
		if !hasSuccessor {
			leaves = append(leaves, id)
		}
	}
	sort.Strings(leaves)

	output := make(map[string]any)
	for _, id := range leaves {
		if data, ok := d.ec.NodeOutput(id); ok {
			for k, v := range data {
				output[k] = v
			}
		}
	}
	return Result{State: model.ExecutionCompleted, Output: output}
}

func (d *drive) failed(nodeID, kind, message string) Result {
	return Result{
		State: model.ExecutionFailed,
		Error: &model.ExecutionError{Kind: kind, FailingNodeID: nodeID, Message: message},
	}
}

func (d *drive) cancelled() Result {
	return Result{State: model.ExecutionCancelled}
}

// templateSource adapts an execution's current input and Context into
// the narrow template.Source interface, resolving $output references
// through the plan's label table first.
type templateSource struct {
	ec    *execctx.Context
	input map[string]any
	plan  *model.ExecutionPlan
}

func (s *templateSource) Input() map[string]any { return s.input }

func (s *templateSource) Var(name string) (any, bool) {
	return s.ec.GetVariable(name)
}

func (s *templateSource) Output(nodeID string) (map[string]any, bool) {
	id := nodeID
	if s.plan != nil {
		if resolved, ok := s.plan.ResolveLabel(nodeID); ok {
			id = resolved
		}
	}
	return s.ec.NodeOutput(id)
}
