// Package execctx implements the per-execution Execution Context: a
// bag of ephemeral state owned by exactly one execution, mutated by
// exactly one Graph Runner goroutine. Never persisted; credential
// material is zeroed on destruction.
package execctx

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

// nodeOutput pairs a published NodeResult with the handle it routed
// through, matching spec.md's `node_outputs (node_id -> value plus
// output_handle selector)`.
type nodeOutput struct {
	data         map[string]any
	outputHandle string
}

// Context is the Execution Context for one execution. All mutators
// are expected to be called by exactly one Graph Runner goroutine; the
// mutex exists only to make GetVariable/Variables safe from a
// concurrently reading status query, not to allow concurrent writers.
type Context struct {
	mu sync.RWMutex

	executionID string
	workflowID  string

	variables         map[string]any
	nodeOutputs       map[string]nodeOutput
	credentialHandles map[string]any

	loopItems         map[string][]any
	batchCursor       map[string]int
	accumulatedResult map[string][]any
	loopCounters      map[string]int

	nestingDepth int

	// plan supports label-based fallback resolution when resolving
	// $output.<ref> references (SPEC_FULL supplemented feature).
	plan *model.ExecutionPlan

	// validatedCredentials records which credential refs were checked
	// during compilation for this execution's user; Credential panics
	// on any ref not in this set.
	validatedCredentials map[string]bool

	hitlGate        HITLGate
	subworkflowGate SubworkflowGate

	// rootCtx is the execution's own run context (cancelled only by
	// Supervisor.Cancel, no per-node deadline), used for waits that must
	// outlive a single node attempt's timeout, such as AskHuman.
	rootCtx context.Context

	destroyed bool
}

// SetRootContext installs the execution's run context, distinct from
// the per-attempt context a handler's Execute receives. Called once,
// at execution start.
func (c *Context) SetRootContext(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rootCtx = ctx
}

// New builds a fresh Context for one execution. validatedRefs is the
// set of credential references the Compiler resolved for this user
// during compilation.
func New(executionID, workflowID string, plan *model.ExecutionPlan, validatedRefs []string) *Context {
	validated := make(map[string]bool, len(validatedRefs))
	for _, r := range validatedRefs {
		validated[r] = true
	}
	return &Context{
		executionID:           executionID,
		workflowID:            workflowID,
		variables:             make(map[string]any),
		nodeOutputs:           make(map[string]nodeOutput),
		credentialHandles:     make(map[string]any),
		loopItems:             make(map[string][]any),
		batchCursor:           make(map[string]int),
		accumulatedResult:     make(map[string][]any),
		loopCounters:          make(map[string]int),
		plan:                  plan,
		validatedCredentials:  validated,
	}
}

// GetVariable returns the value bound to name and whether it exists.
func (c *Context) GetVariable(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// SetVariable binds name to value in execution-scoped variables.
func (c *Context) SetVariable(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// Variables returns a shallow copy of all variables, for templating
// and status snapshots.
func (c *Context) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// PublishOutput records a node's result and the handle it routed
// through.
func (c *Context) PublishOutput(nodeID string, result model.NodeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeOutputs[nodeID] = nodeOutput{data: result.Data, outputHandle: result.OutputHandle}
}

// NodeOutput returns the raw published data for nodeID.
func (c *Context) NodeOutput(nodeID string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.nodeOutputs[nodeID]
	if !ok {
		return nil, false
	}
	return out.data, true
}

// OutputHandle returns the handle nodeID last routed through.
func (c *Context) OutputHandle(nodeID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.nodeOutputs[nodeID]
	if !ok {
		return "", false
	}
	return out.outputHandle, true
}

// ResolveInput gathers outputs from direct predecessors plus
// variables into the shape a handler expects as input. When a node
// has multiple predecessors, their outputs are merged in
// predecessor-node_id order so the merge is deterministic; a later
// predecessor's keys overwrite an earlier one's on collision.
func (c *Context) ResolveInput(nodeID string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	input := make(map[string]any)
	if c.plan != nil {
		preds := c.plan.Predecessors(nodeID)
		sortedPreds := append([]string(nil), preds...)
		sort.Strings(sortedPreds)
		for _, p := range sortedPreds {
			if out, ok := c.nodeOutputs[p]; ok {
				for k, v := range out.data {
					input[k] = v
				}
			}
		}
	}
	return input
}

// Credential returns an in-memory decrypted credential handle. Panics
// if ref was not validated during compilation for this user — a
// handler requesting a credential outside its declared/compiled set is
// a programmer error caught immediately rather than silently ignored.
func (c *Context) Credential(ref string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.validatedCredentials[ref] {
		panic(fmt.Sprintf("execctx: credential %q was not validated during compilation", ref))
	}
	return c.credentialHandles[ref]
}

// BindCredential installs a decrypted credential handle for ref. Only
// the Supervisor calls this, once, at execution start, after the
// Compiler has already confirmed ref belongs to validatedCredentials.
func (c *Context) BindCredential(ref string, handle any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credentialHandles[ref] = handle
}

// NestingDepth returns how many sub-workflow levels deep this
// execution is.
func (c *Context) NestingDepth() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nestingDepth
}

// SetNestingDepth is called once at construction time by the
// Supervisor when spawning a child execution.
func (c *Context) SetNestingDepth(depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nestingDepth = depth
}

// Destroy zeroes credential material. Called at terminal transition;
// never persisted, so this is the only place secrets are reachable
// from and it must run exactly once.
func (c *Context) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	for k := range c.credentialHandles {
		c.credentialHandles[k] = nil
	}
	c.credentialHandles = make(map[string]any)
	c.destroyed = true
}
