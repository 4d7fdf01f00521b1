package execctx

import "context"

// nopContext is used when no root context was ever installed (e.g. a
// unit test driving AskHuman directly): it never cancels, and the ctx
// passed to AskHuman is not used in its place.
var nopContext = context.Background()

// HITLGate is the narrow slice of the Supervisor a handler needs to
// block on a human response. Kept as an interface here (rather than
// importing kernel/supervisor directly) to avoid a supervisor <-> execctx
// import cycle: the Supervisor builds a Context and immediately calls
// SetHITLGate(itself) before handing the Context to the Graph Runner.
type HITLGate interface {
	AskHuman(ctx context.Context, executionID, kind, message string, options []string, timeoutSeconds int) (any, error)
}

// SetHITLGate installs the Supervisor's ask_human capability. Called
// once, at execution start.
func (c *Context) SetHITLGate(gate HITLGate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hitlGate = gate
}

// AskHuman blocks the calling handler until a human responds or the
// request times out. Panics if no Supervisor is attached — a handler
// declaring an approval/clarification node type outside a supervised
// execution is a programmer error, not a runtime condition to recover
// from silently.
//
// The wait deliberately ignores ctx's deadline: ctx is the calling
// node's per-attempt context, bounded by the node's own timeout, which
// would otherwise race a HITL request's own timeoutSeconds and turn a
// legitimate TimedOut into a spurious cancellation. It still honors
// the execution's own run context (installed via SetRootContext), so
// Supervisor.Cancel still unblocks the wait.
func (c *Context) AskHuman(ctx context.Context, kind, message string, options []string, timeoutSeconds int) (any, error) {
	c.mu.RLock()
	gate := c.hitlGate
	executionID := c.executionID
	root := c.rootCtx
	c.mu.RUnlock()

	if gate == nil {
		panic("execctx: AskHuman called with no HITL gate attached")
	}
	if root == nil {
		root = nopContext
	}
	return gate.AskHuman(root, executionID, kind, message, options, timeoutSeconds)
}
