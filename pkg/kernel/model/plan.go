package model

import "time"

// RetryPolicy is the effective, per-node resolved retry configuration.
type RetryPolicy struct {
	MaxRetries   int           `json:"max_retries"`
	BackoffBase  time.Duration `json:"-"`
	BackoffCap   time.Duration `json:"-"`
}

// CompiledNode is a Node bound to a resolved handler and effective
// runtime parameters, ready for the Graph Runner.
type CompiledNode struct {
	Node
	Timeout      time.Duration
	Retry        RetryPolicy
	LoopCarrying bool     // member of an SCC exempted from acyclicity
	MaxLoopCount int      // resolved from config, capped by SystemMaxLoops
	SecretFields []string // declared_fields names with Secret=true, for event/log redaction
}

// edgeKey indexes adjacency by (source_node, handle) so that "given
// node N just finished with handle H, return the next nodes" is
// O(outgoing(N)).
type edgeKey struct {
	sourceNodeID string
	handle       string
}

// ExecutionPlan is the Compiler's output: a validated, handler-bound
// representation ready for the Graph Runner to drive.
type ExecutionPlan struct {
	WorkflowID string
	Nodes      map[string]*CompiledNode
	Edges      []Edge

	// Order is the deterministic topological order over the
	// loop-condensed graph (each loop SCC collapsed to one node for
	// ordering purposes), tie-broken by node_id.
	Order []string

	// EntrySet holds nodes with no incoming edges, in deterministic
	// (sorted) order.
	EntrySet []string

	adjacency map[edgeKey][]string
	labelToID map[string]string
}

// NewExecutionPlan builds an empty plan ready for the compiler to
// populate incrementally.
func NewExecutionPlan(workflowID string) *ExecutionPlan {
	return &ExecutionPlan{
		WorkflowID: workflowID,
		Nodes:      make(map[string]*CompiledNode),
		adjacency:  make(map[edgeKey][]string),
		labelToID:  make(map[string]string),
	}
}

// IndexAdjacency (re)builds the (source, handle) -> targets index from
// Edges. Called once by the compiler after validation succeeds.
func (p *ExecutionPlan) IndexAdjacency() {
	p.adjacency = make(map[edgeKey][]string, len(p.Edges))
	for _, e := range p.Edges {
		k := edgeKey{sourceNodeID: e.SourceNodeID, handle: e.Handle()}
		p.adjacency[k] = append(p.adjacency[k], e.TargetNodeID)
	}
}

// NextNodes returns the targets reachable from sourceNodeID via
// outgoing edges whose handle matches, in O(outgoing(N)).
func (p *ExecutionPlan) NextNodes(sourceNodeID, handle string) []string {
	if handle == "" {
		handle = "default"
	}
	return p.adjacency[edgeKey{sourceNodeID: sourceNodeID, handle: handle}]
}

// Predecessors returns the set of node IDs with an edge into target.
func (p *ExecutionPlan) Predecessors(target string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range p.Edges {
		if e.TargetNodeID == target {
			if _, ok := seen[e.SourceNodeID]; !ok {
				seen[e.SourceNodeID] = struct{}{}
				out = append(out, e.SourceNodeID)
			}
		}
	}
	return out
}

// BindLabel records an alternate human-readable name for a node so
// templates may reference it as a fallback. Never required for
// compiled routing.
func (p *ExecutionPlan) BindLabel(label, nodeID string) {
	if label == "" {
		return
	}
	p.labelToID[label] = nodeID
}

// ResolveLabel looks up a node ID by label, falling back to treating
// name as a raw node ID when no label was ever bound to it.
func (p *ExecutionPlan) ResolveLabel(name string) (string, bool) {
	if id, ok := p.labelToID[name]; ok {
		return id, true
	}
	if _, ok := p.Nodes[name]; ok {
		return name, true
	}
	return "", false
}
