// Package compiler implements the workflow Compiler: it consumes a
// workflow definition and the set of credentials available to the
// invoking user and produces a validated ExecutionPlan bound to
// handlers, or fails with a typed CompilationError.
package compiler

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"

	"github.com/opkernel/workflow-kernel/pkg/kernel/kernelerr"
	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
	"github.com/opkernel/workflow-kernel/pkg/kernel/registry"
)

func jsonMarshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CredentialRef describes one credential available to the invoking
// user: its reference (as a node.credential_refs entry) and its
// credential-type tag, checked against a handler's DeclaredCredentials.
type CredentialRef struct {
	Ref  string
	Type string
}

// Compiler runs the validation pipeline against the process-wide
// Node Handler Registry.
type Compiler struct {
	registry *registry.Registry
	logger   *logrus.Entry
}

// New builds a Compiler bound to reg. Pass nil for logger for a
// discard default.
func New(reg *registry.Registry, logger *logrus.Entry) *Compiler {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Compiler{registry: reg, logger: logger.WithField("component", "compiler")}
}

// Compile runs the full validation pipeline in spec order:
// structural -> cycles (loop-aware) -> orphans -> credential binding
// -> config shape -> type compatibility (soft) -> topological
// ordering, and returns the bound ExecutionPlan.
func (c *Compiler) Compile(wf *model.Workflow, availableCredentials []CredentialRef) (*model.ExecutionPlan, error) {
	var issues []kernelerr.CompileIssue

	nodeByID := make(map[string]*model.Node, len(wf.Nodes))
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if _, dup := nodeByID[n.ID]; dup {
			issues = append(issues, kernelerr.CompileIssue{
				NodeID: n.ID, Kind: kernelerr.IssueStructural, Fatal: true,
				Message: fmt.Sprintf("duplicate node_id %q", n.ID),
			})
			continue
		}
		nodeByID[n.ID] = n
	}
	if len(wf.Nodes) == 0 {
		issues = append(issues, kernelerr.CompileIssue{
			Kind: kernelerr.IssueStructural, Fatal: true, Message: "workflow has no nodes",
		})
		return nil, kernelerr.NewCompilationError(wf.ID, issues)
	}

	issues = append(issues, c.validateStructural(wf, nodeByID)...)
	if fatal(issues) {
		return nil, kernelerr.NewCompilationError(wf.ID, issues)
	}

	adjacency := buildAdjacency(wf)
	loopCarrying, cycleIssues := c.validateCycles(wf, nodeByID, adjacency)
	issues = append(issues, cycleIssues...)
	if fatal(issues) {
		return nil, kernelerr.NewCompilationError(wf.ID, issues)
	}

	entrySet := c.computeEntrySet(wf, nodeByID, adjacency)
	if len(entrySet) == 0 {
		issues = append(issues, kernelerr.CompileIssue{
			Kind: kernelerr.IssueStructural, Fatal: true, Message: "no entry node (workflow has no node with zero incoming edges)",
		})
		return nil, kernelerr.NewCompilationError(wf.ID, issues)
	}

	issues = append(issues, c.validateOrphans(wf, nodeByID, adjacency, entrySet)...)
	if fatal(issues) {
		return nil, kernelerr.NewCompilationError(wf.ID, issues)
	}

	issues = append(issues, c.validateCredentials(wf, availableCredentials)...)
	issues = append(issues, c.validateConfigShape(wf)...)
	issues = append(issues, c.validateTypeCompatibility(wf, nodeByID)...)
	if fatal(issues) {
		return nil, kernelerr.NewCompilationError(wf.ID, issues)
	}

	order, err := c.topologicalOrder(wf, nodeByID, adjacency, loopCarrying)
	if err != nil {
		issues = append(issues, kernelerr.CompileIssue{Kind: kernelerr.IssueCycle, Fatal: true, Message: err.Error()})
		return nil, kernelerr.NewCompilationError(wf.ID, issues)
	}

	plan := model.NewExecutionPlan(wf.ID)
	plan.Edges = wf.Edges
	plan.Order = order
	plan.EntrySet = entrySet
	for id, n := range nodeByID {
		plan.Nodes[id] = &model.CompiledNode{
			Node:         *n,
			Timeout:      effectiveTimeout(n, wf),
			Retry:        effectiveRetry(n, wf),
			LoopCarrying: loopCarrying[id],
			MaxLoopCount: effectiveMaxLoopCount(n),
			SecretFields: secretFieldNames(c.registry, n.TypeTag),
		}
	}
	plan.IndexAdjacency()

	for _, issue := range logNonFatal(issues) {
		c.logger.WithField("workflow_id", wf.ID).Warn(issue)
	}

	return plan, nil
}

func fatal(issues []kernelerr.CompileIssue) bool {
	for _, i := range issues {
		if i.Fatal {
			return true
		}
	}
	return false
}

func logNonFatal(issues []kernelerr.CompileIssue) []string {
	var out []string
	for _, i := range issues {
		if !i.Fatal {
			out = append(out, i.String())
		}
	}
	return out
}

// validateStructural checks every edge's endpoints exist and every
// node's type_tag resolves in the registry.
func (c *Compiler) validateStructural(wf *model.Workflow, nodeByID map[string]*model.Node) []kernelerr.CompileIssue {
	var issues []kernelerr.CompileIssue
	for _, n := range wf.Nodes {
		if !c.registry.Has(n.TypeTag) {
			issues = append(issues, kernelerr.CompileIssue{
				NodeID: n.ID, Kind: kernelerr.IssueUnknownNodeType, Fatal: true,
				Message: fmt.Sprintf("unknown node type_tag %q", n.TypeTag),
			})
		}
	}
	for _, e := range wf.Edges {
		if _, ok := nodeByID[e.SourceNodeID]; !ok {
			issues = append(issues, kernelerr.CompileIssue{
				NodeID: e.SourceNodeID, Kind: kernelerr.IssueStructural, Fatal: true,
				Message: fmt.Sprintf("edge %q source %q does not exist", e.ID, e.SourceNodeID),
			})
		}
		if _, ok := nodeByID[e.TargetNodeID]; !ok {
			issues = append(issues, kernelerr.CompileIssue{
				NodeID: e.TargetNodeID, Kind: kernelerr.IssueStructural, Fatal: true,
				Message: fmt.Sprintf("edge %q target %q does not exist", e.ID, e.TargetNodeID),
			})
		}
	}
	return issues
}

func buildAdjacency(wf *model.Workflow) map[string][]string {
	adj := make(map[string][]string)
	for _, e := range wf.Edges {
		adj[e.SourceNodeID] = append(adj[e.SourceNodeID], e.TargetNodeID)
	}
	for k := range adj {
		sort.Strings(adj[k])
	}
	return adj
}

// validateCycles computes SCCs; an SCC of size > 1, or a size-1 SCC
// with a self-loop, is legal iff it contains a loop-carrying node.
func (c *Compiler) validateCycles(wf *model.Workflow, nodeByID map[string]*model.Node, adjacency map[string][]string) (map[string]bool, []kernelerr.CompileIssue) {
	nodeIDs := make([]string, 0, len(nodeByID))
	for id := range nodeByID {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	components := tarjanSCC(nodeIDs, adjacency)
	loopCarrying := make(map[string]bool)
	var issues []kernelerr.CompileIssue

	for _, comp := range components {
		isCycle := len(comp) > 1
		if len(comp) == 1 && hasSelfLoop(comp[0], adjacency) {
			isCycle = true
		}
		if !isCycle {
			continue
		}
		hasLoopNode := false
		for _, id := range comp {
			if c.registry.IsLoopCarrying(nodeByID[id].TypeTag) {
				hasLoopNode = true
				break
			}
		}
		if !hasLoopNode {
			sorted := append([]string(nil), comp...)
			sort.Strings(sorted)
			issues = append(issues, kernelerr.CompileIssue{
				NodeID: sorted[0], Kind: kernelerr.IssueCycle, Fatal: true,
				Message: fmt.Sprintf("cycle detected with no loop-carrying node: %v", sorted),
			})
			continue
		}
		for _, id := range comp {
			loopCarrying[id] = true
		}
	}
	return loopCarrying, issues
}

// computeEntrySet returns the nodes with no incoming edges, sorted. A
// back-edge does not count as incoming: an edge of kind loop_body, or an
// edge into a loop-carrying node from a member of its own strongly
// connected component. A loop that starts a workflow is therefore still
// an entry node.
func (c *Compiler) computeEntrySet(wf *model.Workflow, nodeByID map[string]*model.Node, adjacency map[string][]string) []string {
	nodeIDs := make([]string, 0, len(nodeByID))
	for id := range nodeByID {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)
	component := make(map[string]int, len(nodeIDs))
	for i, comp := range tarjanSCC(nodeIDs, adjacency) {
		for _, id := range comp {
			component[id] = i
		}
	}
	hasIncoming := make(map[string]bool, len(nodeByID))
	for _, e := range wf.Edges {
		if e.Kind == model.EdgeKindLoopBody ||
			(component[e.SourceNodeID] == component[e.TargetNodeID] && c.registry.IsLoopCarrying(nodeByID[e.TargetNodeID].TypeTag)) {
			continue
		}
		hasIncoming[e.TargetNodeID] = true
	}
	var entries []string
	for id := range nodeByID {
		if !hasIncoming[id] {
			entries = append(entries, id)
		}
	}
	sort.Strings(entries)
	return entries
}

// validateOrphans finds nodes unreachable from the entry set. Warning
// by default; promoted to a fatal error when the workflow demands
// strict mode.
func (c *Compiler) validateOrphans(wf *model.Workflow, nodeByID map[string]*model.Node, adjacency map[string][]string, entrySet []string) []kernelerr.CompileIssue {
	reachable := make(map[string]bool, len(nodeByID))
	var visit func(id string)
	visit = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, next := range adjacency[id] {
			visit(next)
		}
	}
	for _, e := range entrySet {
		visit(e)
	}

	var issues []kernelerr.CompileIssue
	ids := make([]string, 0, len(nodeByID))
	for id := range nodeByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if reachable[id] {
			continue
		}
		issues = append(issues, kernelerr.CompileIssue{
			NodeID: id, Kind: kernelerr.IssueOrphan, Fatal: wf.Settings.StrictOrphans,
			Message: fmt.Sprintf("node %q is not reachable from any entry node", id),
		})
	}
	return issues
}

// validateCredentials checks each node's credential_refs resolve to a
// credential owned by the invoking user whose type is among the
// handler's declared credentials.
func (c *Compiler) validateCredentials(wf *model.Workflow, available []CredentialRef) []kernelerr.CompileIssue {
	byRef := make(map[string]string, len(available))
	for _, cr := range available {
		byRef[cr.Ref] = cr.Type
	}

	var issues []kernelerr.CompileIssue
	for _, n := range wf.Nodes {
		handler, ok := c.registry.Lookup(n.TypeTag)
		if !ok {
			continue // already flagged by validateStructural
		}
		declared := make(map[string]bool)
		for _, t := range handler.DeclaredCredentials() {
			declared[t] = true
		}
		for _, ref := range n.CredentialRefs {
			credType, found := byRef[ref]
			if !found {
				issues = append(issues, kernelerr.CompileIssue{
					NodeID: n.ID, Kind: kernelerr.IssueCredential, Fatal: true,
					Message: fmt.Sprintf("credential %q not found for user", ref),
				})
				continue
			}
			if !declared[credType] {
				issues = append(issues, kernelerr.CompileIssue{
					NodeID: n.ID, Kind: kernelerr.IssueCredential, Fatal: true,
					Message: fmt.Sprintf("credential %q of type %q not declared by handler %q", ref, credType, n.TypeTag),
				})
			}
		}
	}
	return issues
}

// validateConfigShape checks node.config against the handler's
// declared_fields: required present, types match the small schema
// language (string, number, boolean, select, secret-ref, code-string).
// Complex nested shapes additionally go through gojsonschema when a
// field carries a JSON-schema fragment (select options, etc).
func (c *Compiler) validateConfigShape(wf *model.Workflow) []kernelerr.CompileIssue {
	var issues []kernelerr.CompileIssue
	for _, n := range wf.Nodes {
		handler, ok := c.registry.Lookup(n.TypeTag)
		if !ok {
			continue
		}
		for _, field := range handler.DeclaredFields() {
			raw, present := n.Config[field.Name]
			if !present {
				if field.Required {
					issues = append(issues, kernelerr.CompileIssue{
						NodeID: n.ID, Kind: kernelerr.IssueConfig, Fatal: true,
						Message: fmt.Sprintf("required field %q missing", field.Name),
					})
				}
				continue
			}
			if err := validateFieldType(field, raw); err != nil {
				issues = append(issues, kernelerr.CompileIssue{
					NodeID: n.ID, Kind: kernelerr.IssueConfig, Fatal: true,
					Message: fmt.Sprintf("field %q: %v", field.Name, err),
				})
			}
		}
		if schemaProvider, ok := handler.(model.ConfigSchemaProvider); ok {
			if docJSON, err := jsonMarshal(n.Config); err == nil {
				if err := validateJSONSchemaFragment(schemaProvider.ConfigSchema(), docJSON); err != nil {
					issues = append(issues, kernelerr.CompileIssue{
						NodeID: n.ID, Kind: kernelerr.IssueConfig, Fatal: true,
						Message: err.Error(),
					})
				}
			}
		}
	}
	return issues
}

// secretFieldNames lists the declared_fields names a node's handler
// tags as secret, for the Supervisor to redact out of emitted events
// and logs (spec §6's "redaction required on config and outputs when
// fields are tagged secret").
func secretFieldNames(reg *registry.Registry, typeTag string) []string {
	handler, ok := reg.Lookup(typeTag)
	if !ok {
		return nil
	}
	var names []string
	for _, field := range handler.DeclaredFields() {
		if field.Secret {
			names = append(names, field.Name)
		}
	}
	return names
}

func validateFieldType(field model.FieldSpec, raw any) error {
	switch field.Type {
	case model.FieldTypeString, model.FieldTypeSecretRef, model.FieldTypeCode:
		if _, ok := raw.(string); !ok {
			return fmt.Errorf("expected string, got %T", raw)
		}
	case model.FieldTypeNumber:
		switch raw.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("expected number, got %T", raw)
		}
	case model.FieldTypeBoolean:
		if _, ok := raw.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", raw)
		}
	case model.FieldTypeSelect:
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("expected select string, got %T", raw)
		}
		for _, opt := range field.Options {
			if opt == s {
				return nil
			}
		}
		return fmt.Errorf("value %q not among options %v", s, field.Options)
	}
	return nil
}

// validateJSONSchemaFragment is a small helper any node handler can
// call from a custom validation path to check a raw config blob
// against an arbitrary JSON schema document, using the same library
// the config-shape pass is grounded on.
func validateJSONSchemaFragment(schemaJSON string, documentJSON string) error {
	schemaLoader := gojsonschema.NewStringLoader(schemaJSON)
	docLoader := gojsonschema.NewStringLoader(documentJSON)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("schema validation failed: %v", msgs)
	}
	return nil
}

// validateTypeCompatibility is a soft pass: mismatches between a
// concrete upstream output schema and a concrete downstream input
// schema are warnings only.
func (c *Compiler) validateTypeCompatibility(wf *model.Workflow, nodeByID map[string]*model.Node) []kernelerr.CompileIssue {
	var issues []kernelerr.CompileIssue
	for _, e := range wf.Edges {
		srcNode, ok := nodeByID[e.SourceNodeID]
		if !ok {
			continue
		}
		dstNode, ok := nodeByID[e.TargetNodeID]
		if !ok {
			continue
		}
		srcHandler, ok := c.registry.Lookup(srcNode.TypeTag)
		if !ok {
			continue
		}
		dstHandler, ok := c.registry.Lookup(dstNode.TypeTag)
		if !ok {
			continue
		}
		outProvider, ok1 := srcHandler.(model.OutputSchemaProvider)
		inProvider, ok2 := dstHandler.(model.InputSchemaProvider)
		if !ok1 || !ok2 {
			continue
		}
		outSchema := outProvider.OutputSchema()
		inSchema := inProvider.InputSchema()
		if len(outSchema) == 0 || len(inSchema) == 0 {
			continue
		}
		outType, hasOut := outSchema[e.Handle()]
		if !hasOut {
			continue
		}
		compatible := false
		for _, t := range inSchema {
			if t == outType {
				compatible = true
				break
			}
		}
		if !compatible {
			issues = append(issues, kernelerr.CompileIssue{
				NodeID: e.TargetNodeID, Kind: kernelerr.IssueTypeMismatch, Fatal: false,
				Message: fmt.Sprintf("node %q outputs %q on handle %q but %q declares no compatible input", e.SourceNodeID, outType, e.Handle(), e.TargetNodeID),
			})
		}
	}
	return issues
}

// topologicalOrder runs Kahn's algorithm over the loop-condensed
// graph: every loop-carrying SCC collapses to a single representative
// node (its lexicographically smallest member) for ordering purposes,
// while the plan's Edges (used for routing) retain every in-SCC edge.
func (c *Compiler) topologicalOrder(wf *model.Workflow, nodeByID map[string]*model.Node, adjacency map[string][]string, loopCarrying map[string]bool) ([]string, error) {
	// Condense: map every loop-carrying node to its component's
	// representative (min node_id among loop-carrying nodes sharing an
	// edge cycle). We approximate the condensation by grouping all
	// loop-carrying nodes reachable from each other through
	// loop-carrying-only edges; recomputing full SCCs restricted to
	// the loop-carrying subgraph keeps this precise.
	loopNodeIDs := make([]string, 0)
	for id, lc := range loopCarrying {
		if lc {
			loopNodeIDs = append(loopNodeIDs, id)
		}
	}
	sort.Strings(loopNodeIDs)

	restrictedAdj := make(map[string][]string, len(loopNodeIDs))
	for _, id := range loopNodeIDs {
		for _, next := range adjacency[id] {
			if loopCarrying[next] {
				restrictedAdj[id] = append(restrictedAdj[id], next)
			}
		}
	}
	components := tarjanSCC(loopNodeIDs, restrictedAdj)

	representative := make(map[string]string)
	for _, comp := range components {
		sorted := append([]string(nil), comp...)
		sort.Strings(sorted)
		rep := sorted[0]
		for _, id := range comp {
			representative[id] = rep
		}
	}
	condense := func(id string) string {
		if rep, ok := representative[id]; ok {
			return rep
		}
		return id
	}

	condensedNodes := make(map[string]bool)
	for id := range nodeByID {
		condensedNodes[condense(id)] = true
	}

	condensedAdj := make(map[string]map[string]bool)
	inDegree := make(map[string]int)
	for id := range condensedNodes {
		condensedAdj[id] = make(map[string]bool)
		inDegree[id] = 0
	}
	for id := range nodeByID {
		src := condense(id)
		for _, next := range adjacency[id] {
			dst := condense(next)
			if src == dst {
				continue // in-SCC edge, not part of ordering
			}
			if !condensedAdj[src][dst] {
				condensedAdj[src][dst] = true
			}
		}
	}
	for _, targets := range condensedAdj {
		for dst := range targets {
			inDegree[dst]++
		}
	}

	var queue []string
	for id := range condensedNodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var condensedOrder []string
	for len(queue) > 0 {
		sort.Strings(queue)
		n := queue[0]
		queue = queue[1:]
		condensedOrder = append(condensedOrder, n)
		targets := make([]string, 0, len(condensedAdj[n]))
		for t := range condensedAdj[n] {
			targets = append(targets, t)
		}
		sort.Strings(targets)
		for _, t := range targets {
			inDegree[t]--
			if inDegree[t] == 0 {
				queue = append(queue, t)
			}
		}
	}

	if len(condensedOrder) != len(condensedNodes) {
		return nil, fmt.Errorf("cycle remains after loop condensation")
	}

	// Expand representatives back into their full node id list
	// (loop-carrying members sorted, tie-broken by node_id) to produce
	// a full per-node order.
	compMembers := make(map[string][]string)
	for id := range nodeByID {
		rep := condense(id)
		compMembers[rep] = append(compMembers[rep], id)
	}
	for rep := range compMembers {
		sort.Strings(compMembers[rep])
	}

	order := make([]string, 0, len(nodeByID))
	for _, rep := range condensedOrder {
		order = append(order, compMembers[rep]...)
	}
	return order, nil
}

