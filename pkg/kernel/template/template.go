// Package template resolves the workflow config templating convention:
// `{{ $input.<jsonpath> }}` against the node's resolved input,
// `{{ $vars.<name> }}` against execution variables, and
// `{{ $output.<node_id>.<jsonpath> }}` against any upstream node's
// published output. Unlike the teacher's text/template-based renderer,
// jsonpath resolution here is delegated to tidwall/gjson so the
// dotted-path syntax spec.md requires works against arbitrary nested
// JSON-like values without hand-rolled path walking.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/opkernel/workflow-kernel/pkg/kernel/kernelerr"
)

var exprPattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// Source resolves the three template namespaces against the current
// node's execution context. Implemented by kernel/execctx.Context plus
// the current input map, kept as a narrow interface here to avoid a
// template -> execctx import cycle.
type Source interface {
	// Input returns the resolved input payload for the node currently
	// being rendered.
	Input() map[string]any
	// Var returns an execution variable by name.
	Var(name string) (any, bool)
	// Output returns a node's published output data by node ID
	// (resolved through label fallback by the caller if needed).
	Output(nodeID string) (map[string]any, bool)
}

// templateError builds the RuntimeNodeError spec.md requires when a
// reference cannot be resolved.
func templateError(nodeID, expr string, cause error) *kernelerr.RuntimeNodeError {
	return &kernelerr.RuntimeNodeError{
		Kind:   kernelerr.RuntimeTemplateError,
		NodeID: nodeID,
		Err:    fmt.Errorf("unresolved template reference %q: %w", expr, cause),
	}
}

// ResolveString resolves every `{{ ... }}` occurrence in s. A string
// that is exactly one expression returns the resolved value with its
// native type (number, bool, object); anything else is resolved via
// string substitution.
func ResolveString(nodeID, s string, src Source) (any, error) {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expr := s[matches[0][2]:matches[0][3]]
		return resolveExpr(nodeID, expr, src)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		expr := s[m[2]:m[3]]
		val, err := resolveExpr(nodeID, expr, src)
		if err != nil {
			return nil, err
		}
		b.WriteString(toDisplayString(val))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// ResolveValue walks maps/slices/strings recursively, resolving every
// templated string it finds. Non-string scalars pass through
// unchanged.
func ResolveValue(nodeID string, v any, src Source) (any, error) {
	switch t := v.(type) {
	case string:
		return ResolveString(nodeID, t, src)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			resolved, err := ResolveValue(nodeID, val, src)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			resolved, err := ResolveValue(nodeID, val, src)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveExpr(nodeID, expr string, src Source) (any, error) {
	switch {
	case strings.HasPrefix(expr, "$input."):
		path := strings.TrimPrefix(expr, "$input.")
		return resolveJSONPath(nodeID, expr, src.Input(), path)

	case strings.HasPrefix(expr, "$vars."):
		name := strings.TrimPrefix(expr, "$vars.")
		if v, ok := src.Var(name); ok {
			return v, nil
		}
		return nil, templateError(nodeID, expr, fmt.Errorf("variable %q not set", name))

	case strings.HasPrefix(expr, "$output."):
		rest := strings.TrimPrefix(expr, "$output.")
		parts := strings.SplitN(rest, ".", 2)
		if len(parts) == 0 || parts[0] == "" {
			return nil, templateError(nodeID, expr, fmt.Errorf("missing node id"))
		}
		refNodeID := parts[0]
		path := ""
		if len(parts) == 2 {
			path = parts[1]
		}
		out, ok := src.Output(refNodeID)
		if !ok {
			return nil, templateError(nodeID, expr, fmt.Errorf("no output recorded for node %q", refNodeID))
		}
		if path == "" {
			return out, nil
		}
		return resolveJSONPath(nodeID, expr, out, path)

	default:
		return nil, templateError(nodeID, expr, fmt.Errorf("unknown reference namespace"))
	}
}

func resolveJSONPath(nodeID, expr string, doc map[string]any, path string) (any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, templateError(nodeID, expr, err)
	}
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return nil, templateError(nodeID, expr, fmt.Errorf("path %q not found", path))
	}
	return result.Value(), nil
}

func toDisplayString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
