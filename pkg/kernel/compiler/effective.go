package compiler

import (
	"time"

	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

// effectiveTimeout resolves node.config.timeout_ms ?? workflow.default_timeout_ms
// ?? SYSTEM_DEFAULT (60000ms).
func effectiveTimeout(n *model.Node, wf *model.Workflow) time.Duration {
	if v, ok := n.Config["timeout_ms"]; ok {
		if ms, ok := toInt(v); ok && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	if wf.Settings.DefaultTimeoutMS > 0 {
		return time.Duration(wf.Settings.DefaultTimeoutMS) * time.Millisecond
	}
	return time.Duration(model.SystemDefaultTimeoutMS) * time.Millisecond
}

// effectiveRetry resolves node.config.max_retries ?? workflow.max_retries,
// with the exponential-backoff bounds fixed by spec (5s base, 30s cap).
func effectiveRetry(n *model.Node, wf *model.Workflow) model.RetryPolicy {
	retries := wf.Settings.MaxRetries
	if v, ok := n.Config["max_retries"]; ok {
		if r, ok := toInt(v); ok && r >= 0 {
			retries = r
		}
	}
	return model.RetryPolicy{
		MaxRetries:  retries,
		BackoffBase: 5 * time.Second,
		BackoffCap:  30 * time.Second,
	}
}

// effectiveMaxLoopCount resolves node.config.max_loop_count, capped by
// SystemMaxLoops regardless of what the config declares.
func effectiveMaxLoopCount(n *model.Node) int {
	max := model.SystemMaxLoops
	if v, ok := n.Config["max_loop_count"]; ok {
		if m, ok := toInt(v); ok && m >= 0 && m < max {
			max = m
		}
	}
	return max
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}
