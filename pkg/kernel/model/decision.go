package model

// DecisionKind is the verdict a Supervisor hook returns at a Graph
// Runner suspension point.
type DecisionKind string

const (
	DecisionContinue DecisionKind = "continue"
	DecisionAbort    DecisionKind = "abort"
	DecisionRetry    DecisionKind = "retry"
	DecisionPause    DecisionKind = "pause"
)

// Decision is returned from before_node/after_node/on_error.
type Decision struct {
	Kind   DecisionKind
	Reason string
}

// Continue is the default, no-op decision.
func Continue() Decision { return Decision{Kind: DecisionContinue} }

// Abort terminates the execution with reason.
func Abort(reason string) Decision { return Decision{Kind: DecisionAbort, Reason: reason} }

// Retry re-attempts the failed node (only meaningful from on_error).
func Retry() Decision { return Decision{Kind: DecisionRetry} }

// Pause transitions the execution to PAUSED (only meaningful from
// before_node).
func Pause() Decision { return Decision{Kind: DecisionPause} }
