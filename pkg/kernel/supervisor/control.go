package supervisor

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opkernel/workflow-kernel/pkg/kernel/kernelerr"
	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
	"github.com/opkernel/workflow-kernel/pkg/otelhelper"
)

// startControlSpan opens one span per control operation, if a tracer
// is configured. The returned end func is always safe to defer.
func (s *Supervisor) startControlSpan(ctx context.Context, op, executionID string) func() {
	if s.tracer == nil {
		return func() {}
	}
	_, span := otelhelper.StartSpan(ctx, s.tracer, "kernel.control",
		attribute.String(otelhelper.ControlOpKey, op),
		attribute.String(otelhelper.ExecutionIDKey, executionID),
	)
	return func() { span.End() }
}

// Pause clears the pause-signal for executionID; the next before_node
// call blocks until Resume. Idempotent: pausing an already-paused
// execution is a no-op, not an error.
func (s *Supervisor) Pause(ctx context.Context, executionID, userID string) error {
	defer s.startControlSpan(ctx, "pause", executionID)()

	s.mu.Lock()
	entry, err := s.authorizeLocked(executionID, userID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if entry.handle.State.IsTerminal() {
		s.mu.Unlock()
		return kernelerr.ErrAlreadyTerminal
	}
	if !entry.paused {
		entry.paused = true
		entry.runGate = make(chan struct{})
		entry.handle.State = model.ExecutionPaused
	}
	snap := entry.handle.Clone()
	s.mu.Unlock()

	s.emitStateChanged(ctx, snap)
	return nil
}

// Resume sets the pause-signal, releasing any before_node call
// blocked on it.
func (s *Supervisor) Resume(ctx context.Context, executionID, userID string) error {
	defer s.startControlSpan(ctx, "resume", executionID)()

	s.mu.Lock()
	entry, err := s.authorizeLocked(executionID, userID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if entry.handle.State.IsTerminal() {
		s.mu.Unlock()
		return kernelerr.ErrAlreadyTerminal
	}
	if entry.paused {
		entry.paused = false
		close(entry.runGate)
		entry.handle.State = model.ExecutionRunning
	}
	snap := entry.handle.Clone()
	s.mu.Unlock()

	s.emitStateChanged(ctx, snap)
	return nil
}

// Cancel sets the cancel flag, marks the execution CANCELLED at once,
// unblocks any pause/HITL waiter with a cancellation, and signals the
// running handler's context. The runner stops at the next node boundary
// after the in-flight handler returns; a handler that ignores its
// context is waited for, not abandoned after a grace window.
func (s *Supervisor) Cancel(ctx context.Context, executionID, userID string) error {
	defer s.startControlSpan(ctx, "cancel", executionID)()

	s.mu.Lock()
	entry, err := s.authorizeLocked(executionID, userID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if entry.handle.State.IsTerminal() {
		s.mu.Unlock()
		return kernelerr.ErrAlreadyTerminal
	}

	entry.cancelled = true
	entry.handle.State = model.ExecutionCancelled
	if entry.paused {
		entry.paused = false
		close(entry.runGate)
	}

	var wait *hitlWait
	if entry.pendingHITL != nil {
		wait = entry.pendingHITL
	}
	cancelFn := entry.cancelFn
	snap := entry.handle.Clone()
	s.mu.Unlock()

	if wait != nil {
		select {
		case wait.responseCh <- hitlResponse{cancelled: true}:
		default:
		}
	}
	cancelFn()

	s.emitStateChanged(ctx, snap)
	return nil
}

// PendingHITLRequests lists every HITLRequest currently awaiting a
// response for userID, across all of that user's active executions.
func (s *Supervisor) PendingHITLRequests(userID string) []model.HITLRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.HITLRequest
	for _, entry := range s.executions {
		if entry.pendingHITL != nil && entry.pendingHITL.request.UserID == userID {
			out = append(out, *entry.pendingHITL.request)
		}
	}
	return out
}
