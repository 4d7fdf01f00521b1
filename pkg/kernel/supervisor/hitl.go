package supervisor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/opkernel/workflow-kernel/pkg/kernel/eventsink"
	"github.com/opkernel/workflow-kernel/pkg/kernel/kernelerr"
	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

// AskHuman implements execctx.HITLGate: it is what a handler reaches
// through the Execution Context when it needs a human decision. It
// blocks the calling goroutine (the Graph Runner's single goroutine
// for this execution) until a response arrives, the timeout elapses,
// or the execution is cancelled.
func (s *Supervisor) AskHuman(ctx context.Context, executionID, kind, message string, options []string, timeoutSeconds int) (any, error) {
	defer s.startControlSpan(ctx, "ask_human", executionID)()

	if timeoutSeconds <= 0 {
		timeoutSeconds = DefaultHITLTimeoutSeconds
	}

	s.mu.Lock()
	entry, ok := s.executions[executionID]
	if !ok {
		s.mu.Unlock()
		return nil, kernelerr.ErrNotFound
	}
	if entry.pendingHITL != nil {
		s.mu.Unlock()
		return nil, kernelerr.ErrAlreadyPending
	}

	requestID := uuid.New().String()
	req := &model.HITLRequest{
		ID:            requestID,
		ExecutionID:   executionID,
		UserID:        entry.handle.UserID,
		Kind:          model.HITLKind(kind),
		Message:       message,
		Options:       options,
		TimeoutSecond: timeoutSeconds,
		CreatedAt:     s.clock.Now(),
		Status:        model.HITLStatusPending,
	}
	wait := &hitlWait{request: req, responseCh: make(chan hitlResponse, 1)}
	entry.pendingHITL = wait
	entry.handle.State = model.ExecutionWaitingHuman
	pendingID := requestID
	entry.handle.PendingHITL = &pendingID
	s.hitl[requestID] = entry
	snap := entry.handle.Clone()
	s.mu.Unlock()

	s.emit(ctx, eventsink.EventHITLRequested, executionID, snap.WorkflowID, map[string]any{
		"request_id": requestID, "kind": kind, "message": message, "options": options,
	})
	s.emitStateChanged(ctx, snap)

	select {
	case resp := <-wait.responseCh:
		if resp.cancelled {
			s.finishHITL(entry, requestID, model.HITLStatusCancelled)
			return nil, kernelerr.ErrTimedOut
		}
		s.finishHITL(entry, requestID, model.HITLStatusResponded)
		s.emit(ctx, eventsink.EventHITLResolved, executionID, snap.WorkflowID, map[string]any{
			"request_id": requestID, "response": resp.value,
		})
		return resp.value, nil

	case <-s.clock.After(time.Duration(timeoutSeconds) * time.Second):
		s.finishHITL(entry, requestID, model.HITLStatusTimedOut)
		return nil, kernelerr.ErrTimedOut

	case <-ctx.Done():
		s.finishHITL(entry, requestID, model.HITLStatusCancelled)
		return nil, ctx.Err()
	}
}

// finishHITL clears the pending request from both the owning entry
// and the request-id index, and restores RUNNING state unless the
// execution has since gone terminal by some other path.
func (s *Supervisor) finishHITL(entry *execEntry, requestID string, status model.HITLStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.pendingHITL != nil && entry.pendingHITL.request.ID == requestID {
		entry.pendingHITL.request.Status = status
		entry.pendingHITL = nil
	}
	delete(s.hitl, requestID)
	entry.handle.PendingHITL = nil
	if !entry.handle.State.IsTerminal() {
		entry.handle.State = model.ExecutionRunning
	}
}

// SubmitHumanResponse delivers response to the waiter blocked in
// AskHuman for requestID, provided userID owns the request. Returns
// NotPending if the request was already resolved, timed out, or never
// existed under a different owner.
func (s *Supervisor) SubmitHumanResponse(requestID, userID string, response any) error {
	s.mu.Lock()
	entry, ok := s.hitl[requestID]
	if !ok {
		s.mu.Unlock()
		return kernelerr.ErrNotFound
	}
	wait := entry.pendingHITL
	if wait == nil || wait.request.ID != requestID {
		s.mu.Unlock()
		return kernelerr.ErrNotPending
	}
	if wait.request.UserID != userID {
		s.mu.Unlock()
		return kernelerr.ErrNotAuthorized
	}
	s.mu.Unlock()

	select {
	case wait.responseCh <- hitlResponse{value: response}:
		return nil
	default:
		return kernelerr.ErrNotPending
	}
}
