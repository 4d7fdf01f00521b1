// Package supervisor implements the Supervisor ("King"): the
// singleton-per-process owner of every active execution's control
// state. It spawns a Graph Runner per execution, intercepts every node
// boundary through the runner.Hooks contract, serves pause/resume/
// cancel and human-in-the-loop round trips, and enforces per-user
// authorization on every control operation.
//
// Grounded on the original executor/king.py's KingOrchestrator: the
// execution-management half of that file (ExecutionHandle,
// before_node/after_node/on_error, pause/resume/stop, ask_human/
// submit_human_response) translates directly; the LLM-driven
// workflow-generation half (create_workflow_from_intent, template
// cloning) is design-time tooling explicitly out of this kernel's
// scope (spec §1's "AI-assisted workflow generation... out of scope").
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opkernel/workflow-kernel/pkg/kernel/clock"
	"github.com/opkernel/workflow-kernel/pkg/kernel/compiler"
	"github.com/opkernel/workflow-kernel/pkg/kernel/eventsink"
	"github.com/opkernel/workflow-kernel/pkg/kernel/execctx"
	"github.com/opkernel/workflow-kernel/pkg/kernel/kernelerr"
	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
	"github.com/opkernel/workflow-kernel/pkg/kernel/runner"
	"github.com/opkernel/workflow-kernel/pkg/kernel/storage"
	"github.com/opkernel/workflow-kernel/pkg/otelhelper"
)

// DefaultHITLTimeoutSeconds is used when a caller doesn't supply one,
// matching the original King's DEFAULT_HITL_TIMEOUT_SECONDS.
const DefaultHITLTimeoutSeconds = 300

// hitlWait is the rendezvous state for exactly one outstanding
// HITLRequest. responseCh is buffered(1): a submit_human_response
// racing against a timeout/cancel always has somewhere to put its
// value, and a duplicate submit finds the buffer already full and
// fails per spec.md's "observed by one waiter at most".
type hitlWait struct {
	request    *model.HITLRequest
	responseCh chan hitlResponse
}

type hitlResponse struct {
	value     any
	cancelled bool
}

// execEntry is the Supervisor's private bookkeeping for one active
// execution: the public ExecutionHandle plus every control signal the
// runner and the control surface touch. All fields are only ever
// mutated under Supervisor.mu, per spec.md §5's "single mutex or
// equivalent serialized owner".
type execEntry struct {
	handle   *model.ExecutionHandle
	ec       *execctx.Context
	plan     *model.ExecutionPlan
	workflow *model.Workflow

	paused  bool
	runGate chan struct{} // closed => not blocked; replaced with a fresh open channel on Pause

	cancelled bool
	cancelFn  context.CancelFunc

	pendingHITL     *hitlWait
	executionErrors []*model.NodeError

	// secretFields is the union, across every node in plan, of
	// declared_fields names tagged secret, consulted before any node
	// output or execution output reaches an emitted event (spec §6).
	secretFields []string

	nodeStartedAt map[string]time.Time // for node_completed's duration_ms

	// workflowChain is every ancestor workflow_id from the root
	// execution down to and including this one's own, used to reject
	// recursive sub-workflow cycles (I5).
	workflowChain []string

	doneCh chan struct{} // closed once the execution reaches a terminal state

	completedNodes int // count of AfterNode calls, used to derive handle.Progress

	span trace.Span
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Supervisor is the singleton coordinator. Construct one per process
// and share it across every control-surface entry point (HTTP
// handlers, CLI commands, tests).
type Supervisor struct {
	mu         sync.Mutex
	executions map[string]*execEntry
	hitl       map[string]*execEntry // request_id -> owning execution

	compiler *compiler.Compiler
	runner   *runner.Runner
	storage  storage.Storage
	sink     eventsink.Sink
	clock    clock.Clock
	logger   *logrus.Entry
	tracer   trace.Tracer
}

// Option configures optional Supervisor collaborators.
type Option func(*Supervisor)

func WithStorage(s storage.Storage) Option { return func(sup *Supervisor) { sup.storage = s } }
func WithEventSink(s eventsink.Sink) Option { return func(sup *Supervisor) { sup.sink = s } }
func WithClock(c clock.Clock) Option        { return func(sup *Supervisor) { sup.clock = c } }
func WithLogger(l *logrus.Entry) Option     { return func(sup *Supervisor) { sup.logger = l } }
func WithTracer(t trace.Tracer) Option      { return func(sup *Supervisor) { sup.tracer = t } }

// New builds a Supervisor around a Compiler and Graph Runner. Storage
// and the Event Sink are optional external collaborators (spec.md §1
// treats persistence as assumed-but-external); omitting them yields a
// Supervisor that still enforces every control-plane invariant, it
// simply has nothing to persist to or publish through.
func New(c *compiler.Compiler, r *runner.Runner, opts ...Option) *Supervisor {
	s := &Supervisor{
		executions: make(map[string]*execEntry),
		hitl:       make(map[string]*execEntry),
		compiler:   c,
		runner:     r,
		sink:       eventsink.Nop{},
		clock:      clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logrus.NewEntry(logrus.New())
	}
	s.logger = s.logger.WithField("component", "supervisor")
	if s.tracer != nil && s.runner != nil {
		s.runner.SetTracer(s.tracer)
	}
	return s
}

// StartOptions carries the goal-oriented and nesting parameters a
// caller (or a parent execution spawning a sub-workflow) may supply.
type StartOptions struct {
	Supervision       model.SupervisionLevel
	Goal              string
	GoalConditions    model.GoalConditions
	ParentExecutionID string
	NestingDepth      int
	WorkflowChain     []string
}

// Start compiles workflow for userID, creates its ExecutionHandle and
// Context, and spawns the Graph Runner in its own goroutine. Returns
// immediately with a PENDING (about to become RUNNING) handle snapshot.
func (s *Supervisor) Start(ctx context.Context, workflow *model.Workflow, userID string, input map[string]any, opts StartOptions) (*model.ExecutionHandle, error) {
	if opts.Supervision == "" {
		opts.Supervision = model.SupervisionFull
	}

	credRefs := collectCredentialRefs(workflow)
	var boundRefs []compiler.CredentialRef
	var creds []storage.Credential
	if s.storage != nil && len(credRefs) > 0 {
		var err error
		creds, err = s.storage.LoadCredentials(ctx, userID, credRefs)
		if err != nil {
			return nil, fmt.Errorf("supervisor: load credentials: %w", err)
		}
	}
	for _, c := range creds {
		boundRefs = append(boundRefs, compiler.CredentialRef{Ref: c.Ref, Type: c.Type})
	}

	plan, err := s.compiler.Compile(workflow, boundRefs)
	if err != nil {
		return nil, err
	}

	executionID := uuid.New().String()

	validatedRefs := make([]string, 0, len(boundRefs))
	for _, r := range boundRefs {
		validatedRefs = append(validatedRefs, r.Ref)
	}
	ec := execctx.New(executionID, workflow.ID, plan, validatedRefs)
	for _, c := range creds {
		ec.BindCredential(c.Ref, c.Secret)
	}
	ec.SetNestingDepth(opts.NestingDepth)
	ec.SetHITLGate(s)
	ec.SetSubworkflowGate(s)

	var parentPtr *string
	if opts.ParentExecutionID != "" {
		parentPtr = &opts.ParentExecutionID
	}

	handle := &model.ExecutionHandle{
		ExecutionID:       executionID,
		WorkflowID:        workflow.ID,
		UserID:            userID,
		State:             model.ExecutionPending,
		StartedAt:         s.clock.Now(),
		LoopCounters:      make(map[string]int),
		ParentExecutionID: parentPtr,
		NestingDepth:      opts.NestingDepth,
		SupervisionLevel:  opts.Supervision,
		GoalConditions:    opts.GoalConditions,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ec.SetRootContext(runCtx)
	entry := &execEntry{
		handle:        handle,
		ec:            ec,
		plan:          plan,
		workflow:      workflow,
		runGate:       closedChan(),
		cancelFn:      cancel,
		workflowChain: append(append([]string(nil), opts.WorkflowChain...), workflow.ID),
		doneCh:        make(chan struct{}),
		secretFields:  collectSecretFields(plan),
		nodeStartedAt: make(map[string]time.Time),
	}

	if s.tracer != nil {
		_, span := otelhelper.StartSpan(runCtx, s.tracer, "kernel.execution",
			attribute.String(otelhelper.ExecutionIDKey, executionID),
			attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
		)
		entry.span = span
	}

	s.mu.Lock()
	s.executions[executionID] = entry
	s.mu.Unlock()

	s.emit(ctx, eventsink.EventExecutionCreated, executionID, workflow.ID, nil)

	snap := handle.Clone()
	go s.runExecution(runCtx, entry, input)

	return snap, nil
}

func (s *Supervisor) runExecution(ctx context.Context, entry *execEntry, input map[string]any) {
	s.mu.Lock()
	if entry.handle.State == model.ExecutionPending {
		entry.handle.State = model.ExecutionRunning
	}
	snap := entry.handle.Clone()
	s.mu.Unlock()
	s.emitStateChanged(ctx, snap)

	result := s.runner.Run(ctx, entry.handle.ExecutionID, entry.plan, entry.ec, s, input, entry.workflow.Settings.ErrorPolicy)

	s.mu.Lock()
	if !entry.handle.State.IsTerminal() {
		entry.handle.State = result.State
	}
	now := s.clock.Now()
	entry.handle.CompletedAt = &now
	entry.handle.Output = result.Output
	entry.handle.Error = result.Error
	final := entry.handle.Clone()
	close(entry.doneCh)
	delete(s.executions, entry.handle.ExecutionID)
	if entry.pendingHITL != nil {
		delete(s.hitl, entry.pendingHITL.request.ID)
	}
	s.mu.Unlock()

	if entry.span != nil {
		if result.Error != nil {
			otelhelper.SetError(entry.span, fmt.Errorf("%s: %s", result.Error.Kind, result.Error.Message))
		}
		entry.span.End()
	}

	eventType := eventsink.EventExecutionCompleted
	payload := map[string]any{"output": eventsink.Redact(final.Output, entry.secretFields)}
	if result.State == model.ExecutionFailed {
		eventType = eventsink.EventExecutionFailed
		payload = map[string]any{"error_kind": result.Error.Kind, "failing_node_id": result.Error.FailingNodeID, "message": result.Error.Message}
	}
	s.emit(ctx, eventType, entry.handle.ExecutionID, entry.workflow.ID, payload)

	if s.storage != nil {
		_ = s.storage.AppendExecutionRecord(ctx, storage.ExecutionRecord{
			ExecutionID: final.ExecutionID,
			WorkflowID:  final.WorkflowID,
			UserID:      final.UserID,
			State:       final.State,
			StartedAt:   final.StartedAt,
			CompletedAt: final.CompletedAt,
			Output:      final.Output,
			Error:       final.Error,
		})
	}

	entry.ec.Destroy()
}

// Status returns a snapshot of executionID's handle, authorized for
// userID.
func (s *Supervisor) Status(executionID, userID string) (*model.ExecutionHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.authorizeLocked(executionID, userID)
	if err != nil {
		return nil, err
	}
	return entry.handle.Clone(), nil
}

// authorizeLocked resolves executionID and checks ownership. Caller
// must already hold s.mu.
func (s *Supervisor) authorizeLocked(executionID, userID string) (*execEntry, error) {
	entry, ok := s.executions[executionID]
	if !ok {
		return nil, kernelerr.ErrNotFound
	}
	if entry.handle.UserID != userID {
		s.logger.WithFields(logrus.Fields{"execution_id": executionID, "user_id": userID, "owner": entry.handle.UserID}).
			Warn("unauthorized control operation attempt")
		return nil, kernelerr.ErrNotAuthorized
	}
	return entry, nil
}

func collectCredentialRefs(workflow *model.Workflow) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, n := range workflow.Nodes {
		for _, ref := range n.CredentialRefs {
			if _, ok := seen[ref]; !ok {
				seen[ref] = struct{}{}
				out = append(out, ref)
			}
		}
	}
	return out
}

// collectSecretFields unions every compiled node's declared secret
// field names, so a single redaction pass covers the whole execution's
// events without a per-node lookup at emit time.
func collectSecretFields(plan *model.ExecutionPlan) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, n := range plan.Nodes {
		for _, name := range n.SecretFields {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
	}
	return out
}

func (s *Supervisor) emit(ctx context.Context, eventType eventsink.EventType, executionID, workflowID string, payload map[string]any) {
	if s.sink == nil {
		return
	}
	err := s.sink.Publish(ctx, eventsink.Event{
		Type:        eventType,
		Timestamp:   s.clock.Now(),
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Payload:     payload,
	})
	if err != nil {
		s.logger.WithError(err).WithField("event_type", eventType).Warn("event sink publish failed")
	}
}

func (s *Supervisor) emitStateChanged(ctx context.Context, handle *model.ExecutionHandle) {
	s.emit(ctx, eventsink.EventStateChanged, handle.ExecutionID, handle.WorkflowID, map[string]any{
		"state":     string(handle.State),
		"timestamp": s.clock.Now(),
	})
}
