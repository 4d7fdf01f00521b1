// Package storage defines the Storage collaborator the Supervisor
// accepts as an optional dependency (§6): workflow definitions,
// per-user credentials and append-only execution/node records all live
// outside the kernel's core. Persistence backends themselves are out
// of scope; this package carries the interface plus an in-memory
// reference implementation for tests and single-process examples.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/opkernel/workflow-kernel/pkg/kernel/kernelerr"
	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

// Credential is one credential available to a user, as loaded from the
// storage backend. Secret holds the decrypted material; the Supervisor
// binds it into the Execution Context and it is never persisted there.
type Credential struct {
	Ref    string
	Type   string
	Secret map[string]any
}

// ExecutionRecord is an append-only snapshot of one execution's
// terminal or in-flight bookkeeping, written by the Supervisor at
// state transitions.
type ExecutionRecord struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	State       model.ExecutionState
	StartedAt   time.Time
	CompletedAt *time.Time
	Output      map[string]any
	Error       *model.ExecutionError
}

// NodeRecord is an append-only record of one node execution attempt's
// outcome, written by the Supervisor as node_completed/node_failed
// events are observed.
type NodeRecord struct {
	ExecutionID  string
	NodeID       string
	OutputHandle string
	Data         map[string]any
	Error        *model.NodeError
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Storage is the persistence collaborator. Implementations must be
// safe for concurrent use across executions.
type Storage interface {
	LoadWorkflow(ctx context.Context, workflowID string) (*model.Workflow, error)
	LoadCredentials(ctx context.Context, userID string, refs []string) ([]Credential, error)
	AppendExecutionRecord(ctx context.Context, rec ExecutionRecord) error
	AppendNodeRecord(ctx context.Context, rec NodeRecord) error
}

// Memory is an in-process, map-backed reference Storage. Workflows and
// credentials are seeded up front (there is no create/update surface —
// that belongs to the design-time API this kernel does not implement);
// execution and node records simply accumulate for inspection by tests
// or a debugging endpoint.
type Memory struct {
	mu sync.RWMutex

	workflows   map[string]*model.Workflow
	credentials map[string][]Credential // userID -> credentials owned

	executionRecords []ExecutionRecord
	nodeRecords      []NodeRecord
}

// NewMemory builds an empty in-memory Storage.
func NewMemory() *Memory {
	return &Memory{
		workflows:   make(map[string]*model.Workflow),
		credentials: make(map[string][]Credential),
	}
}

// SeedWorkflow registers a workflow definition as if loaded from a
// design-time store.
func (m *Memory) SeedWorkflow(wf *model.Workflow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
}

// SeedCredential registers a credential as owned by userID.
func (m *Memory) SeedCredential(userID string, cred Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[userID] = append(m.credentials[userID], cred)
}

func (m *Memory) LoadWorkflow(_ context.Context, workflowID string) (*model.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return nil, kernelerr.ErrNotFound
	}
	return wf, nil
}

// LoadCredentials returns the subset of userID's credentials whose Ref
// is in refs, in the order refs was given. A ref that resolves to no
// owned credential is simply omitted — the Compiler's credential
// binding pass is what turns that into a CredentialError.
func (m *Memory) LoadCredentials(_ context.Context, userID string, refs []string) ([]Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owned := make(map[string]Credential, len(m.credentials[userID]))
	for _, c := range m.credentials[userID] {
		owned[c.Ref] = c
	}

	out := make([]Credential, 0, len(refs))
	for _, ref := range refs {
		if c, ok := owned[ref]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) AppendExecutionRecord(_ context.Context, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executionRecords = append(m.executionRecords, rec)
	return nil
}

func (m *Memory) AppendNodeRecord(_ context.Context, rec NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeRecords = append(m.nodeRecords, rec)
	return nil
}

// ExecutionRecords returns everything appended so far, for test
// assertions.
func (m *Memory) ExecutionRecords() []ExecutionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ExecutionRecord, len(m.executionRecords))
	copy(out, m.executionRecords)
	return out
}

// NodeRecords returns everything appended so far, for test assertions.
func (m *Memory) NodeRecords() []NodeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeRecord, len(m.nodeRecords))
	copy(out, m.nodeRecords)
	return out
}
