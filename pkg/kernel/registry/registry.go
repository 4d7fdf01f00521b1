// Package registry implements the process-wide Node Handler Registry:
// a type_tag -> handler capability map with idempotent registration and
// O(1) lookup, read-only once the process has finished wiring itself.
package registry

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opkernel/workflow-kernel/pkg/kernel/model"
)

// Registry resolves a node type_tag to its Handler. Registration is
// expected to happen once at process startup; double-registering a tag
// is a programmer error and panics loudly rather than silently
// overwriting an existing handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]model.Handler
	logger   *logrus.Entry
}

// New builds an empty registry. Pass nil for logger to get a
// discard-everything default, matching the teacher's optional-logger
// constructor convention.
func New(logger *logrus.Entry) *Registry {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &Registry{
		handlers: make(map[string]model.Handler),
		logger:   logger.WithField("component", "registry"),
	}
}

// Register adds a handler under its own TypeTag(). Panics on a
// duplicate tag: this is startup-time wiring, never a runtime path, so
// failing loudly is preferable to masking a configuration bug.
func (r *Registry) Register(h model.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tag := h.TypeTag()
	if tag == "" {
		panic("registry: handler must declare a non-empty TypeTag")
	}
	if _, exists := r.handlers[tag]; exists {
		panic(fmt.Sprintf("registry: type_tag %q already registered", tag))
	}
	r.handlers[tag] = h
	r.logger.WithField("type_tag", tag).Debug("handler registered")
}

// Lookup resolves type_tag to its handler.
func (r *Registry) Lookup(typeTag string) (model.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typeTag]
	return h, ok
}

// MustLookup is a convenience for callers that already validated the
// tag exists (e.g. the compiler after its structural pass).
func (r *Registry) MustLookup(typeTag string) model.Handler {
	h, ok := r.Lookup(typeTag)
	if !ok {
		panic(fmt.Sprintf("registry: type_tag %q not registered", typeTag))
	}
	return h
}

// Has reports whether typeTag resolves to a registered handler.
func (r *Registry) Has(typeTag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[typeTag]
	return ok
}

// IsLoopCarrying reports whether the handler registered for typeTag
// declares itself loop-carrying (LoopCarrying interface), used by the
// compiler's cycle pass to exempt an SCC from acyclicity.
func (r *Registry) IsLoopCarrying(typeTag string) bool {
	h, ok := r.Lookup(typeTag)
	if !ok {
		return false
	}
	lc, ok := h.(model.LoopCarrying)
	return ok && lc.IsLoopCarrying()
}

// TypeTags returns all registered tags in sorted order, useful for
// diagnostics and deterministic test assertions.
func (r *Registry) TypeTags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Len reports the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
