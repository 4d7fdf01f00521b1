package model

import "context"

// FieldType is the small schema language the Compiler's config-shape
// pass validates node.config against.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeNumber    FieldType = "number"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeSelect    FieldType = "select"
	FieldTypeSecretRef FieldType = "secret-ref"
	FieldTypeCode      FieldType = "code-string"
)

// FieldSpec declares one entry of a handler's declared_fields.
type FieldSpec struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Options  []string  `json:"options,omitempty"` // for FieldTypeSelect
	Secret   bool      `json:"secret,omitempty"`  // redact in events/logs
}

// Handler is the capability a node type_tag resolves to. Concrete node
// implementations (HTTP clients, LLM calls, integrations) are external
// collaborators; the kernel only sees this interface.
type Handler interface {
	// TypeTag is the unique registry key this handler answers to.
	TypeTag() string

	// DeclaredFields describes node.config's expected shape.
	DeclaredFields() []FieldSpec

	// DeclaredCredentials lists the credential-type tags this handler
	// may request via Context.credential.
	DeclaredCredentials() []string

	// DeclaredOutputs lists the output handle names this handler may
	// route to. "default" is implicit and always legal.
	DeclaredOutputs() []string

	// Execute runs the node against a resolved input and its config,
	// against the owning execution's Context (passed as `any` to avoid
	// an import cycle between model and execctx; handlers type-assert
	// to the concrete kernel/execctx.Context).
	Execute(ctx context.Context, input map[string]any, config map[string]any, execCtx any) (NodeResult, error)
}

// LoopCarrying is implemented by handler types whose semantics
// legitimately produce a back-edge (loop, split_in_batches). The
// Compiler's cycle pass consults this to exempt an SCC from
// acyclicity.
type LoopCarrying interface {
	IsLoopCarrying() bool
}

// InputSchemaProvider and OutputSchemaProvider are optional; when both
// an upstream handler's output schema and a downstream handler's input
// schema are concrete, the Compiler's type-compatibility pass emits a
// (non-fatal) warning on mismatch.
type InputSchemaProvider interface {
	InputSchema() map[string]FieldType
}

type OutputSchemaProvider interface {
	OutputSchema() map[string]FieldType
}

// ConfigSchemaProvider is implemented by handlers whose config shape
// is easier to express as a full JSON Schema document than as a list
// of FieldSpecs (nested objects, arrays of objects). When present, the
// Compiler's config-shape pass validates node.config against it in
// addition to any declared FieldSpecs.
type ConfigSchemaProvider interface {
	ConfigSchema() string // JSON Schema document
}
