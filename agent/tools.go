package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/martinemde/helmsman/llm"
)

// Category classifies a tool for scheduling and repetition analysis.
type Category string

const (
	// CategoryReadOnly tools have no side effects and may run in parallel.
	CategoryReadOnly Category = "read_only"
	// CategoryMutating tools change workspace state and run sequentially.
	CategoryMutating Category = "mutating"
	// CategoryOther tools have unknown effects and are treated like
	// mutating ones for scheduling.
	CategoryOther Category = "other"
	// CategoryTerminal tools signal completion and always run last.
	CategoryTerminal Category = "terminal"
)

// Tool is a named capability the model can invoke. Input arrives as raw
// JSON already validated against Schema.
type Tool interface {
	Name() string
	Description() string
	Category() Category
	Schema() json.RawMessage
	Execute(ctx context.Context, ws Workspace, input json.RawMessage) (string, error)
}

// ToolValidationError reports input that failed schema validation. The
// loop converts these into corrective tool results instead of failing the
// session.
type ToolValidationError struct {
	Tool string
	Err  error
}

func (e *ToolValidationError) Error() string {
	return fmt.Sprintf("invalid input for tool %s: %v", e.Tool, e.Err)
}

func (e *ToolValidationError) Unwrap() error { return e.Err }

// Registry holds the available tools and their compiled input schemas.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its input schema. Registering a name
// twice replaces the earlier tool.
func (r *Registry) Register(t Tool) error {
	compiler := jsonschema.NewCompiler()
	url := "inmem://tools/" + t.Name() + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(t.Schema())); err != nil {
		return fmt.Errorf("add schema for tool %s: %w", t.Name(), err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for tool %s: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.compiled[t.Name()] = schema
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Category returns the scheduling category for a tool name, defaulting to
// other for unknown tools.
func (r *Registry) Category(name string) Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.tools[name]; ok {
		return t.Category()
	}
	return CategoryOther
}

// Validate checks raw input against a tool's compiled schema.
func (r *Registry) Validate(name string, input json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolValidationError{Tool: name, Err: fmt.Errorf("unknown tool")}
	}

	var doc any
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(input, &doc); err != nil {
		return &ToolValidationError{Tool: name, Err: fmt.Errorf("input is not valid JSON: %w", err)}
	}
	if err := schema.Validate(doc); err != nil {
		return &ToolValidationError{Tool: name, Err: err}
	}
	return nil
}

// Definitions returns provider-facing tool definitions in stable name
// order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		var params map[string]any
		_ = json.Unmarshal(t.Schema(), &params)
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  params,
		})
	}
	return defs
}

// Names returns the registered tool names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
