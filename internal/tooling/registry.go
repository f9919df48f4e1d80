package tooling

import (
	"encoding/json"
	"fmt"
	"sync"

	sjs "github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrDuplicateTool is returned by Register when a tool name is already taken,
// grounded on spec.md §4.3's `register(spec)` contract.
type ErrDuplicateTool struct{ Name string }

func (e *ErrDuplicateTool) Error() string {
	return fmt.Sprintf("tooling: duplicate tool name %q", e.Name)
}

type registeredTool struct {
	spec     Spec
	schema   json.RawMessage
	compiled *sjs.Schema
}

// Registry holds the set of tools known to the process, grounded on the
// teacher's agent.ToolRegistry (thread-safe map, name-keyed lookup) but
// rejecting duplicate registration instead of silently overwriting, per
// spec.md's `DuplicateTool` requirement.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register compiles spec's schema and adds it to the registry. Idempotent
// registration of the identical spec value is not special-cased: any second
// call with the same Name fails with ErrDuplicateTool, matching spec.md's
// literal "duplicate names fail" wording.
func (r *Registry) Register(spec Spec) error {
	schema, err := reflectArgSchema(spec.ArgsType)
	if err != nil {
		return err
	}
	compiled, err := sjs.CompileString(spec.Name+".schema.json", string(schema))
	if err != nil {
		return fmt.Errorf("tooling: compile schema for %q: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; exists {
		return &ErrDuplicateTool{Name: spec.Name}
	}
	r.tools[spec.Name] = &registeredTool{spec: spec, schema: schema, compiled: compiled}
	return nil
}

// Get returns the registered tool by name.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Spec{}, false
	}
	return t.spec, true
}

// SchemaFor returns descriptors for exactly the tool names in allowlist, in
// the order given, skipping names that aren't registered (an agent profile
// referencing an unregistered tool is a config error caught at startup, not
// here).
func (r *Registry) SchemaFor(allowlist []string) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(allowlist))
	for _, name := range allowlist {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, Descriptor{
			Name:            t.spec.Name,
			Description:     t.spec.Description,
			ArgSchema:       t.schema,
			StatusNarration: t.spec.StatusNarration,
		})
	}
	return out
}

// validate checks raw against name's compiled schema.
func (r *Registry) validate(name string, raw json.RawMessage) error {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("tooling: tool %q not registered", name)
	}

	var decoded any
	if len(raw) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	return t.compiled.Validate(decoded)
}
