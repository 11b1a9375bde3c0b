package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func bytesReader(raw []byte) io.Reader { return bytes.NewReader(raw) }

// ErrUnknownTool is returned when a call names a tool that is not
// registered (or is filtered out by policy).
var ErrUnknownTool = errors.New("unknown tool")

// ErrInvalidParams wraps schema validation failures.
var ErrInvalidParams = errors.New("invalid tool parameters")

// DefaultExecTimeout bounds a single tool execution.
const DefaultExecTimeout = 2 * time.Minute

// Registry holds registered tools and validates parameters against each
// tool's JSON schema before execution.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	timeout time.Duration
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithExecTimeout overrides the per-execution timeout.
func WithExecTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		timeout: DefaultExecTimeout,
		logger:  slog.Default().With("component", "tools"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool, compiling its parameter schema. Registering a
// tool with a name that already exists replaces it.
func (r *Registry) Register(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return fmt.Errorf("tool must have a name")
	}

	name := NormalizeToolName(tool.Name())

	var schema *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", bytesReader(raw)); err != nil {
			return fmt.Errorf("add schema for %s: %w", name, err)
		}
		compiled, err := compiler.Compile(name + ".json")
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	if schema != nil {
		r.schemas[name] = schema
	} else {
		delete(r.schemas, name)
	}
	return nil
}

// Get returns a tool by name, resolving aliases.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[NormalizeToolName(name)]
	return tool, ok
}

// List returns registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns registered tool names sorted.
func (r *Registry) Names() []string {
	list := r.List()
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.Name()
	}
	return out
}

// ValidateParams checks raw params against the tool's schema. Missing
// required fields and primitive type mismatches are rejected.
func (r *Registry) ValidateParams(name string, params json.RawMessage) error {
	r.mu.RLock()
	schema := r.schemas[NormalizeToolName(name)]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}

	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var value any
	if err := json.Unmarshal(params, &value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// View is a policy-filtered window onto a Registry. It exposes the same
// List/Execute surface the agent loop consumes, hiding tools the
// resolved policy denies and owner-only tools from non-owners.
type View struct {
	registry *Registry
	allowed  map[string]bool
}

// View applies a resolved policy and owner filtering to the registry.
func (r *Registry) View(policy *Policy, isOwner bool) *View {
	allowed := make(map[string]bool)
	for _, name := range FilterForSender(policy, r.Names(), isOwner) {
		allowed[name] = true
	}
	return &View{registry: r, allowed: allowed}
}

// List returns the visible tools sorted by name.
func (v *View) List() []Tool {
	var out []Tool
	for _, tool := range v.registry.List() {
		if v.allowed[NormalizeToolName(tool.Name())] {
			out = append(out, tool)
		}
	}
	return out
}

// Names returns the visible tool names sorted.
func (v *View) Names() []string {
	list := v.List()
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.Name()
	}
	return out
}

// Execute runs a visible tool; a filtered name fails as unknown so a
// denied tool is indistinguishable from an absent one.
func (v *View) Execute(ctx context.Context, name string, inv *Invocation) (*Result, error) {
	if !v.allowed[NormalizeToolName(name)] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return v.registry.Execute(ctx, name, inv)
}

// Execute validates and runs one tool call under the registry timeout.
// Tool failures come back as an error Result, not a Go error.
func (r *Registry) Execute(ctx context.Context, name string, inv *Invocation) (*Result, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err := r.ValidateParams(name, inv.Params); err != nil {
		return nil, err
	}

	execCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	started := time.Now()
	result, err := tool.Execute(execCtx, inv)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(execCtx.Err(), context.Canceled) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return ErrorResult(fmt.Sprintf("tool %s timed out after %s", name, time.Since(started).Round(time.Millisecond))), nil
		}
		return ErrorResult("Error: " + err.Error()), nil
	}
	if result == nil {
		result = TextResult("")
	}
	return result, nil
}
