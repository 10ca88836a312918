package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jordanhubbard/lomu/pkg/messages"
)

// ErrUnknownTool is returned for names that map to no registered tool.
var ErrUnknownTool = errors.New("unknown tool")

// ToolError is a failed tool execution. The agent loop feeds its text back
// to the model instead of aborting.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Env identifies who a tool runs for.
type Env struct {
	UserID string
	RunID  string
}

// Result is what a tool produced. Side effects the client should hear about
// are reported separately from the text returned to the model.
type Result struct {
	Output      string
	FileChanges []messages.FileChangedPayload
	Tasks       []messages.Task
}

// Spec describes a tool to the model.
type Spec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Tool is one capability.
type Tool interface {
	Kind() Kind
	Spec() Spec
	// Describe summarizes a call for an approval prompt.
	Describe(args map[string]interface{}) (operation string, resources []string)
	Execute(ctx context.Context, env Env, args map[string]interface{}) (Result, error)
}

// Registry maps kinds to tools and tracks which ones are sensitive.
type Registry struct {
	mu        sync.RWMutex
	tools     map[Kind]Tool
	sensitive map[Kind]bool
}

// NewRegistry creates an empty registry with default sensitivity.
func NewRegistry() *Registry {
	r := &Registry{
		tools:     make(map[Kind]Tool),
		sensitive: make(map[Kind]bool),
	}
	for _, k := range AllKinds {
		r.sensitive[k] = k.DefaultSensitive()
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Kind()] = t
}

// SetSensitive replaces the set of tools that need approval. Unknown names
// are returned so callers can warn about them.
func (r *Registry) SetSensitive(names []string) []string {
	next := make(map[Kind]bool, len(AllKinds))
	var unknown []string
	for _, name := range names {
		k, ok := ParseKind(strings.TrimSpace(name))
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		next[k] = true
	}
	r.mu.Lock()
	r.sensitive = next
	r.mu.Unlock()
	return unknown
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (Tool, error) {
	k, ok := ParseKind(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// IsSensitive reports whether calls to kind must pass the approval gate.
func (r *Registry) IsSensitive(k Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sensitive[k]
}

// Specs returns every registered tool description, sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Execute runs the named tool. Any failure comes back as *ToolError.
func (r *Registry) Execute(ctx context.Context, env Env, name string, args map[string]interface{}) (Result, error) {
	t, err := r.Lookup(name)
	if err != nil {
		return Result{}, &ToolError{Tool: name, Err: err}
	}
	res, err := t.Execute(ctx, env, args)
	if err != nil {
		return res, &ToolError{Tool: name, Err: err}
	}
	return res, nil
}

func stringArg(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func optionalString(args map[string]interface{}, key, def string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return def
}

func optionalInt(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
