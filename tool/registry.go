package tool

import (
	"fmt"
	"sort"
	"sync"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"arbor/event"
)

// Collision is reported when Register replaces a tool of the same name.
type Collision struct {
	Name        string
	Replaced    string
	Replacement string
	Previous    Tool
}

func (c Collision) String() string {
	return fmt.Sprintf("tool %q from %s replaced by %s", c.Name, c.Replaced, c.Replacement)
}

// Sourced is implemented by tools that can say where they came from
// ("builtin", an MCP server id, ...). Used only for collision warnings.
type Sourced interface {
	Source() string
}

// Registry maps tool names to tools. Reads vastly outnumber writes, which
// only happen at startup and on discovery refresh.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *zap.Logger
	pub    event.Publisher
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
		pub:    event.Discard,
	}
}

// SetPublisher makes collisions visible as event.ToolCollision.
func (r *Registry) SetPublisher(p event.Publisher) {
	if p == nil {
		p = event.Discard
	}
	r.mu.Lock()
	r.pub = p
	r.mu.Unlock()
}

// Register adds t under its definition name. When the name is taken the new
// tool wins and the returned Collision describes what was replaced.
func (r *Registry) Register(t Tool) *Collision {
	name := t.Definition().Name

	r.mu.Lock()
	prev, exists := r.tools[name]
	r.tools[name] = t
	pub := r.pub
	r.mu.Unlock()

	if !exists {
		return nil
	}
	c := &Collision{Name: name, Replaced: sourceOf(prev), Replacement: sourceOf(t), Previous: prev}
	r.logger.Warn("tool name collision", zap.String("tool", name),
		zap.String("replaced", c.Replaced), zap.String("replacement", c.Replacement))
	pub.Publish(event.Event{Kind: event.ToolCollision, Text: c.String()})
	return c
}

func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every tool descriptor sorted by name.
func (r *Registry) Definitions() []mcptypes.Tool {
	r.mu.RLock()
	defs := make([]mcptypes.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func (r *Registry) Names() []string {
	defs := r.Definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func sourceOf(t Tool) string {
	if s, ok := t.(Sourced); ok {
		return s.Source()
	}
	return "builtin"
}
