package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	validator "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/neboloop/glance/internal/agent/ai"
	"github.com/neboloop/glance/internal/agent/sandbox"
	"github.com/neboloop/glance/internal/agent/session"
	"github.com/neboloop/glance/internal/events"
	"github.com/neboloop/glance/internal/logging"
)

// Deps are the collaborators the built-in tools need for one request.
type Deps struct {
	Policy *sandbox.Policy
	Skills SkillStore
	Sink   events.Sink
	Logger *slog.Logger
}

// Dispatcher routes tool calls to tools. It is built per request, so the
// policy and any skill restriction are fixed for its lifetime.
type Dispatcher struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*validator.Schema
	allowed map[string]bool // nil means unrestricted
	logger  *slog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.With("component", "tools")
	}
	return &Dispatcher{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*validator.Schema),
		logger:  logger,
	}
}

// NewDefault creates a dispatcher with every built-in tool registered.
func NewDefault(deps Deps) *Dispatcher {
	d := NewDispatcher(deps.Logger)
	sink := deps.Sink
	if sink == nil {
		sink = events.Nop{}
	}

	d.Register(NewReadTool(deps.Policy))
	d.Register(NewWriteTool(deps.Policy))
	d.Register(NewEditTool(deps.Policy))
	d.Register(NewGlobTool(deps.Policy))
	d.Register(NewGrepTool(deps.Policy))
	d.Register(NewBashTool(deps.Policy, d.logger))
	if deps.Skills != nil {
		d.Register(NewInvokeSkillTool(deps.Skills))
		d.Register(NewManageSkillTool(deps.Skills))
	}
	d.Register(NewProgressTool(sink))
	return d
}

// Register adds a tool, replacing any tool with the same name. A schema that
// fails to compile is logged and the tool is registered without validation.
func (d *Dispatcher) Register(tool Tool) {
	schema, err := compileSchema(tool.Name(), tool.Schema())
	if err != nil {
		d.logger.Warn("tool schema does not compile", "tool", tool.Name(), "error", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.tools[tool.Name()]; ok {
		d.logger.Warn("tool already registered, overwriting", "tool", tool.Name(),
			"existing", fmt.Sprintf("%T", existing), "replacement", fmt.Sprintf("%T", tool))
	}
	d.tools[tool.Name()] = tool
	if schema != nil {
		d.schemas[tool.Name()] = schema
	} else {
		delete(d.schemas, tool.Name())
	}
}

// Get returns a tool by name.
func (d *Dispatcher) Get(name string) (Tool, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tool, ok := d.tools[name]
	return tool, ok
}

// Names returns the registered tool names, sorted.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Restrict narrows the available tools to names. A nil pointer lifts the
// restriction; an empty list disables every tool.
func (d *Dispatcher) Restrict(names *[]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if names == nil {
		d.allowed = nil
		return
	}
	d.allowed = make(map[string]bool, len(*names))
	for _, n := range *names {
		d.allowed[n] = true
	}
}

// Restricted reports whether a skill restriction is active.
func (d *Dispatcher) Restricted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.allowed != nil
}

// Has reports whether name is registered and allowed by any active
// restriction.
func (d *Dispatcher) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.tools[name]
	return ok && d.available(name)
}

func (d *Dispatcher) available(name string) bool {
	return d.allowed == nil || d.allowed[name]
}

// Definitions returns the tool catalogue offered to the model, sorted by
// name and filtered by any active restriction.
func (d *Dispatcher) Definitions() []ai.ToolDefinition {
	d.mu.RLock()
	defer d.mu.RUnlock()

	defs := make([]ai.ToolDefinition, 0, len(d.tools))
	for name, tool := range d.tools {
		if !d.available(name) {
			continue
		}
		defs = append(defs, ai.ToolDefinition{
			Name:        name,
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs one tool call. Every domain problem, including unknown tools,
// malformed arguments, denied paths and panics, comes back as a failure
// Result. The only error returned is sandbox.ErrPolicyUnconfigured, which the
// caller must surface to the user instead of feeding it to the model.
func (d *Dispatcher) Execute(ctx context.Context, call session.ToolCall) (res *Result, err error) {
	d.mu.RLock()
	tool, found := d.tools[call.Name]
	schema := d.schemas[call.Name]
	available := d.available(call.Name)
	d.mu.RUnlock()

	defer func() {
		if res != nil {
			res.ToolCallID = call.ID
		}
	}()

	if !found {
		return fail("Error: unknown tool %q. Available tools: %v", call.Name, d.availableNames()), nil
	}
	if !available {
		return fail("Error: tool %q is not allowed by the active skill", call.Name), nil
	}
	if schema != nil {
		if verr := validateArgs(schema, call.Arguments); verr != nil {
			return fail("Error: invalid arguments for %s: %v", call.Name, verr), nil
		}
	}

	res, err = d.run(ctx, tool, call.Arguments)
	if err != nil {
		if errors.Is(err, sandbox.ErrPolicyUnconfigured) {
			return nil, err
		}
		return fail("Error: %v", err), nil
	}
	if res == nil {
		return ok(""), nil
	}
	return res, nil
}

func (d *Dispatcher) run(ctx context.Context, tool Tool, input json.RawMessage) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked", "tool", tool.Name(), "panic", r, "stack", string(debug.Stack()))
			res, err = fail("Error: tool %s crashed: %v", tool.Name(), r), nil
		}
	}()
	return tool.Execute(ctx, input)
}

func (d *Dispatcher) availableNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var names []string
	for name := range d.tools {
		if d.available(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
