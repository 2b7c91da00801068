// Package tools defines the tools available to the agent and the
// dispatcher that runs them. Execute never fails: every outcome,
// including panics and unknown names, is folded into a result.Result
// the model can read.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nugget/cortex-agent/internal/mcp"
	"github.com/nugget/cortex-agent/internal/observability"
	"github.com/nugget/cortex-agent/internal/result"
)

// Kind separates tools that only read from tools that change something.
// The two kinds fail differently.
type Kind int

const (
	// Read tools may answer with example data when their backing
	// service is unreachable or unlinked.
	Read Kind = iota
	// Write tools report every failure as result.Failure.
	Write
)

func (k Kind) String() string {
	if k == Write {
		return "write"
	}
	return "read"
}

// Handler runs a tool with already-validated arguments.
type Handler func(ctx context.Context, args map[string]any) (result.Result, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Kind        Kind
	Handler     Handler

	// Fallback builds the example result for a read tool. Write tools
	// never have one.
	Fallback func(args map[string]any) result.Result

	schema *jsonschema.Schema
}

// Spec is the function description handed to the model.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Provider is the secondary source of tools. Names the registry does
// not know are passed to it.
type Provider interface {
	Tools(ctx context.Context) ([]mcp.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// Registry holds available tools.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	order    []string
	provider Provider
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithProvider sets the secondary tool provider.
func WithProvider(p Provider) Option {
	return func(r *Registry) { r.provider = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics records tool outcomes on mt.
func WithMetrics(mt *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = mt }
}

// NewRegistry creates an empty registry. See RegisterBuiltins for the
// standard tool set.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Register adds a tool, compiling its parameter schema. Registering a
// name twice replaces the earlier tool.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool %q: name and handler are required", t.Name)
	}
	if t.Kind == Write && t.Fallback != nil {
		return fmt.Errorf("tool %q: write tools cannot have a fallback", t.Name)
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	raw, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("tool %q: encode schema: %w", t.Name, err)
	}
	schema, err := jsonschema.CompileString(t.Name+".schema.json", string(raw))
	if err != nil {
		return fmt.Errorf("tool %q: compile schema: %w", t.Name, err)
	}
	t.schema = schema

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Specs returns the tool descriptions for a completion request: the
// registered tools in order, then any provider tools that do not shadow
// them. A failing provider is logged and skipped.
func (r *Registry) Specs(ctx context.Context) []Spec {
	r.mu.RLock()
	specs := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		specs = append(specs, Spec{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	r.mu.RUnlock()

	if r.provider == nil {
		return specs
	}
	defs, err := r.provider.Tools(ctx)
	if err != nil {
		r.logger.Warn("secondary tool provider unavailable", "error", err)
		return specs
	}
	for _, d := range defs {
		if r.Get(d.Name) != nil {
			continue
		}
		params := d.InputSchema
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		specs = append(specs, Spec{Name: d.Name, Description: d.Description, Parameters: params})
	}
	return specs
}

// Execute runs a tool by name for sessionID. It always returns a result.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, sessionID string) (res result.Result) {
	ctx, span := observability.StartSpan(ctx, "tools.execute", "tool.name", name, "session.id", sessionID)
	defer span.End()
	ctx = WithSessionID(ctx, sessionID)
	if args == nil {
		args = map[string]any{}
	}

	tool := r.Get(name)
	if tool == nil {
		res = r.delegate(ctx, name, args)
		span.SetAttributes(attribute.String("tool.result", string(result.KindOf(res))))
		return res
	}

	outcome := observability.ToolOK
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked",
				"tool", name,
				"session", sessionID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			res = result.Errorf("Execution failure at node %s.", name)
			outcome = observability.ToolError
		}
		r.metrics.ToolCall(name, outcome)
		span.SetAttributes(
			attribute.String("tool.outcome", outcome),
			attribute.String("tool.result", string(result.KindOf(res))),
		)
	}()

	if err := validate(tool, args); err != nil {
		r.logger.Warn("tool arguments rejected", "tool", name, "session", sessionID, "error", err)
		if tool.Kind == Write {
			outcome = observability.ToolFailure
			return result.Fail("invalid arguments for %s: %v", name, err)
		}
		outcome = observability.ToolError
		return result.Errorf("invalid arguments for %s: %v", name, err)
	}

	out, err := tool.Handler(ctx, args)
	if err == nil && out == nil {
		err = fmt.Errorf("tool %s returned no result", name)
	}
	if err == nil {
		r.logger.Debug("tool executed", "tool", name, "session", sessionID, "result", result.Summary(out))
		return out
	}
	observability.RecordError(span, err)

	if tool.Kind == Write {
		outcome = observability.ToolFailure
		r.logger.Warn("write tool failed", "tool", name, "session", sessionID, "error", err)
		return result.Fail("%s", failureText(err))
	}

	if tool.Fallback != nil && Fallbackable(err) {
		outcome = observability.ToolFallback
		r.logger.Info("tool using example data",
			"tool", name,
			"session", sessionID,
			"reason", err,
		)
		return result.AsExample(tool.Fallback(args))
	}

	outcome = observability.ToolError
	r.logger.Warn("read tool failed", "tool", name, "session", sessionID, "error", err)
	return result.Errorf("%s", failureText(err))
}

// delegate hands an unknown name to the secondary provider.
func (r *Registry) delegate(ctx context.Context, name string, args map[string]any) result.Result {
	unavailable := &ErrToolUnavailable{ToolName: name}
	if r.provider == nil {
		r.metrics.ToolCall(name, observability.ToolError)
		return result.Errorf("%s", unavailable.Error())
	}

	text, err := r.provider.CallTool(ctx, name, args)
	if err != nil {
		r.metrics.ToolCall(name, observability.ToolError)
		if isUnknownTool(err) {
			return result.Errorf("%s", unavailable.Error())
		}
		r.logger.Warn("secondary tool failed", "tool", name, "error", err)
		return result.Errorf("%s", err.Error())
	}
	r.metrics.ToolCall(name, observability.ToolDelegated)
	return result.Content{Content: text}
}

func validate(t *Tool, args map[string]any) error {
	if t.schema == nil {
		return nil
	}
	// Round-trip through JSON so Go-typed values (ints, slices of
	// strings) validate the same as decoded model output.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	return t.schema.Validate(decoded)
}
