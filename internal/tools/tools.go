// Package tools exposes the task operations as schema-described tools, the
// form in which the orchestrator and RPC clients call them.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/clawtask/internal/engine"
	"github.com/basket/clawtask/internal/persistence"
)

// Operations is the task surface the catalog dispatches to. *engine.Service
// implements it.
type Operations interface {
	SubmitTask(ctx context.Context, req engine.SubmitRequest) (engine.SubmitResult, error)
	GetTaskStatus(ctx context.Context, taskID string) (engine.TaskStatusReport, error)
	ListActiveTasks(ctx context.Context) ([]persistence.Task, error)
	CancelTask(ctx context.Context, taskID, reason string) (engine.CancelResult, error)
	RequestHumanReview(ctx context.Context, taskID, question string) (*persistence.Task, error)
	RespondToReview(ctx context.Context, taskID, response string) (*persistence.Task, error)
}

var ErrUnknownTool = errors.New("unknown tool")

// ArgumentError reports arguments that do not match the tool schema.
type ArgumentError struct {
	Tool    string
	Message string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: invalid arguments: %s", e.Tool, e.Message)
}

// Definition is the public description of a tool.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type handler func(ctx context.Context, args json.RawMessage) (any, error)

type tool struct {
	def    Definition
	schema *jsonschema.Schema
	call   handler
}

// Catalog holds the compiled tool set.
type Catalog struct {
	ops    Operations
	source string
	tools  map[string]*tool
}

// NewCatalog compiles every tool schema. source is stamped on submissions
// that do not name their own.
func NewCatalog(ops Operations, source string) (*Catalog, error) {
	if ops == nil {
		return nil, errors.New("tools: operations are required")
	}
	if source == "" {
		source = "tools"
	}
	c := &Catalog{ops: ops, source: source, tools: make(map[string]*tool)}
	for _, spec := range c.specs() {
		schema, err := compileSchema(spec.def.Name, spec.def.InputSchema)
		if err != nil {
			return nil, err
		}
		spec.schema = schema
		c.tools[spec.def.Name] = spec
	}
	return c, nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	// UnmarshalJSON keeps numbers as json.Number, which the validator needs.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s schema: %w", name, err)
	}
	url := name + ".json"
	comp := jsonschema.NewCompiler()
	if err := comp.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", name, err)
	}
	schema, err := comp.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	return schema, nil
}

// Definitions lists the tools sorted by name.
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether name is a known tool.
func (c *Catalog) Has(name string) bool {
	_, ok := c.tools[name]
	return ok
}

// Call validates args against the tool schema and runs it. Empty args are
// treated as an empty object.
func (c *Catalog) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	t, ok := c.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if len(bytes.TrimSpace(args)) == 0 || bytes.Equal(bytes.TrimSpace(args), []byte("null")) {
		args = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return nil, &ArgumentError{Tool: name, Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := t.schema.Validate(doc); err != nil {
		return nil, &ArgumentError{Tool: name, Message: err.Error()}
	}
	return t.call(ctx, args)
}

func decode[T any](name string, args json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(args, &v); err != nil {
		return v, &ArgumentError{Tool: name, Message: err.Error()}
	}
	return v, nil
}
