// Package tools maps tool names requested by the remote model to local
// callbacks. A failing, panicking or missing tool always produces a
// structured result so the conversation can carry on.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/lokutor-ai/lokutor-live/pkg/protocol"
)

var (
	ErrInvalidTool   = errors.New("invalid tool definition")
	ErrDuplicateTool = errors.New("tool already registered")
	ErrToolNotFound  = errors.New("tool not found")
	ErrToolFailed    = errors.New("tool execution failed")
)

// Handler runs a tool. args is the raw JSON argument payload (nil when the
// model sent none) and is owned by the handler. The returned value is
// marshalled to JSON.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is a named callback plus the schema advertised to the model.
type Tool struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
	Handler     Handler
}

// Invocation is a tool request received from the remote side.
type Invocation struct {
	ToolUseID string
	Name      string
	Arguments json.RawMessage
}

// Result is the outcome of one invocation. Content is always valid JSON;
// Err is set when Content carries an error object.
type Result struct {
	ToolUseID string
	Name      string
	Content   json.RawMessage
	Err       error
}

type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. A nil Schema advertises an empty object.
func (r *Registry) Register(t Tool) error {
	if strings.TrimSpace(t.Name) == "" || t.Handler == nil {
		return fmt.Errorf("%w: name and handler are required", ErrInvalidTool)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// RegisterFunc registers a typed handler. The input schema is derived from
// T and the raw arguments are decoded into a T before fn is called.
func RegisterFunc[T any](r *Registry, name, description string, fn func(ctx context.Context, args T) (any, error)) error {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return fmt.Errorf("%w: schema for %s: %v", ErrInvalidTool, name, err)
	}
	return r.Register(Tool{
		Name:        name,
		Description: description,
		Schema:      schema,
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("decode arguments: %w", err)
				}
			}
			return fn(ctx, args)
		},
	})
}

// Names returns the registered tool names, sorted.
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

// Specs returns the tool catalog sent when the prompt starts.
func (r *Registry) Specs() []protocol.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]protocol.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		schema := `{"type":"object","properties":{}}`
		if t.Schema != nil {
			if b, err := json.Marshal(t.Schema); err == nil {
				schema = string(b)
			}
		}
		specs = append(specs, protocol.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: protocol.InputSchema{JSON: schema},
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Dispatch runs the tool named by inv and never returns a Go error: every
// failure is folded into an {"error": "..."} result.
func (r *Registry) Dispatch(ctx context.Context, inv Invocation) Result {
	res := Result{ToolUseID: inv.ToolUseID, Name: inv.Name}

	r.mu.RLock()
	t, ok := r.tools[inv.Name]
	r.mu.RUnlock()
	if !ok {
		res.Err = fmt.Errorf("%w: %s", ErrToolNotFound, inv.Name)
		res.Content = errorContent(res.Err)
		return res
	}

	var args json.RawMessage
	if len(inv.Arguments) > 0 {
		args = append(json.RawMessage(nil), inv.Arguments...)
	}

	out, err := invoke(ctx, t.Handler, args)
	if err != nil {
		res.Err = fmt.Errorf("%w: %s: %v", ErrToolFailed, inv.Name, err)
		res.Content = errorContent(err)
		return res
	}

	content, err := json.Marshal(out)
	if err != nil {
		res.Err = fmt.Errorf("%w: %s: encode result: %v", ErrToolFailed, inv.Name, err)
		res.Content = errorContent(err)
		return res
	}
	res.Content = content
	return res
}

func invoke(ctx context.Context, h Handler, args json.RawMessage) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h(ctx, args)
}

func errorContent(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}
