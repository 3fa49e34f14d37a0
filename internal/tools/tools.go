// Package tools defines the server-side tool contract for the voxbridge
// middle tier: a [Tool] pairs an upstream-facing function declaration with the
// handler invoked when the model calls it, a [Result] says where the handler's
// output goes, and a [Registry] keys tools by their unique name.
//
// Tools are server-side only. The client never learns which tools exist; the
// middle tier advertises them to the upstream model and strips every
// function-call event before it reaches the client.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Direction says which side of the middle tier a tool result is meant for.
type Direction int

const (
	// ToServer feeds the result back to the model as the output of a
	// function_call_output conversation item.
	ToServer Direction = iota + 1

	// ToClient surfaces the result to the browser UI as a side-channel
	// message. Suppressed on telephony sessions, which have no UI.
	ToClient
)

// Result is the outcome of a tool invocation, tagged with its destination.
type Result struct {
	// Payload is either a plain string or a JSON-marshallable value.
	Payload any

	// Destination selects who receives the payload.
	Destination Direction
}

// ServerResult builds a ToServer result carrying text for the model.
func ServerResult(text string) Result {
	return Result{Payload: text, Destination: ToServer}
}

// ClientResult builds a ToClient result carrying a structured payload.
func ClientResult(payload any) Result {
	return Result{Payload: payload, Destination: ToClient}
}

// Text renders the payload as the string fed into function_call_output.output
// (or into the client side-channel message). String payloads pass through
// verbatim; anything else is JSON-encoded so structured ToClient payloads
// survive intact.
func (r Result) Text() string {
	switch p := r.Payload.(type) {
	case string:
		return p
	case nil:
		return ""
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Sprintf("%v", p)
		}
		return string(data)
	}
}

// TargetFunc executes a tool with its JSON-decoded arguments. Implementations
// must respect context cancellation and should encode recoverable failures
// inside the Result rather than returning an error — a returned error is
// surfaced to the model as an error string, never to the client.
type TargetFunc func(ctx context.Context, args json.RawMessage) (Result, error)

// Tool is an immutable (schema, target) pair. Schema is the upstream's
// function-declaration object (type, name, description, parameters) and is
// sent verbatim in session.update.
type Tool struct {
	Schema map[string]any
	Target TargetFunc
}

// Registry stores tools by unique name. It is populated once at startup and
// read concurrently by every session afterwards; all methods are safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]*Tool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool under name. Names must be unique; registering a
// duplicate returns an error.
func (r *Registry) Register(name string, tool *Tool) error {
	if name == "" {
		return fmt.Errorf("tools: register: name must not be empty")
	}
	if tool == nil || tool.Target == nil {
		return fmt.Errorf("tools: register %q: tool and target must not be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tools: register %q: already registered", name)
	}
	r.tools[name] = tool
	r.order = append(r.order, name)
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Schemas returns the function declarations of all registered tools in
// registration order, ready to be placed into session.tools.
func (r *Registry) Schemas() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Schema)
	}
	return out
}
