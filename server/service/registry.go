// Package service implements the JSON-over-HTTP RPC surface of §6: a
// method registry dispatched by qualified name, the Permission Gate
// integration, the installable log-stream sink, and the chi-based HTTP
// transport.
package service

import (
	"context"
	"encoding/json"

	"github.com/taskrelay/taskrelay/server/authz"
)

// HandlerFunc implements one RPC method. params is the raw JSON params
// value from the request envelope; the handler is responsible for
// unmarshaling it into whatever shape it expects.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (interface{}, error)

type registration struct {
	method  authz.Method
	handler HandlerFunc
}

// Registry is the plain map[string]HandlerFunc method table of design note
// "Dynamic dispatch of methods by string name", keyed by the qualified
// method name (e.g. "jobs.getWork").
type Registry struct {
	entries map[string]registration
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Handle registers fn under the qualified name m.Name, associated with the
// permission tags the Gate will evaluate against.
func (r *Registry) Handle(m authz.Method, fn HandlerFunc) {
	r.entries[m.Name] = registration{method: m, handler: fn}
}

func (r *Registry) lookup(name string) (registration, bool) {
	reg, ok := r.entries[name]
	return reg, ok
}
