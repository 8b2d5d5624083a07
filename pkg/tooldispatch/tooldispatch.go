// Package tooldispatch wraps delegation calls as tools: each tool carries
// a pure visibility predicate the transport filters listings with, and an
// execution-time permission re-check behind a standardized response
// envelope. The MCP/JSON-RPC transport that drives listing and invocation
// lives outside the engine; this package is the contract it calls into.
package tooldispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/oboauth/delegation-engine/pkg/audit"
	"github.com/oboauth/delegation-engine/pkg/delegation"
	"github.com/oboauth/delegation-engine/pkg/session"
)

// Envelope is the uniform response contract handlers return. Exactly one
// of Data or (Code, Message) is meaningful, discriminated by Status.
type Envelope struct {
	Status  string `json:"status"` // "success" | "failure"
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func success(data any) Envelope { return Envelope{Status: "success", Data: data} }

func failure(code, message string) Envelope {
	return Envelope{Status: "failure", Code: code, Message: message}
}

// sanitizedMessages maps an error code to the generic phrase returned in
// the envelope. Backend diagnostics never leak past this map; they go to
// the audit entry instead.
var sanitizedMessages = map[string]string{
	"forbidden":        "you do not have permission to use this tool",
	"unknown_module":   "this tool is not currently available",
	"delegation_error": "the request could not be completed",
}

func sanitize(code string) string {
	if msg, ok := sanitizedMessages[code]; ok {
		return msg
	}
	return "the request could not be completed"
}

// ContextFactory builds the delegation.Context one tool invocation runs
// under, wiring in whatever engine services modules may need.
type ContextFactory func(ctx context.Context, sessionID string) *delegation.Context

// Descriptor is one tool bound to a delegation call.
type Descriptor struct {
	Name     string
	Schema   any
	module   string
	action   string
	registry *delegation.Registry
	canReach func(sess *session.UserSession) bool
	audit    audit.Service
	newCtx   ContextFactory
}

// New builds a Descriptor that dispatches to registry's named module and
// action. canAccess is the pure visibility predicate: it must hide the
// tool entirely, not merely refuse execution.
func New(name string, schema any, registry *delegation.Registry, module, action string, canAccess func(sess *session.UserSession) bool, sink audit.Service) *Descriptor {
	if sink == nil {
		sink = audit.NullService{}
	}
	return &Descriptor{
		Name: name, Schema: schema, module: module, action: action,
		registry: registry, canReach: canAccess, audit: sink,
	}
}

// WithContextFactory sets the factory Handle uses to build each
// invocation's delegation.Context; without one, modules get a bare
// context with no token-exchange handle. Returns d for chaining.
func (d *Descriptor) WithContextFactory(f ContextFactory) *Descriptor {
	d.newCtx = f
	return d
}

// CanAccess is the pure predicate the transport uses to filter tool
// visibility per session.
func (d *Descriptor) CanAccess(sess *session.UserSession) bool {
	return d.canReach(sess)
}

// Handle re-validates access at execution time before dispatching through
// the delegation registry, then maps the delegation.Result onto the
// uniform envelope. A session that passed the visibility filter earlier
// in the request can still be refused here.
func (d *Descriptor) Handle(ctx context.Context, sess *session.UserSession, args map[string]any) Envelope {
	if !d.canReach(sess) {
		d.audit.Log(audit.Entry{
			Source: audit.SourceDelegation(d.module), Action: d.action,
			SessionID: sess.SessionID, UserID: sess.UserID, Success: false, Reason: "execution-time access check failed",
		})
		return failure("forbidden", sanitize("forbidden"))
	}

	delegationCtx := &delegation.Context{Context: ctx, SessionID: sess.SessionID}
	if d.newCtx != nil {
		delegationCtx = d.newCtx(ctx, sess.SessionID)
	}
	result := d.registry.Delegate(delegationCtx, d.module, sess, d.action, args)
	if !result.Success {
		code := "delegation_error"
		switch {
		case result.Error == "access denied":
			code = "forbidden"
		case strings.Contains(result.Error, "unknown module"):
			code = "unknown_module"
		}
		return failure(code, sanitize(code))
	}
	return success(result.Data)
}

// Registry filters a set of Descriptors by visibility for one session and
// routes invocations by name.
type Registry struct {
	tools map[string]*Descriptor
	order []string
}

// NewRegistry builds a Registry over descriptors, preserving declaration
// order for ListTools output.
func NewRegistry(descriptors ...*Descriptor) *Registry {
	r := &Registry{tools: make(map[string]*Descriptor, len(descriptors))}
	for _, d := range descriptors {
		r.tools[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return r
}

// ListTools returns every Descriptor whose CanAccess(sess) is true.
func (r *Registry) ListTools(sess *session.UserSession) []*Descriptor {
	var out []*Descriptor
	for _, name := range r.order {
		d := r.tools[name]
		if d.CanAccess(sess) {
			out = append(out, d)
		}
	}
	return out
}

// InvokeTool routes name's args through its handler, or returns a
// not-found failure envelope.
func (r *Registry) InvokeTool(ctx context.Context, sess *session.UserSession, name string, args map[string]any) Envelope {
	d, ok := r.tools[name]
	if !ok {
		return failure("unknown_module", fmt.Sprintf("no such tool: %s", name))
	}
	return d.Handle(ctx, sess, args)
}
