// Package delegation routes actions to pluggable backend modules through
// a uniform dispatch call that enforces an access precheck, traps panics,
// and guarantees exactly one terminal audit entry per dispatch.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oboauth/delegation-engine/pkg/audit"
	"github.com/oboauth/delegation-engine/pkg/session"
	"github.com/oboauth/delegation-engine/pkg/tokenexchange"
)

// Errors surfaced by delegate-time failures.
var (
	ErrUnknownModule = errors.New("delegation: unknown module")
	ErrAccessDenied  = errors.New("delegation: access denied")
	ErrDuplicateName = errors.New("delegation: duplicate module name")
)

// Context is passed into every Module.Delegate call. It carries the
// session's correlation id and a handle to the engine's token-exchange
// service, so a module can obtain a downstream-audience credential
// without reaching for a global.
type Context struct {
	context.Context
	SessionID string
	Exchange  *tokenexchange.Service
}

// Result is the uniform outcome contract every dispatch returns.
// AuditTrail is always populated, even on failure.
type Result struct {
	Success    bool
	Data       any
	Error      string
	AuditTrail audit.Entry
}

// Module is the interface every delegation backend implements. The engine
// never speaks a backend protocol itself; it arranges credentials and
// hands off through this seam.
type Module interface {
	Name() string
	Type() string
	Initialize(config map[string]any) error
	Delegate(ctx *Context, sess *session.UserSession, action string, params map[string]any) Result
	ValidateAccess(sess *session.UserSession) bool
	HealthCheck(ctx context.Context) bool
	Destroy() error
}

// Registry dispatches delegation calls to registered modules.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	order   []string // registration order, for reverse-order teardown
	audit   audit.Service
}

// New constructs an empty Registry, auditing to sink.
func New(sink audit.Service) *Registry {
	if sink == nil {
		sink = audit.NullService{}
	}
	return &Registry{modules: make(map[string]Module), audit: sink}
}

// Register adds module under its own Name(). Duplicate names are rejected.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[m.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, m.Name())
	}
	r.modules[m.Name()] = m
	r.order = append(r.order, m.Name())
	return nil
}

// Lookup returns the named module, for health-check and introspection
// callers that need it outside the delegate() path.
func (r *Registry) Lookup(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Delegate dispatches action to the named module: lookup, access
// precheck, invoke with panic trapping, and a guaranteed single terminal
// audit entry whatever the outcome.
func (r *Registry) Delegate(ctx *Context, name string, sess *session.UserSession, action string, params map[string]any) Result {
	r.mu.RLock()
	m, ok := r.modules[name]
	r.mu.RUnlock()

	source := audit.SourceDelegation(name)

	if !ok {
		entry := audit.Entry{Source: source, Action: action, SessionID: sess.SessionID, UserID: sess.UserID, Success: false, Error: ErrUnknownModule.Error()}
		r.audit.Log(entry)
		return Result{Success: false, Error: ErrUnknownModule.Error(), AuditTrail: entry}
	}

	if !m.ValidateAccess(sess) {
		entry := audit.Entry{Source: source, Action: action, SessionID: sess.SessionID, UserID: sess.UserID, Success: false, Reason: "access denied"}
		r.audit.Log(entry)
		return Result{Success: false, Error: "access denied", AuditTrail: entry}
	}

	result := r.invoke(ctx, m, sess, action, params, source)
	r.audit.Log(result.AuditTrail)
	return result
}

// invoke calls the module and traps any panic, converting it to a failure
// result whose caller-visible error names the module but nothing else;
// the panic value goes to the audit entry only.
func (r *Registry) invoke(ctx *Context, m Module, sess *session.UserSession, action string, params map[string]any, source string) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = Result{
				Success: false,
				Error:   fmt.Sprintf("module %s: internal failure", m.Name()),
				AuditTrail: audit.Entry{
					Source: source, Action: action, SessionID: sess.SessionID, UserID: sess.UserID,
					Success: false, Error: fmt.Sprintf("panic: %v", rec),
				},
			}
		}
	}()

	result = m.Delegate(ctx, sess, action, params)
	if result.AuditTrail.Source == "" {
		// Module forgot to supply its own audit entry; fill in a
		// default terminal one.
		result.AuditTrail = audit.Entry{
			Source: source, Action: action, SessionID: sess.SessionID, UserID: sess.UserID,
			Success: result.Success, Error: result.Error,
		}
	}
	return result
}

// HealthCheck reports each registered module's liveness, keyed by module
// name, for the health-check tool.
func (r *Registry) HealthCheck(ctx context.Context) map[string]bool {
	r.mu.RLock()
	modules := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		modules = append(modules, m)
	}
	r.mu.RUnlock()

	out := make(map[string]bool, len(modules))
	for _, m := range modules {
		out[m.Name()] = m.HealthCheck(ctx)
	}
	return out
}

// DestroyAll calls Destroy() on each module in reverse registration order,
// collecting errors but continuing. Idempotent: a second call finds an
// empty registry and does nothing.
func (r *Registry) DestroyAll() []error {
	r.mu.Lock()
	order := append([]string(nil), r.order...)
	r.order = nil
	modules := r.modules
	r.modules = make(map[string]Module)
	r.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		m, ok := modules[order[i]]
		if !ok {
			continue
		}
		if err := m.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy module %s: %w", m.Name(), err))
		}
	}
	return errs
}
