// Package restmodule is a delegation module that forwards an action as an
// HTTP request to a configured REST backend, exchanging the caller's
// subject token for a downstream-audience credential first when a
// tokenExchange block is configured.
package restmodule

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oboauth/delegation-engine/pkg/audit"
	"github.com/oboauth/delegation-engine/pkg/delegation"
	"github.com/oboauth/delegation-engine/pkg/idp"
	"github.com/oboauth/delegation-engine/pkg/session"
	"github.com/oboauth/delegation-engine/pkg/tokenexchange"
)

// Config is the configuration this module's Initialize accepts.
type Config struct {
	Name          string
	BaseURL       string
	Audience      string
	Scope         string
	TokenExchange *idp.TokenExchangeConfig
	AllowedRoles  []string
	HTTPClient    *http.Client
}

// Module implements delegation.Module against a REST backend.
type Module struct {
	name       string
	cfg        Config
	httpClient *http.Client
}

// New constructs a Module named name. Downstream credentials are obtained
// through the tokenexchange.Service carried on each delegation.Context.
func New(name string) *Module {
	return &Module{name: name}
}

// Name returns the module's registry key.
func (m *Module) Name() string { return m.name }

// Type is the informational module-kind tag.
func (m *Module) Type() string { return "rest" }

// Initialize parses config into Config. Idempotent: re-initializing with
// the same shape just replaces the stored config.
func (m *Module) Initialize(config map[string]any) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("restmodule %s: marshal config: %w", m.name, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("restmodule %s: unmarshal config: %w", m.name, err)
	}
	if cfg.BaseURL == "" {
		return fmt.Errorf("restmodule %s: baseUrl is required", m.name)
	}
	m.cfg = cfg
	if m.httpClient = cfg.HTTPClient; m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

// ValidateAccess is the fast precheck the registry uses to short-circuit
// before invoking Delegate.
func (m *Module) ValidateAccess(sess *session.UserSession) bool {
	if len(m.cfg.AllowedRoles) == 0 {
		return true
	}
	for _, role := range m.cfg.AllowedRoles {
		if sess.Role == role {
			return true
		}
	}
	return false
}

// Delegate forwards action/params as a JSON POST to m.cfg.BaseURL/action.
// When a tokenExchange block is configured and ctx carries an exchange
// service, the bearer credential is the session's subject token exchanged
// for m.cfg.Audience; otherwise the subject token itself is sent.
func (m *Module) Delegate(ctx *delegation.Context, sess *session.UserSession, action string, params map[string]any) delegation.Result {
	source := "delegation:" + m.name

	var bearer string
	if m.cfg.TokenExchange != nil && ctx.Exchange != nil {
		token, err := ctx.Exchange.Exchange(ctx.Context, tokenexchange.Request{
			SessionID:    sess.SessionID,
			SubjectToken: sess.SubjectToken(),
			Audience:     m.cfg.Audience,
			Scope:        m.cfg.Scope,
			Config:       m.cfg.TokenExchange,
		})
		if err != nil {
			return m.failure(source, action, sess, fmt.Sprintf("token exchange: %v", err))
		}
		bearer = token
	} else {
		bearer = sess.SubjectToken()
	}

	body, err := json.Marshal(params)
	if err != nil {
		return m.failure(source, action, sess, "encode request")
	}

	req, err := http.NewRequestWithContext(ctx.Context, http.MethodPost, m.cfg.BaseURL+"/"+action, bytes.NewReader(body))
	if err != nil {
		return m.failure(source, action, sess, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return m.failure(source, action, sess, "backend unreachable")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return m.failure(source, action, sess, fmt.Sprintf("backend returned status %d", resp.StatusCode))
	}

	var data any
	if len(respBody) > 0 {
		_ = json.Unmarshal(respBody, &data)
	}

	return delegation.Result{
		Success:    true,
		Data:       data,
		AuditTrail: auditEntry(source, action, sess, true, ""),
	}
}

func (m *Module) failure(source, action string, sess *session.UserSession, msg string) delegation.Result {
	return delegation.Result{
		Success:    false,
		Error:      msg,
		AuditTrail: auditEntry(source, action, sess, false, msg),
	}
}

func auditEntry(source, action string, sess *session.UserSession, success bool, errMsg string) audit.Entry {
	return audit.Entry{
		Source: source, Action: action, SessionID: sess.SessionID, UserID: sess.UserID,
		Success: success, Error: errMsg,
	}
}

// HealthCheck pings the backend's root path.
func (m *Module) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// Destroy releases the module's HTTP client (idle connections).
func (m *Module) Destroy() error {
	if m.httpClient != nil {
		m.httpClient.CloseIdleConnections()
	}
	return nil
}
