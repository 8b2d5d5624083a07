// Package authn is the single entry point the transport layer calls to
// authenticate a request. It composes the JWT validator, the role mapper,
// and session construction, and emits exactly one terminal audit entry
// per call.
package authn

import (
	"context"
	"errors"

	"github.com/oboauth/delegation-engine/pkg/audit"
	"github.com/oboauth/delegation-engine/pkg/idp"
	"github.com/oboauth/delegation-engine/pkg/jwtvalidator"
	"github.com/oboauth/delegation-engine/pkg/logger"
	"github.com/oboauth/delegation-engine/pkg/rolemapper"
	"github.com/oboauth/delegation-engine/pkg/session"
)

// Tag is the outcome discriminant for a Result. A rejection and an error
// are distinct outcomes, not flavors of failure: Rejected means the token
// verified but policy forbids use, and the transport must not treat it as
// either success or a malformed token.
type Tag int

const (
	// TagAuthenticated means use Session.
	TagAuthenticated Tag = iota
	// TagRejected means the JWT was valid but policy forbids use; Session
	// carries the Unassigned role and empty scopes.
	TagRejected
	// TagError means validation failed outright.
	TagError
)

// Result is the authentication outcome, discriminated by Tag. Session is
// set for TagAuthenticated and TagRejected, Reason only for TagRejected,
// and Err only for TagError.
type Result struct {
	Tag     Tag
	Session *session.UserSession
	Reason  string // set when Tag == TagRejected
	Err     error  // set when Tag == TagError
}

// Authenticated reports whether the result grants a usable session. True
// implies Session.Role != Unassigned.
func (r Result) Authenticated() bool { return r.Tag == TagAuthenticated }

// Service is the composed authentication pipeline.
type Service struct {
	validator *jwtvalidator.Validator
	audit     audit.Service
}

// New constructs a Service over validator, logging to sink.
func New(validator *jwtvalidator.Validator, sink audit.Service) *Service {
	if sink == nil {
		sink = audit.NullService{}
	}
	return &Service{validator: validator, audit: sink}
}

// Initialize preflight-fetches JWKS for every configured IdP. An
// unreachable IdP at startup is a warning, not fatal: its first live
// validation retries the fetch.
func (s *Service) Initialize(ctx context.Context) {
	for uri, err := range s.validator.Preflight(ctx) {
		logger.Warnf("authn: jwks preflight failed for %s: %v", uri, err)
	}
}

// Authenticate validates token against idpName's trusted IdP configs,
// maps roles, and builds the session. idpName defaults to
// idp.RequestorJWTName, the reserved inbound-authentication context.
func (s *Service) Authenticate(ctx context.Context, token, idpName string) Result {
	if idpName == "" {
		idpName = idp.RequestorJWTName
	}

	validated, err := s.validator.Validate(ctx, token, idpName)
	if err != nil {
		logger.Debugf("authn: token %s failed validation: %v", logger.TruncateToken(token), err)
		s.audit.Log(audit.Entry{Source: audit.SourceAuthJWT, Action: "authenticate", Success: false, Error: err.Error()})
		return Result{Tag: TagError, Err: err}
	}

	mapped := rolemapper.Map(validated.Roles, validated.IdP.RoleMapping)

	sess := session.New(session.Params{
		UserID:         validated.UserID,
		Username:       validated.Username,
		LegacyUsername: validated.LegacyUsername,
		Role:           mapped.Role,
		CustomRoles:    mapped.CustomRoles,
		RawScopes:      validated.RawScopes,
		Claims:         validated.Claims,
		SubjectToken:   validated.SubjectToken,
	})

	if mapped.Rejected || mapped.Role == rolemapper.Unassigned {
		reason := mapped.Reason
		if reason == "" {
			reason = "role mapping produced Unassigned"
		}
		sess.Role = rolemapper.Unassigned
		sess.Scopes = map[string]struct{}{}
		s.audit.Log(audit.Entry{
			Source: audit.SourceAuthService, Action: "authenticate",
			UserID: sess.UserID, SessionID: sess.SessionID,
			Success: false, Reason: reason,
		})
		return Result{Tag: TagRejected, Session: sess, Reason: reason}
	}

	s.audit.Log(audit.Entry{
		Source: audit.SourceAuthService, Action: "authenticate",
		UserID: sess.UserID, SessionID: sess.SessionID, Success: true,
	})
	return Result{Tag: TagAuthenticated, Session: sess}
}

// ErrNotAuthenticated is a convenience sentinel transports can compare
// against when treating non-Authenticated results uniformly as a 401.
var ErrNotAuthenticated = errors.New("authn: request is not authenticated")
