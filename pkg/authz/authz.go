// Package authz provides an optional Cedar-policy-backed implementation
// of the access predicates used by pkg/tooldispatch and pkg/delegation.
// Policies are evaluated purely from the session's role, customRoles, and
// scopes; there is no static server-side permissions table and no second
// source of identity truth.
package authz

import (
	"fmt"

	"github.com/cedar-policy/cedar-go"
	"github.com/cedar-policy/cedar-go/types"

	"github.com/oboauth/delegation-engine/pkg/session"
)

// Request is one access-check evaluated against a loaded PolicySet:
// "can this session's principal take action on resource".
type Request struct {
	Action   string
	Resource string
}

// Engine evaluates Requests against a compiled Cedar policy set, from
// session attributes only.
type Engine struct {
	policies *cedar.PolicySet
}

// NewEngine compiles policyText (Cedar policy-set syntax) into an Engine.
func NewEngine(policyText string) (*Engine, error) {
	ps, err := cedar.NewPolicySetFromBytes("policy.cedar", []byte(policyText))
	if err != nil {
		return nil, fmt.Errorf("authz: parse policy set: %w", err)
	}
	return &Engine{policies: ps}, nil
}

// IsAuthorized evaluates req for sess. The principal entity carries the
// session's role, customRoles, and scopes as attributes so policies can
// reference them without the engine exposing a second permissions model.
func (e *Engine) IsAuthorized(sess *session.UserSession, req Request) bool {
	principal := types.NewEntityUID("User", types.String(sess.UserID))

	entities := types.EntityMap{
		principal: types.Entity{
			UID: principal,
			Attributes: types.NewRecord(types.RecordMap{
				"role":        types.String(sess.Role),
				"customRoles": stringSet(sess.CustomRoles),
				"scopes":      stringSet(sess.Scopes),
			}),
		},
	}

	cedarReq := cedar.Request{
		Principal: principal,
		Action:    types.NewEntityUID("Action", types.String(req.Action)),
		Resource:  types.NewEntityUID("Resource", types.String(req.Resource)),
		Context:   types.Record{},
	}

	decision, _ := e.policies.IsAuthorized(entities, cedarReq)
	return decision == cedar.Allow
}

func stringSet(m map[string]struct{}) types.Set {
	items := make([]types.Value, 0, len(m))
	for k := range m {
		items = append(items, types.String(k))
	}
	return types.NewSet(items...)
}
