// Package session builds the immutable per-request UserSession value.
// Construction is pure: no storage, no network I/O. A session is owned by
// the request frame that created it and must not be retained across
// requests.
package session

import (
	"strings"

	"github.com/google/uuid"
)

// SubjectTokenClaim is the well-known key under which the raw bearer token
// is retained in Claims, so downstream token-exchange can use it without
// re-threading it through every call signature.
const SubjectTokenClaim = "__subject_token"

// UserSession is the authenticated caller's identity for one request. It
// is safe to pass into delegation modules, but must never be stored past
// the request that produced it.
type UserSession struct {
	SessionID      string
	UserID         string
	Username       string
	LegacyUsername string
	Role           string
	CustomRoles    map[string]struct{}
	Scopes         map[string]struct{}
	Claims         map[string]any
}

// Params collects the fields New needs; it mirrors the output of the
// JWT validator's claim mapping plus the role mapper's decision.
type Params struct {
	UserID         string
	Username       string
	LegacyUsername string
	Role           string
	CustomRoles    []string
	RawScopes      any // space-separated string, or a string array
	Claims         map[string]any
	SubjectToken   string
}

// New constructs a fresh UserSession with a new ephemeral SessionID. A
// string scope claim is split on ASCII whitespace; an array claim is used
// as-is.
func New(p Params) *UserSession {
	claims := make(map[string]any, len(p.Claims)+1)
	for k, v := range p.Claims {
		claims[k] = v
	}
	claims[SubjectTokenClaim] = p.SubjectToken

	return &UserSession{
		SessionID:      uuid.NewString(),
		UserID:         p.UserID,
		Username:       p.Username,
		LegacyUsername: p.LegacyUsername,
		Role:           p.Role,
		CustomRoles:    toSet(p.CustomRoles),
		Scopes:         toSet(parseScopes(p.RawScopes)),
		Claims:         claims,
	}
}

// SubjectToken returns the raw bearer token this session was built from, so
// TokenExchangeService and EncryptedTokenCache can bind the AAD to it.
func (s *UserSession) SubjectToken() string {
	tok, _ := s.Claims[SubjectTokenClaim].(string)
	return tok
}

// HasScope reports whether scope is present in the session's scope set.
func (s *UserSession) HasScope(scope string) bool {
	_, ok := s.Scopes[scope]
	return ok
}

// HasCustomRole reports whether raw is present in the session's raw-roles set.
func (s *UserSession) HasCustomRole(raw string) bool {
	_, ok := s.CustomRoles[raw]
	return ok
}

func parseScopes(raw any) []string {
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
