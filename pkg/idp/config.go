// Package idp holds the configuration record types for trusted identity
// providers: the per-IdP Config, RoleMapping, ClaimMappings, and the
// per-module TokenExchangeConfig, together with their init-time
// validation. All records are immutable once the trust list is built.
package idp

import (
	"fmt"
	"time"

	"github.com/oboauth/delegation-engine/pkg/validate"
)

// RequestorJWTName is the reserved logical name for the IdP context the
// transport uses to authenticate incoming requests. At least one Config
// must carry this name.
const RequestorJWTName = "requestor-jwt"

// ClaimMappings maps framework fields to dotted JWT claim paths, e.g.
// "realm_access.roles" for Roles.
type ClaimMappings struct {
	UserID         string
	Username       string
	LegacyUsername string
	Roles          string
	Scopes         string
}

// RoleMapping is the per-IdP mapping from a framework role to the set of
// raw role strings that map into it.
type RoleMapping struct {
	// Mapping is framework role -> raw role strings. Iteration order
	// matters for "first match wins" priority, so callers that need a
	// deterministic priority order should also set Priority.
	Mapping map[string][]string
	// Priority declares framework role evaluation order. Roles not listed
	// here are evaluated after those that are, in map iteration order
	// (non-deterministic); operators should always set this explicitly.
	Priority            []string
	DefaultRole         string
	RejectUnmappedRoles bool
}

// TokenExchangeConfig is the per-module RFC 8693 exchange configuration.
// There is deliberately no global exchange block: every delegation module
// that needs a downstream credential carries its own.
type TokenExchangeConfig struct {
	IdPName       string
	TokenEndpoint string
	ClientID      string
	ClientSecret  string
	Audience      string
	Scope         string
	CacheTTL      time.Duration
}

// Config is a single trusted IdP configuration. Multiple Configs may share
// a Name; they are disambiguated by (Issuer, Audience), and the triple
// (Name, Issuer, Audience) must be unique across the trust list.
type Config struct {
	Name     string
	Issuer   string
	Audience string
	JWKSURI  string

	// Algorithms is the subset of {RS256, ES256} this IdP is trusted to
	// sign with.
	Algorithms []string

	ClaimMappings ClaimMappings
	RoleMapping   RoleMapping

	ClockTolerance time.Duration
	MaxTokenAge    time.Duration
	RequireNbf     bool

	TokenExchange *TokenExchangeConfig

	// Introspection configures the RFC 7662 fallback path used when a
	// presented token does not parse as a JWT. Optional; nil means opaque
	// tokens are rejected outright for this IdP.
	Introspection *IntrospectionConfig
}

// IntrospectionConfig is the per-IdP RFC 7662 introspection endpoint used
// as a fallback when a presented token isn't a JWT.
type IntrospectionConfig struct {
	Endpoint     string
	ClientID     string
	ClientSecret string
}

// ConfigurationError tags fatal, init-time IdP configuration defects: a
// malformed Config, a duplicate (name, issuer, audience) triple, a missing
// requestor-jwt IdP, or a secret descriptor still present when the
// configuration document is converted. The process must not begin serving
// after one.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// Validate checks a single Config's shape: non-empty identifiers, an
// HTTPS issuer/JWKS URI, and a supported algorithm allowlist.
func (c *Config) Validate() error {
	if err := validate.Identifier(c.Name); err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("idp name: %v", err)}
	}
	if err := validate.URLHTTPS(c.Issuer); err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("idp %s issuer: %v", c.Name, err)}
	}
	if err := validate.URLHTTPS(c.JWKSURI); err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("idp %s jwksUri: %v", c.Name, err)}
	}
	if c.Audience == "" {
		return &ConfigurationError{Reason: fmt.Sprintf("idp %s: audience must not be empty", c.Name)}
	}
	if len(c.Algorithms) == 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("idp %s: at least one signing algorithm required", c.Name)}
	}
	for _, alg := range c.Algorithms {
		if err := validate.Algorithm(alg); err != nil {
			return &ConfigurationError{Reason: fmt.Sprintf("idp %s: %v: %s", c.Name, err, alg)}
		}
	}
	return nil
}

// TrustList is the ordered set of trusted IdP Configs, with the
// lookup-by-(name,issuer,audience) disambiguation the JWT validator needs.
type TrustList struct {
	configs []*Config
}

// NewTrustList validates and builds a TrustList. At least one config must
// be named "requestor-jwt", and (name, issuer, audience) must be unique.
func NewTrustList(configs []*Config) (*TrustList, error) {
	seen := make(map[[3]string]bool, len(configs))
	hasRequestorJWT := false

	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		key := [3]string{c.Name, c.Issuer, c.Audience}
		if seen[key] {
			return nil, &ConfigurationError{
				Reason: fmt.Sprintf("duplicate idp config for (name=%s, issuer=%s, audience=%s)", c.Name, c.Issuer, c.Audience),
			}
		}
		seen[key] = true
		if c.Name == RequestorJWTName {
			hasRequestorJWT = true
		}
	}

	if !hasRequestorJWT {
		return nil, &ConfigurationError{Reason: "no trusted IdP config named \"requestor-jwt\""}
	}

	return &TrustList{configs: configs}, nil
}

// Select returns the unique Config matching (name, issuer, and an audience
// contained in auds), or an error: ErrUnknownIdP for zero matches,
// ErrAmbiguousIdP for more than one.
func (t *TrustList) Select(name, issuer string, auds []string) (*Config, error) {
	audSet := make(map[string]bool, len(auds))
	for _, a := range auds {
		audSet[a] = true
	}

	var matches []*Config
	for _, c := range t.configs {
		if c.Name != name || c.Issuer != issuer {
			continue
		}
		if audSet[c.Audience] {
			matches = append(matches, c)
		}
	}

	switch len(matches) {
	case 0:
		return nil, ErrUnknownIdP
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguousIdP
	}
}

// All returns every configured trusted IdP, for JWKS preflight at startup.
func (t *TrustList) All() []*Config {
	return t.configs
}

// Named returns every Config sharing the given logical name, for the
// opaque-token introspection fallback, which has no issuer/audience to
// disambiguate by until after the token is introspected.
func (t *TrustList) Named(name string) []*Config {
	var out []*Config
	for _, c := range t.configs {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}
