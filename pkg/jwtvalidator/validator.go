// Package jwtvalidator validates bearer tokens against a trust list of
// configured identity providers: it selects the matching IdP config by
// issuer and audience, verifies the token's signature against that IdP's
// JWKS, enforces the standard temporal claims, and extracts the framework
// claim mapping.
package jwtvalidator

import (
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/errgroup"

	"github.com/oboauth/delegation-engine/pkg/idp"
	"github.com/oboauth/delegation-engine/pkg/validate"
)

// Result is the validator's success output: the extracted framework claims
// plus a reference to the IdPConfig selected, since the role mapper needs
// that config's RoleMapping.
type Result struct {
	IdP            *idp.Config
	UserID         string
	Username       string
	LegacyUsername string
	Roles          []string
	RawScopes      any
	Claims         map[string]any
	SubjectToken   string
}

// Validator validates bearer tokens against a TrustList of configured IdPs.
type Validator struct {
	trust         *idp.TrustList
	jwks          *jwksCache
	introspectors *introspectorRegistry
}

// Options configures the Validator's JWKS fetch behavior.
type Options struct {
	HTTPClient *http.Client
	JWKSTTL    time.Duration
}

// New constructs a Validator over trust. ctx bounds the lifetime of the
// JWKS cache's background refresh machinery; cancel it at teardown.
func New(ctx context.Context, trust *idp.TrustList, opts Options) (*Validator, error) {
	jwks, err := newJWKSCache(ctx, opts.HTTPClient, opts.JWKSTTL)
	if err != nil {
		return nil, fmt.Errorf("jwtvalidator: %w", err)
	}
	return &Validator{
		trust:         trust,
		jwks:          jwks,
		introspectors: newIntrospectorRegistry(opts.HTTPClient),
	}, nil
}

// Preflight fetches JWKS for every configured IdP concurrently and returns
// the failures keyed by jwksUri. An unreachable IdP at startup is a
// warning, not fatal: its first live validation retries the fetch.
func (v *Validator) Preflight(ctx context.Context) map[string]error {
	var mu sync.Mutex
	failures := make(map[string]error)

	var g errgroup.Group
	for _, cfg := range v.trust.All() {
		g.Go(func() error {
			if _, err := v.jwks.get(ctx, cfg.JWKSURI); err != nil {
				mu.Lock()
				failures[cfg.JWKSURI] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

// Validate checks token against the IdP configs registered under idpName:
// algorithm allowlist first, then IdP selection by issuer+audience,
// signature verification against the JWKS, temporal claims, and exact
// issuer/audience match, finishing with claim-mapping extraction.
func (v *Validator) Validate(ctx context.Context, token, idpName string) (*Result, error) {
	header, unverifiedClaims, err := parseUnverified(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			// Not a JWT at all: fall back to IdP-hosted introspection.
			return v.validateOpaque(ctx, token, idpName)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	alg, _ := header["alg"].(string)
	if alg == "" || alg == "none" {
		return nil, ErrInvalidAlgorithm
	}
	if err := validate.Algorithm(alg); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAlgorithm, alg)
	}

	iss, _ := unverifiedClaims["iss"].(string)
	auds := normalizeAudience(unverifiedClaims["aud"])

	cfg, err := v.trust.Select(idpName, iss, auds)
	if err != nil {
		switch err {
		case idp.ErrAmbiguousIdP:
			return nil, ErrAmbiguousIdp
		default:
			return nil, ErrUnknownIdp
		}
	}
	if !containsString(cfg.Algorithms, alg) {
		return nil, fmt.Errorf("%w: %s not allowed for idp %s", ErrInvalidAlgorithm, alg, cfg.Name)
	}

	key, err := v.lookupKey(ctx, cfg, header["kid"])
	if err != nil {
		return nil, err
	}

	claims, err := verifySignature(token, alg, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if err := checkTemporalClaims(claims, cfg); err != nil {
		return nil, err
	}
	if iss != cfg.Issuer {
		return nil, ErrIssuerMismatch
	}
	if !containsString(auds, cfg.Audience) {
		return nil, ErrAudienceMismatch
	}

	return &Result{
		IdP:            cfg,
		UserID:         stringClaim(claims, cfg.ClaimMappings.UserID),
		Username:       stringClaim(claims, cfg.ClaimMappings.Username),
		LegacyUsername: stringClaim(claims, cfg.ClaimMappings.LegacyUsername),
		Roles:          stringSliceClaim(claims, cfg.ClaimMappings.Roles),
		RawScopes:      pathValue(claims, cfg.ClaimMappings.Scopes),
		Claims:         claims,
		SubjectToken:   token,
	}, nil
}

// lookupKey resolves the signing key for kid, forcing one JWKS refresh if
// the cached set doesn't have it. A second miss after the refresh is a
// hard ErrUnknownKey.
func (v *Validator) lookupKey(ctx context.Context, cfg *idp.Config, kidRaw any) (jwk.Key, error) {
	kid, _ := kidRaw.(string)

	set, err := v.jwks.get(ctx, cfg.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownKey, err)
	}
	if key, ok := findKey(set, kid); ok {
		return key, nil
	}

	set, err = v.jwks.forceRefresh(ctx, cfg.JWKSURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownKey, err)
	}
	if key, ok := findKey(set, kid); ok {
		return key, nil
	}
	return nil, ErrUnknownKey
}

func findKey(set jwk.Set, kid string) (jwk.Key, bool) {
	if kid == "" {
		if set.Len() == 1 {
			key, ok := set.Key(0)
			return key, ok
		}
		return nil, false
	}
	return set.LookupKeyID(kid)
}

func parseUnverified(token string) (map[string]any, map[string]any, error) {
	parser := jwt.NewParser()
	var claims jwt.MapClaims
	tok, _, err := parser.ParseUnverified(token, &claims)
	if err != nil {
		return nil, nil, err
	}
	header := make(map[string]any, len(tok.Header))
	for k, val := range tok.Header {
		header[k] = val
	}
	return header, map[string]any(claims), nil
}

func verifySignature(token, alg string, key jwk.Key) (map[string]any, error) {
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("export key material: %w", err)
	}
	pub, ok := raw.(crypto.PublicKey)
	if !ok {
		pub = raw
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{alg}), jwt.WithoutClaimsValidation())
	var claims jwt.MapClaims
	_, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return pub, nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any(claims), nil
}

func checkTemporalClaims(claims map[string]any, cfg *idp.Config) error {
	now := time.Now()
	tolerance := cfg.ClockTolerance

	exp, ok := numericClaim(claims["exp"])
	if !ok {
		return ErrMissingRequiredClaim
	}
	if time.Unix(exp, 0).Before(now.Add(-tolerance)) {
		return ErrTokenExpired
	}

	if cfg.RequireNbf {
		nbf, ok := numericClaim(claims["nbf"])
		if !ok {
			return ErrMissingRequiredClaim
		}
		if time.Unix(nbf, 0).After(now.Add(tolerance)) {
			return ErrTokenNotYetValid
		}
	} else if nbf, ok := numericClaim(claims["nbf"]); ok {
		if time.Unix(nbf, 0).After(now.Add(tolerance)) {
			return ErrTokenNotYetValid
		}
	}

	if cfg.MaxTokenAge > 0 {
		iat, ok := numericClaim(claims["iat"])
		if !ok {
			return ErrMissingRequiredClaim
		}
		if now.Sub(time.Unix(iat, 0)) > cfg.MaxTokenAge {
			return ErrTokenTooOld
		}
	}

	return nil
}

func normalizeAudience(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
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

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func numericClaim(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// pathValue resolves a dotted claim path (e.g. "realm_access.roles") into
// nested claim objects. A missing path yields nil, not an error; callers
// decide whether the field was required.
func pathValue(claims map[string]any, path string) any {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	var cur any = map[string]any(claims)
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func stringClaim(claims map[string]any, path string) string {
	v, _ := pathValue(claims, path).(string)
	return v
}

func stringSliceClaim(claims map[string]any, path string) []string {
	switch v := pathValue(claims, path).(type) {
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
