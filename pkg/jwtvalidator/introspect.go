package jwtvalidator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oboauth/delegation-engine/pkg/idp"
)

// ErrOpaqueTokenInactive is returned when an introspection endpoint reports
// active:false for a presented opaque token.
var ErrOpaqueTokenInactive = errors.New("jwt: opaque token is not active")

// Introspector resolves an opaque (non-JWT) token to a claims map via an
// out-of-band call to an IdP-hosted endpoint.
type Introspector interface {
	Introspect(ctx context.Context, token string) (map[string]any, error)
}

// rfc7662Introspector implements standard OAuth 2.0 Token Introspection
// (RFC 7662) against a single configured endpoint.
type rfc7662Introspector struct {
	client       *http.Client
	endpoint     string
	clientID     string
	clientSecret string
}

func newRFC7662Introspector(cfg *idp.IntrospectionConfig, httpClient *http.Client) *rfc7662Introspector {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &rfc7662Introspector{
		client:       httpClient,
		endpoint:     cfg.Endpoint,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
	}
}

func (r *rfc7662Introspector) Introspect(ctx context.Context, token string) (map[string]any, error) {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("introspect: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if r.clientID != "" {
		req.SetBasicAuth(r.clientID, r.clientSecret)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspect: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("introspect: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspect: endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Active bool           `json:"active"`
		Exp    *float64       `json:"exp,omitempty"`
		Nbf    *float64       `json:"nbf,omitempty"`
		Iat    *float64       `json:"iat,omitempty"`
		Sub    string         `json:"sub,omitempty"`
		Aud    any            `json:"aud,omitempty"`
		Iss    string         `json:"iss,omitempty"`
		Scope  string         `json:"scope,omitempty"`
		Extra  map[string]any `json:"-"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("introspect: decode response: %w", err)
	}
	if !doc.Active {
		return nil, ErrOpaqueTokenInactive
	}

	claims := map[string]any{}
	if doc.Exp != nil {
		claims["exp"] = *doc.Exp
	}
	if doc.Nbf != nil {
		claims["nbf"] = *doc.Nbf
	}
	if doc.Iat != nil {
		claims["iat"] = *doc.Iat
	}
	if doc.Sub != "" {
		claims["sub"] = doc.Sub
	}
	if doc.Aud != nil {
		claims["aud"] = doc.Aud
	}
	if doc.Iss != "" {
		claims["iss"] = doc.Iss
	}
	if doc.Scope != "" {
		claims["scope"] = doc.Scope
	}
	return claims, nil
}

// introspectorRegistry lazily builds and caches one Introspector per
// IdPConfig that carries an IntrospectionConfig.
type introspectorRegistry struct {
	httpClient *http.Client

	mu   sync.Mutex
	byID map[*idp.Config]Introspector
}

func newIntrospectorRegistry(httpClient *http.Client) *introspectorRegistry {
	return &introspectorRegistry{httpClient: httpClient, byID: make(map[*idp.Config]Introspector)}
}

func (r *introspectorRegistry) forConfig(cfg *idp.Config) Introspector {
	if cfg.Introspection == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ins, ok := r.byID[cfg]; ok {
		return ins
	}
	ins := newRFC7662Introspector(cfg.Introspection, r.httpClient)
	r.byID[cfg] = ins
	return ins
}

// validateOpaque is the fallback path invoked from Validate when token
// does not parse as a JWT. Because an opaque token carries no inspectable
// iss/aud, disambiguation by (issuer, audience) is unavailable; this path
// only supports the common single-tenant case where exactly one IdPConfig
// is registered under idpName. An ambiguous match is a hard configuration
// error rather than a guess.
func (v *Validator) validateOpaque(ctx context.Context, token, idpName string) (*Result, error) {
	candidates := v.trust.Named(idpName)
	if len(candidates) == 0 {
		return nil, ErrUnknownIdp
	}
	if len(candidates) > 1 {
		return nil, ErrAmbiguousIdp
	}
	cfg := candidates[0]

	introspector := v.introspectors.forConfig(cfg)
	if introspector == nil {
		return nil, fmt.Errorf("%w: token is opaque and idp %s has no introspection endpoint configured", ErrInvalidSignature, idpName)
	}

	claims, err := introspector.Introspect(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if err := checkTemporalClaims(claims, cfg); err != nil {
		return nil, err
	}
	if iss, _ := claims["iss"].(string); iss != "" && iss != cfg.Issuer {
		return nil, ErrIssuerMismatch
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
