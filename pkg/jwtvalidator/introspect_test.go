package jwtvalidator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oboauth/delegation-engine/pkg/idp"
)

func TestValidateOpaqueTokenIntrospectionFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "opaque-token-abc", r.FormValue("token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"active": true,
			"sub": "u-1",
			"iss": "https://idp.example",
			"exp": ` + formatUnix(time.Now().Add(time.Hour)) + `
		}`))
	}))
	defer srv.Close()

	cfg := &idp.Config{
		Name:     "requestor-jwt",
		Issuer:   "https://idp.example",
		Audience: "mcp",
		Introspection: &idp.IntrospectionConfig{
			Endpoint: srv.URL,
		},
		ClaimMappings: idp.ClaimMappings{UserID: "sub"},
	}
	trust, err := idp.NewTrustList([]*idp.Config{withValidIssuerAndJWKS(cfg, srv.URL)})
	require.NoError(t, err)

	v, err := New(context.Background(), trust, Options{})
	require.NoError(t, err)
	result, err := v.Validate(t.Context(), "opaque-token-abc", "requestor-jwt")
	require.NoError(t, err)
	assert.Equal(t, "u-1", result.UserID)
}

func TestValidateOpaqueTokenNoIntrospectorConfigured(t *testing.T) {
	cfg := &idp.Config{
		Name:       "requestor-jwt",
		Issuer:     "https://idp.example",
		Audience:   "mcp",
		JWKSURI:    "https://idp.example/jwks",
		Algorithms: []string{"RS256"},
	}
	trust, err := idp.NewTrustList([]*idp.Config{cfg})
	require.NoError(t, err)

	v, err := New(context.Background(), trust, Options{})
	require.NoError(t, err)
	_, err = v.Validate(t.Context(), "not-a-jwt-at-all", "requestor-jwt")
	require.Error(t, err)
}

// withValidIssuerAndJWKS fills in the JWKS URI and the allowlisted
// algorithm that idp.Config.Validate requires (the caller supplies the
// https issuer) without touching the introspection-relevant fields under
// test.
func withValidIssuerAndJWKS(cfg *idp.Config, jwksURI string) *idp.Config {
	cfg.JWKSURI = jwksURI
	cfg.Algorithms = []string{"RS256"}
	return cfg
}

func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
