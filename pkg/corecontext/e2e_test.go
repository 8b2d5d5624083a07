package corecontext

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oboauth/delegation-engine/pkg/audit"
	"github.com/oboauth/delegation-engine/pkg/delegation"
	"github.com/oboauth/delegation-engine/pkg/delegation/restmodule"
	"github.com/oboauth/delegation-engine/pkg/idp"
	"github.com/oboauth/delegation-engine/pkg/session"
	"github.com/oboauth/delegation-engine/pkg/tokencache"
	"github.com/oboauth/delegation-engine/pkg/tooldispatch"
)

// TestFullRequestFlow drives the whole engine the way a transport would:
// authenticate a bearer token, list tools for the session, invoke one,
// and observe the downstream exchange being served from cache on the
// second invocation.
func TestFullRequestFlow(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubKey, err := jwk.Import(priv.Public())
	require.NoError(t, err)
	require.NoError(t, pubKey.Set(jwk.KeyIDKey, "e2e-key"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pubKey))
	jwksBody, err := json.Marshal(set)
	require.NoError(t, err)

	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(jwksBody)
	}))
	defer jwksSrv.Close()

	var exchangeCalls int32
	exchangeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&exchangeCalls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:token-exchange", r.FormValue("grant_type"))
		assert.Equal(t, "widgets", r.FormValue("audience"))
		assert.NotEmpty(t, r.FormValue("subject_token"))
		assert.Equal(t, "engine-client", r.FormValue("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"delegated-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer exchangeSrv.Close()

	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer delegated-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"widgets":["a","b"]}`))
	}))
	defer backendSrv.Close()

	mod := restmodule.New("widgets")
	require.NoError(t, mod.Initialize(map[string]any{
		"baseUrl":      backendSrv.URL,
		"audience":     "widgets",
		"allowedRoles": []any{"user", "admin"},
		"tokenExchange": map[string]any{
			"tokenEndpoint": exchangeSrv.URL,
			"clientId":      "engine-client",
			"clientSecret":  "engine-secret",
		},
	}))

	cc, err := New(context.Background(), Config{
		TrustedIDPs: []*idp.Config{{
			Name:       idp.RequestorJWTName,
			Issuer:     "https://idp.example",
			Audience:   "mcp",
			JWKSURI:    jwksSrv.URL,
			Algorithms: []string{"RS256"},
			ClaimMappings: idp.ClaimMappings{
				UserID:   "sub",
				Username: "preferred_username",
				Roles:    "realm_access.roles",
			},
			RoleMapping: idp.RoleMapping{
				Mapping:     map[string][]string{"admin": {"admin"}, "user": {"user"}},
				Priority:    []string{"admin", "user"},
				DefaultRole: "guest",
			},
		}},
		Audit:       audit.DefaultConfig(),
		CacheConfig: tokencache.DefaultConfig(),
		Modules:     []delegation.Module{mod},
	})
	require.NoError(t, err)
	defer cc.Destroy()
	cc.Initialize(context.Background())

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":                "https://idp.example",
		"aud":                []string{"mcp"},
		"sub":                "u-1",
		"preferred_username": "alice",
		"realm_access":       map[string]any{"roles": []string{"user"}},
		"iat":                now.Unix(),
		"exp":                now.Add(10 * time.Minute).Unix(),
	})
	tok.Header["kid"] = "e2e-key"
	bearer, err := tok.SignedString(priv)
	require.NoError(t, err)

	result := cc.Authn.Authenticate(context.Background(), bearer, "")
	require.True(t, result.Authenticated())
	sess := result.Session
	assert.Equal(t, "user", sess.Role)

	tool := tooldispatch.New("list-widgets", nil, cc.Registry, "widgets", "list",
		func(s *session.UserSession) bool { return s.Role == "user" || s.Role == "admin" },
		cc.Audit,
	).WithContextFactory(cc.NewDelegationContext)
	tools := tooldispatch.NewRegistry(tool)

	listed := tools.ListTools(sess)
	require.Len(t, listed, 1)

	env := tools.InvokeTool(context.Background(), sess, "list-widgets", map[string]any{"limit": 10})
	require.Equal(t, "success", env.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&exchangeCalls))

	env = tools.InvokeTool(context.Background(), sess, "list-widgets", map[string]any{"limit": 10})
	require.Equal(t, "success", env.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&exchangeCalls), "second invocation must be served from the token cache")

	delegationEntries := cc.Audit.Entries(audit.Filter{Source: "delegation:widgets"})
	assert.Len(t, delegationEntries, 2)
}
