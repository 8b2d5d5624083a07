package idp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(name, audience string) *Config {
	return &Config{
		Name:       name,
		Issuer:     "https://idp.example",
		Audience:   audience,
		JWKSURI:    "https://idp.example/jwks",
		Algorithms: []string{"RS256"},
	}
}

func TestNewTrustListRequiresRequestorJWT(t *testing.T) {
	_, err := NewTrustList([]*Config{validConfig("backend-idp", "db")})
	require.Error(t, err)
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNewTrustListRejectsDuplicateTriple(t *testing.T) {
	_, err := NewTrustList([]*Config{
		validConfig(RequestorJWTName, "mcp"),
		validConfig(RequestorJWTName, "mcp"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestNewTrustListAllowsSharedNameDistinctAudience(t *testing.T) {
	trust, err := NewTrustList([]*Config{
		validConfig(RequestorJWTName, "mcp-internal"),
		validConfig(RequestorJWTName, "mcp-public"),
	})
	require.NoError(t, err)
	assert.Len(t, trust.All(), 2)
}

func TestSelectDisambiguatesByAudience(t *testing.T) {
	internal := validConfig(RequestorJWTName, "mcp-internal")
	public := validConfig(RequestorJWTName, "mcp-public")
	trust, err := NewTrustList([]*Config{internal, public})
	require.NoError(t, err)

	got, err := trust.Select(RequestorJWTName, "https://idp.example", []string{"mcp-public"})
	require.NoError(t, err)
	assert.Same(t, public, got)
}

func TestSelectZeroMatchesIsUnknown(t *testing.T) {
	trust, err := NewTrustList([]*Config{validConfig(RequestorJWTName, "mcp")})
	require.NoError(t, err)

	_, err = trust.Select(RequestorJWTName, "https://other.example", []string{"mcp"})
	assert.ErrorIs(t, err, ErrUnknownIdP)

	_, err = trust.Select("other-name", "https://idp.example", []string{"mcp"})
	assert.ErrorIs(t, err, ErrUnknownIdP)
}

func TestSelectMultipleMatchesIsAmbiguous(t *testing.T) {
	a := validConfig(RequestorJWTName, "mcp-a")
	b := validConfig(RequestorJWTName, "mcp-b")
	trust, err := NewTrustList([]*Config{a, b})
	require.NoError(t, err)

	// A token carrying both audiences matches both configs.
	_, err = trust.Select(RequestorJWTName, "https://idp.example", []string{"mcp-a", "mcp-b"})
	assert.ErrorIs(t, err, ErrAmbiguousIdP)
}

func TestValidateRejectsBadShapes(t *testing.T) {
	bad := validConfig(RequestorJWTName, "mcp")
	bad.Issuer = "http://not-local.example"
	assert.Error(t, bad.Validate())

	bad = validConfig(RequestorJWTName, "mcp")
	bad.Algorithms = []string{"HS256"}
	assert.Error(t, bad.Validate())

	bad = validConfig(RequestorJWTName, "mcp")
	bad.Audience = ""
	assert.Error(t, bad.Validate())
}

func TestNamedReturnsAllConfigsForLogicalName(t *testing.T) {
	trust, err := NewTrustList([]*Config{
		validConfig(RequestorJWTName, "mcp"),
		validConfig("backend-idp", "db"),
	})
	require.NoError(t, err)

	assert.Len(t, trust.Named(RequestorJWTName), 1)
	assert.Len(t, trust.Named("backend-idp"), 1)
	assert.Empty(t, trust.Named("missing"))
}
