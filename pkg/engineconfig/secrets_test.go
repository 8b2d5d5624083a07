package engineconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSecretsFromFileStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CLIENT_SECRET"), []byte("s3cr3t\n"), 0o600))

	chain := DefaultChain(dir)
	doc := map[string]any{
		"clientSecret": map[string]any{"$secret": "CLIENT_SECRET"},
		"clientId":     "plain-value",
	}

	resolved, err := ResolveSecrets(doc, chain)
	require.NoError(t, err)
	m := resolved.(map[string]any)
	assert.Equal(t, "s3cr3t", m["clientSecret"])
	assert.Equal(t, "plain-value", m["clientId"])
}

func TestResolveSecretsFallsBackToEnv(t *testing.T) {
	t.Setenv("MY_SECRET", "from-env")
	chain := DefaultChain(t.TempDir())

	resolved, err := ResolveSecrets(map[string]any{"$secret": "MY_SECRET"}, chain)
	require.NoError(t, err)
	assert.Equal(t, "from-env", resolved)
}

func TestResolveSecretsUnresolvedIsFatal(t *testing.T) {
	chain := DefaultChain(t.TempDir())
	_, err := ResolveSecrets(map[string]any{"$secret": "NOPE"}, chain)
	require.Error(t, err)
	var unresolved *ErrSecretUnresolved
	assert.ErrorAs(t, err, &unresolved)
}

func TestResolveSecretsWalksNestedStructures(t *testing.T) {
	t.Setenv("NESTED", "value")
	chain := DefaultChain(t.TempDir())

	doc := map[string]any{
		"modules": []any{
			map[string]any{"clientSecret": map[string]any{"$secret": "NESTED"}},
		},
	}
	resolved, err := ResolveSecrets(doc, chain)
	require.NoError(t, err)

	modules := resolved.(map[string]any)["modules"].([]any)
	assert.Equal(t, "value", modules[0].(map[string]any)["clientSecret"])
}
