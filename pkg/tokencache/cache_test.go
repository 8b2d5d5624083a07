package tokencache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	key := Key{SessionID: "s1", Audience: "db", Scope: "r w"}
	require.NoError(t, c.Put(key, "subject-token", "plaintext-value", time.Now().Add(time.Hour)))

	got, err := c.Get(key, "subject-token")
	require.NoError(t, err)
	assert.Equal(t, "plaintext-value", got)
}

func TestGetMissOnAADMismatch(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	key := Key{SessionID: "s1", Audience: "db", Scope: "r"}
	require.NoError(t, c.Put(key, "subject-A", "secret", time.Now().Add(time.Hour)))

	_, err = c.Get(key, "subject-B")
	assert.ErrorIs(t, err, ErrMiss)

	// original subject still works; the mismatched read didn't corrupt it.
	got, err := c.Get(key, "subject-A")
	require.NoError(t, err)
	assert.Equal(t, "secret", got)
}

func TestCanonicalScopeCollapsesOrderAndCase(t *testing.T) {
	a := Key{SessionID: "s", Audience: "x", Scope: "b A"}.Canonical()
	b := Key{SessionID: "s", Audience: "x", Scope: "a b"}.Canonical()
	assert.Equal(t, a.Scope, b.Scope)
}

func TestGetExpiredEntryIsMiss(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	key := Key{SessionID: "s1", Audience: "db", Scope: "r"}
	require.NoError(t, c.Put(key, "tok", "v", time.Now().Add(-time.Second)))

	_, err = c.Get(key, "tok")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestDifferentSessionMisses(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	key := Key{SessionID: "s1", Audience: "db", Scope: "r"}
	require.NoError(t, c.Put(key, "tok", "v", time.Now().Add(time.Hour)))

	other := key
	other.SessionID = "s2"
	_, err = c.Get(other, "tok")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestEndSessionWipesEntries(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	key := Key{SessionID: "s1", Audience: "db", Scope: "r"}
	require.NoError(t, c.Put(key, "tok", "v", time.Now().Add(time.Hour)))
	c.EndSession("s1")

	_, err = c.Get(key, "tok")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMaxEntriesPerSessionEvictsLRU(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntriesPerSession = 2
	c, err := New(cfg)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		scope := string(rune('a' + i))
		k := Key{SessionID: "s1", Audience: "db", Scope: scope}
		require.NoError(t, c.Put(k, "tok", "v", time.Now().Add(time.Hour)))
	}

	_, err = c.Get(Key{SessionID: "s1", Audience: "db", Scope: "a"}, "tok")
	assert.ErrorIs(t, err, ErrMiss, "oldest entry should have been evicted")
}

func TestDestroyIsIdempotentAndWipesAll(t *testing.T) {
	c, err := New(DefaultConfig())
	require.NoError(t, err)

	key := Key{SessionID: "s1", Audience: "db", Scope: "r"}
	require.NoError(t, c.Put(key, "tok", "v", time.Now().Add(time.Hour)))

	c.Destroy()
	c.Destroy()

	_, err = c.Get(key, "tok")
	assert.ErrorIs(t, err, ErrMiss)
}
