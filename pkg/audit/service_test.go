package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingServiceLogAndEntries(t *testing.T) {
	t.Parallel()

	svc := New(&Config{Enabled: true, MaxEntries: 10})
	svc.Log(Entry{Source: SourceAuthService, UserID: "u-1", Success: true})
	svc.Log(Entry{Source: SourceAuthJWT, UserID: "u-2", Success: false})

	all := svc.Entries(Filter{})
	require.Len(t, all, 2)

	onlyU1 := svc.Entries(Filter{UserID: "u-1"})
	require.Len(t, onlyU1, 1)
	assert.Equal(t, SourceAuthService, onlyU1[0].Source)

	failuresOnly := false
	onlyFailures := svc.Entries(Filter{Success: &failuresOnly})
	require.Len(t, onlyFailures, 1)
	assert.Equal(t, "u-2", onlyFailures[0].UserID)
}

func TestRingServiceOverflowEvictsOldest(t *testing.T) {
	t.Parallel()

	var evicted []Entry
	svc := New(&Config{
		Enabled:    true,
		MaxEntries: 2,
		OnOverflow: func(e Entry) { evicted = append(evicted, e) },
	})

	svc.Log(Entry{UserID: "first"})
	svc.Log(Entry{UserID: "second"})
	svc.Log(Entry{UserID: "third"})

	require.Len(t, evicted, 1)
	assert.Equal(t, "first", evicted[0].UserID)

	remaining := svc.Entries(Filter{})
	require.Len(t, remaining, 2)
	assert.Equal(t, "second", remaining[0].UserID)
	assert.Equal(t, "third", remaining[1].UserID)
}

func TestRingServiceClear(t *testing.T) {
	t.Parallel()

	svc := New(DefaultConfig())
	svc.Log(Entry{UserID: "u-1"})
	svc.Clear()
	assert.Empty(t, svc.Entries(Filter{}))
}

func TestNullServiceIsNoOp(t *testing.T) {
	t.Parallel()

	svc := New(&Config{Enabled: false})
	svc.Log(Entry{UserID: "u-1"})
	assert.Empty(t, svc.Entries(Filter{}))
	svc.Clear() // must not panic
}

func TestFilterBySinceUntil(t *testing.T) {
	t.Parallel()

	svc := New(DefaultConfig())
	now := time.Now()
	svc.Log(Entry{Timestamp: now.Add(-time.Hour), UserID: "old"})
	svc.Log(Entry{Timestamp: now, UserID: "new"})

	recent := svc.Entries(Filter{Since: now.Add(-time.Minute)})
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].UserID)

	older := svc.Entries(Filter{Until: now.Add(-time.Minute)})
	require.Len(t, older, 1)
	assert.Equal(t, "old", older[0].UserID)
}
