package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/umc/internal/clock"
)

func newTestStore(t *testing.T) (*Store, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC))
	s, err := Open(":memory:", clk, 30)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func TestRecordAndQuery(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.Record(ctx, Event{Username: "alice", Action: ActionLoginFailed, ClientIP: "192.0.2.1", Status: 411}))
	clk.Advance(time.Minute)
	require.NoError(t, s.Record(ctx, Event{
		Username: "alice",
		Session:  "abcd",
		Action:   ActionLogin,
		ClientIP: "192.0.2.1",
		Status:   200,
		Details:  map[string]any{"sso": true},
	}))
	clk.Advance(time.Minute)
	require.NoError(t, s.Record(ctx, Event{Username: "bob", Action: ActionLogin, Status: 200}))

	all, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "bob", all[0].Username, "newest first")

	alice, err := s.Query(ctx, Filter{Username: "alice", Action: ActionLogin})
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.Equal(t, "abcd", alice[0].Session)
	assert.Equal(t, 200, alice[0].Status)
	assert.Equal(t, true, alice[0].Details["sso"])
	assert.True(t, alice[0].Timestamp.Equal(clk.Now().Add(-time.Minute)))

	limited, err := s.Query(ctx, Filter{Limit: 1, Since: clk.Now().Add(-90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "bob", limited[0].Username)
}

func TestPrune(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.Record(ctx, Event{Username: "old", Action: ActionLogout}))
	clk.Advance(31 * 24 * time.Hour)
	require.NoError(t, s.Record(ctx, Event{Username: "new", Action: ActionLogout}))

	n, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestOpen_File(t *testing.T) {
	path := t.TempDir() + "/nested/audit.db"
	s, err := Open(path, nil, 0)
	require.NoError(t, err)
	require.NoError(t, s.Record(t.Context(), Event{Username: "u", Action: ActionSSO}))
	require.NoError(t, s.Close())

	s, err = Open(path, nil, 0)
	require.NoError(t, err)
	defer s.Close()
	count, err := s.Count(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
