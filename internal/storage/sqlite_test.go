package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	// Use in-memory database for testing
	storage, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NotNil(t, storage)
	return storage
}

func createTestSession(t *testing.T, s Storage, id string, started time.Time) *Session {
	t.Helper()
	session := &Session{
		ID:        id,
		Command:   "idris2-lsp",
		Args:      []string{"--log", "stderr"},
		WorkDir:   "/work",
		StartedAt: started,
	}
	require.NoError(t, s.CreateSession(context.Background(), session))
	return session
}

func TestNewSQLiteStorage(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	assert.NotNil(t, storage)
	assert.NotNil(t, storage.db)
}

func TestDriverMatchesBuildMode(t *testing.T) {
	want := map[string]string{"cgo": "sqlite3", "purego": "sqlite"}
	assert.Equal(t, want[BuildMode], DriverName)
}

func TestClose(t *testing.T) {
	storage := setupTestDB(t)
	err := storage.Close()
	assert.NoError(t, err)
}

func TestCreateSession(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	started := time.UnixMilli(1_700_000_000_123)
	createTestSession(t, storage, "s1", started)

	got, err := storage.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "idris2-lsp", got.Command)
	assert.Equal(t, []string{"--log", "stderr"}, got.Args)
	assert.Equal(t, "/work", got.WorkDir)
	assert.True(t, got.StartedAt.Equal(started))
	assert.True(t, got.Active())

	// Duplicate IDs are rejected
	err = storage.CreateSession(ctx, &Session{ID: "s1", Command: "other"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateSession_DefaultsStartAndArgs(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	session := &Session{ID: "s1", Command: "srv"}
	require.NoError(t, storage.CreateSession(ctx, session))
	assert.False(t, session.StartedAt.IsZero())

	got, err := storage.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.Args)
}

func TestGetSession_NotFound(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	_, err := storage.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndSession(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	createTestSession(t, storage, "s1", time.Now())

	ended := time.UnixMilli(1_700_000_500_000)
	err := storage.EndSession(ctx, "s1", SessionEnd{
		EndedAt: ended,
		Stats: SessionStats{
			BytesIn:        100,
			BytesOut:       80,
			Frames:         2,
			DiscardedBytes: 20,
			Malformed:      1,
		},
		ExitError: "exit status 1",
	})
	require.NoError(t, err)

	got, err := storage.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, got.Active())
	assert.True(t, got.EndedAt.Equal(ended))
	assert.Equal(t, SessionStats{BytesIn: 100, BytesOut: 80, Frames: 2, DiscardedBytes: 20, Malformed: 1}, got.Stats)
	assert.Equal(t, "exit status 1", got.ExitError)

	err = storage.EndSession(ctx, "missing", SessionEnd{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSessions(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	base := time.UnixMilli(1_700_000_000_000)
	createTestSession(t, storage, "old", base)
	createTestSession(t, storage, "mid", base.Add(time.Minute))
	createTestSession(t, storage, "new", base.Add(2*time.Minute))

	sessions, err := storage.ListSessions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "new", sessions[0].ID)
	assert.Equal(t, "old", sessions[2].ID)

	sessions, err = storage.ListSessions(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestInsertDiscard(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	createTestSession(t, storage, "s1", time.Now())

	d := &Discard{
		SessionID:    "s1",
		StreamOffset: 42,
		Content:      []byte("Loading prelude\n"),
		Kind:         KindNoise,
	}
	require.NoError(t, storage.InsertDiscard(ctx, d))
	assert.Greater(t, d.ID, int64(0))
	assert.Equal(t, len("Loading prelude\n"), d.Size)
	assert.False(t, d.CreatedAt.IsZero())

	// Unknown kinds never reach the database
	err := storage.InsertDiscard(ctx, &Discard{SessionID: "s1", Kind: "chatter"})
	assert.ErrorIs(t, err, ErrInvalidKind)

	// Discards must belong to a session
	err = storage.InsertDiscard(ctx, &Discard{SessionID: "missing", Kind: KindNoise, Content: []byte("x")})
	assert.Error(t, err)
}

func TestListDiscards(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	createTestSession(t, storage, "s1", time.Now())
	createTestSession(t, storage, "s2", time.Now())

	entries := []*Discard{
		{SessionID: "s1", StreamOffset: 0, Content: []byte("banner\n"), Kind: KindNoise},
		{SessionID: "s1", StreamOffset: 90, Content: []byte("Content-Length: 999999999999"), Kind: KindMalformed, Detail: "limit 67108864"},
		{SessionID: "s2", StreamOffset: 5, Content: []byte("warning\n"), Kind: KindNoise},
		{SessionID: "s1", StreamOffset: 300, Size: 12, Content: []byte("{\"id\":"), Kind: KindTruncated},
	}
	for _, d := range entries {
		require.NoError(t, storage.InsertDiscard(ctx, d))
	}

	all, err := storage.ListDiscards(ctx, DiscardFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	s1, err := storage.ListDiscards(ctx, DiscardFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, s1, 3)
	assert.Equal(t, int64(0), s1[0].StreamOffset)
	assert.Equal(t, int64(300), s1[2].StreamOffset)
	assert.Equal(t, 12, s1[2].Size)

	malformed, err := storage.ListDiscards(ctx, DiscardFilter{Kind: KindMalformed})
	require.NoError(t, err)
	require.Len(t, malformed, 1)
	assert.Equal(t, "limit 67108864", malformed[0].Detail)
	assert.Equal(t, []byte("Content-Length: 999999999999"), malformed[0].Content)

	limited, err := storage.ListDiscards(ctx, DiscardFilter{SessionID: "s1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = storage.ListDiscards(ctx, DiscardFilter{Kind: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestSearchDiscards(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	createTestSession(t, storage, "s1", time.Now())

	for _, text := range []string{"Loading Prelude\n", "100% done\n", "warning: unused\n"} {
		require.NoError(t, storage.InsertDiscard(ctx, &Discard{SessionID: "s1", Content: []byte(text), Kind: KindNoise}))
	}

	results, err := storage.SearchDiscards(ctx, "prelude", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Loading Prelude\n", string(results[0].Content))

	// Wildcards in the query match literally
	results, err = storage.SearchDiscards(ctx, "100%", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "100% done\n", string(results[0].Content))

	results, err = storage.SearchDiscards(ctx, "%", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	results, err = storage.SearchDiscards(ctx, "nothing like this", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestPruneBefore(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)
	createTestSession(t, storage, "old", base)
	createTestSession(t, storage, "recent", base.Add(time.Hour))
	createTestSession(t, storage, "running", base)

	require.NoError(t, storage.EndSession(ctx, "old", SessionEnd{EndedAt: base.Add(time.Minute)}))
	require.NoError(t, storage.EndSession(ctx, "recent", SessionEnd{EndedAt: base.Add(2 * time.Hour)}))
	require.NoError(t, storage.InsertDiscard(ctx, &Discard{SessionID: "old", Content: []byte("x"), Kind: KindNoise}))

	n, err := storage.PruneBefore(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = storage.GetSession(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)

	// Running sessions are never pruned
	_, err = storage.GetSession(ctx, "running")
	assert.NoError(t, err)

	// Discards go with their session
	discards, err := storage.ListDiscards(ctx, DiscardFilter{SessionID: "old"})
	require.NoError(t, err)
	assert.Empty(t, discards)
}

func TestRevision(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	rev := func() Revision {
		t.Helper()
		r, err := storage.Revision(ctx)
		require.NoError(t, err)
		return r
	}

	assert.Equal(t, Revision{}, rev())

	base := time.UnixMilli(1_700_000_000_000)
	createTestSession(t, storage, "s1", base)
	afterCreate := rev()
	assert.Equal(t, Revision{Sessions: 1}, afterCreate)

	require.NoError(t, storage.InsertDiscard(ctx, &Discard{SessionID: "s1", Content: []byte("x"), Kind: KindNoise}))
	afterInsert := rev()
	assert.Equal(t, int64(1), afterInsert.Discards)
	assert.Positive(t, afterInsert.LastDiscardID)

	require.NoError(t, storage.EndSession(ctx, "s1", SessionEnd{EndedAt: base.Add(time.Minute)}))
	afterEnd := rev()
	assert.NotEqual(t, afterInsert, afterEnd)
	assert.Equal(t, int64(1), afterEnd.EndedSessions)

	_, err := storage.PruneBefore(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	afterPrune := rev()
	assert.Equal(t, int64(0), afterPrune.Sessions)
	assert.NotEqual(t, afterEnd, afterPrune)
}

func TestGetStatus(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()

	empty, err := storage.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, empty.SchemaVersion)
	assert.Zero(t, empty.Sessions)
	assert.True(t, empty.LastSessionAt.IsZero())

	base := time.UnixMilli(1_700_000_000_000)
	createTestSession(t, storage, "s1", base)
	createTestSession(t, storage, "s2", base.Add(time.Minute))
	require.NoError(t, storage.EndSession(ctx, "s1", SessionEnd{EndedAt: base.Add(time.Second)}))

	for _, d := range []*Discard{
		{SessionID: "s1", Content: []byte("abc"), Kind: KindNoise},
		{SessionID: "s1", Content: []byte("defg"), Kind: KindNoise},
		{SessionID: "s2", Content: []byte("Content-Length: 9999999999"), Kind: KindMalformed},
		{SessionID: "s2", Size: 40, Content: []byte("{"), Kind: KindTruncated},
	} {
		require.NoError(t, storage.InsertDiscard(ctx, d))
	}

	st, err := storage.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Sessions)
	assert.Equal(t, 1, st.ActiveSessions)
	assert.Equal(t, 4, st.Discards)
	assert.Equal(t, int64(7), st.DiscardedBytes)
	assert.Equal(t, 1, st.Malformed)
	assert.Equal(t, 1, st.Truncated)
	assert.True(t, st.LastSessionAt.Equal(base.Add(time.Minute)))
	assert.Greater(t, st.SizeMB, 0.0)
}

func TestTransaction(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	ctx := context.Background()
	createTestSession(t, storage, "s1", time.Now())

	// Rolled back inserts disappear
	tx, err := storage.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertDiscard(ctx, &Discard{SessionID: "s1", Content: []byte("a"), Kind: KindNoise}))
	got, err := tx.ListDiscards(ctx, DiscardFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	require.NoError(t, tx.Rollback())

	got, err = storage.ListDiscards(ctx, DiscardFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)

	// Committed inserts stay
	tx, err = storage.BeginTx(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, tx.InsertDiscard(ctx, &Discard{SessionID: "s1", StreamOffset: int64(i), Content: []byte("b"), Kind: KindNoise}))
	}
	_, err = tx.BeginTx(ctx)
	assert.ErrorIs(t, err, ErrNestedTx)
	require.NoError(t, tx.Commit())

	got, err = storage.ListDiscards(ctx, DiscardFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\%`, escapeLike("50%"))
	assert.Equal(t, `a\_b`, escapeLike("a_b"))
	assert.Equal(t, `c:\\x`, escapeLike(`c:\x`))
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "journal.db")

	storage, err := Open(path)
	require.NoError(t, err)
	defer storage.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
