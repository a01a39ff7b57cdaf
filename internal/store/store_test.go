package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"boardsync/internal/board"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "boardsync.db")

	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, path
}

func TestOpen_CreatesSchemaAndDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "boardsync.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, schemaVersion, s.SchemaVersion())
}

func TestSaveAndLoadBoards(t *testing.T) {
	t.Parallel()

	s, path := openStore(t)

	older := board.New("First")
	older.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := board.New("Second")
	newer.CreatedAt = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveBoards([]*board.Board{newer, older}))

	// Survives a close and reopen.
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	boards, err := s2.LoadBoards()
	require.NoError(t, err)
	require.Len(t, boards, 2)
	assert.Equal(t, "First", boards[0].Name, "oldest created first")
	assert.Equal(t, "Second", boards[1].Name)

	require.NoError(t, s2.DeleteBoard(older.ID))

	boards, err = s2.LoadBoards()
	require.NoError(t, err)
	require.Len(t, boards, 1)
	assert.Equal(t, "Second", boards[0].Name)
}

func TestClearBoards(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)

	require.NoError(t, s.SaveBoard(board.New("A")))
	require.NoError(t, s.SaveBoard(board.New("B")))
	require.NoError(t, s.ClearBoards())

	boards, err := s.LoadBoards()
	require.NoError(t, err)
	assert.Empty(t, boards)
}

func TestPrefs(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)

	assert.Empty(t, s.Pref("theme"))
	require.NoError(t, s.SetPref("theme", "dark"))
	assert.Equal(t, "dark", s.Pref("theme"))
	require.NoError(t, s.DeletePref("theme"))
	assert.Empty(t, s.Pref("theme"))
}

func TestShadows(t *testing.T) {
	t.Parallel()

	s, _ := openStore(t)

	sh, err := s.Shadow("nope")
	require.NoError(t, err)
	assert.Nil(t, sh, "unsynced board has no shadow")

	b := board.New("Roadmap")
	fp := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveShadow(b.ID, b, fp))

	sh, err = s.Shadow(b.ID)
	require.NoError(t, err)
	require.NotNil(t, sh)
	assert.Equal(t, fp, sh.Fingerprint)
	assert.True(t, b.Equal(sh.Board))

	fps, err := s.Fingerprints()
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Time{b.ID: fp}, fps)

	require.NoError(t, s.DeleteShadow(b.ID))

	sh, err = s.Shadow(b.ID)
	require.NoError(t, err)
	assert.Nil(t, sh)
}

func TestMigrate_QueueV1Collapses(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "boardsync.db")

	// Build a version-1 database by hand: queue keyed by sequence
	// number with several entries for the same board.
	db, err := bolt.Open(path, storeFilePerm, nil)
	require.NoError(t, err)

	older := board.New("Roadmap")
	newerSnapshot := older.Clone()
	newerSnapshot.Name = "Roadmap v2"

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if err := putSchemaVersion(meta, 1); err != nil {
			return err
		}

		q, err := tx.CreateBucketIfNotExists(queueBucket)
		if err != nil {
			return err
		}

		entries := []Operation{
			{ID: 1, BoardID: older.ID, Snapshot: older, EnqueuedAt: time.Now().Add(-time.Hour), Status: OpPending},
			{ID: 2, BoardID: older.ID, Snapshot: newerSnapshot, EnqueuedAt: time.Now(), Status: OpPending},
		}

		for i, op := range entries {
			data, err := json.Marshal(op)
			if err != nil {
				return err
			}
			if err := q.Put([]byte{byte(i)}, data); err != nil {
				return err
			}
		}

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, schemaVersion, s.SchemaVersion())

	ops, err := s.ListPending()
	require.NoError(t, err)
	require.Len(t, ops, 1, "v1 entries collapse to newest per board")
	assert.Equal(t, "Roadmap v2", ops[0].Snapshot.Name)
}

func TestMigrate_RejectsNewerSchema(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "boardsync.db")

	db, err := bolt.Open(path, storeFilePerm, nil)
	require.NoError(t, err)

	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		return putSchemaVersion(meta, schemaVersion+1)
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path)
	require.ErrorContains(t, err, "newer than supported")
}
