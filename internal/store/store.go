// Package store is the local durable layer: cached boards, the pending
// sync queue, and scalar preferences, all in a single bbolt database that
// survives process restarts. Callers treat persistence failures as
// non-fatal; the in-memory state store remains authoritative for the
// session when the disk is unavailable.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"boardsync/internal/board"
)

const (
	// storeDirPerm is the permission mode for the database directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt file lock.
	storeOpenTimeout = 5 * time.Second

	// schemaVersion is the current on-disk schema. Opening an older
	// database runs the upgrade steps in migrate without dropping data.
	schemaVersion = 2
)

var (
	boardsBucket  = []byte("boards")
	queueBucket   = []byte("queue")
	prefsBucket   = []byte("prefs")
	metaBucket    = []byte("meta")
	shadowsBucket = []byte("shadows")

	schemaKey = []byte("schema_version")
)

// Store wraps a bbolt database holding all persistent client state.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database at path, ensures all buckets
// exist, and upgrades older schema versions in place.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{boardsBucket, queueBucket, prefsBucket, metaBucket, shadowsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return migrate(tx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate upgrades the on-disk schema to the current version. Runs inside
// the open transaction so a crash mid-upgrade leaves the old version
// intact.
func migrate(tx *bolt.Tx) error {
	meta := tx.Bucket(metaBucket)

	version := 0
	if v := meta.Get(schemaKey); v != nil && len(v) == 8 {
		version = int(binary.BigEndian.Uint64(v))
	}

	if version == 0 {
		// Fresh database, nothing to upgrade.
		return putSchemaVersion(meta, schemaVersion)
	}

	if version > schemaVersion {
		return fmt.Errorf("store schema version %d is newer than supported %d", version, schemaVersion)
	}

	if version < 2 {
		if err := migrateQueueV1(tx); err != nil {
			return fmt.Errorf("upgrading queue from schema 1: %w", err)
		}
	}

	return putSchemaVersion(meta, schemaVersion)
}

// migrateQueueV1 rewrites the version-1 queue layout (entries keyed by
// sequence number, which allowed several operations per board) into the
// current layout keyed by board ID, keeping only the newest snapshot per
// board. Collapsing is safe: the newest snapshot supersedes the rest.
func migrateQueueV1(tx *bolt.Tx) error {
	b := tx.Bucket(queueBucket)

	newest := make(map[string]Operation)

	err := b.ForEach(func(k, v []byte) error {
		var op Operation
		if err := json.Unmarshal(v, &op); err != nil {
			return err
		}

		if cur, ok := newest[op.BoardID]; !ok || op.EnqueuedAt.After(cur.EnqueuedAt) {
			newest[op.BoardID] = op
		}

		return nil
	})
	if err != nil {
		return err
	}

	if err := tx.DeleteBucket(queueBucket); err != nil {
		return err
	}

	nb, err := tx.CreateBucket(queueBucket)
	if err != nil {
		return err
	}

	for boardID, op := range newest {
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}

		if err := nb.Put([]byte(boardID), data); err != nil {
			return err
		}
	}

	return nil
}

func putSchemaVersion(meta *bolt.Bucket, version int) error {
	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], uint64(version))

	return meta.Put(schemaKey, buf[:])
}

// SchemaVersion returns the on-disk schema version.
func (s *Store) SchemaVersion() int {
	version := 0

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(schemaKey); v != nil && len(v) == 8 {
			version = int(binary.BigEndian.Uint64(v))
		}

		return nil
	})

	return version
}

// SaveBoard persists a single board snapshot.
func (s *Store) SaveBoard(b *board.Board) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}

		return tx.Bucket(boardsBucket).Put([]byte(b.ID), data)
	})
}

// SaveBoards persists all given boards in one transaction.
func (s *Store) SaveBoards(boards []*board.Board) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(boardsBucket)

		for _, b := range boards {
			data, err := json.Marshal(b)
			if err != nil {
				return err
			}

			if err := bkt.Put([]byte(b.ID), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// LoadBoards returns every cached board, oldest created first so the
// working set hydrates in a stable order.
func (s *Store) LoadBoards() ([]*board.Board, error) {
	var boards []*board.Board

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boardsBucket).ForEach(func(k, v []byte) error {
			var b board.Board
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}

			boards = append(boards, &b)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(boards, func(i, j int) bool {
		if boards[i].CreatedAt.Equal(boards[j].CreatedAt) {
			return boards[i].ID < boards[j].ID
		}

		return boards[i].CreatedAt.Before(boards[j].CreatedAt)
	})

	return boards, nil
}

// DeleteBoard removes a cached board.
func (s *Store) DeleteBoard(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boardsBucket).Delete([]byte(id))
	})
}

// ClearBoards drops every cached board.
func (s *Store) ClearBoards() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(boardsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(boardsBucket)

		return err
	})
}

// Pref returns a stored preference value, or empty string if unset.
func (s *Store) Pref(key string) string {
	var val string

	_ = s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(prefsBucket).Get([]byte(key)); v != nil {
			val = string(v)
		}

		return nil
	})

	return val
}

// SetPref stores a preference value.
func (s *Store) SetPref(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(prefsBucket).Put([]byte(key), []byte(value))
	})
}

// DeletePref removes a preference.
func (s *Store) DeletePref(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(prefsBucket).Delete([]byte(key))
	})
}
