package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"boardsync/internal/board"
)

// Shadow is the last board snapshot known to match the remote, together
// with the remote modification time observed when it was synced. It
// serves as the common ancestor for three-way conflict diffs and as the
// fingerprint for the pre-push divergence check.
type Shadow struct {
	Board       *board.Board `json:"board"`
	Fingerprint time.Time    `json:"fingerprint"`
}

// SaveShadow records the synced snapshot and fingerprint for a board.
func (s *Store) SaveShadow(boardID string, b *board.Board, fingerprint time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(Shadow{Board: b, Fingerprint: fingerprint})
		if err != nil {
			return err
		}

		return tx.Bucket(shadowsBucket).Put([]byte(boardID), data)
	})
}

// Shadow returns the synced snapshot for a board, or nil if the board
// has never completed a sync.
func (s *Store) Shadow(boardID string) (*Shadow, error) {
	var sh *Shadow

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(shadowsBucket).Get([]byte(boardID))
		if v == nil {
			return nil
		}

		sh = &Shadow{}

		return json.Unmarshal(v, sh)
	})
	if err != nil {
		return nil, err
	}

	return sh, nil
}

// Fingerprints returns the recorded remote modification time for every
// synced board, used to rebuild the in-memory fingerprint map at startup.
func (s *Store) Fingerprints() (map[string]time.Time, error) {
	out := make(map[string]time.Time)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(shadowsBucket).ForEach(func(k, v []byte) error {
			var sh Shadow
			if err := json.Unmarshal(v, &sh); err != nil {
				return err
			}

			out[string(k)] = sh.Fingerprint

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// DeleteShadow removes the synced snapshot for a board.
func (s *Store) DeleteShadow(boardID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(shadowsBucket).Delete([]byte(boardID))
	})
}
