package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"boardsync/internal/board"
)

// OpStatus is the lifecycle state of a queued sync operation.
type OpStatus string

const (
	OpPending    OpStatus = "pending"
	OpInProgress OpStatus = "in_progress"
	OpFailed     OpStatus = "failed"
)

// Operation is one durable queue entry: the full board snapshot waiting
// to be written to the remote store. The queue bucket is keyed by board
// ID, so at most one entry per board can exist; a newer mutation
// overwrites the snapshot of the existing entry instead of appending.
type Operation struct {
	ID         uint64       `json:"id"`
	BoardID    string       `json:"board_id"`
	Snapshot   *board.Board `json:"snapshot"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	Status     OpStatus     `json:"status"`
	RetryCount int          `json:"retry_count"`
	LastError  string       `json:"last_error,omitempty"`

	// LastAttemptAt is when the operation most recently failed, zero if
	// it never has. The drain uses it to honor retry backoff.
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
}

// Enqueue records a pending write for the board. Upsert semantics: an
// existing pending or failed entry for the same board has its snapshot
// replaced and its retry state reset; an in-progress entry is likewise
// superseded, since the newer snapshot is what must ultimately win.
func (s *Store) Enqueue(b *board.Board) (Operation, error) {
	var op Operation

	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(queueBucket)
		key := []byte(b.ID)

		if v := bkt.Get(key); v != nil {
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}

			// Keep the original EnqueuedAt so queue order stays stable.
			op.Snapshot = b.Clone()
			op.Status = OpPending
			op.RetryCount = 0
			op.LastError = ""
			op.LastAttemptAt = time.Time{}
		} else {
			seq, err := bkt.NextSequence()
			if err != nil {
				return err
			}

			op = Operation{
				ID:         seq,
				BoardID:    b.ID,
				Snapshot:   b.Clone(),
				EnqueuedAt: time.Now().UTC(),
				Status:     OpPending,
			}
		}

		data, err := json.Marshal(op)
		if err != nil {
			return err
		}

		return bkt.Put(key, data)
	})

	return op, err
}

// ListPending returns pending and failed operations ordered by enqueue
// time. In-progress entries are excluded; a drain pass owns them already.
func (s *Store) ListPending() ([]Operation, error) {
	var ops []Operation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var op Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}

			if op.Status == OpPending || op.Status == OpFailed {
				ops = append(ops, op)
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(ops, func(i, j int) bool {
		if ops[i].EnqueuedAt.Equal(ops[j].EnqueuedAt) {
			return ops[i].ID < ops[j].ID
		}

		return ops[i].EnqueuedAt.Before(ops[j].EnqueuedAt)
	})

	return ops, nil
}

// MarkInProgress transitions an operation to in_progress and returns
// its current contents. The caller must push the returned snapshot, not
// the one it listed earlier: an enqueue may have superseded the entry
// between listing and claiming it.
func (s *Store) MarkInProgress(id uint64) (Operation, error) {
	var claimed Operation

	err := s.updateOp(id, func(op *Operation) bool {
		op.Status = OpInProgress
		claimed = *op

		return true
	})

	return claimed, err
}

// MarkPending reverts an operation to pending without touching its retry
// state. Used when a drain step backs off a conflicted board.
func (s *Store) MarkPending(id uint64) error {
	return s.updateOp(id, func(op *Operation) bool {
		op.Status = OpPending

		return true
	})
}

// MarkFailed records a write failure: increments RetryCount, stores the
// error, and sets the status to failed so the next pass retries it. The
// entry is left untouched when an enqueue superseded it mid-attempt; the
// failure belongs to a snapshot that no longer exists.
func (s *Store) MarkFailed(id uint64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	return s.updateOp(id, func(op *Operation) bool {
		if op.Status != OpInProgress {
			return false
		}

		op.Status = OpFailed
		op.RetryCount++
		op.LastError = msg
		op.LastAttemptAt = time.Now().UTC()

		return true
	})
}

// ResetFailed reverts every failed operation to pending with a cleared
// retry count. This is the manual-retry path for stuck operations.
func (s *Store) ResetFailed() (int, error) {
	reset := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(queueBucket)

		return bkt.ForEach(func(k, v []byte) error {
			var op Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}

			if op.Status != OpFailed {
				return nil
			}

			op.Status = OpPending
			op.RetryCount = 0
			op.LastError = ""
			op.LastAttemptAt = time.Time{}
			reset++

			data, err := json.Marshal(op)
			if err != nil {
				return err
			}

			return bkt.Put(k, data)
		})
	})

	return reset, err
}

// Complete removes an operation after successful delivery. The entry
// survives when an enqueue superseded it mid-flight, since the newer
// snapshot still has to reach the remote: a supersede resets the status
// to pending, so only a still-in_progress entry is deleted. Reports
// whether the entry was removed.
func (s *Store) Complete(id uint64) (bool, error) {
	removed := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(queueBucket)

		var key []byte

		err := bkt.ForEach(func(k, v []byte) error {
			var op Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}

			if op.ID == id && op.Status == OpInProgress {
				key = append([]byte(nil), k...)
			}

			return nil
		})
		if err != nil {
			return err
		}

		if key == nil {
			return nil
		}

		removed = true

		return bkt.Delete(key)
	})

	return removed, err
}

// Discard drops a board's queued operation regardless of its state.
// Used when conflict resolution adopts the remote copy wholesale.
func (s *Store) Discard(boardID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).Delete([]byte(boardID))
	})
}

// Count returns the number of queued operations in any state.
func (s *Store) Count() (int, error) {
	count := 0

	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(queueBucket).Stats().KeyN

		return nil
	})

	return count, err
}

// updateOp finds the operation with the given ID and applies fn to it,
// skipping the write when fn declines. The queue is keyed by board ID,
// so this scans; queues hold at most one entry per board and stay small.
func (s *Store) updateOp(id uint64, fn func(*Operation) bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(queueBucket)

		var (
			key []byte
			op  Operation
		)

		err := bkt.ForEach(func(k, v []byte) error {
			var cur Operation
			if err := json.Unmarshal(v, &cur); err != nil {
				return err
			}

			if cur.ID == id {
				key = append([]byte(nil), k...)
				op = cur
			}

			return nil
		})
		if err != nil {
			return err
		}

		if key == nil {
			return fmt.Errorf("queue operation %d not found", id)
		}

		if !fn(&op) {
			return nil
		}

		data, err := json.Marshal(op)
		if err != nil {
			return err
		}

		return bkt.Put(key, data)
	})
}
