// Package statestore holds the in-memory working set of boards and the
// sync status the rest of the process observes. It is a plain
// dependency-injected container: construct one, hand it to the engine
// and the UI surfaces, and subscribe to change events.
package statestore

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"boardsync/internal/board"
	"boardsync/internal/conflict"
)

// Status describes where the engine currently stands.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// ChangeKind tags which slice of state a change event refers to.
type ChangeKind string

const (
	ChangeBoards   ChangeKind = "boards"
	ChangeStatus   ChangeKind = "status"
	ChangeQueue    ChangeKind = "queue"
	ChangeConflict ChangeKind = "conflict"
)

// Change is delivered to subscribers after a state transition. BoardID
// is set for board-scoped changes and empty otherwise.
type Change struct {
	Kind    ChangeKind
	BoardID string
}

// Store is the single mutable state container. All access goes through
// methods; boards returned to callers are deep copies so readers can
// never corrupt the working set.
type Store struct {
	logger *slog.Logger
	now    func() time.Time

	mu           sync.RWMutex
	boards       map[string]*board.Board
	dirty        map[string]struct{}
	fingerprints map[string]time.Time
	status       Status
	lastError    string
	pending      int

	conflictRec *conflict.Record

	subMu     sync.Mutex
	subs      map[int]func(Change)
	nextSubID int
}

// New creates an empty store in the idle state.
func New(logger *slog.Logger) *Store {
	return &Store{
		logger:       logger,
		now:          time.Now,
		boards:       make(map[string]*board.Board),
		dirty:        make(map[string]struct{}),
		fingerprints: make(map[string]time.Time),
		status:       StatusIdle,
		subs:         make(map[int]func(Change)),
	}
}

// Subscribe registers a callback invoked synchronously after every
// change. The returned function cancels the subscription.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

// notify runs outside the state lock so subscribers may call back into
// the store.
func (s *Store) notify(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Hydrate replaces the working set with boards loaded from disk. It is
// meant for startup, before any subscriber exists, but notifies anyway.
func (s *Store) Hydrate(boards []*board.Board, fingerprints map[string]time.Time) {
	s.mu.Lock()
	s.boards = make(map[string]*board.Board, len(boards))
	for _, b := range boards {
		s.boards[b.ID] = b.Clone()
	}
	s.dirty = make(map[string]struct{})
	s.fingerprints = make(map[string]time.Time, len(fingerprints))
	for id, ts := range fingerprints {
		s.fingerprints[id] = ts
	}
	s.mu.Unlock()

	s.logger.Info("state hydrated", slog.Int("boards", len(boards)))
	s.notify(Change{Kind: ChangeBoards})
}

// Board returns a copy of one board, or nil if it does not exist.
func (s *Store) Board(id string) *board.Board {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.boards[id]
	if !ok {
		return nil
	}
	return b.Clone()
}

// Boards returns copies of all boards ordered by creation time, then ID.
func (s *Store) Boards() []*board.Board {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*board.Board, 0, len(s.boards))
	for _, b := range s.boards {
		out = append(out, b.Clone())
	}
	slices.SortFunc(out, func(a, b *board.Board) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmpString(a.ID, b.ID)
	})
	return out
}

// Dirty returns copies of every board with unsaved local changes.
func (s *Store) Dirty() []*board.Board {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*board.Board, 0, len(s.dirty))
	for id := range s.dirty {
		if b, ok := s.boards[id]; ok {
			out = append(out, b.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *board.Board) int { return cmpString(a.ID, b.ID) })
	return out
}

// HasDirty reports whether any board carries unsaved changes.
func (s *Store) HasDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty) > 0
}

// MarkSaved clears the dirty flag for the given boards after they have
// been persisted and enqueued.
func (s *Store) MarkSaved(ids ...string) {
	s.mu.Lock()
	for _, id := range ids {
		delete(s.dirty, id)
	}
	s.mu.Unlock()
}

// ApplyRemote installs a board received from the remote without marking
// it dirty, and records the fingerprint observed alongside it.
func (s *Store) ApplyRemote(b *board.Board, fingerprint time.Time) {
	s.mu.Lock()
	s.boards[b.ID] = b.Clone()
	delete(s.dirty, b.ID)
	s.fingerprints[b.ID] = fingerprint
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeBoards, BoardID: b.ID})
}

// Fingerprint returns the last remote modification time observed for a
// board, zero if none was recorded.
func (s *Store) Fingerprint(id string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprints[id]
}

// SetFingerprint records the remote modification time observed after a
// successful push or pull.
func (s *Store) SetFingerprint(id string, ts time.Time) {
	s.mu.Lock()
	s.fingerprints[id] = ts
	s.mu.Unlock()
}

// Fingerprints returns a copy of all recorded fingerprints.
func (s *Store) Fingerprints() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]time.Time, len(s.fingerprints))
	for id, ts := range s.fingerprints {
		out[id] = ts
	}
	return out
}

// Status returns the current engine status and, when the status is
// error, the message describing it.
func (s *Store) Status() (Status, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.lastError
}

// SetStatus transitions the engine status. The error message is kept
// only for StatusError and cleared otherwise.
func (s *Store) SetStatus(st Status, errMsg string) {
	s.mu.Lock()
	if st != StatusError {
		errMsg = ""
	}
	changed := s.status != st || s.lastError != errMsg
	s.status = st
	s.lastError = errMsg
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeStatus})
	}
}

// PendingCount returns the number of queued operations last reported by
// the engine.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

// SetPendingCount publishes the queue depth.
func (s *Store) SetPendingCount(n int) {
	s.mu.Lock()
	changed := s.pending != n
	s.pending = n
	s.mu.Unlock()

	if changed {
		s.notify(Change{Kind: ChangeQueue})
	}
}

// Conflict returns the active conflict record, nil if none.
func (s *Store) Conflict() *conflict.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conflictRec
}

// SetConflict installs a conflict record. Only one record may be active
// at a time; a second detection is rejected so the first keeps the
// user's attention until resolved.
func (s *Store) SetConflict(rec *conflict.Record) bool {
	s.mu.Lock()
	if s.conflictRec != nil {
		s.mu.Unlock()
		return false
	}
	s.conflictRec = rec
	s.mu.Unlock()

	s.logger.Warn("conflict detected", slog.String("board_id", rec.BoardID))
	s.notify(Change{Kind: ChangeConflict, BoardID: rec.BoardID})
	return true
}

// ClearConflict removes the active conflict record after resolution.
func (s *Store) ClearConflict() {
	s.mu.Lock()
	had := s.conflictRec != nil
	s.conflictRec = nil
	s.mu.Unlock()

	if had {
		s.notify(Change{Kind: ChangeConflict})
	}
}

func cmpString(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
