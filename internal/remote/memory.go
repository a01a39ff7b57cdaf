package remote

import (
	"context"
	"sync"
	"time"

	"boardsync/internal/board"
)

// Memory is an in-process Store used by the demo daemon's offline mode
// and by tests that need a real store without a network. The zero-ish
// instance from NewMemory is ready to use.
type Memory struct {
	mu   sync.Mutex
	docs map[string]*board.Board
	mods map[string]time.Time

	// Now is the clock used to stamp writes. Overridable in tests.
	Now func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]*board.Board),
		mods: make(map[string]time.Time),
		Now:  time.Now,
	}
}

// Get fetches the current document.
func (m *Memory) Get(ctx context.Context, id string) (*board.Board, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}

	return b.Clone(), nil
}

// Put overwrites the document and stamps it with the store's clock.
func (m *Memory) Put(ctx context.Context, id string, b *board.Board) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now().UTC()
	m.docs[id] = b.Clone()
	m.mods[id] = now

	return now, nil
}

// GetLastModified returns the document's last write time.
func (m *Memory) GetLastModified(ctx context.Context, id string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.mods[id]
	if !ok {
		return time.Time{}, ErrNotFound
	}

	return t, nil
}

// Seed installs a document with an explicit modification time, bypassing
// the clock. Useful for arranging concurrent-writer scenarios.
func (m *Memory) Seed(id string, b *board.Board, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.docs[id] = b.Clone()
	m.mods[id] = modified
}
