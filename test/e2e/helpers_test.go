package e2e_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"boardsync/internal/board"
	"boardsync/internal/logging"
	"boardsync/internal/remote"
	"boardsync/internal/statestore"
	"boardsync/internal/store"
	"boardsync/internal/syncer"
)

// boardServer is a minimal in-memory implementation of the board REST
// API, enough for a full client lifecycle:
//
//	GET  /boards/{id}
//	PUT  /boards/{id}
//	GET  /boards/{id}/last-modified
type boardServer struct {
	mu     sync.Mutex
	docs   map[string]*board.Board
	mods   map[string]time.Time
	server *httptest.Server

	// failPuts makes every PUT return 500, simulating an outage.
	failPuts bool
}

func newBoardServer(t *testing.T) *boardServer {
	t.Helper()

	s := &boardServer{
		docs: make(map[string]*board.Board),
		mods: make(map[string]time.Time),
	}

	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)

	return s
}

func (s *boardServer) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "boards" {
		http.NotFound(w, r)
		return
	}

	id := parts[1]

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "last-modified":
		mod, ok := s.mods[id]
		if !ok {
			http.NotFound(w, r)
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]string{
			"updated_at": mod.Format(time.RFC3339Nano),
		})

	case r.Method == http.MethodGet && len(parts) == 2:
		b, ok := s.docs[id]
		if !ok {
			http.NotFound(w, r)
			return
		}

		_ = json.NewEncoder(w).Encode(b)

	case r.Method == http.MethodPut && len(parts) == 2:
		if s.failPuts {
			http.Error(w, `{"message":"backend down"}`, http.StatusInternalServerError)
			return
		}

		var b board.Board
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		now := time.Now().UTC()
		s.docs[id] = &b
		s.mods[id] = now

		_ = json.NewEncoder(w).Encode(map[string]string{
			"updated_at": now.Format(time.RFC3339Nano),
		})

	default:
		http.NotFound(w, r)
	}
}

func (s *boardServer) setFailPuts(fail bool) {
	s.mu.Lock()
	s.failPuts = fail
	s.mu.Unlock()
}

func (s *boardServer) board(id string) *board.Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[id].Clone()
}

// write stores a board server-side, simulating another device.
func (s *boardServer) write(b *board.Board) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	b.UpdatedAt = now
	s.docs[b.ID] = b.Clone()
	s.mods[b.ID] = now
}

// client bundles one device's full stack: durable store, working set,
// and sync engine, all pointed at the shared board server.
type client struct {
	t      *testing.T
	dbPath string
	local  *store.Store
	state  *statestore.Store
	engine *syncer.Engine
}

func newClient(t *testing.T, srv *boardServer) *client {
	t.Helper()

	c := &client{
		t:      t,
		dbPath: filepath.Join(t.TempDir(), "boardsync.db"),
	}

	c.open(srv)

	return c
}

func (c *client) open(srv *boardServer) {
	c.t.Helper()

	local, err := store.Open(c.dbPath)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { _ = local.Close() })

	logger := logging.NewLogger("development")
	state := statestore.New(logger)

	boards, err := local.LoadBoards()
	require.NoError(c.t, err)
	fingerprints, err := local.Fingerprints()
	require.NoError(c.t, err)
	state.Hydrate(boards, fingerprints)

	rem := remote.NewHTTPStore(srv.server.URL, nil)
	engine := syncer.New(local, rem, state, 5, time.Minute, logger)
	engine.SetOnline(true)

	c.local = local
	c.state = state
	c.engine = engine
}

// restart simulates a process restart: close everything and rebuild the
// stack from the same database file.
func (c *client) restart(srv *boardServer) {
	c.t.Helper()

	require.NoError(c.t, c.local.Close())
	c.open(srv)
}
