package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"boardsync/internal/board"
	"boardsync/internal/conflict"
	"boardsync/internal/logging"
	"boardsync/internal/remote"
	"boardsync/internal/statestore"
	"boardsync/internal/store"
)

const testMaxRetries = 3

type fixture struct {
	engine *Engine
	local  *store.Store
	state  *statestore.Store
	mem    *remote.Memory
}

// newFixture wires an engine over a real bbolt store and the in-memory
// remote, starting online.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	local, err := store.Open(filepath.Join(t.TempDir(), "boardsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	state := statestore.New(logging.NewLogger("development"))
	mem := remote.NewMemory()

	engine := New(local, mem, state, testMaxRetries, time.Minute, logging.NewLogger("development"))
	engine.SetOnline(true)

	return &fixture{engine: engine, local: local, state: state, mem: mem}
}

func TestEngine_OfflineEditSurvivesAndDrains(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// Edits made while offline land in the durable queue and nothing
	// reaches the remote.
	f.engine.SetOnline(false)

	b := f.state.CreateBoard("Roadmap", "ana")
	require.NoError(t, f.engine.FlushLocal())

	require.NoError(t, f.engine.Drain(ctx))
	_, err := f.mem.Get(ctx, b.ID)
	assert.ErrorIs(t, err, remote.ErrNotFound)

	st, _ := f.state.Status()
	assert.Equal(t, statestore.StatusOffline, st)

	count, err := f.local.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Back online the queue drains in one pass.
	f.engine.SetOnline(true)
	require.NoError(t, f.engine.Drain(ctx))

	got, err := f.mem.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Roadmap", got.Name)

	count, err = f.local.Count()
	require.NoError(t, err)
	assert.Zero(t, count)

	st, _ = f.state.Status()
	assert.Equal(t, statestore.StatusSynced, st)
	assert.False(t, f.state.Fingerprint(b.ID).IsZero())
}

// dropAfterFirstPut flips the engine offline once the first put lands,
// simulating connectivity loss partway through a drain pass.
type dropAfterFirstPut struct {
	remote.Store

	engine *Engine
	puts   int
}

func (d *dropAfterFirstPut) Put(ctx context.Context, id string, b *board.Board) (time.Time, error) {
	mod, err := d.Store.Put(ctx, id, b)

	d.puts++
	if d.puts == 1 {
		d.engine.SetOnline(false)
	}

	return mod, err
}

func TestEngine_OfflineMidDrainHaltsPass(t *testing.T) {
	t.Parallel()

	local, err := store.Open(filepath.Join(t.TempDir(), "boardsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	state := statestore.New(logging.NewLogger("development"))
	mem := remote.NewMemory()
	drop := &dropAfterFirstPut{Store: mem}

	engine := New(local, drop, state, testMaxRetries, time.Minute, logging.NewLogger("development"))
	drop.engine = engine
	engine.SetOnline(true)

	for _, name := range []string{"one", "two", "three"} {
		state.CreateBoard(name, "ana")
	}
	require.NoError(t, engine.FlushLocal())

	require.NoError(t, engine.Drain(context.Background()))

	assert.Equal(t, 1, drop.puts, "pass halts after connectivity drops")

	count, err := local.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count, "remaining operations stay queued")
	assert.Equal(t, 2, state.PendingCount())

	ops, err := local.ListPending()
	require.NoError(t, err)
	for _, op := range ops {
		assert.Equal(t, store.OpPending, op.Status)
	}

	st, _ := state.Status()
	assert.Equal(t, statestore.StatusOffline, st)
}

func TestEngine_RepeatedEditsCollapseToOneOperation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.engine.SetOnline(false)

	b := f.state.CreateBoard("Roadmap", "ana")
	require.NoError(t, f.engine.FlushLocal())

	for i := 0; i < 5; i++ {
		require.NoError(t, f.state.RenameBoard(b.ID, "Roadmap", "rev"))
		require.NoError(t, f.engine.FlushLocal())
	}

	count, err := f.local.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count, "queue holds at most one operation per board")

	ops, err := f.local.ListPending()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "rev", ops[0].Snapshot.Description, "latest snapshot wins")
}

// editDuringPush lands a user edit on a board while the engine is
// mid-write on that same board.
type editDuringPush struct {
	remote.Store

	engine  *Engine
	state   *statestore.Store
	boardID string
	edited  bool
}

func (r *editDuringPush) Put(ctx context.Context, id string, b *board.Board) (time.Time, error) {
	if !r.edited && id == r.boardID {
		r.edited = true

		if err := r.state.RenameBoard(r.boardID, "Roadmap (mid-push)", ""); err != nil {
			return time.Time{}, err
		}
		if err := r.engine.FlushLocal(); err != nil {
			return time.Time{}, err
		}
	}

	return r.Store.Put(ctx, id, b)
}

func TestEngine_EditDuringPushStaysQueued(t *testing.T) {
	t.Parallel()

	local, err := store.Open(filepath.Join(t.TempDir(), "boardsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	state := statestore.New(logging.NewLogger("development"))
	mem := remote.NewMemory()
	wrapped := &editDuringPush{Store: mem, state: state}

	engine := New(local, wrapped, state, testMaxRetries, time.Minute, logging.NewLogger("development"))
	wrapped.engine = engine
	engine.SetOnline(true)

	ctx := context.Background()

	b := state.CreateBoard("Roadmap", "ana")
	wrapped.boardID = b.ID
	require.NoError(t, engine.FlushLocal())

	require.NoError(t, engine.Drain(ctx))

	// The pushed snapshot predates the mid-flight edit, so the entry
	// must survive with the newer snapshot.
	count, err := local.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count, "superseding edit must remain queued")

	ops, err := local.ListPending()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, store.OpPending, ops[0].Status)
	assert.Equal(t, "Roadmap (mid-push)", ops[0].Snapshot.Name)

	got, err := mem.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Roadmap", got.Name)

	// The next pass delivers the newer snapshot.
	require.NoError(t, engine.Drain(ctx))

	got, err = mem.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Roadmap (mid-push)", got.Name)

	count, err = local.Count()
	require.NoError(t, err)
	assert.Zero(t, count)

	st, _ := state.Status()
	assert.Equal(t, statestore.StatusSynced, st)
}

func TestEngine_FailuresBackOffAndPark(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	local, err := store.Open(filepath.Join(t.TempDir(), "boardsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	state := statestore.New(logging.NewLogger("development"))
	mock := NewMockStore(ctrl)

	engine := New(local, mock, state, testMaxRetries, time.Minute, logging.NewLogger("development"))
	engine.SetOnline(true)

	b := state.CreateBoard("Roadmap", "ana")
	require.NoError(t, engine.FlushLocal())

	ctx := context.Background()
	pushErr := errors.New("remote hiccup")

	mock.EXPECT().GetLastModified(ctx, b.ID).Return(time.Time{}, remote.ErrNotFound).Times(testMaxRetries)
	mock.EXPECT().Put(ctx, b.ID, gomock.Any()).Return(time.Time{}, pushErr).Times(testMaxRetries)

	// Each drain retries once; jump the clock past the backoff window
	// between passes.
	for i := 0; i < testMaxRetries; i++ {
		engine.now = func() time.Time { return time.Now().Add(time.Duration(i+1) * retryMaxDelay) }
		require.NoError(t, engine.Drain(ctx))
	}

	ops, err := local.ListPending()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, store.OpFailed, ops[0].Status)
	assert.Equal(t, testMaxRetries, ops[0].RetryCount)
	assert.Contains(t, ops[0].LastError, "remote hiccup")

	// Parked: further drains never touch the remote again.
	engine.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	require.NoError(t, engine.Drain(ctx))

	st, msg := state.Status()
	assert.Equal(t, statestore.StatusError, st)
	assert.Contains(t, msg, "remote hiccup")

	// An explicit retry clears the park and the next drain succeeds.
	mock.EXPECT().GetLastModified(ctx, b.ID).Return(time.Time{}, remote.ErrNotFound)
	mock.EXPECT().Put(ctx, b.ID, gomock.Any()).Return(time.Now().UTC(), nil)

	n, err := engine.RetryFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, engine.Drain(ctx))

	count, err := local.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEngine_BackoffSkipsEarlyRetry(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	local, err := store.Open(filepath.Join(t.TempDir(), "boardsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	state := statestore.New(logging.NewLogger("development"))
	mock := NewMockStore(ctrl)

	engine := New(local, mock, state, testMaxRetries, time.Minute, logging.NewLogger("development"))
	engine.SetOnline(true)

	b := state.CreateBoard("Roadmap", "ana")
	require.NoError(t, engine.FlushLocal())

	ctx := context.Background()

	mock.EXPECT().GetLastModified(ctx, b.ID).Return(time.Time{}, remote.ErrNotFound)
	mock.EXPECT().Put(ctx, b.ID, gomock.Any()).Return(time.Time{}, errors.New("hiccup"))
	require.NoError(t, engine.Drain(ctx))

	// Immediately after a failure the operation is inside its backoff
	// window, so this drain must not call the remote at all.
	require.NoError(t, engine.Drain(ctx))

	ops, err := local.ListPending()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].RetryCount)

	// A pass that leaves a failed operation behind reports error, never
	// a quiet idle.
	st, msg := state.Status()
	assert.Equal(t, statestore.StatusError, st)
	assert.Contains(t, msg, "hiccup")
}

func TestEngine_ConflictDetectionAndResolution(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// First sync establishes the fingerprint and shadow.
	b := f.state.CreateBoard("Roadmap", "ana")
	require.NoError(t, f.engine.FlushLocal())
	require.NoError(t, f.engine.Drain(ctx))
	fp := f.state.Fingerprint(b.ID)
	require.False(t, fp.IsZero())

	// Another device writes the board behind this client's back.
	theirs := f.state.Board(b.ID)
	theirs.Name = "Roadmap (theirs)"
	theirs.UpdatedAt = fp.Add(time.Minute)
	f.mem.Seed(b.ID, theirs, theirs.UpdatedAt)

	// A local edit then tries to push.
	require.NoError(t, f.state.RenameBoard(b.ID, "Roadmap (mine)", ""))
	require.NoError(t, f.engine.FlushLocal())
	require.NoError(t, f.engine.Drain(ctx))

	rec := f.state.Conflict()
	require.NotNil(t, rec, "divergence must surface as a conflict")
	assert.Equal(t, b.ID, rec.BoardID)

	st, msg := f.state.Status()
	assert.Equal(t, statestore.StatusError, st)
	assert.Contains(t, msg, "conflict")

	// The operation stays queued, and nothing was clobbered remotely.
	count, err := f.local.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := f.mem.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Roadmap (theirs)", got.Name)

	// Repeated drains do not stack a second record.
	require.NoError(t, f.engine.Drain(ctx))
	assert.Same(t, rec, f.state.Conflict())

	// Keep the local name; the merge pushes cleanly.
	rec.ResolveAll(conflict.ChoiceLocal)
	require.NoError(t, f.engine.ResolveConflict())
	require.NoError(t, f.engine.Drain(ctx))

	assert.Nil(t, f.state.Conflict())

	got, err = f.mem.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Roadmap (mine)", got.Name)

	count, err = f.local.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
}

// seedConflict establishes a synced board, diverges the remote behind
// the client's back, queues a local edit, and drains it into a conflict.
func seedConflict(t *testing.T, f *fixture) *conflict.Record {
	t.Helper()

	ctx := context.Background()

	b := f.state.CreateBoard("Roadmap", "ana")
	require.NoError(t, f.engine.FlushLocal())
	require.NoError(t, f.engine.Drain(ctx))

	fp := f.state.Fingerprint(b.ID)
	require.False(t, fp.IsZero())

	theirs := f.state.Board(b.ID)
	theirs.Name = "Roadmap (theirs)"
	theirs.UpdatedAt = fp.Add(time.Minute)
	f.mem.Seed(b.ID, theirs, theirs.UpdatedAt)

	require.NoError(t, f.state.RenameBoard(b.ID, "Roadmap (mine)", ""))
	require.NoError(t, f.engine.FlushLocal())
	require.NoError(t, f.engine.Drain(ctx))

	rec := f.state.Conflict()
	require.NotNil(t, rec)

	return rec
}

func TestEngine_ResolveKeepLocalOverwritesRemote(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	rec := seedConflict(t, f)

	require.NoError(t, f.engine.ResolveKeepLocal())
	assert.Nil(t, f.state.Conflict())

	require.NoError(t, f.engine.Drain(ctx))

	got, err := f.mem.Get(ctx, rec.BoardID)
	require.NoError(t, err)
	assert.Equal(t, "Roadmap (mine)", got.Name, "local copy wins in full")

	count, err := f.local.Count()
	require.NoError(t, err)
	assert.Zero(t, count)

	st, _ := f.state.Status()
	assert.Equal(t, statestore.StatusSynced, st)
}

func TestEngine_ResolveKeepRemoteAdoptsTheirs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	rec := seedConflict(t, f)

	require.NoError(t, f.engine.ResolveKeepRemote())
	assert.Nil(t, f.state.Conflict())

	// The local edit and its queued operation are gone; the remote copy
	// is the board now, durably and with its fingerprint.
	assert.Equal(t, "Roadmap (theirs)", f.state.Board(rec.BoardID).Name)
	assert.False(t, f.state.HasDirty())

	count, err := f.local.Count()
	require.NoError(t, err)
	assert.Zero(t, count)

	sh, err := f.local.Shadow(rec.BoardID)
	require.NoError(t, err)
	require.NotNil(t, sh)
	assert.Equal(t, "Roadmap (theirs)", sh.Board.Name)

	st, _ := f.state.Status()
	assert.Equal(t, statestore.StatusSynced, st)

	// Nothing clobbered the remote.
	got, err := f.mem.Get(ctx, rec.BoardID)
	require.NoError(t, err)
	assert.Equal(t, "Roadmap (theirs)", got.Name)

	// A fresh drain has nothing to do and no new conflict to raise.
	require.NoError(t, f.engine.Drain(ctx))
	assert.Nil(t, f.state.Conflict())
}

func TestEngine_DismissConflictLeavesLocalIntact(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	rec := seedConflict(t, f)

	require.NoError(t, f.engine.DismissConflict())
	assert.Nil(t, f.state.Conflict())

	// Local state and the queued operation are untouched.
	assert.Equal(t, "Roadmap (mine)", f.state.Board(rec.BoardID).Name)

	count, err := f.local.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// The divergence still holds, so the next drain re-detects it.
	require.NoError(t, f.engine.Drain(ctx))
	require.NotNil(t, f.state.Conflict())
	assert.Equal(t, rec.BoardID, f.state.Conflict().BoardID)
}

func TestEngine_ResolveConflictRequiresChoices(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	assert.ErrorContains(t, f.engine.ResolveConflict(), "no active conflict")
	assert.ErrorContains(t, f.engine.ResolveKeepLocal(), "no active conflict")
	assert.ErrorContains(t, f.engine.ResolveKeepRemote(), "no active conflict")
	assert.ErrorContains(t, f.engine.DismissConflict(), "no active conflict")

	base := f.state.CreateBoard("Roadmap", "ana")
	local := base.Clone()
	local.Name = "mine"
	theirs := base.Clone()
	theirs.Name = "theirs"

	rec := conflict.NewRecord(base.ID, base, local, theirs, time.Now())
	require.True(t, f.state.SetConflict(rec))

	assert.ErrorContains(t, f.engine.ResolveConflict(), "unresolved")
	assert.NotNil(t, f.state.Conflict(), "record stays active until a clean merge")
}

func TestEngine_QuotaFailureBacksOff(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	local, err := store.Open(filepath.Join(t.TempDir(), "boardsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	state := statestore.New(logging.NewLogger("development"))
	mock := NewMockStore(ctrl)

	engine := New(local, mock, state, testMaxRetries, time.Minute, logging.NewLogger("development"))
	engine.SetOnline(true)

	b := state.CreateBoard("Roadmap", "ana")
	require.NoError(t, engine.FlushLocal())

	ctx := context.Background()
	mock.EXPECT().GetLastModified(ctx, b.ID).Return(time.Time{}, remote.ErrNotFound)
	mock.EXPECT().Put(ctx, b.ID, gomock.Any()).
		Return(time.Time{}, &remote.QuotaError{Err: errors.New("storage quota exceeded")})

	require.NoError(t, engine.Drain(ctx))

	ops, err := local.ListPending()
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, store.OpFailed, ops[0].Status)
	assert.Equal(t, 1, ops[0].RetryCount)
	assert.Contains(t, ops[0].LastError, "quota")

	st, msg := state.Status()
	assert.Equal(t, statestore.StatusError, st)
	assert.Contains(t, msg, "quota")
}

func TestEngine_EmptyDrainIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	// Empty queue from idle: no status churn.
	require.NoError(t, f.engine.Drain(ctx))
	st, _ := f.state.Status()
	assert.Equal(t, statestore.StatusIdle, st)

	// After a real sync the status holds at synced across empty drains.
	b := f.state.CreateBoard("Roadmap", "ana")
	require.NoError(t, f.engine.FlushLocal())
	require.NoError(t, f.engine.Drain(ctx))
	require.NoError(t, f.engine.Drain(ctx))

	st, _ = f.state.Status()
	assert.Equal(t, statestore.StatusSynced, st)
	assert.Zero(t, f.state.PendingCount())
	require.NotNil(t, f.state.Board(b.ID))
}

func TestEngine_RefreshSkipsDirtyBoards(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	b := f.state.CreateBoard("Roadmap", "ana")
	require.NoError(t, f.engine.FlushLocal())
	require.NoError(t, f.engine.Drain(ctx))

	// Remote gains a newer copy.
	theirs := f.state.Board(b.ID)
	theirs.Name = "Roadmap (theirs)"
	theirs.UpdatedAt = theirs.UpdatedAt.Add(time.Minute)
	f.mem.Seed(b.ID, theirs, theirs.UpdatedAt)

	// With local edits pending, refresh must not clobber them.
	require.NoError(t, f.state.RenameBoard(b.ID, "Roadmap (mine)", ""))
	require.NoError(t, f.engine.Refresh(ctx, b.ID))
	assert.Equal(t, "Roadmap (mine)", f.state.Board(b.ID).Name)

	// Drain the edit; the seeded remote write surfaces as a conflict,
	// which keeping the local side clears.
	require.NoError(t, f.engine.FlushLocal())
	require.NoError(t, f.engine.Drain(ctx))

	rec := f.state.Conflict()
	require.NotNil(t, rec)
	rec.ResolveAll(conflict.ChoiceLocal)
	require.NoError(t, f.engine.ResolveConflict())
	require.NoError(t, f.engine.Drain(ctx))

	latest, err := f.mem.Get(ctx, b.ID)
	require.NoError(t, err)
	f.mem.Seed(b.ID, latest, latest.UpdatedAt)

	require.NoError(t, f.engine.Refresh(ctx, b.ID))
	assert.False(t, f.state.HasDirty())
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Duration(0), retryDelay(0))
	assert.Equal(t, 2*time.Second, retryDelay(1))
	assert.Equal(t, 4*time.Second, retryDelay(2))
	assert.Equal(t, 8*time.Second, retryDelay(3))
	assert.Equal(t, retryMaxDelay, retryDelay(8))
	assert.Equal(t, retryMaxDelay, retryDelay(63), "overflow clamps to the cap")
}
