// Package syncer drains the durable sync queue against the remote store.
// A drain pass walks pending operations in enqueue order, checks each
// board's fingerprint for remote divergence, and pushes the snapshot
// when the coast is clear. Failures back off exponentially and park
// after too many retries; divergence produces a conflict record for the
// user to resolve.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"boardsync/internal/board"
	"boardsync/internal/conflict"
	"boardsync/internal/remote"
	"boardsync/internal/statestore"
	"boardsync/internal/store"
)

const (
	// retryBaseDelay is the backoff unit: an operation that failed n
	// times waits retryBaseDelay * 2^(n-1) before the next attempt.
	retryBaseDelay = 2 * time.Second

	// retryMaxDelay caps the backoff.
	retryMaxDelay = 2 * time.Minute
)

// Engine owns the sync loop. Concurrent Drain calls collapse into one
// pass; callers never observe two drains writing at once.
type Engine struct {
	local      *store.Store
	remote     remote.Store
	state      *statestore.Store
	logger     *slog.Logger
	maxRetries int
	interval   time.Duration

	wake   chan struct{}
	flight singleflight.Group

	// now is replaceable in tests.
	now func() time.Time

	online atomic.Bool
}

// New wires an engine. maxRetries is the attempt budget per operation
// and interval the periodic drain cadence.
func New(local *store.Store, rem remote.Store, state *statestore.Store, maxRetries int, interval time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		local:      local,
		remote:     rem,
		state:      state,
		logger:     logger,
		maxRetries: maxRetries,
		interval:   interval,
		wake:       make(chan struct{}, 1),
		now:        time.Now,
	}
}

// SetOnline records a connectivity transition. Going online wakes the
// drain immediately; going offline flips the published status so queued
// edits are visibly waiting rather than failing.
func (e *Engine) SetOnline(online bool) {
	if e.online.Swap(online) == online {
		return
	}

	if online {
		e.logger.Info("connectivity restored, scheduling drain")
		e.state.SetStatus(statestore.StatusIdle, "")
		e.Wake()
	} else {
		e.logger.Warn("connectivity lost, queueing locally")
		e.state.SetStatus(statestore.StatusOffline, "")
	}
}

// Online reports the last recorded connectivity state.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// Wake schedules a drain pass without blocking.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drains on a fixed cadence and whenever woken, until the context
// is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-e.wake:
		}

		if err := e.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("drain pass failed", slog.String("error", err.Error()))
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// FlushLocal persists every dirty board to the local store and enqueues
// it for sync, then wakes the drain. Edits survive a crash from this
// point on.
func (e *Engine) FlushLocal() error {
	dirty := e.state.Dirty()
	if len(dirty) == 0 {
		return nil
	}

	for _, b := range dirty {
		if err := e.local.SaveBoard(b); err != nil {
			return fmt.Errorf("saving board %s: %w", b.ID, err)
		}

		if _, err := e.local.Enqueue(b); err != nil {
			return fmt.Errorf("enqueueing board %s: %w", b.ID, err)
		}

		e.state.MarkSaved(b.ID)
	}

	e.logger.Debug("local flush complete", slog.Int("boards", len(dirty)))
	e.publishPendingCount()
	e.Wake()

	return nil
}

// RetryFailed clears the retry state of parked operations and schedules
// a drain. This is the user-facing "try again" action.
func (e *Engine) RetryFailed() (int, error) {
	n, err := e.local.ResetFailed()
	if err != nil {
		return 0, err
	}

	if n > 0 {
		e.logger.Info("failed operations reset", slog.Int("count", n))
		e.Wake()
	}

	return n, nil
}

// Drain runs one pass over the queue. Concurrent calls collapse into a
// single execution whose result all callers share.
func (e *Engine) Drain(ctx context.Context) error {
	_, err, _ := e.flight.Do("drain", func() (any, error) {
		return nil, e.drain(ctx)
	})

	return err
}

func (e *Engine) drain(ctx context.Context) error {
	if !e.online.Load() {
		return nil
	}

	ops, err := e.local.ListPending()
	if err != nil {
		return fmt.Errorf("listing queue: %w", err)
	}

	e.state.SetPendingCount(len(ops))

	if len(ops) == 0 {
		// An empty drain is a no-op unless a previous pass left the
		// status mid-flight.
		if st, _ := e.state.Status(); st == statestore.StatusSyncing {
			e.state.SetStatus(statestore.StatusSynced, "")
		}

		return nil
	}

	e.state.SetStatus(statestore.StatusSyncing, "")

	var lastErr string

	for _, op := range ops {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !e.online.Load() {
			// Connectivity dropped mid-pass. Remaining operations stay
			// queued for the next drain.
			e.publishPendingCount()
			e.state.SetStatus(statestore.StatusOffline, "")

			return nil
		}

		if op.Status == store.OpFailed {
			if op.RetryCount >= e.maxRetries {
				// Parked until the user retries explicitly.
				lastErr = op.LastError
				continue
			}

			if wait := retryDelay(op.RetryCount); e.now().Sub(op.LastAttemptAt) < wait {
				lastErr = op.LastError
				continue
			}
		}

		if rec := e.state.Conflict(); rec != nil && rec.BoardID == op.BoardID {
			// The board is frozen until its conflict is resolved.
			continue
		}

		if err := e.push(ctx, op); err != nil {
			lastErr = err.Error()
			e.logger.Warn("push failed",
				slog.String("board_id", op.BoardID),
				slog.Int("retry_count", op.RetryCount+1),
				slog.String("error", err.Error()),
			)
		}
	}

	e.publishPendingCount()
	e.settleStatus(lastErr)

	return nil
}

// push attempts to deliver one queued snapshot. The fingerprint check
// runs first so a remote write from another device is caught before the
// local copy can clobber it.
func (e *Engine) push(ctx context.Context, op store.Operation) error {
	// Claiming the entry re-reads it, so an edit enqueued since the pass
	// listed it is the snapshot that goes out.
	claimed, err := e.local.MarkInProgress(op.ID)
	if err != nil {
		return err
	}
	op = claimed

	fp := e.state.Fingerprint(op.BoardID)

	remoteMod, err := e.remote.GetLastModified(ctx, op.BoardID)
	switch {
	case errors.Is(err, remote.ErrNotFound):
		// Never pushed before, nothing to diverge from.

	case err != nil:
		return e.fail(op, fmt.Errorf("checking remote modification time: %w", err))

	case fp.IsZero() || remoteMod.After(fp):
		// The remote moved past what this client last observed.
		return e.detectConflict(ctx, op, remoteMod)
	}

	newTS, err := e.put(ctx, op, fp)
	if errors.Is(err, remote.ErrPreconditionFailed) {
		// Lost the race between check and write.
		return e.detectConflict(ctx, op, time.Time{})
	}
	if err != nil {
		return e.fail(op, err)
	}

	e.state.SetFingerprint(op.BoardID, newTS)

	if err := e.local.SaveShadow(op.BoardID, op.Snapshot, newTS); err != nil {
		e.logger.Error("saving synced snapshot", slog.String("error", err.Error()))
	}

	removed, err := e.local.Complete(op.ID)
	if err != nil {
		return err
	}

	if !removed {
		// An edit superseded this snapshot mid-push. The entry stays
		// queued and the flush that made it already scheduled a pass.
		e.logger.Debug("push superseded by a newer edit",
			slog.String("board_id", op.BoardID))
	}

	e.logger.Info("board synced",
		slog.String("board_id", op.BoardID),
		slog.Time("remote_updated_at", newTS),
	)

	return nil
}

// put performs the remote write, conditionally when the backend supports
// it so the fingerprint check and the write are atomic server-side.
func (e *Engine) put(ctx context.Context, op store.Operation, fp time.Time) (time.Time, error) {
	if cp, ok := e.remote.(remote.ConditionalPutter); ok && !fp.IsZero() {
		return cp.PutIf(ctx, op.BoardID, op.Snapshot, fp)
	}

	return e.remote.Put(ctx, op.BoardID, op.Snapshot)
}

// detectConflict fetches the diverged remote copy and installs a
// conflict record. The operation reverts to pending and its board stays
// frozen until the user resolves.
func (e *Engine) detectConflict(ctx context.Context, op store.Operation, remoteMod time.Time) error {
	remoteBoard, err := e.remote.Get(ctx, op.BoardID)
	if err != nil {
		if errors.Is(err, remote.ErrNotFound) {
			// Deleted remotely between check and fetch; retry later.
			return e.local.MarkPending(op.ID)
		}

		return e.fail(op, fmt.Errorf("fetching remote board: %w", err))
	}

	if remoteMod.IsZero() {
		if ts, err := e.remote.GetLastModified(ctx, op.BoardID); err == nil {
			remoteMod = ts
		}
	}

	var base *board.Board

	sh, err := e.local.Shadow(op.BoardID)
	if err != nil {
		e.logger.Error("loading synced snapshot", slog.String("error", err.Error()))
	} else if sh != nil {
		base = sh.Board
	}

	if err := e.local.MarkPending(op.ID); err != nil {
		return err
	}

	rec := conflict.NewRecord(op.BoardID, base, op.Snapshot, remoteBoard, e.now())
	rec.RemoteFingerprint = remoteMod

	if !e.state.SetConflict(rec) {
		e.logger.Warn("conflict suppressed, another is active",
			slog.String("board_id", op.BoardID))
	}

	return nil
}

// ResolveConflict merges the active conflict record per its recorded
// choices, installs the result as a local edit, and schedules its push.
func (e *Engine) ResolveConflict() error {
	rec := e.state.Conflict()
	if rec == nil {
		return errors.New("no active conflict")
	}

	merged, err := rec.ApplyResolutions()
	if err != nil {
		return err
	}

	merged.Touch()
	e.state.PutBoard(merged)
	e.acceptRemoteFingerprint(rec)
	e.state.ClearConflict()

	e.logger.Info("conflict resolved", slog.String("board_id", rec.BoardID))

	return e.FlushLocal()
}

// ResolveKeepLocal discards the remote copy wholesale: the local board
// is re-enqueued and pushed over whatever the remote holds.
func (e *Engine) ResolveKeepLocal() error {
	rec := e.state.Conflict()
	if rec == nil {
		return errors.New("no active conflict")
	}
	if rec.Local == nil {
		return errors.New("conflict carries no local copy")
	}

	kept := rec.Local.Clone()
	kept.Touch()

	e.acceptRemoteFingerprint(rec)
	e.state.ClearConflict()
	e.state.PutBoard(kept)

	e.logger.Info("conflict resolved, local kept", slog.String("board_id", rec.BoardID))

	return e.FlushLocal()
}

// ResolveKeepRemote adopts the remote copy wholesale: the local edits
// and their queued operation are dropped, and the remote snapshot
// becomes the board's new synced state.
func (e *Engine) ResolveKeepRemote() error {
	rec := e.state.Conflict()
	if rec == nil {
		return errors.New("no active conflict")
	}
	if rec.Remote == nil {
		return errors.New("conflict carries no remote copy")
	}

	fp := rec.RemoteFingerprint
	if fp.IsZero() {
		fp = rec.Remote.UpdatedAt
	}

	if err := e.local.Discard(rec.BoardID); err != nil {
		return err
	}

	e.state.ApplyRemote(rec.Remote, fp)

	if err := e.local.SaveBoard(rec.Remote); err != nil {
		return err
	}

	if err := e.local.SaveShadow(rec.BoardID, rec.Remote, fp); err != nil {
		return err
	}

	e.state.ClearConflict()
	e.publishPendingCount()

	if n, err := e.local.Count(); err == nil && n == 0 {
		e.state.SetStatus(statestore.StatusSynced, "")
	} else {
		e.Wake()
	}

	e.logger.Info("conflict resolved, remote adopted", slog.String("board_id", rec.BoardID))

	return nil
}

// DismissConflict drops the record without merging. Local state and the
// queued operation stay as they are; the next push re-detects the
// divergence if it still holds.
func (e *Engine) DismissConflict() error {
	rec := e.state.Conflict()
	if rec == nil {
		return errors.New("no active conflict")
	}

	e.state.ClearConflict()
	e.Wake()

	e.logger.Info("conflict dismissed", slog.String("board_id", rec.BoardID))

	return nil
}

// acceptRemoteFingerprint records the remote state captured at
// detection, so the next push is not told it is divergence.
func (e *Engine) acceptRemoteFingerprint(rec *conflict.Record) {
	switch {
	case !rec.RemoteFingerprint.IsZero():
		e.state.SetFingerprint(rec.BoardID, rec.RemoteFingerprint)
	case rec.Remote != nil:
		e.state.SetFingerprint(rec.BoardID, rec.Remote.UpdatedAt)
	}
}

// Refresh pulls one board from the remote and installs it, unless local
// edits for it are dirty or queued; local changes always win until the
// drain reconciles them.
func (e *Engine) Refresh(ctx context.Context, boardID string) error {
	for _, b := range e.state.Dirty() {
		if b.ID == boardID {
			e.Wake()
			return nil
		}
	}

	ops, err := e.local.ListPending()
	if err != nil {
		return err
	}

	for _, op := range ops {
		if op.BoardID == boardID {
			e.Wake()
			return nil
		}
	}

	b, err := e.remote.Get(ctx, boardID)
	if err != nil {
		return fmt.Errorf("fetching board %s: %w", boardID, err)
	}

	// The server's modification clock is the fingerprint authority; the
	// document's own UpdatedAt is client-stamped and may lag it.
	fingerprint := b.UpdatedAt
	if ts, err := e.remote.GetLastModified(ctx, boardID); err == nil {
		fingerprint = ts
	}

	e.state.ApplyRemote(b, fingerprint)

	if err := e.local.SaveBoard(b); err != nil {
		return err
	}

	return e.local.SaveShadow(boardID, b, fingerprint)
}

func (e *Engine) fail(op store.Operation, cause error) error {
	if remote.IsQuota(cause) {
		e.logger.Warn("remote quota exhausted, backing off",
			slog.String("board_id", op.BoardID))
	}

	if err := e.local.MarkFailed(op.ID, cause); err != nil {
		return err
	}

	return cause
}

// settleStatus publishes the post-drain status: error when a conflict
// waits or any operation remains after the pass, synced when the queue
// emptied. lastErr carries the most recent failure seen during the
// pass; when it is empty the remainder was enqueued while the pass ran
// and the follow-up pass is already scheduled, so syncing stands.
func (e *Engine) settleStatus(lastErr string) {
	remaining, err := e.local.Count()
	if err != nil {
		remaining = -1
	}

	switch {
	case e.state.Conflict() != nil:
		e.state.SetStatus(statestore.StatusError, "conflict awaiting resolution")
	case remaining == 0:
		e.state.SetStatus(statestore.StatusSynced, "")
	case lastErr != "":
		e.state.SetStatus(statestore.StatusError, lastErr)
	}
}

func (e *Engine) publishPendingCount() {
	if n, err := e.local.Count(); err == nil {
		e.state.SetPendingCount(n)
	}
}

// retryDelay returns how long an operation with the given failure count
// waits before its next attempt.
func retryDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		return 0
	}

	d := retryBaseDelay << (retryCount - 1)
	if d > retryMaxDelay || d <= 0 {
		return retryMaxDelay
	}

	return d
}
