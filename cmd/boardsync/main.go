package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"boardsync/internal/config"
	"boardsync/internal/importer"
	"boardsync/internal/logging"
	"boardsync/internal/monitor"
	"boardsync/internal/remote"
	"boardsync/internal/statestore"
	"boardsync/internal/store"
	"boardsync/internal/syncer"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("boardsync starting",
		slog.String("version", Version),
		slog.String("backend", cfg.RemoteBackend),
		slog.String("db_path", cfg.DBPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	local, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening local store: %w", err)
	}
	defer local.Close()

	rem, err := buildRemote(cfg)
	if err != nil {
		return fmt.Errorf("building remote store: %w", err)
	}

	state := statestore.New(logging.ForComponent(logger, "state"))
	if err := hydrate(local, state); err != nil {
		return fmt.Errorf("hydrating state: %w", err)
	}

	engine := syncer.New(local, rem, state, cfg.MaxRetries, cfg.SyncInterval,
		logging.ForComponent(logger, "engine"))

	mon := monitor.New(buildProber(cfg), engine, state, cfg.ProbeInterval, cfg.IdleTimeout,
		logging.ForComponent(logger, "monitor"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })

	if cfg.ImportDir != "" {
		imp := importer.New(cfg.ImportDir, state, engine, cfg.Owner,
			logging.ForComponent(logger, "importer"))
		g.Go(func() error { return imp.Run(gctx) })
	}

	if cfg.NotifyURL != "" {
		notifier := remote.NewNotifier(cfg.NotifyURL, func(boardID string) {
			if err := engine.Refresh(gctx, boardID); err != nil {
				logger.Warn("refresh after change event failed",
					slog.String("board_id", boardID),
					slog.String("error", err.Error()),
				)
			}
		}, logging.ForComponent(logger, "notifier"))
		g.Go(func() error { return notifier.Run(gctx) })
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("boardsync stopped")
		return nil
	}

	return err
}

// buildRemote constructs the configured remote store backend.
func buildRemote(cfg *config.Config) (remote.Store, error) {
	switch cfg.RemoteBackend {
	case config.BackendHTTP:
		return remote.NewHTTPStore(cfg.RemoteURL, nil), nil

	case config.BackendCouch:
		return remote.NewCouchStore(cfg.CouchDSN, cfg.CouchDB)

	case config.BackendMemory:
		return remote.NewMemory(), nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.RemoteBackend)
	}
}

// hydrate loads cached boards and fingerprints into the working set.
func hydrate(local *store.Store, state *statestore.Store) error {
	boards, err := local.LoadBoards()
	if err != nil {
		return err
	}

	fingerprints, err := local.Fingerprints()
	if err != nil {
		return err
	}

	state.Hydrate(boards, fingerprints)

	return nil
}

// buildProber picks the connectivity check target: the explicit probe
// URL when set, otherwise the remote itself. The in-memory backend has
// no network and is always reachable.
func buildProber(cfg *config.Config) monitor.Prober {
	url := cfg.ProbeURL

	if url == "" {
		switch cfg.RemoteBackend {
		case config.BackendCouch:
			url = cfg.CouchDSN
		case config.BackendMemory:
			return monitor.ProberFunc(func(context.Context) error { return nil })
		default:
			url = cfg.RemoteURL
		}
	}

	return monitor.NewHTTPProber(url)
}
