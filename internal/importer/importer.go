// Package importer watches a drop directory for board files. A .json,
// .yaml or .yml file placed there is parsed, validated, installed as a
// local edit, and removed on success. Import is a local operation, so
// it works offline; the sync queue picks the board up at the next flush.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"boardsync/internal/board"
	"boardsync/internal/statestore"
)

const (
	// importDirPerm is the permission mode for the drop directory when
	// ensuring it exists before watching.
	importDirPerm = fs.FileMode(0o755)

	// debounceInterval is how often pending events are checked, so an
	// editor writing a file in several chunks triggers one import.
	debounceInterval = 500 * time.Millisecond

	// settleDelay is how long a file must sit unchanged before import.
	settleDelay = 300 * time.Millisecond

	// maxImportSize caps how large an import file may be.
	maxImportSize = 4 << 20
)

// Flusher persists and enqueues dirty boards after an import lands.
type Flusher interface {
	FlushLocal() error
}

// Importer watches the drop directory and applies board files.
type Importer struct {
	dir    string
	state  *statestore.Store
	engine Flusher
	owner  string
	logger *slog.Logger
}

// New creates an importer for the given drop directory. owner is
// stamped on imported boards that do not name one.
func New(dir string, state *statestore.Store, engine Flusher, owner string, logger *slog.Logger) *Importer {
	return &Importer{
		dir:    dir,
		state:  state,
		engine: engine,
		owner:  owner,
		logger: logger,
	}
}

// Run watches the drop directory until the context is cancelled. Files
// already present at startup are imported first.
func (i *Importer) Run(ctx context.Context) error {
	if err := os.MkdirAll(i.dir, importDirPerm); err != nil {
		return fmt.Errorf("creating import dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(i.dir); err != nil {
		return fmt.Errorf("watching import dir: %w", err)
	}

	i.logger.Info("import watcher started", slog.String("dir", i.dir))

	i.importExisting()

	// Debounce: batch rapid writes into a single import per file.
	pending := make(map[string]time.Time)

	ticker := time.NewTicker(debounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !isBoardFile(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			i.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()

			for path, t := range pending {
				if now.Sub(t) < settleDelay {
					continue
				}

				delete(pending, path)
				i.importFile(path)
			}
		}
	}
}

// importExisting sweeps files dropped before the watcher started.
func (i *Importer) importExisting() {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		i.logger.Warn("reading import dir", slog.String("error", err.Error()))
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !isBoardFile(entry.Name()) {
			continue
		}

		i.importFile(filepath.Join(i.dir, entry.Name()))
	}
}

// importFile parses, validates and installs one board file, deleting it
// on success. A malformed file is left in place so the user can fix it.
func (i *Importer) importFile(path string) {
	b, err := i.parse(path)
	if err != nil {
		i.logger.Warn("import rejected",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return
	}

	i.state.PutBoard(b)

	if err := i.engine.FlushLocal(); err != nil {
		i.logger.Error("flushing imported board", slog.String("error", err.Error()))
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		i.logger.Warn("removing imported file",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}

	i.logger.Info("board imported",
		slog.String("path", filepath.Base(path)),
		slog.String("board_id", b.ID),
		slog.String("name", b.Name),
	)
}

// parse reads a board from a .json, .yaml or .yml file and fills in
// anything the file omits: IDs, owner, timestamps.
func (i *Importer) parse(path string) (*board.Board, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if info.Size() > maxImportSize {
		return nil, fmt.Errorf("file is %d bytes, limit is %d", info.Size(), maxImportSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var b board.Board

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("parsing json: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &b); err != nil {
			return nil, fmt.Errorf("parsing yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported extension %q", filepath.Ext(path))
	}

	fillDefaults(&b, i.owner)

	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("validating board: %w", err)
	}

	return &b, nil
}

// fillDefaults assigns IDs and metadata a hand-written file usually
// leaves out.
func fillDefaults(b *board.Board, owner string) {
	if b.ID == "" {
		b.ID = board.NewID()
	}

	if b.Owner == "" {
		b.Owner = owner
	}

	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}

	b.UpdatedAt = now

	for ci := range b.Columns {
		col := &b.Columns[ci]
		if col.ID == "" {
			col.ID = board.NewID()
		}

		for di := range col.Cards {
			if col.Cards[di].ID == "" {
				col.Cards[di].ID = board.NewID()
			}
		}
	}
}

func isBoardFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}
