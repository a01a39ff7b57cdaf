package conflict

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"boardsync/internal/board"
)

// Choice selects which side of a contested field survives the merge.
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
)

// Record captures one detected conflict between a local board and the
// remote copy that overtook it, together with the user's per-field
// resolutions. At most one record is active per engine at a time.
type Record struct {
	ID         string
	BoardID    string
	Base       *board.Board
	Local      *board.Board
	Remote     *board.Board
	Diffs      []FieldDiff
	DetectedAt time.Time

	// RemoteFingerprint is the remote modification time observed at
	// detection. The merged board is pushed against it.
	RemoteFingerprint time.Time

	resolutions map[string]Choice
}

// NewRecord computes the three-way diff and wraps it in a record ready
// for resolution. Base may be nil when no common ancestor snapshot is
// available.
func NewRecord(boardID string, base, local, remote *board.Board, detectedAt time.Time) *Record {
	return &Record{
		ID:          uuid.NewString(),
		BoardID:     boardID,
		Base:        base,
		Local:       local,
		Remote:      remote,
		Diffs:       ComputeDiff(base, local, remote),
		DetectedAt:  detectedAt,
		resolutions: make(map[string]Choice),
	}
}

// Resolve records a choice for one contested path.
func (r *Record) Resolve(path string, c Choice) error {
	if c != ChoiceLocal && c != ChoiceRemote {
		return fmt.Errorf("unknown choice %q", c)
	}

	for _, d := range r.Diffs {
		if d.Path != path {
			continue
		}
		if d.Kind != KindBothChanged {
			return fmt.Errorf("path %q is not contested", path)
		}
		r.resolutions[path] = c
		return nil
	}

	return fmt.Errorf("unknown conflict path %q", path)
}

// ResolveAll applies one choice to every contested path, the coarse
// keep-mine / keep-theirs action.
func (r *Record) ResolveAll(c Choice) {
	for _, d := range r.Diffs {
		if d.Kind == KindBothChanged {
			r.resolutions[d.Path] = c
		}
	}
}

// Unresolved returns the contested paths still awaiting a choice.
func (r *Record) Unresolved() []string {
	var paths []string
	for _, d := range r.Diffs {
		if d.Kind == KindBothChanged {
			if _, ok := r.resolutions[d.Path]; !ok {
				paths = append(paths, d.Path)
			}
		}
	}
	return paths
}

// ApplyResolutions merges the two sides into a single board. Every
// local_only diff keeps the local value, every remote_only diff takes
// the remote value, and every both_changed diff follows its recorded
// choice. It fails if any contested path is unresolved. Resolving every
// contested path to local yields a board deep-equal to the local copy;
// the caller bumps UpdatedAt when installing the merge.
func (r *Record) ApplyResolutions() (*board.Board, error) {
	if unresolved := r.Unresolved(); len(unresolved) > 0 {
		return nil, fmt.Errorf("%d unresolved conflicts, first at %q", len(unresolved), unresolved[0])
	}

	var merged *board.Board
	if r.Local != nil {
		merged = r.Local.Clone()
	} else {
		merged = &board.Board{ID: r.BoardID}
	}

	// The merge starts from the local copy, so only remote-side values
	// need applying.
	for _, d := range r.Diffs {
		takeRemote := d.Kind == KindRemoteOnly ||
			(d.Kind == KindBothChanged && r.resolutions[d.Path] == ChoiceRemote)
		if !takeRemote {
			continue
		}
		if err := applyRemote(merged, d); err != nil {
			return nil, err
		}
	}

	return merged, nil
}

// applyRemote writes one remote-side value into the merged board.
func applyRemote(b *board.Board, d FieldDiff) error {
	parts := strings.Split(d.Path, "/")

	switch {
	case d.Path == "name":
		b.Name = d.Remote.(string)

	case d.Path == "description":
		b.Description = d.Remote.(string)

	case d.Path == "owner":
		b.Owner = d.Remote.(string)

	case d.Path == "collaborators":
		b.Collaborators = slices.Clone(d.Remote.([]string))

	case len(parts) == 2 && parts[0] == "columns":
		colID := parts[1]
		if d.Remote == nil {
			b.RemoveColumn(colID)
			return nil
		}
		col := d.Remote.(*board.Column)
		b.Columns = append(b.Columns, board.Column{
			ID:    col.ID,
			Title: col.Title,
			Cards: slices.Clone(col.Cards),
		})

	case len(parts) == 3 && parts[2] == "title":
		if col := b.Column(parts[1]); col != nil {
			col.Title = d.Remote.(string)
		}

	case len(parts) == 4 && parts[2] == "cards":
		if d.Remote == nil {
			b.RemoveCard(parts[3])
			return nil
		}
		if col := b.Column(parts[1]); col != nil {
			col.Cards = append(col.Cards, *d.Remote.(*board.Card))
		}

	case len(parts) == 5 && parts[2] == "cards":
		_, card := b.Card(parts[3])
		if card == nil {
			return nil
		}
		switch parts[4] {
		case "title":
			card.Title = d.Remote.(string)
		case "description":
			card.Description = d.Remote.(string)
		}

	default:
		return fmt.Errorf("unhandled conflict path %q", d.Path)
	}

	return nil
}
