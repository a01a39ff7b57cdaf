// Package conflict computes three-way diffs between a shared base board
// and two divergent copies, and merges them back once every contested
// field has a resolution.
package conflict

import (
	"slices"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"boardsync/internal/board"
)

// Kind classifies a single field difference relative to the common base.
type Kind string

const (
	// KindLocalOnly means only the local copy changed the field. It
	// resolves to the local value without user input.
	KindLocalOnly Kind = "local_only"

	// KindRemoteOnly means only the remote copy changed the field. It
	// resolves to the remote value without user input.
	KindRemoteOnly Kind = "remote_only"

	// KindBothChanged means both copies changed the field to different
	// values and a resolution is required.
	KindBothChanged Kind = "both_changed"
)

// FieldDiff describes one divergent field. Path uses a slash-separated
// addressing scheme: top-level fields by name, columns as
// "columns/<colID>" (presence) or "columns/<colID>/title", and cards as
// "columns/<colID>/cards/<cardID>" plus "/title" and "/description"
// beneath that. For presence paths a nil value means the side deleted
// the entity.
type FieldDiff struct {
	Path   string
	Kind   Kind
	Base   any
	Local  any
	Remote any

	// Preview is a readable inline diff for contested string fields,
	// empty otherwise.
	Preview string
}

// ComputeDiff compares local and remote against their common base and
// returns one FieldDiff per divergent field, in board order. A nil base
// is treated as an empty board, so every difference between the two
// sides is attributed to both.
func ComputeDiff(base, local, remote *board.Board) []FieldDiff {
	if base == nil {
		base = &board.Board{}
	}
	if local == nil {
		local = &board.Board{}
	}
	if remote == nil {
		remote = &board.Board{}
	}

	var diffs []FieldDiff

	appendScalar(&diffs, "name", base.Name, local.Name, remote.Name)
	appendScalar(&diffs, "description", base.Description, local.Description, remote.Description)
	appendScalar(&diffs, "owner", base.Owner, local.Owner, remote.Owner)

	if kind, ok := classify(base.Collaborators, local.Collaborators, remote.Collaborators, slices.Equal); ok {
		diffs = append(diffs, FieldDiff{
			Path:   "collaborators",
			Kind:   kind,
			Base:   slices.Clone(base.Collaborators),
			Local:  slices.Clone(local.Collaborators),
			Remote: slices.Clone(remote.Collaborators),
		})
	}

	diffs = append(diffs, diffColumns(base, local, remote)...)

	return diffs
}

func diffColumns(base, local, remote *board.Board) []FieldDiff {
	var diffs []FieldDiff

	for _, id := range orderedIDs(
		columnIDs(base.Columns), columnIDs(local.Columns), columnIDs(remote.Columns),
	) {
		bc := base.Column(id)
		lc := local.Column(id)
		rc := remote.Column(id)
		path := "columns/" + id

		switch {
		case lc != nil && rc != nil:
			baseTitle := ""
			var baseCards []board.Card
			if bc != nil {
				baseTitle = bc.Title
				baseCards = bc.Cards
			}
			appendScalar(&diffs, path+"/title", baseTitle, lc.Title, rc.Title)
			diffs = append(diffs, diffCards(path, baseCards, lc.Cards, rc.Cards)...)

		case lc == nil && rc == nil:
			// Deleted on both sides, nothing to reconcile.

		case lc != nil:
			diffs = append(diffs, presenceDiff(path, bc, lc, nil, columnEqual)...)

		default:
			diffs = append(diffs, presenceDiff(path, bc, nil, rc, columnEqual)...)
		}
	}

	return diffs
}

func diffCards(colPath string, base, local, remote []board.Card) []FieldDiff {
	var diffs []FieldDiff

	for _, id := range orderedIDs(cardIDs(base), cardIDs(local), cardIDs(remote)) {
		bc := findCard(base, id)
		lc := findCard(local, id)
		rc := findCard(remote, id)
		path := colPath + "/cards/" + id

		switch {
		case lc != nil && rc != nil:
			baseTitle, baseDesc := "", ""
			if bc != nil {
				baseTitle, baseDesc = bc.Title, bc.Description
			}
			appendScalar(&diffs, path+"/title", baseTitle, lc.Title, rc.Title)
			appendScalar(&diffs, path+"/description", baseDesc, lc.Description, rc.Description)

		case lc == nil && rc == nil:

		case lc != nil:
			diffs = append(diffs, presenceDiff(path, bc, lc, nil, cardEqual)...)

		default:
			diffs = append(diffs, presenceDiff(path, bc, nil, rc, cardEqual)...)
		}
	}

	return diffs
}

// presenceDiff classifies an entity that exists on exactly one side.
// An addition is attributed to the side holding it. A deletion of an
// entity the surviving side left untouched is honored; a deletion that
// races a modification is contested.
func presenceDiff[T any](path string, base, local, remote *T, equal func(*T, *T) bool) []FieldDiff {
	d := FieldDiff{Path: path, Base: anyOrNil(base), Local: anyOrNil(local), Remote: anyOrNil(remote)}

	switch {
	case base == nil && local != nil:
		d.Kind = KindLocalOnly
	case base == nil && remote != nil:
		d.Kind = KindRemoteOnly
	case local == nil && equal(base, remote):
		// Local deleted, remote untouched.
		d.Kind = KindLocalOnly
	case remote == nil && equal(base, local):
		d.Kind = KindRemoteOnly
	default:
		d.Kind = KindBothChanged
	}

	return []FieldDiff{d}
}

func appendScalar(diffs *[]FieldDiff, path, base, local, remote string) {
	kind, ok := classify(base, local, remote, func(a, b string) bool { return a == b })
	if !ok {
		return
	}

	d := FieldDiff{Path: path, Kind: kind, Base: base, Local: local, Remote: remote}
	if kind == KindBothChanged {
		d.Preview = textPreview(local, remote)
	}
	*diffs = append(*diffs, d)
}

// classify reports how local and remote relate to base, and whether the
// field differs at all.
func classify[T any](base, local, remote T, equal func(T, T) bool) (Kind, bool) {
	changedL := !equal(base, local)
	changedR := !equal(base, remote)

	switch {
	case !changedL && !changedR:
		return "", false
	case changedL && changedR && equal(local, remote):
		// Convergent edits need no resolution.
		return "", false
	case changedL && changedR:
		return KindBothChanged, true
	case changedL:
		return KindLocalOnly, true
	default:
		return KindRemoteOnly, true
	}
}

// textPreview renders a contested string pair as an inline diff with
// [-deleted-] and [+inserted+] markers.
func textPreview(local, remote string) string {
	dmp := diffmatchpatch.New()
	segs := dmp.DiffMain(local, remote, false)
	segs = dmp.DiffCleanupSemantic(segs)

	var b strings.Builder
	for _, seg := range segs {
		switch seg.Type {
		case diffmatchpatch.DiffDelete:
			b.WriteString("[-")
			b.WriteString(seg.Text)
			b.WriteString("-]")
		case diffmatchpatch.DiffInsert:
			b.WriteString("[+")
			b.WriteString(seg.Text)
			b.WriteString("+]")
		default:
			b.WriteString(seg.Text)
		}
	}

	return b.String()
}

// orderedIDs merges ID slices preserving base order first, then local
// additions, then remote additions.
func orderedIDs(base, local, remote []string) []string {
	seen := make(map[string]struct{}, len(base)+len(local)+len(remote))
	var out []string

	for _, ids := range [][]string{base, local, remote} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	return out
}

func columnIDs(cols []board.Column) []string {
	ids := make([]string, len(cols))
	for i := range cols {
		ids[i] = cols[i].ID
	}
	return ids
}

func cardIDs(cards []board.Card) []string {
	ids := make([]string, len(cards))
	for i := range cards {
		ids[i] = cards[i].ID
	}
	return ids
}

func findCard(cards []board.Card, id string) *board.Card {
	for i := range cards {
		if cards[i].ID == id {
			return &cards[i]
		}
	}
	return nil
}

func columnEqual(a, b *board.Column) bool {
	return a.Title == b.Title && slices.Equal(a.Cards, b.Cards)
}

func cardEqual(a, b *board.Card) bool {
	return *a == *b
}

// anyOrNil converts a typed nil pointer into an untyped nil so presence
// checks on FieldDiff values stay simple.
func anyOrNil[T any](p *T) any {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}
