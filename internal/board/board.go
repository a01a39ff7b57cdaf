// Package board defines the document model for synchronized boards: an
// ordered list of columns, each holding an ordered list of cards, plus
// scalar metadata. Column and card IDs are stable across edits and unique
// within a board; the conflict differ keys on them.
package board

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Card is a single item within a column.
type Card struct {
	ID          string `json:"id" yaml:"id" validate:"required"`
	Title       string `json:"title" yaml:"title" validate:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Column is an ordered list of cards with a title.
type Column struct {
	ID    string `json:"id" yaml:"id" validate:"required"`
	Title string `json:"title" yaml:"title" validate:"required"`
	Cards []Card `json:"cards" yaml:"cards" validate:"dive"`
}

// Board is the unit of synchronization. UpdatedAt is monotonically
// non-decreasing across successful writes; Touch enforces this locally
// and the remote store's observed write time is adopted after each put.
type Board struct {
	ID            string    `json:"id" yaml:"id" validate:"required"`
	Name          string    `json:"name" yaml:"name" validate:"required"`
	Description   string    `json:"description,omitempty" yaml:"description,omitempty"`
	Owner         string    `json:"owner,omitempty" yaml:"owner,omitempty"`
	Collaborators []string  `json:"collaborators,omitempty" yaml:"collaborators,omitempty"`
	Columns       []Column  `json:"columns" yaml:"columns" validate:"dive"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"updated_at"`
}

// NewID returns a fresh entity identifier.
func NewID() string {
	return uuid.NewString()
}

// New creates an empty board with a fresh ID and both timestamps set to now.
func New(name string) *Board {
	now := time.Now().UTC()

	return &Board{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewColumn creates an empty column with a fresh ID.
func NewColumn(title string) Column {
	return Column{ID: uuid.NewString(), Title: title}
}

// NewCard creates a card with a fresh ID.
func NewCard(title, description string) Card {
	return Card{ID: uuid.NewString(), Title: title, Description: description}
}

// Touch advances UpdatedAt to now, never moving it backwards. Clock skew
// between enqueue and drain must not produce a board that appears older
// than its previous write.
func (b *Board) Touch() {
	now := time.Now().UTC()
	if now.After(b.UpdatedAt) {
		b.UpdatedAt = now
	}
}

// Clone returns a deep copy. Queue snapshots and conflict records hold
// clones so later mutations of the working set cannot alias into them.
func (b *Board) Clone() *Board {
	if b == nil {
		return nil
	}

	cp := *b
	cp.Collaborators = slices.Clone(b.Collaborators)
	cp.Columns = make([]Column, len(b.Columns))

	for i, col := range b.Columns {
		cp.Columns[i] = col
		cp.Columns[i].Cards = slices.Clone(col.Cards)
	}

	return &cp
}

// Column returns a pointer to the column with the given ID, or nil.
func (b *Board) Column(id string) *Column {
	for i := range b.Columns {
		if b.Columns[i].ID == id {
			return &b.Columns[i]
		}
	}

	return nil
}

// Card returns pointers to the column and card for the given card ID,
// or nils if the card does not exist anywhere on the board.
func (b *Board) Card(cardID string) (*Column, *Card) {
	for i := range b.Columns {
		for j := range b.Columns[i].Cards {
			if b.Columns[i].Cards[j].ID == cardID {
				return &b.Columns[i], &b.Columns[i].Cards[j]
			}
		}
	}

	return nil, nil
}

// RemoveColumn deletes the column with the given ID. Returns false if absent.
func (b *Board) RemoveColumn(id string) bool {
	for i := range b.Columns {
		if b.Columns[i].ID == id {
			b.Columns = slices.Delete(b.Columns, i, i+1)
			return true
		}
	}

	return false
}

// RemoveCard deletes the card with the given ID from whichever column
// holds it. Returns false if absent.
func (b *Board) RemoveCard(cardID string) bool {
	for i := range b.Columns {
		for j := range b.Columns[i].Cards {
			if b.Columns[i].Cards[j].ID == cardID {
				b.Columns[i].Cards = slices.Delete(b.Columns[i].Cards, j, j+1)
				return true
			}
		}
	}

	return false
}

// Equal reports whether two boards hold the same content, ignoring
// nothing: metadata, timestamps, column order, and card order all count.
func (b *Board) Equal(other *Board) bool {
	if b == nil || other == nil {
		return b == other
	}

	if b.ID != other.ID || b.Name != other.Name || b.Description != other.Description ||
		b.Owner != other.Owner ||
		!b.CreatedAt.Equal(other.CreatedAt) || !b.UpdatedAt.Equal(other.UpdatedAt) {
		return false
	}

	if !slices.Equal(b.Collaborators, other.Collaborators) {
		return false
	}

	return slices.EqualFunc(b.Columns, other.Columns, func(a, c Column) bool {
		return a.ID == c.ID && a.Title == c.Title && slices.Equal(a.Cards, c.Cards)
	})
}
