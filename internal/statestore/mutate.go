package statestore

import (
	"fmt"
	"slices"

	"boardsync/internal/board"
)

// CreateBoard adds a new empty board with the given name and owner and
// returns a copy of it.
func (s *Store) CreateBoard(name, owner string) *board.Board {
	b := board.New(name)
	b.Owner = owner
	b.CreatedAt = s.now().UTC()
	b.UpdatedAt = b.CreatedAt

	s.mu.Lock()
	s.boards[b.ID] = b
	s.dirty[b.ID] = struct{}{}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeBoards, BoardID: b.ID})
	return b.Clone()
}

// PutBoard installs or replaces a board as a local edit, marking it
// dirty. Used by the importer and by conflict resolution.
func (s *Store) PutBoard(b *board.Board) {
	cp := b.Clone()

	s.mu.Lock()
	s.boards[cp.ID] = cp
	s.dirty[cp.ID] = struct{}{}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeBoards, BoardID: cp.ID})
}

// RenameBoard sets the board's name and description.
func (s *Store) RenameBoard(id, name, description string) error {
	return s.mutate(id, func(b *board.Board) error {
		b.Name = name
		b.Description = description
		return nil
	})
}

// DeleteBoard removes a board from the working set.
func (s *Store) DeleteBoard(id string) error {
	s.mu.Lock()
	if _, ok := s.boards[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("board %q not found", id)
	}
	delete(s.boards, id)
	delete(s.dirty, id)
	delete(s.fingerprints, id)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeBoards, BoardID: id})
	return nil
}

// AddColumn appends a new column and returns its ID.
func (s *Store) AddColumn(boardID, title string) (string, error) {
	col := board.NewColumn(title)
	err := s.mutate(boardID, func(b *board.Board) error {
		b.Columns = append(b.Columns, col)
		return nil
	})
	if err != nil {
		return "", err
	}
	return col.ID, nil
}

// RenameColumn sets a column's title.
func (s *Store) RenameColumn(boardID, colID, title string) error {
	return s.mutate(boardID, func(b *board.Board) error {
		col := b.Column(colID)
		if col == nil {
			return fmt.Errorf("column %q not found", colID)
		}
		col.Title = title
		return nil
	})
}

// DeleteColumn removes a column and all its cards.
func (s *Store) DeleteColumn(boardID, colID string) error {
	return s.mutate(boardID, func(b *board.Board) error {
		if !b.RemoveColumn(colID) {
			return fmt.Errorf("column %q not found", colID)
		}
		return nil
	})
}

// MoveColumn repositions a column within the board.
func (s *Store) MoveColumn(boardID, colID string, index int) error {
	return s.mutate(boardID, func(b *board.Board) error {
		from := slices.IndexFunc(b.Columns, func(c board.Column) bool { return c.ID == colID })
		if from < 0 {
			return fmt.Errorf("column %q not found", colID)
		}
		if index < 0 || index >= len(b.Columns) {
			return fmt.Errorf("column index %d out of range", index)
		}
		col := b.Columns[from]
		b.Columns = slices.Delete(b.Columns, from, from+1)
		b.Columns = slices.Insert(b.Columns, index, col)
		return nil
	})
}

// AddCard appends a new card to a column and returns its ID.
func (s *Store) AddCard(boardID, colID, title, description string) (string, error) {
	card := board.NewCard(title, description)
	err := s.mutate(boardID, func(b *board.Board) error {
		col := b.Column(colID)
		if col == nil {
			return fmt.Errorf("column %q not found", colID)
		}
		col.Cards = append(col.Cards, card)
		return nil
	})
	if err != nil {
		return "", err
	}
	return card.ID, nil
}

// UpdateCard sets a card's title and description.
func (s *Store) UpdateCard(boardID, cardID, title, description string) error {
	return s.mutate(boardID, func(b *board.Board) error {
		_, card := b.Card(cardID)
		if card == nil {
			return fmt.Errorf("card %q not found", cardID)
		}
		card.Title = title
		card.Description = description
		return nil
	})
}

// DeleteCard removes a card from whichever column holds it.
func (s *Store) DeleteCard(boardID, cardID string) error {
	return s.mutate(boardID, func(b *board.Board) error {
		if !b.RemoveCard(cardID) {
			return fmt.Errorf("card %q not found", cardID)
		}
		return nil
	})
}

// MoveCard moves a card to a position inside a target column, which may
// be the column it already occupies.
func (s *Store) MoveCard(boardID, cardID, toColID string, index int) error {
	return s.mutate(boardID, func(b *board.Board) error {
		fromCol, card := b.Card(cardID)
		if card == nil {
			return fmt.Errorf("card %q not found", cardID)
		}
		toCol := b.Column(toColID)
		if toCol == nil {
			return fmt.Errorf("column %q not found", toColID)
		}

		moved := *card
		i := slices.IndexFunc(fromCol.Cards, func(c board.Card) bool { return c.ID == cardID })
		fromCol.Cards = slices.Delete(fromCol.Cards, i, i+1)

		if index < 0 || index > len(toCol.Cards) {
			index = len(toCol.Cards)
		}
		toCol.Cards = slices.Insert(toCol.Cards, index, moved)
		return nil
	})
}

// mutate applies fn to a board under the lock, touching it and marking
// it dirty when fn succeeds.
func (s *Store) mutate(id string, fn func(*board.Board) error) error {
	s.mu.Lock()
	b, ok := s.boards[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("board %q not found", id)
	}

	if err := fn(b); err != nil {
		s.mu.Unlock()
		return err
	}

	b.Touch()
	s.dirty[id] = struct{}{}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeBoards, BoardID: id})
	return nil
}
