package board

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks structural soundness: required fields via struct tags,
// plus the ID-uniqueness invariant the differ depends on. Boards arriving
// from outside the process (imports, remote reads) are validated before
// they enter the working set.
func (b *Board) Validate() error {
	if err := validate.Struct(b); err != nil {
		return fmt.Errorf("validating board %s: %w", b.ID, err)
	}

	colIDs := make(map[string]struct{}, len(b.Columns))
	cardIDs := make(map[string]struct{})

	for _, col := range b.Columns {
		if _, dup := colIDs[col.ID]; dup {
			return fmt.Errorf("board %s: duplicate column id %s", b.ID, col.ID)
		}

		colIDs[col.ID] = struct{}{}

		for _, c := range col.Cards {
			if _, dup := cardIDs[c.ID]; dup {
				return fmt.Errorf("board %s: duplicate card id %s", b.ID, c.ID)
			}

			cardIDs[c.ID] = struct{}{}
		}
	}

	return nil
}
