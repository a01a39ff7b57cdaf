package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver registration

	"boardsync/internal/board"
)

// putRetries bounds the rev-refresh loop in Put. Each 409 means another
// writer bumped the rev between our read and write; with last-write-wins
// semantics the correct response is to re-read and overwrite.
const putRetries = 3

// couchDoc is the stored shape: the board plus CouchDB's revision marker.
type couchDoc struct {
	Rev string `json:"_rev,omitempty"`
	board.Board
}

// CouchStore backs the remote document store with CouchDB. Unlike the
// plain HTTP backend, CouchDB's per-document rev gives a real conditional
// write, so CouchStore implements ConditionalPutter and the engine's
// fingerprint check-then-write race is closed.
type CouchStore struct {
	db *kivik.DB
}

// NewCouchStore connects to CouchDB at dsn and uses the named database.
func NewCouchStore(dsn, dbName string) (*CouchStore, error) {
	client, err := kivik.New("couch", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to couchdb: %w", err)
	}

	return &CouchStore{db: client.DB(dbName)}, nil
}

func docID(id string) string {
	return "board:" + id
}

// Get fetches the current document.
func (c *CouchStore) Get(ctx context.Context, id string) (*board.Board, error) {
	doc, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}

	b := doc.Board

	return &b, nil
}

// Put overwrites the document, refreshing the rev on write conflicts
// until the overwrite lands. Returns the snapshot's UpdatedAt as the
// observed write time; CouchDB does not stamp documents itself.
func (c *CouchStore) Put(ctx context.Context, id string, b *board.Board) (time.Time, error) {
	for attempt := 0; attempt < putRetries; attempt++ {
		rev, err := c.currentRev(ctx, id)
		if err != nil {
			return time.Time{}, err
		}

		doc := couchDoc{Rev: rev, Board: *b.Clone()}

		_, err = c.db.Put(ctx, docID(id), doc)
		if err == nil {
			return b.UpdatedAt, nil
		}

		if kivik.HTTPStatus(err) != http.StatusConflict {
			return time.Time{}, classifyCouchErr("putting board "+id, err)
		}
	}

	return time.Time{}, fmt.Errorf("putting board %s: rev conflict persisted after %d attempts", id, putRetries)
}

// PutIf writes only if the stored document's UpdatedAt does not exceed
// expected. A newer stored timestamp, or a rev conflict from a racing
// writer, both surface as ErrPreconditionFailed.
func (c *CouchStore) PutIf(ctx context.Context, id string, b *board.Board, expected time.Time) (time.Time, error) {
	rev := ""

	cur, err := c.get(ctx, id)

	switch {
	case err == nil:
		if cur.UpdatedAt.After(expected) {
			return time.Time{}, ErrPreconditionFailed
		}

		rev = cur.Rev

	case err == ErrNotFound:
		// First write for this document.

	default:
		return time.Time{}, err
	}

	doc := couchDoc{Rev: rev, Board: *b.Clone()}

	if _, err := c.db.Put(ctx, docID(id), doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return time.Time{}, ErrPreconditionFailed
		}

		return time.Time{}, classifyCouchErr("putting board "+id, err)
	}

	return b.UpdatedAt, nil
}

// GetLastModified returns the stored document's UpdatedAt.
func (c *CouchStore) GetLastModified(ctx context.Context, id string) (time.Time, error) {
	doc, err := c.get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}

	return doc.UpdatedAt, nil
}

func (c *CouchStore) get(ctx context.Context, id string) (*couchDoc, error) {
	row := c.db.Get(ctx, docID(id))

	var doc couchDoc
	if err := row.ScanDoc(&doc); err != nil {
		return nil, classifyCouchErr("fetching board "+id, err)
	}

	return &doc, nil
}

func (c *CouchStore) currentRev(ctx context.Context, id string) (string, error) {
	doc, err := c.get(ctx, id)
	if err == ErrNotFound {
		return "", nil
	}

	if err != nil {
		return "", err
	}

	return doc.Rev, nil
}

func classifyCouchErr(op string, err error) error {
	switch kivik.HTTPStatus(err) {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests, http.StatusInsufficientStorage:
		return &QuotaError{Err: fmt.Errorf("%s: %w", op, err)}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
