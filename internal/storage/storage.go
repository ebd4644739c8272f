// Package storage persists archive documents. Collections are fixed;
// documents inside a collection are free-form JSON keyed by their source
// URL, which makes re-ingesting the same page an update rather than a
// duplicate.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Collections recognized by the archive.
const (
	CollectionMinutes  = "minutes"
	CollectionNews     = "news"
	CollectionSegments = "segments"
)

var collections = map[string]struct{}{
	CollectionMinutes:  {},
	CollectionNews:     {},
	CollectionSegments: {},
}

// ValidCollection reports whether name is a recognized collection.
func ValidCollection(name string) bool {
	_, ok := collections[name]
	return ok
}

// Document is one archived item.
type Document struct {
	ID        int64           `json:"id"`
	URL       string          `json:"url"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ListOptions filter and paginate a listing.
type ListOptions struct {
	// Query matches case-insensitively against the document URL and
	// payload text. Empty means no filter.
	Query string
	Page  int
	Size  int
}

// UpsertResult counts the outcome of a batch upsert.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Store is the persistence interface for archive documents.
type Store interface {
	// Upsert inserts or updates documents by (collection, url).
	Upsert(ctx context.Context, collection string, docs []Document) (UpsertResult, error)

	// List returns one page of documents plus the total match count.
	List(ctx context.Context, collection string, opts ListOptions) ([]Document, int64, error)

	// Get returns the document with the given id, or ErrNotFound.
	Get(ctx context.Context, collection string, id int64) (*Document, error)

	// Delete removes the document with the given id, or returns ErrNotFound.
	Delete(ctx context.Context, collection string, id int64) error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}
