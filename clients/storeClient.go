package clients

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups that match no document.
var ErrNotFound = errors.New("store: document not found")

// M is a generic document filter or partial document.
type M = map[string]interface{}

// FindOptions bound and order the result set of Find.
type FindOptions struct {
	Sort  string // field name, "-" prefix for descending
	Limit int64
	Skip  int64
}

// StoreClient is the generic per-collection document store the service
// persists through. Documents are keyed by an opaque string id.
type StoreClient interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	// GenerateID returns a new unique document id.
	GenerateID() string

	// GetByID decodes the document with the given id into result.
	// Returns ErrNotFound when no document matches.
	GetByID(ctx context.Context, collection, id string, result interface{}) error

	// GetByField decodes the first document whose field equals value.
	// Returns ErrNotFound when no document matches.
	GetByField(ctx context.Context, collection, field string, value interface{}, result interface{}) error

	// Find decodes all documents matching filter into results, which must be
	// a pointer to a slice.
	Find(ctx context.Context, collection string, filter M, opts FindOptions, results interface{}) error

	Create(ctx context.Context, collection, id string, doc interface{}) error

	// Update replaces the document with the given id.
	Update(ctx context.Context, collection, id string, doc interface{}) error

	// ReplaceIf replaces the document with the given id only while its field
	// still equals the expected value. Reports whether the replace happened.
	ReplaceIf(ctx context.Context, collection, id, field string, equals interface{}, doc interface{}) (bool, error)

	Delete(ctx context.Context, collection, id string) error

	// DeleteWhere removes all documents matching filter and returns how many
	// were removed.
	DeleteWhere(ctx context.Context, collection string, filter M) (int64, error)

	// WithTransaction runs fn inside a single atomic multi-document
	// transaction. All store calls made through ctx commit or roll back
	// together.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
