// Package docstore is a small document database abstraction: collections of
// JSON-like documents with atomic field-level updates, filtered/ordered/limited
// queries and polling watches. Backends: local directory, Google Cloud Storage
// and MongoDB.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrAlreadyExists is returned by Create when the document exists.
	ErrAlreadyExists = errors.New("docstore: document already exists")
)

// Store is implemented by every backend.
type Store interface {
	// Get decodes the document into dst.
	Get(ctx context.Context, collection, id string, dst any) error
	// Set replaces the document, creating it if needed.
	Set(ctx context.Context, collection, id string, doc any) error
	// Create writes the document only if it does not exist yet.
	Create(ctx context.Context, collection, id string, doc any) error
	// Add writes the document under a generated id.
	Add(ctx context.Context, collection string, doc any) (string, error)
	// Update applies all updates atomically to an existing document.
	Update(ctx context.Context, collection, id string, updates ...Update) error
	// Delete removes the document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
	// Query returns the documents matching q.
	Query(ctx context.Context, collection string, q Query) ([]Snapshot, error)
}

// IsNotFound reports whether err means the document does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Snapshot is one document as read from a backend.
type Snapshot struct {
	ID     string
	raw    []byte
	decode func([]byte, any) error
}

// DataTo decodes the snapshot into dst.
func (s Snapshot) DataTo(dst any) error {
	if s.decode == nil {
		return errors.New("docstore: empty snapshot")
	}
	if err := s.decode(s.raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", s.ID, err)
	}
	return nil
}

func (s Snapshot) equal(o Snapshot) bool {
	return s.ID == o.ID && string(s.raw) == string(o.raw)
}

// Op is a filter comparison operator.
type Op string

// Filter operators.
const (
	OpEq            Op = "=="
	OpLT            Op = "<"
	OpLTE           Op = "<="
	OpGT            Op = ">"
	OpGTE           Op = ">="
	OpIn            Op = "in"
	OpArrayContains Op = "array-contains"
)

// Filter restricts a query to documents whose field satisfies Op Value.
// Documents missing the field never match.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where builds a filter.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Query describes a filtered, ordered and limited read.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

type updateKind int

const (
	updateSet updateKind = iota
	updateArrayAdd
	updateArrayRemove
	updateDelete
	updateServerTimestamp
)

// Update is a single field mutation. Paths may be dotted ("lastRead.general")
// to merge into nested maps.
type Update struct {
	Path   string
	kind   updateKind
	value  any
	values []any
}

// Set sets path to value.
func Set(path string, value any) Update {
	return Update{Path: path, kind: updateSet, value: value}
}

// ArrayAdd adds values to the array at path unless already present.
func ArrayAdd(path string, values ...any) Update {
	return Update{Path: path, kind: updateArrayAdd, values: values}
}

// ArrayRemove removes every occurrence of values from the array at path.
func ArrayRemove(path string, values ...any) Update {
	return Update{Path: path, kind: updateArrayRemove, values: values}
}

// DeleteField removes path from the document.
func DeleteField(path string) Update {
	return Update{Path: path, kind: updateDelete}
}

// ServerTimestamp sets path to the store's current time.
func ServerTimestamp(path string) Update {
	return Update{Path: path, kind: updateServerTimestamp}
}

// validateID rejects ids that would escape a collection or be read as a
// field path: slashes, dots and the "$" operator prefix.
func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, "/\\.$") {
		return fmt.Errorf("docstore: invalid document id %q", id)
	}
	return nil
}

// validatePath rejects dotted field paths with empty or operator segments.
func validatePath(path string) error {
	for _, part := range strings.Split(path, ".") {
		if part == "" || strings.HasPrefix(part, "$") {
			return fmt.Errorf("docstore: invalid field path %q", path)
		}
	}
	return nil
}

func validateUpdates(updates []Update) error {
	for _, u := range updates {
		if err := validatePath(u.Path); err != nil {
			return err
		}
	}
	return nil
}

func validateCollection(collection string) error {
	if collection == "" {
		return errors.New("docstore: empty collection")
	}
	for _, part := range strings.Split(collection, "/") {
		if err := validateID(part); err != nil {
			return fmt.Errorf("docstore: invalid collection %q", collection)
		}
	}
	return nil
}
