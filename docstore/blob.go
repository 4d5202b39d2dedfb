package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	condNone   int64 = -1 // unconditional write
	condAbsent int64 = 0  // write only if the object does not exist

	maxCASAttempts = 5
)

var errConflict = errors.New("docstore: write precondition failed")

// blobBackend stores opaque JSON objects by key. Generations implement
// compare-and-swap where the backend supports it; backends without
// generations return condNone from read.
type blobBackend interface {
	read(ctx context.Context, key string) ([]byte, int64, error)
	write(ctx context.Context, key string, data []byte, cond int64) error
	remove(ctx context.Context, key string) error
	// list returns keys directly under prefix (no deeper path segments).
	list(ctx context.Context, prefix string) ([]string, error)
}

// BlobStore keeps each document as a JSON object named
// <collection>/<id>.json in a blob backend.
type BlobStore struct {
	backend blobBackend
	logger  *slog.Logger
	now     func() time.Time

	// mu serialises read-modify-write cycles within this process.
	mu sync.Mutex
}

func newBlobStore(b blobBackend, logger *slog.Logger) *BlobStore {
	return &BlobStore{backend: b, logger: logger, now: time.Now}
}

func objectKey(collection, id string) (string, error) {
	if err := validateCollection(collection); err != nil {
		return "", err
	}
	if err := validateID(id); err != nil {
		return "", err
	}
	return collection + "/" + id + ".json", nil
}

func idFromKey(key string) string {
	return strings.TrimSuffix(path.Base(key), ".json")
}

func jsonSnapshot(id string, data []byte) Snapshot {
	return Snapshot{ID: id, raw: data, decode: json.Unmarshal}
}

// Get decodes the document into dst.
func (s *BlobStore) Get(ctx context.Context, collection, id string, dst any) error {
	key, err := objectKey(collection, id)
	if err != nil {
		return err
	}
	data, _, err := s.backend.read(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// Set replaces the document.
func (s *BlobStore) Set(ctx context.Context, collection, id string, doc any) error {
	return s.put(ctx, collection, id, doc, condNone)
}

// Create writes the document only if it does not exist.
func (s *BlobStore) Create(ctx context.Context, collection, id string, doc any) error {
	err := s.put(ctx, collection, id, doc, condAbsent)
	if errors.Is(err, errConflict) {
		return ErrAlreadyExists
	}
	return err
}

// Add writes the document under a random id.
func (s *BlobStore) Add(ctx context.Context, collection string, doc any) (string, error) {
	id := uuid.NewString()
	if err := s.put(ctx, collection, id, doc, condAbsent); err != nil {
		return "", err
	}
	return id, nil
}

func (s *BlobStore) put(ctx context.Context, collection, id string, doc any, cond int64) error {
	key, err := objectKey(collection, id)
	if err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.write(ctx, key, data, cond)
}

// Update applies updates with a read-modify-write cycle guarded by the
// backend generation. Conflicting writers cause the cycle to restart.
func (s *BlobStore) Update(ctx context.Context, collection, id string, updates ...Update) error {
	key, err := objectKey(collection, id)
	if err != nil {
		return err
	}
	if err := validateUpdates(updates); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		data, gen, err := s.backend.read(ctx, key)
		if err != nil {
			return err
		}
		doc := make(map[string]any)
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("unmarshal %s: %w", key, err)
		}
		if err := applyUpdates(doc, updates, s.now()); err != nil {
			return err
		}
		out, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		err = s.backend.write(ctx, key, out, gen)
		if errors.Is(err, errConflict) {
			s.logger.Debug("Concurrent update detected, retrying", "key", key, "attempt", attempt)
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: %w", key, errConflict)
}

// Delete removes the document.
func (s *BlobStore) Delete(ctx context.Context, collection, id string) error {
	key, err := objectKey(collection, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.remove(ctx, key)
}

// Query lists the collection and evaluates q in memory.
func (s *BlobStore) Query(ctx context.Context, collection string, q Query) ([]Snapshot, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	m, err := newMatcher(q.Filters)
	if err != nil {
		return nil, err
	}

	keys, err := s.backend.list(ctx, collection+"/")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}

	type row struct {
		snap Snapshot
		doc  map[string]any
	}
	var rows []row
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		data, _, err := s.backend.read(ctx, key)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		doc := make(map[string]any)
		if err := json.Unmarshal(data, &doc); err != nil {
			s.logger.Warn("Skipping undecodable document", "key", key, "error", err)
			continue
		}
		if !m.match(doc) {
			continue
		}
		if q.OrderBy != "" {
			if _, ok := getPath(doc, q.OrderBy); !ok {
				continue
			}
		}
		rows = append(rows, row{snap: jsonSnapshot(idFromKey(key), data), doc: doc})
	}

	if q.OrderBy != "" {
		sort.SliceStable(rows, func(i, j int) bool {
			a, _ := getPath(rows[i].doc, q.OrderBy)
			b, _ := getPath(rows[j].doc, q.OrderBy)
			c, _ := compareValues(a, b)
			if q.Desc {
				return c > 0
			}
			return c < 0
		})
	} else {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].snap.ID < rows[j].snap.ID })
	}

	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}

	out := make([]Snapshot, len(rows))
	for i, r := range rows {
		out[i] = r.snap
	}
	return out, nil
}
