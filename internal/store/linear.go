package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/toolmesh/discovery/internal/catalog"
	"github.com/toolmesh/discovery/internal/errors"
)

// Compile-time interface check
var _ Backend = (*LinearBackend)(nil)

// LinearBackend is the brute-force fallback: documents live in memory and
// every query computes cosine against all candidates. Writes are visible to
// the next query immediately. With an optional sqlite file the document set
// survives restarts; the file is loaded fully at open and written through on
// every mutation.
//
// Exact, simple, and fine up to a few thousand documents.
type LinearBackend struct {
	mu     sync.RWMutex
	docs   map[string]*catalog.Document
	dims   int
	db     *sqliteStore
	closed bool
}

// NewLinearBackend creates a linear backend. An empty path keeps documents
// in memory only.
func NewLinearBackend(path string) (*LinearBackend, error) {
	b := &LinearBackend{docs: make(map[string]*catalog.Document)}

	if path != "" {
		db, err := openSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		docs, err := db.loadAll(context.Background())
		if err != nil {
			_ = db.close()
			return nil, errors.Wrap(errors.ErrCodeCorruptIndex, err)
		}
		for _, doc := range docs {
			b.docs[doc.ID] = doc
			if b.dims == 0 && len(doc.Embedding) > 0 {
				b.dims = len(doc.Embedding)
			}
		}
		b.db = db
		slog.Info("linear_backend_loaded", "path", path, "documents", len(docs))
	}

	return b, nil
}

// Upsert inserts or replaces a document.
func (b *LinearBackend) Upsert(ctx context.Context, doc *catalog.Document) error {
	return b.UpsertBatch(ctx, []*catalog.Document{doc})
}

// UpsertBatch inserts or replaces documents. The batch is checked for
// dimension consistency before any write lands.
func (b *LinearBackend) UpsertBatch(ctx context.Context, docs []*catalog.Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.ErrCodeInternal, "backend is closed", nil)
	}

	for _, doc := range docs {
		if err := b.checkDimsLocked(doc); err != nil {
			return err
		}
	}

	for _, doc := range docs {
		stored := doc.Clone()
		if prev, ok := b.docs[stored.ID]; ok {
			stored.Version = prev.Version + 1
		} else {
			stored.Version = 1
		}
		b.docs[stored.ID] = stored
		if b.dims == 0 && len(stored.Embedding) > 0 {
			b.dims = len(stored.Embedding)
		}
		if b.db != nil {
			if err := b.db.save(ctx, stored); err != nil {
				return errors.BackendTransient(
					fmt.Sprintf("failed to persist document %s", stored.ID), err)
			}
		}
	}
	return nil
}

// checkDimsLocked rejects a vector whose length disagrees with the index.
func (b *LinearBackend) checkDimsLocked(doc *catalog.Document) error {
	if len(doc.Embedding) == 0 || b.dims == 0 {
		return nil
	}
	if len(doc.Embedding) != b.dims {
		return errors.New(errors.ErrCodeDimensionMismatch,
			fmt.Sprintf("document %s has dimension %d, index uses %d",
				doc.ID, len(doc.Embedding), b.dims), nil)
	}
	return nil
}

// Remove deletes a document. Removing an absent ID is a no-op.
func (b *LinearBackend) Remove(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.ErrCodeInternal, "backend is closed", nil)
	}

	if _, ok := b.docs[id]; !ok {
		return nil
	}
	delete(b.docs, id)
	if b.db != nil {
		if err := b.db.remove(ctx, id); err != nil {
			return errors.BackendTransient(fmt.Sprintf("failed to remove document %s", id), err)
		}
	}
	return nil
}

// Get fetches a document by ID.
func (b *LinearBackend) Get(ctx context.Context, id string) (*catalog.Document, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	doc, ok := b.docs[id]
	if !ok {
		return nil, false, nil
	}
	return doc.Clone(), true, nil
}

// Query scans all documents matching the filter and ranks by cosine.
func (b *LinearBackend) Query(ctx context.Context, vector []float32, filter Filter, k int) ([]Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if vector != nil && b.dims != 0 && len(vector) != b.dims {
		return nil, errors.New(errors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query vector has dimension %d, index uses %d", len(vector), b.dims), nil)
	}

	var results []Result
	for _, doc := range b.docs {
		if !filter.Matches(doc) {
			continue
		}
		var score float64
		if vector != nil {
			score = CosineSimilarity(vector, doc.Embedding)
		}
		results = append(results, Result{Doc: doc.Clone(), RawScore: score})
	}

	sortResults(results)
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Count returns the number of stored documents.
func (b *LinearBackend) Count(ctx context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.docs), nil
}

// Close closes the optional sqlite store.
func (b *LinearBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.db != nil {
		return b.db.close()
	}
	return nil
}
