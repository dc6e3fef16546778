package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
	"github.com/gofrs/flock"

	"github.com/toolmesh/discovery/internal/catalog"
	"github.com/toolmesh/discovery/internal/errors"
)

// Compile-time interface checks
var (
	_ Backend     = (*HNSWBackend)(nil)
	_ Rebuildable = (*HNSWBackend)(nil)
)

const (
	graphFileName = "index.hnsw"
	docsFileName  = "docs.gob"
	lockFileName  = ".writer.lock"

	// DefaultRebuildThreshold is the incremental-write budget before a
	// full rebuild is requested.
	DefaultRebuildThreshold = 250
)

// HNSWBackend stores documents in a persisted approximate-nearest-neighbor
// graph on the local filesystem. Incremental writes update the graph in
// place; deletes are lazy (tombstoned, filtered at query time) because the
// graph structure degrades when nodes are unlinked. Once accumulated writes
// cross the rebuild threshold the backend reports NeedsRebuild and queries
// may return slightly stale rankings until Rebuild runs.
//
// Rebuild constructs a fresh state and swaps it wholesale, so concurrent
// readers observe either the old or the new snapshot, never a mixture.
// A file lock guards the directory against a second writer process.
type HNSWBackend struct {
	dir       string
	threshold int
	flk       *flock.Flock

	mu     sync.RWMutex
	st     *hnswState
	writes int
	closed bool
}

// hnswState bundles the graph with its document table so the pair can be
// replaced atomically.
type hnswState struct {
	graph   *hnsw.Graph[uint64]
	docs    map[string]*catalog.Document
	keys    map[string]uint64
	ids     map[uint64]string
	deleted map[uint64]bool
	nextKey uint64
	dims    int
}

// hnswSidecar is the gob-persisted companion of the graph file.
type hnswSidecar struct {
	Docs    map[string]*catalog.Document
	Keys    map[string]uint64
	Deleted []uint64
	NextKey uint64
	Dims    int
}

func newHNSWState() *hnswState {
	return &hnswState{
		graph:   newGraph(),
		docs:    make(map[string]*catalog.Document),
		keys:    make(map[string]uint64),
		ids:     make(map[uint64]string),
		deleted: make(map[uint64]bool),
		nextKey: 1,
	}
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 64
	g.Ml = 0.25
	return g
}

// NewHNSWBackend opens or creates a file-backed ANN index in dir. A corrupt
// index is reset to empty with a logged warning rather than failing open.
func NewHNSWBackend(dir string, rebuildThreshold int) (*HNSWBackend, error) {
	if rebuildThreshold <= 0 {
		rebuildThreshold = DefaultRebuildThreshold
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.New(errors.ErrCodeInternal, "failed to create index directory", err)
	}

	flk := flock.New(filepath.Join(dir, lockFileName))
	locked, err := flk.TryLock()
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternal, "failed to acquire index lock", err)
	}
	if !locked {
		return nil, errors.New(errors.ErrCodeIndexLocked,
			fmt.Sprintf("index directory %s is locked by another writer", dir), nil)
	}

	b := &HNSWBackend{dir: dir, threshold: rebuildThreshold, flk: flk}
	st, err := loadHNSWState(dir)
	if err != nil {
		// Reset rather than refuse to start. The index is derived data;
		// a rebuild restores it from the entity snapshot.
		slog.Warn("index_corrupt_reset",
			"dir", dir,
			"code", errors.ErrCodeCorruptIndex,
			"error", err.Error())
		st = newHNSWState()
	}
	b.st = st

	slog.Info("hnsw_backend_opened", "dir", dir, "documents", len(st.docs))
	return b, nil
}

// loadHNSWState reads the persisted graph and sidecar. Missing files yield
// an empty state; a half-present or undecodable pair is corruption.
func loadHNSWState(dir string) (*hnswState, error) {
	graphPath := filepath.Join(dir, graphFileName)
	docsPath := filepath.Join(dir, docsFileName)

	_, graphErr := os.Stat(graphPath)
	_, docsErr := os.Stat(docsPath)
	if os.IsNotExist(graphErr) && os.IsNotExist(docsErr) {
		return newHNSWState(), nil
	}
	if os.IsNotExist(graphErr) != os.IsNotExist(docsErr) {
		return nil, fmt.Errorf("index files out of sync: graph=%v docs=%v", graphErr == nil, docsErr == nil)
	}

	st := newHNSWState()

	gf, err := os.Open(graphPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = gf.Close() }()
	// Import requires an io.ByteReader.
	if err := st.graph.Import(bufio.NewReader(gf)); err != nil {
		return nil, fmt.Errorf("failed to import graph: %w", err)
	}

	df, err := os.Open(docsPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = df.Close() }()
	var side hnswSidecar
	if err := gob.NewDecoder(df).Decode(&side); err != nil {
		return nil, fmt.Errorf("failed to decode document sidecar: %w", err)
	}

	st.docs = side.Docs
	st.keys = side.Keys
	st.nextKey = side.NextKey
	st.dims = side.Dims
	for id, key := range side.Keys {
		st.ids[key] = id
	}
	for _, key := range side.Deleted {
		st.deleted[key] = true
	}
	if st.docs == nil {
		st.docs = make(map[string]*catalog.Document)
	}
	if st.keys == nil {
		st.keys = make(map[string]uint64)
	}
	return st, nil
}

// Upsert inserts or replaces a document.
func (b *HNSWBackend) Upsert(ctx context.Context, doc *catalog.Document) error {
	return b.UpsertBatch(ctx, []*catalog.Document{doc})
}

// UpsertBatch inserts or replaces documents and persists the index.
func (b *HNSWBackend) UpsertBatch(ctx context.Context, docs []*catalog.Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.ErrCodeInternal, "backend is closed", nil)
	}

	for _, doc := range docs {
		if len(doc.Embedding) > 0 && b.st.dims != 0 && len(doc.Embedding) != b.st.dims {
			return errors.New(errors.ErrCodeDimensionMismatch,
				fmt.Sprintf("document %s has dimension %d, index uses %d",
					doc.ID, len(doc.Embedding), b.st.dims), nil)
		}
	}

	for _, doc := range docs {
		stored := doc.Clone()
		if prev, ok := b.st.docs[stored.ID]; ok {
			stored.Version = prev.Version + 1
			// Tombstone the old node; the replacement gets a fresh key.
			b.st.deleted[b.st.keys[stored.ID]] = true
		} else {
			stored.Version = 1
		}

		key := b.st.nextKey
		b.st.nextKey++
		b.st.keys[stored.ID] = key
		b.st.ids[key] = stored.ID
		b.st.docs[stored.ID] = stored
		if len(stored.Embedding) > 0 {
			if b.st.dims == 0 {
				b.st.dims = len(stored.Embedding)
			}
			b.st.graph.Add(hnsw.MakeNode(key, stored.Embedding))
		}
		b.writes++
	}

	return b.persistLocked()
}

// Remove tombstones a document's graph node and drops it from the table.
func (b *HNSWBackend) Remove(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.ErrCodeInternal, "backend is closed", nil)
	}

	key, ok := b.st.keys[id]
	if !ok {
		return nil
	}
	b.st.deleted[key] = true
	delete(b.st.keys, id)
	delete(b.st.ids, key)
	delete(b.st.docs, id)
	b.writes++

	return b.persistLocked()
}

// Get fetches a document by ID.
func (b *HNSWBackend) Get(ctx context.Context, id string) (*catalog.Document, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	doc, ok := b.st.docs[id]
	if !ok {
		return nil, false, nil
	}
	return doc.Clone(), true, nil
}

// Query searches the graph for the k nearest live documents matching filter.
// A nil vector scans the document table instead of touching the graph.
func (b *HNSWBackend) Query(ctx context.Context, vector []float32, filter Filter, k int) ([]Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := b.st

	if vector == nil {
		var results []Result
		for _, doc := range st.docs {
			if filter.Matches(doc) {
				results = append(results, Result{Doc: doc.Clone()})
			}
		}
		sortResults(results)
		if k > 0 && len(results) > k {
			results = results[:k]
		}
		return results, nil
	}

	if st.dims != 0 && len(vector) != st.dims {
		return nil, errors.New(errors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query vector has dimension %d, index uses %d", len(vector), st.dims), nil)
	}
	if st.graph.Len() == 0 {
		return nil, nil
	}

	// Over-fetch to ride out tombstones and filter misses.
	fetch := k*4 + len(st.deleted)
	if fetch < k {
		fetch = k
	}
	if fetch > st.graph.Len() {
		fetch = st.graph.Len()
	}

	nodes := st.graph.Search(vector, fetch)
	var results []Result
	for _, node := range nodes {
		if st.deleted[node.Key] {
			continue
		}
		id, ok := st.ids[node.Key]
		if !ok {
			continue
		}
		doc := st.docs[id]
		if doc == nil || !filter.Matches(doc) {
			continue
		}
		// CosineDistance is 1 - cosine, so similarity is 1 - distance.
		raw := 1 - float64(st.graph.Distance(vector, node.Value))
		results = append(results, Result{Doc: doc.Clone(), RawScore: raw})
	}

	sortResults(results)
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Count returns the number of live documents.
func (b *HNSWBackend) Count(ctx context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.st.docs), nil
}

// NeedsRebuild reports whether incremental writes crossed the threshold.
func (b *HNSWBackend) NeedsRebuild() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writes >= b.threshold
}

// Rebuild reconstructs the graph from live documents and swaps it in.
// Queries running against the old state finish against the old state.
func (b *HNSWBackend) Rebuild(ctx context.Context) error {
	b.mu.RLock()
	docs := make([]*catalog.Document, 0, len(b.st.docs))
	for _, doc := range b.st.docs {
		docs = append(docs, doc.Clone())
	}
	b.mu.RUnlock()

	fresh := newHNSWState()
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := fresh.nextKey
		fresh.nextKey++
		fresh.keys[doc.ID] = key
		fresh.ids[key] = doc.ID
		fresh.docs[doc.ID] = doc
		if len(doc.Embedding) > 0 {
			if fresh.dims == 0 {
				fresh.dims = len(doc.Embedding)
			}
			fresh.graph.Add(hnsw.MakeNode(key, doc.Embedding))
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.ErrCodeInternal, "backend is closed", nil)
	}
	b.st = fresh
	b.writes = 0
	if err := b.persistLocked(); err != nil {
		return err
	}
	slog.Info("hnsw_rebuild_complete", "documents", len(fresh.docs))
	return nil
}

// persistLocked writes graph and sidecar via temp files and atomic renames.
// Callers hold the write lock.
func (b *HNSWBackend) persistLocked() error {
	if err := writeAtomic(filepath.Join(b.dir, graphFileName), func(f *os.File) error {
		w := bufio.NewWriter(f)
		if err := b.st.graph.Export(w); err != nil {
			return err
		}
		return w.Flush()
	}); err != nil {
		return errors.BackendTransient("failed to persist index graph", err)
	}

	side := hnswSidecar{
		Docs:    b.st.docs,
		Keys:    b.st.keys,
		NextKey: b.st.nextKey,
		Dims:    b.st.dims,
	}
	for key := range b.st.deleted {
		side.Deleted = append(side.Deleted, key)
	}
	if err := writeAtomic(filepath.Join(b.dir, docsFileName), func(f *os.File) error {
		return gob.NewEncoder(f).Encode(&side)
	}); err != nil {
		return errors.BackendTransient("failed to persist document sidecar", err)
	}
	return nil
}

// writeAtomic writes via a temp file in the same directory, fsyncs, and
// renames over the target.
func writeAtomic(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Close persists state and releases the writer lock.
func (b *HNSWBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	err := b.persistLocked()
	if unlockErr := b.flk.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}
