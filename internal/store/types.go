// Package store provides the pluggable index backends that hold discovery
// documents and their embeddings.
//
// Three variants implement the same Backend interface: LinearBackend
// (brute-force cosine scan, writes immediately visible), HNSWBackend
// (persisted approximate graph with threshold-based rebuilds), and
// RedisBackend (server-side vector search, writes eventually visible).
// Every variant reports RawScore as cosine similarity in [-1, 1] so ranking
// math upstream is backend-independent.
package store

import (
	"context"
	"math"
	"slices"
	"strings"

	"github.com/toolmesh/discovery/internal/catalog"
)

// Backend is the index backend contract. One variant is selected at startup
// and used for the process lifetime.
type Backend interface {
	// Upsert inserts or replaces a document keyed by ID.
	Upsert(ctx context.Context, doc *catalog.Document) error

	// UpsertBatch upserts documents in one operation.
	UpsertBatch(ctx context.Context, docs []*catalog.Document) error

	// Remove deletes a document by ID. Removing an absent ID is a no-op.
	Remove(ctx context.Context, id string) error

	// Get fetches a document by ID.
	Get(ctx context.Context, id string) (*catalog.Document, bool, error)

	// Query returns the top-k documents by cosine similarity to vector,
	// restricted to documents matching filter. A nil vector performs a
	// filter-only scan: every match is returned (k caps the count when
	// positive) with RawScore 0, ordered by ascending ID.
	Query(ctx context.Context, vector []float32, filter Filter, k int) ([]Result, error)

	// Count returns the number of live documents.
	Count(ctx context.Context) (int, error)

	// Close releases resources.
	Close() error
}

// Rebuildable is implemented by backends that maintain a derived structure
// which degrades under incremental writes.
type Rebuildable interface {
	// NeedsRebuild reports whether accumulated writes crossed the
	// rebuild threshold.
	NeedsRebuild() bool

	// Rebuild reconstructs the derived structure from live documents.
	// Readers observe either the old or the new structure, never a mix.
	Rebuild(ctx context.Context) error
}

// Filter restricts a query to matching documents. Zero-value fields do not
// restrict. Tags use AND semantics: a document must carry every listed tag.
type Filter struct {
	Types     []catalog.EntityType
	ParentRef string
	Tags      []string
}

// Matches reports whether doc satisfies every set constraint.
func (f Filter) Matches(doc *catalog.Document) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, doc.Type) {
		return false
	}
	if f.ParentRef != "" && doc.ParentRef != f.ParentRef {
		return false
	}
	if len(f.Tags) > 0 && !doc.Fields.HasAllTags(f.Tags) {
		return false
	}
	return true
}

// Result is a single query hit.
type Result struct {
	Doc *catalog.Document

	// RawScore is cosine similarity in [-1, 1]. Zero for filter-only scans.
	RawScore float64
}

// sortResults orders by descending score, then ascending ID for stability.
func sortResults(results []Result) {
	slices.SortFunc(results, func(a, b Result) int {
		if a.RawScore != b.RawScore {
			if a.RawScore > b.RawScore {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Doc.ID, b.Doc.ID)
	})
}

// CosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 when either vector has zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
