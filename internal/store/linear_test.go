package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/discovery/internal/catalog"
	"github.com/toolmesh/discovery/internal/errors"
)

func doc(id string, typ catalog.EntityType, parent string, vec []float32, tags ...string) *catalog.Document {
	return &catalog.Document{
		ID:        id,
		Type:      typ,
		ParentRef: parent,
		Fields: catalog.TextFields{
			Name: id,
			Tags: tags,
		},
		Embedding: vec,
	}
}

func TestLinearUpsertGetRemove(t *testing.T) {
	b, err := NewLinearBackend("")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	d := doc("svc-a", catalog.EntityTypeService, "", []float32{1, 0, 0})
	require.NoError(t, b.Upsert(ctx, d))

	got, ok, err := b.Get(ctx, "svc-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "svc-a", got.ID)
	assert.Equal(t, int64(1), got.Version)

	// Re-indexing the same ID replaces, never duplicates.
	require.NoError(t, b.Upsert(ctx, d))
	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _, _ = b.Get(ctx, "svc-a")
	assert.Equal(t, int64(2), got.Version)

	require.NoError(t, b.Remove(ctx, "svc-a"))
	_, ok, err = b.Get(ctx, "svc-a")
	require.NoError(t, err)
	assert.False(t, ok)

	// Removing an absent ID is a no-op.
	require.NoError(t, b.Remove(ctx, "svc-a"))
}

func TestLinearQueryRanksByCosine(t *testing.T) {
	b, err := NewLinearBackend("")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	require.NoError(t, b.UpsertBatch(ctx, []*catalog.Document{
		doc("far", catalog.EntityTypeTool, "svc", []float32{0, 1, 0}),
		doc("near", catalog.EntityTypeTool, "svc", []float32{1, 0.1, 0}),
		doc("exact", catalog.EntityTypeTool, "svc", []float32{1, 0, 0}),
	}))

	results, err := b.Query(ctx, []float32{1, 0, 0}, Filter{}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "exact", results[0].Doc.ID)
	assert.Equal(t, "near", results[1].Doc.ID)
	assert.InDelta(t, 1.0, results[0].RawScore, 1e-6)
	assert.Greater(t, results[0].RawScore, results[1].RawScore)
}

func TestLinearQueryTieBreaksByID(t *testing.T) {
	b, err := NewLinearBackend("")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	require.NoError(t, b.UpsertBatch(ctx, []*catalog.Document{
		doc("b-tool", catalog.EntityTypeTool, "svc", []float32{1, 0}),
		doc("a-tool", catalog.EntityTypeTool, "svc", []float32{1, 0}),
	}))

	results, err := b.Query(ctx, []float32{1, 0}, Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a-tool", results[0].Doc.ID)
	assert.Equal(t, "b-tool", results[1].Doc.ID)
}

func TestLinearFilterSemantics(t *testing.T) {
	b, err := NewLinearBackend("")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	require.NoError(t, b.UpsertBatch(ctx, []*catalog.Document{
		doc("svc-fin", catalog.EntityTypeService, "", []float32{1, 0}, "finance"),
		doc("t1", catalog.EntityTypeTool, "svc-fin", []float32{1, 0}, "finance", "rates"),
		doc("t2", catalog.EntityTypeTool, "svc-fin", []float32{1, 0}, "finance"),
		doc("t3", catalog.EntityTypeTool, "svc-other", []float32{1, 0}, "weather"),
	}))

	// Type filter
	results, err := b.Query(ctx, nil, Filter{Types: []catalog.EntityType{catalog.EntityTypeTool}}, 0)
	require.NoError(t, err)
	assert.Len(t, results, 3)

	// Parent filter
	results, err = b.Query(ctx, nil, Filter{ParentRef: "svc-fin"}, 0)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	// AND tag semantics: both tags required
	results, err = b.Query(ctx, nil, Filter{Tags: []string{"finance", "rates"}}, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].Doc.ID)
}

func TestLinearFilterOnlyScanOrdersByID(t *testing.T) {
	b, err := NewLinearBackend("")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	require.NoError(t, b.UpsertBatch(ctx, []*catalog.Document{
		doc("c", catalog.EntityTypeTool, "s", []float32{0, 1}, "x"),
		doc("a", catalog.EntityTypeTool, "s", []float32{1, 0}, "x"),
		doc("b", catalog.EntityTypeTool, "s", []float32{0.5, 0.5}, "x"),
	}))

	results, err := b.Query(ctx, nil, Filter{Tags: []string{"x"}}, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].Doc.ID)
	assert.Equal(t, "b", results[1].Doc.ID)
	assert.Equal(t, "c", results[2].Doc.ID)
	for _, r := range results {
		assert.Zero(t, r.RawScore)
	}
}

func TestLinearRejectsDimensionMismatch(t *testing.T) {
	b, err := NewLinearBackend("")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	require.NoError(t, b.Upsert(ctx, doc("a", catalog.EntityTypeService, "", []float32{1, 0, 0})))

	err = b.Upsert(ctx, doc("b", catalog.EntityTypeService, "", []float32{1, 0}))
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDimensionMismatch, errors.GetCode(err))

	_, err = b.Query(ctx, []float32{1}, Filter{}, 1)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDimensionMismatch, errors.GetCode(err))
}

func TestLinearSQLitePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()

	b, err := NewLinearBackend(path)
	require.NoError(t, err)
	d := doc("svc-a", catalog.EntityTypeService, "", []float32{1, 0, 0}, "finance")
	d.Metadata = map[string]string{"endpoint": "http://svc-a"}
	require.NoError(t, b.Upsert(ctx, d))
	require.NoError(t, b.Upsert(ctx, doc("gone", catalog.EntityTypeService, "", []float32{0, 1, 0})))
	require.NoError(t, b.Remove(ctx, "gone"))
	require.NoError(t, b.Close())

	// Reopen and verify the surviving document round-tripped intact.
	b2, err := NewLinearBackend(path)
	require.NoError(t, err)
	defer func() { _ = b2.Close() }()

	n, err := b2.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok, err := b2.Get(ctx, "svc-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0, 0}, got.Embedding)
	assert.Equal(t, []string{"finance"}, got.Fields.Tags)
	assert.Equal(t, "http://svc-a", got.Metadata["endpoint"])
}

func TestLinearWritesImmediatelyVisible(t *testing.T) {
	b, err := NewLinearBackend("")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	require.NoError(t, b.Upsert(ctx, doc("fresh", catalog.EntityTypeTool, "svc", []float32{1, 0})))
	results, err := b.Query(ctx, []float32{1, 0}, Filter{}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "fresh", results[0].Doc.ID)
}
