package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/discovery/internal/catalog"
	"github.com/toolmesh/discovery/internal/config"
	"github.com/toolmesh/discovery/internal/embed"
	"github.com/toolmesh/discovery/internal/errors"
	"github.com/toolmesh/discovery/internal/store"
)

// newTestEngine indexes the given entities into a linear backend with the
// static embedder and returns an engine over them.
func newTestEngine(t *testing.T, entities []*catalog.Entity) *Engine {
	t.Helper()
	ctx := context.Background()

	embedder := embed.NewStaticEmbedder(256)
	backend, err := store.NewLinearBackend("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })

	for _, e := range entities {
		vec, err := embedder.Embed(ctx, e.Fields.EmbeddingText())
		require.NoError(t, err)
		require.NoError(t, backend.Upsert(ctx, &catalog.Document{
			ID:        e.ID,
			Type:      e.Type,
			ParentRef: e.ParentRef,
			Fields:    e.Fields,
			Embedding: vec,
			Metadata:  e.Metadata,
			UpdatedAt: time.Now(),
		}))
	}

	return NewEngine(embedder, backend, config.NewConfig())
}

func tool(service, name, description string, tags ...string) *catalog.Entity {
	return &catalog.Entity{
		Type:      catalog.EntityTypeTool,
		ID:        catalog.ToolID(service, name),
		ParentRef: service,
		Fields: catalog.TextFields{
			Name:        name,
			Description: description,
			Path:        service,
			Tags:        tags,
		},
	}
}

func TestSearchFindsTimeToolForTokyoQuery(t *testing.T) {
	// Given a catalog with a time service and unrelated services
	engine := newTestEngine(t, []*catalog.Entity{
		tool("/currenttime", "get_current_time", "Get the current time in a specific timezone", "time"),
		tool("/weather", "get_forecast", "Get the weather forecast for a city", "weather"),
		tool("/exchange", "convert_currency", "Convert an amount between two currencies", "finance"),
	})

	// When querying for the time in Tokyo
	results, err := engine.Search(context.Background(), Request{
		Query:     "what time is it in Tokyo right now",
		TopNTools: 1,
	})

	// Then the time tool is the single result
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, catalog.ToolID("/currenttime", "get_current_time"), results[0].ID)
	assert.Equal(t, "/currenttime", results[0].ServicePath)
	assert.Equal(t, "get_current_time", results[0].ToolName)
	assert.Contains(t, results[0].MatchedFields, "name")
}

func TestSearchTagOnlySkipsVectors(t *testing.T) {
	// Given tools across two tag domains
	engine := newTestEngine(t, []*catalog.Entity{
		tool("/exchange", "convert_currency", "Convert currencies", "finance"),
		tool("/exchange", "list_rates", "List exchange rates", "finance"),
		tool("/weather", "get_forecast", "Weather forecast", "weather"),
	})

	// When filtering by tag with no query text
	results, err := engine.Search(context.Background(), Request{
		Tags:      []string{"finance"},
		TopNTools: 10,
	})

	// Then only finance tools return, id-ordered, scores zero
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, catalog.ToolID("/exchange", "convert_currency"), results[0].ID)
	assert.Equal(t, catalog.ToolID("/exchange", "list_rates"), results[1].ID)
	for _, r := range results {
		assert.Zero(t, r.Score)
	}
}

func TestSearchCombinesTagsWithQuery(t *testing.T) {
	engine := newTestEngine(t, []*catalog.Entity{
		tool("/exchange", "convert_currency", "Convert currencies", "finance"),
		tool("/stocks", "convert_symbols", "Convert ticker symbols", "markets"),
	})

	results, err := engine.Search(context.Background(), Request{
		Query:     "convert",
		Tags:      []string{"finance"},
		TopNTools: 10,
	})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, catalog.ToolID("/exchange", "convert_currency"), results[0].ID)
}

func TestSearchTextBoostBreaksVectorNearTies(t *testing.T) {
	// Given two tools with similar descriptions where only one carries the
	// query term in its name
	engine := newTestEngine(t, []*catalog.Entity{
		tool("/svc-a", "lookup_table", "find records in the data set", "data"),
		tool("/svc-b", "search_records", "find records in the data set", "data"),
	})

	results, err := engine.Search(context.Background(), Request{
		Query:     "search records",
		TopNTools: 2,
	})

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, catalog.ToolID("/svc-b", "search_records"), results[0].ID)
}

func TestSearchScoreBounds(t *testing.T) {
	engine := newTestEngine(t, []*catalog.Entity{
		tool("/currenttime", "get_current_time", "Get the current time in a timezone", "time"),
	})

	results, err := engine.Search(context.Background(), Request{Query: "current time", TopNTools: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)

	// normalized is in [0,1]; boosts add at most (5+3+2+1.5)*0.05
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0+11.5*0.05+1e-9)
	}
}

func TestSearchTopNIsGlobalCap(t *testing.T) {
	engine := newTestEngine(t, []*catalog.Entity{
		tool("/svc-a", "alpha_one", "shared concern alpha", "x"),
		tool("/svc-a", "alpha_two", "shared concern alpha", "x"),
		tool("/svc-b", "alpha_three", "shared concern alpha", "x"),
	})

	results, err := engine.Search(context.Background(), Request{Query: "alpha", TopNTools: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearchAgentsGroupAsThemselves(t *testing.T) {
	engine := newTestEngine(t, []*catalog.Entity{
		{
			Type: catalog.EntityTypeAgent,
			ID:   "planner-agent",
			Fields: catalog.TextFields{
				Name:        "planner-agent",
				Description: "plans multi step itineraries and travel routes",
				Tags:        []string{"travel"},
			},
		},
		tool("/weather", "get_forecast", "weather forecast", "weather"),
	})

	results, err := engine.Search(context.Background(), Request{
		Query:     "plan a travel itinerary",
		TopNTools: 1,
	})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "planner-agent", results[0].ID)
	assert.Equal(t, catalog.EntityTypeAgent, results[0].Type)
	assert.Equal(t, "planner-agent", results[0].ServicePath)
}

func TestSearchEmptyRequestRejected(t *testing.T) {
	engine := newTestEngine(t, nil)

	_, err := engine.Search(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeEmptyQuery, errors.GetCode(err))
}

func TestSearchEmbedderFailureIsDegradedError(t *testing.T) {
	backend, err := store.NewLinearBackend("")
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	engine := NewEngine(failingEmbedder{}, backend, config.NewConfig())

	_, err = engine.Search(context.Background(), Request{Query: "anything"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeEmbeddingUnavailable, errors.GetCode(err))

	// Tag-only requests keep working while embedding is down.
	_, err = engine.Search(context.Background(), Request{Tags: []string{"finance"}})
	assert.NoError(t, err)
}

func TestSearchCircuitOpensAfterRepeatedFailures(t *testing.T) {
	backend, err := store.NewLinearBackend("")
	require.NoError(t, err)
	defer func() { _ = backend.Close() }()

	engine := NewEngine(failingEmbedder{}, backend, config.NewConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err = engine.Search(ctx, Request{Query: "anything"})
		require.Error(t, err)
	}
	assert.Equal(t, errors.CircuitOpen, engine.breaker.State())

	// Fails fast now, without reaching the embedder.
	_, err = engine.Search(ctx, Request{Query: "anything"})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeEmbeddingUnavailable, errors.GetCode(err))
}

// failingEmbedder always errors.
type failingEmbedder struct{}

func (failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.EmbeddingUnavailable("embedding service down", nil)
}

func (failingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.EmbeddingUnavailable("embedding service down", nil)
}

func (failingEmbedder) Dimensions() int   { return 0 }
func (failingEmbedder) ModelName() string { return "failing" }

func (failingEmbedder) Available(ctx context.Context) error {
	return errors.EmbeddingUnavailable("down", nil)
}

func (failingEmbedder) Close() error { return nil }
