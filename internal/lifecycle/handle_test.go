package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/discovery/internal/catalog"
	"github.com/toolmesh/discovery/internal/config"
	"github.com/toolmesh/discovery/internal/search"
)

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Embeddings.Provider = config.ProviderStatic
	cfg.Embeddings.Dimensions = 64
	cfg.Backend.Variant = config.BackendLinear
	cfg.Backend.Path = "" // memory only
	return cfg
}

func seed(t *testing.T, h *Handle, entities ...*catalog.Entity) {
	t.Helper()
	ctx := context.Background()
	mgr, err := h.Manager(ctx)
	require.NoError(t, err)
	for _, e := range entities {
		require.NoError(t, mgr.IndexEntity(ctx, e))
	}
}

func svc(id string, tags ...string) *catalog.Entity {
	return &catalog.Entity{
		Type:   catalog.EntityTypeService,
		ID:     id,
		Fields: catalog.TextFields{Name: id, Path: id, Tags: tags},
	}
}

func tl(service, name string, tags ...string) *catalog.Entity {
	return &catalog.Entity{
		Type:      catalog.EntityTypeTool,
		ID:        catalog.ToolID(service, name),
		ParentRef: service,
		Fields:    catalog.TextFields{Name: name, Path: service, Tags: tags},
	}
}

func TestHandleInitializesOnce(t *testing.T) {
	h := NewHandle(testConfig())
	defer func() { _ = h.Close() }()
	ctx := context.Background()

	var wg sync.WaitGroup
	engines := make([]*search.Engine, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := h.Engine(ctx)
			assert.NoError(t, err)
			engines[i] = e
		}(i)
	}
	wg.Wait()

	// Every caller got the same engine instance.
	for i := 1; i < 8; i++ {
		assert.Same(t, engines[0], engines[i])
	}
}

func TestHandleServesQueriesEndToEnd(t *testing.T) {
	h := NewHandle(testConfig())
	defer func() { _ = h.Close() }()
	ctx := context.Background()

	seed(t, h,
		svc("/currenttime", "time"),
		tl("/currenttime", "get_current_time", "time"),
	)

	engine, err := h.Engine(ctx)
	require.NoError(t, err)

	results, err := engine.Search(ctx, search.Request{Query: "current time", TopNTools: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, catalog.ToolID("/currenttime", "get_current_time"), results[0].ID)
}

func TestHandleQueriesDuringRebuild(t *testing.T) {
	h := NewHandle(testConfig())
	defer func() { _ = h.Close() }()
	ctx := context.Background()

	entities := []*catalog.Entity{
		svc("/exchange", "finance"),
		tl("/exchange", "convert_currency", "finance"),
		tl("/exchange", "list_rates", "finance"),
	}
	seed(t, h, entities...)

	engine, err := h.Engine(ctx)
	require.NoError(t, err)
	mgr, err := h.Manager(ctx)
	require.NoError(t, err)

	// Queries racing a rebuild must keep succeeding with coherent results.
	var failures atomic.Int64
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				results, err := engine.Search(ctx, search.Request{
					Query:     "convert currency",
					TopNTools: 5,
				})
				if err != nil || len(results) == 0 {
					failures.Add(1)
				}
			}
		}()
	}

	for i := 0; i < 3; i++ {
		_, err := mgr.RebuildAll(ctx, catalog.NewSliceSnapshot(entities...))
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	assert.Zero(t, failures.Load())
}

func TestHandleReloadsAfterExternalChange(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.Path = filepath.Join(t.TempDir(), "index")
	h := NewHandle(cfg)
	defer func() { _ = h.Close() }()
	ctx := context.Background()

	seed(t, h,
		svc("/exchange", "finance"),
		tl("/exchange", "convert_currency", "finance"),
	)

	engineBefore, err := h.Engine(ctx)
	require.NoError(t, err)

	// Simulate an external writer changing the index directory contents.
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(cfg.Backend.Path), "external"), []byte("x"), 0o644))
	h.Invalidate()

	engineAfter, err := h.Engine(ctx)
	require.NoError(t, err)
	assert.NotSame(t, engineBefore, engineAfter)

	// The reloaded engine still sees the persisted document.
	results, err := engineAfter.Search(ctx, search.Request{Tags: []string{"finance"}, TopNTools: 5})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestHandleFailedReloadKeepsPriorSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.Path = filepath.Join(t.TempDir(), "index")
	h := NewHandle(cfg)
	defer func() { _ = h.Close() }()
	ctx := context.Background()

	seed(t, h,
		svc("/exchange", "finance"),
		tl("/exchange", "convert_currency", "finance"),
	)

	// Make the replacement backend unopenable by swapping the sqlite file
	// for a directory, then flag the index as possibly stale.
	dbPath := cfg.Backend.Path + ".db"
	require.NoError(t, os.Rename(dbPath, dbPath+".orig"))
	require.NoError(t, os.Mkdir(dbPath, 0o755))
	h.Invalidate()

	// Accessors surface the reload error on every attempt; never a nil
	// engine paired with a nil error.
	for i := 0; i < 2; i++ {
		engine, err := h.Engine(ctx)
		require.Error(t, err)
		assert.Nil(t, engine)
	}
	_, err := h.Manager(ctx)
	require.Error(t, err)

	// Restore the file: the retained snapshot was never torn down, so the
	// next access reloads cleanly and still finds the persisted document.
	require.NoError(t, os.Remove(dbPath))
	require.NoError(t, os.Rename(dbPath+".orig", dbPath))

	engine, err := h.Engine(ctx)
	require.NoError(t, err)
	results, err := engine.Search(ctx, search.Request{Tags: []string{"finance"}, TopNTools: 5})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestHandleSkipsReloadWhenNothingChanged(t *testing.T) {
	cfg := testConfig()
	cfg.Backend.Path = filepath.Join(t.TempDir(), "index")
	h := NewHandle(cfg)
	defer func() { _ = h.Close() }()
	ctx := context.Background()

	engineBefore, err := h.Engine(ctx)
	require.NoError(t, err)

	// Stale flag set, but the on-disk signature is unchanged.
	h.Invalidate()

	engineAfter, err := h.Engine(ctx)
	require.NoError(t, err)
	assert.Same(t, engineBefore, engineAfter)
}

func TestHandleClosedRejectsAccess(t *testing.T) {
	h := NewHandle(testConfig())
	ctx := context.Background()

	_, err := h.Engine(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	_, err = h.Engine(ctx)
	assert.Error(t, err)

	// Double close is safe.
	assert.NoError(t, h.Close())
}
