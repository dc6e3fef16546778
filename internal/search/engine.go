package search

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/toolmesh/discovery/internal/catalog"
	"github.com/toolmesh/discovery/internal/config"
	"github.com/toolmesh/discovery/internal/embed"
	"github.com/toolmesh/discovery/internal/errors"
	"github.com/toolmesh/discovery/internal/store"
)

// stage1Fetch is the candidate pool fetched from the backend before
// grouping. Generous relative to top-k so that grouping by service still
// has enough distinct groups to choose from.
const stage1Fetch = 100

// Engine answers discovery queries in two stages. Stage 1 embeds the query
// once, fetches nearest tool and agent documents, groups them by owning
// service, and keeps the top-k services by their best member score. Stage 2
// re-ranks the members of the surviving services with keyword boosts:
//
//	combined = (raw_cosine+1)/2 + boost_total*scale
//
// Ties break on ascending ID, so identical catalogs always rank identically.
// A circuit breaker in front of the embedder fails queries fast while the
// embedding service is down instead of stacking up timeouts.
type Engine struct {
	embedder embed.Embedder
	backend  store.Backend
	boosts   Boosts
	topK     int
	topN     int
	timeout  time.Duration
	breaker  *errors.CircuitBreaker
}

// NewEngine creates a query engine over the given embedder and backend.
func NewEngine(embedder embed.Embedder, backend store.Backend, cfg *config.Config) *Engine {
	return &Engine{
		embedder: embedder,
		backend:  backend,
		boosts:   BoostsFromConfig(&cfg.Search),
		topK:     cfg.Search.TopKServices,
		topN:     cfg.Search.TopNTools,
		timeout:  cfg.Embeddings.QueryTimeout,
		breaker:  errors.NewCircuitBreaker(0, 0),
	}
}

// candidate is a stage-1 hit with its derived group key.
type candidate struct {
	doc   *catalog.Document
	raw   float64
	group string
}

// Search executes a discovery query.
func (e *Engine) Search(ctx context.Context, req Request) ([]Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	topK := req.TopKServices
	if topK == 0 {
		topK = e.topK
	}
	topN := req.TopNTools
	if topN == 0 {
		topN = e.topN
	}

	start := time.Now()
	filter := store.Filter{
		Types: []catalog.EntityType{catalog.EntityTypeTool, catalog.EntityTypeAgent},
		Tags:  req.Tags,
	}

	// Tag-only requests never touch the embedder or the vector index.
	if strings.TrimSpace(req.Query) == "" {
		results, err := e.tagOnly(ctx, filter, topN)
		if err != nil {
			return nil, err
		}
		slog.Debug("search_complete",
			"mode", "tag_only",
			"tags", req.Tags,
			"results", len(results),
			"duration_ms", time.Since(start).Milliseconds())
		return results, nil
	}

	vector, err := e.embedQuery(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	candidates, err := e.stage1(ctx, vector, filter)
	if err != nil {
		return nil, err
	}
	selected := selectGroups(candidates, topK)

	results := e.stage2(req.Query, candidates, selected, topN)
	slog.Debug("search_complete",
		"mode", "hybrid",
		"query", req.Query,
		"services", len(selected),
		"results", len(results),
		"duration_ms", time.Since(start).Milliseconds())
	return results, nil
}

// embedQuery embeds the query text under the configured timeout and the
// circuit breaker. Failures mark discovery degraded rather than falling
// back to unranked results.
func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if !e.breaker.Allow() {
		return nil, errors.EmbeddingUnavailable(
			"discovery degraded: embedding service circuit open", nil)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	vector, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.breaker.RecordFailure()
		return nil, errors.EmbeddingUnavailable("discovery degraded: query embedding failed", err)
	}
	e.breaker.RecordSuccess()
	return vector, nil
}

// tagOnly serves a pure tag-filter request: deterministic ID ordering,
// scores zero.
func (e *Engine) tagOnly(ctx context.Context, filter store.Filter, topN int) ([]Result, error) {
	hits, err := e.backend.Query(ctx, nil, filter, topN)
	if err != nil {
		return nil, errors.New(errors.ErrCodeSearchFailed, "tag scan failed", err)
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		results = append(results, toResult(hit.Doc, 0, nil))
	}
	return results, nil
}

// stage1 fetches the nearest candidates and annotates each with its group:
// tools group under their owning service, agents under themselves.
func (e *Engine) stage1(ctx context.Context, vector []float32, filter store.Filter) ([]candidate, error) {
	hits, err := e.backend.Query(ctx, vector, filter, stage1Fetch)
	if err != nil {
		return nil, errors.New(errors.ErrCodeSearchFailed, "vector search failed", err)
	}

	candidates := make([]candidate, 0, len(hits))
	for _, hit := range hits {
		group := hit.Doc.ParentRef
		if hit.Doc.Type == catalog.EntityTypeAgent {
			group = hit.Doc.ID
		}
		candidates = append(candidates, candidate{doc: hit.Doc, raw: hit.RawScore, group: group})
	}
	return candidates, nil
}

// selectGroups keeps the top-k groups ranked by their best member score,
// ties broken by ascending group key.
func selectGroups(candidates []candidate, topK int) map[string]bool {
	best := make(map[string]float64)
	for _, c := range candidates {
		if cur, ok := best[c.group]; !ok || c.raw > cur {
			best[c.group] = c.raw
		}
	}

	groups := make([]string, 0, len(best))
	for g := range best {
		groups = append(groups, g)
	}
	slices.SortFunc(groups, func(a, b string) int {
		if best[a] != best[b] {
			if best[a] > best[b] {
				return -1
			}
			return 1
		}
		return strings.Compare(a, b)
	})

	if len(groups) > topK {
		groups = groups[:topK]
	}
	selected := make(map[string]bool, len(groups))
	for _, g := range groups {
		selected[g] = true
	}
	return selected
}

// stage2 re-ranks members of the selected groups with keyword boosts and
// caps the result list at topN across all groups.
func (e *Engine) stage2(query string, candidates []candidate, selected map[string]bool, topN int) []Result {
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if !selected[c.group] {
			continue
		}
		normalized := (c.raw + 1) / 2
		boost, matched := e.boosts.Score(query, c.doc.Fields)
		combined := normalized + boost*e.boosts.Scale
		results = append(results, toResult(c.doc, combined, matched))
	}

	slices.SortFunc(results, func(a, b Result) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})

	if len(results) > topN {
		results = results[:topN]
	}
	return results
}

// toResult maps a document to its API shape.
func toResult(doc *catalog.Document, score float64, matched map[string]float64) Result {
	servicePath := doc.ParentRef
	if doc.Type != catalog.EntityTypeTool {
		servicePath = doc.ID
	}
	return Result{
		ID:            doc.ID,
		Type:          doc.Type,
		ServicePath:   servicePath,
		ToolName:      doc.Fields.Name,
		Score:         score,
		MatchedFields: matched,
		Metadata:      doc.Metadata,
	}
}
