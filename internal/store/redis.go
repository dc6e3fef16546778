package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/toolmesh/discovery/internal/catalog"
	"github.com/toolmesh/discovery/internal/errors"
)

// Compile-time interface check
var _ Backend = (*RedisBackend)(nil)

const redisKeyPrefix = "toolmesh:doc:"

// RedisBackend delegates vector search to a RediSearch index with an HNSW
// vector field. Documents are hashes carrying TAG fields for filtering, a
// FLOAT32 vector for KNN, and the full document as a JSON payload.
//
// The server indexes hashes asynchronously, so a write may not be visible
// to the very next query. Write errors are transient and retried upstream;
// query errors surface immediately.
type RedisBackend struct {
	client *redis.Client
	index  string
	dims   int
}

// NewRedisBackend connects to redis and ensures the search index exists.
// dims is the embedding dimension and must be known up front; the server
// rejects vectors of any other length.
func NewRedisBackend(ctx context.Context, addr, index string, dims int) (*RedisBackend, error) {
	if dims <= 0 {
		return nil, errors.New(errors.ErrCodeConfigInvalid,
			"redis backend requires a configured embedding dimension", nil)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.BackendTransient(fmt.Sprintf("redis at %s unreachable", addr), err)
	}

	b := &RedisBackend{client: client, index: index, dims: dims}
	if err := b.ensureIndex(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	slog.Info("redis_backend_ready", "addr", addr, "index", index, "dimensions", dims)
	return b, nil
}

// ensureIndex creates the search index if it does not already exist.
func (b *RedisBackend) ensureIndex(ctx context.Context) error {
	err := b.client.FTCreate(ctx, b.index,
		&redis.FTCreateOptions{
			OnHash: true,
			Prefix: []interface{}{redisKeyPrefix},
		},
		&redis.FieldSchema{FieldName: "type", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "parent_ref", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "tags", FieldType: redis.SearchFieldTypeTag, Separator: ","},
		&redis.FieldSchema{
			FieldName: "embedding",
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				HNSWOptions: &redis.FTHNSWOptions{
					Type:           "FLOAT32",
					Dim:            b.dims,
					DistanceMetric: "COSINE",
				},
			},
		},
	).Err()
	if err != nil && !strings.Contains(err.Error(), "Index already exists") {
		return errors.BackendTransient("failed to create search index "+b.index, err)
	}
	return nil
}

// docFields renders a document as the hash fields the index expects.
func (b *RedisBackend) docFields(doc *catalog.Document) (map[string]interface{}, error) {
	if len(doc.Embedding) > 0 && len(doc.Embedding) != b.dims {
		return nil, errors.New(errors.ErrCodeDimensionMismatch,
			fmt.Sprintf("document %s has dimension %d, index uses %d",
				doc.ID, len(doc.Embedding), b.dims), nil)
	}

	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternal, "failed to encode document "+doc.ID, err)
	}

	fields := map[string]interface{}{
		"type":       string(doc.Type),
		"parent_ref": doc.ParentRef,
		"tags":       strings.ToLower(strings.Join(doc.Fields.Tags, ",")),
		"payload":    string(payload),
	}
	if len(doc.Embedding) > 0 {
		fields["embedding"] = encodeVector(doc.Embedding)
	}
	return fields, nil
}

// Upsert writes a document hash; the server indexes it asynchronously.
func (b *RedisBackend) Upsert(ctx context.Context, doc *catalog.Document) error {
	fields, err := b.docFields(doc)
	if err != nil {
		return err
	}
	if err := b.client.HSet(ctx, redisKeyPrefix+doc.ID, fields).Err(); err != nil {
		return errors.BackendTransient("failed to write document "+doc.ID, err)
	}
	return nil
}

// UpsertBatch pipelines the hash writes so a batch costs one round-trip.
// Validation and encoding happen up front; a bad document fails the batch
// before anything is sent.
func (b *RedisBackend) UpsertBatch(ctx context.Context, docs []*catalog.Document) error {
	fields := make([]map[string]interface{}, len(docs))
	for i, doc := range docs {
		f, err := b.docFields(doc)
		if err != nil {
			return err
		}
		fields[i] = f
	}

	_, err := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, doc := range docs {
			pipe.HSet(ctx, redisKeyPrefix+doc.ID, fields[i])
		}
		return nil
	})
	if err != nil {
		return errors.BackendTransient(
			fmt.Sprintf("failed to write batch of %d documents", len(docs)), err)
	}
	return nil
}

// Remove deletes the document hash; the server drops it from the index.
func (b *RedisBackend) Remove(ctx context.Context, id string) error {
	if err := b.client.Del(ctx, redisKeyPrefix+id).Err(); err != nil {
		return errors.BackendTransient("failed to remove document "+id, err)
	}
	return nil
}

// Get fetches a document by ID.
func (b *RedisBackend) Get(ctx context.Context, id string) (*catalog.Document, bool, error) {
	payload, err := b.client.HGet(ctx, redisKeyPrefix+id, "payload").Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.BackendTransient("failed to read document "+id, err)
	}

	var doc catalog.Document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, false, errors.New(errors.ErrCodeInternal, "corrupt payload for document "+id, err)
	}
	return &doc, true, nil
}

// Query runs a KNN search with a tag pre-filter, or a pure tag query when
// vector is nil.
func (b *RedisBackend) Query(ctx context.Context, vector []float32, filter Filter, k int) ([]Result, error) {
	pre := b.filterExpr(filter)

	if vector == nil {
		return b.scanQuery(ctx, pre, k)
	}

	if len(vector) != b.dims {
		return nil, errors.New(errors.ErrCodeDimensionMismatch,
			fmt.Sprintf("query vector has dimension %d, index uses %d", len(vector), b.dims), nil)
	}
	if k <= 0 {
		k = 10
	}

	query := fmt.Sprintf("%s=>[KNN %d @embedding $vec AS dist]", pre, k)
	res, err := b.client.FTSearchWithArgs(ctx, b.index, query, &redis.FTSearchOptions{
		Params:         map[string]interface{}{"vec": encodeVector(vector)},
		DialectVersion: 2,
		SortBy:         []redis.FTSearchSortBy{{FieldName: "dist", Asc: true}},
		LimitOffset:    0,
		Limit:          k,
		Return: []redis.FTSearchReturn{
			{FieldName: "payload"},
			{FieldName: "dist"},
		},
	}).Result()
	if err != nil {
		return nil, errors.New(errors.ErrCodeSearchFailed, "vector search failed", err)
	}

	var results []Result
	for _, hit := range res.Docs {
		doc, err := decodeHit(hit)
		if err != nil {
			return nil, err
		}
		var dist float64
		if s, ok := hit.Fields["dist"]; ok {
			_, _ = fmt.Sscanf(s, "%f", &dist)
		}
		// COSINE distance is 1 - cosine similarity.
		results = append(results, Result{Doc: doc, RawScore: 1 - dist})
	}

	sortResults(results)
	return results, nil
}

// scanQuery runs a filter-only search ordered by ascending ID.
func (b *RedisBackend) scanQuery(ctx context.Context, expr string, k int) ([]Result, error) {
	limit := k
	if limit <= 0 {
		limit = 10000
	}

	res, err := b.client.FTSearchWithArgs(ctx, b.index, expr, &redis.FTSearchOptions{
		DialectVersion: 2,
		LimitOffset:    0,
		Limit:          limit,
		Return:         []redis.FTSearchReturn{{FieldName: "payload"}},
	}).Result()
	if err != nil {
		return nil, errors.New(errors.ErrCodeSearchFailed, "tag search failed", err)
	}

	var results []Result
	for _, hit := range res.Docs {
		doc, err := decodeHit(hit)
		if err != nil {
			return nil, err
		}
		results = append(results, Result{Doc: doc})
	}

	sortResults(results)
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// decodeHit unpacks the JSON payload of one search hit.
func decodeHit(hit redis.Document) (*catalog.Document, error) {
	payload, ok := hit.Fields["payload"]
	if !ok {
		return nil, errors.New(errors.ErrCodeInternal, "search hit missing payload: "+hit.ID, nil)
	}
	var doc catalog.Document
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, errors.New(errors.ErrCodeInternal, "corrupt payload for "+hit.ID, err)
	}
	return &doc, nil
}

// filterExpr renders a Filter as a RediSearch pre-filter expression.
func (b *RedisBackend) filterExpr(filter Filter) string {
	var parts []string
	if len(filter.Types) > 0 {
		vals := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			vals[i] = escapeTag(string(t))
		}
		parts = append(parts, "@type:{"+strings.Join(vals, "|")+"}")
	}
	if filter.ParentRef != "" {
		parts = append(parts, "@parent_ref:{"+escapeTag(filter.ParentRef)+"}")
	}
	// AND semantics: one clause per required tag.
	for _, tag := range filter.Tags {
		parts = append(parts, "@tags:{"+escapeTag(strings.ToLower(tag))+"}")
	}
	if len(parts) == 0 {
		return "*"
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// escapeTag escapes RediSearch TAG syntax characters.
func escapeTag(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case ',', '.', '<', '>', '{', '}', '[', ']', '"', '\'', ':', ';',
			'!', '@', '#', '$', '%', '^', '&', '*', '(', ')', '-', '+',
			'=', '~', '|', '/', ' ', '\\':
			sb.WriteRune('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// Count returns the number of indexed documents.
func (b *RedisBackend) Count(ctx context.Context) (int, error) {
	res, err := b.client.FTSearchWithArgs(ctx, b.index, "*", &redis.FTSearchOptions{
		LimitOffset: 0,
		Limit:       0,
		NoContent:   true,
	}).Result()
	if err != nil {
		return 0, errors.New(errors.ErrCodeSearchFailed, "count query failed", err)
	}
	return int(res.Total), nil
}

// Close closes the redis connection. Index and documents stay on the server.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
