// Package index maintains the discovery index in response to entity
// lifecycle events: registrations, updates, removals, and full rebuilds
// from a catalog snapshot.
package index

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/toolmesh/discovery/internal/catalog"
	"github.com/toolmesh/discovery/internal/embed"
	"github.com/toolmesh/discovery/internal/errors"
	"github.com/toolmesh/discovery/internal/store"
)

// rebuildConcurrency bounds parallel chunk embedding during RebuildAll.
const rebuildConcurrency = 4

// Manager is the exclusive writer for one index backend. All write paths
// serialize on its mutex; queries go straight to the backend and are never
// blocked here.
type Manager struct {
	embedder  embed.Embedder
	backend   store.Backend
	batchSize int

	mu sync.Mutex
}

// RebuildStats summarizes a full rebuild.
type RebuildStats struct {
	Indexed int `json:"indexed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// NewManager creates a manager over the given embedder and backend.
// batchSize controls texts per embedding call during rebuilds.
func NewManager(embedder embed.Embedder, backend store.Backend, batchSize int) *Manager {
	if batchSize <= 0 {
		batchSize = 32
	}
	return &Manager{embedder: embedder, backend: backend, batchSize: batchSize}
}

// IndexEntity handles a registration or update event: validate, embed,
// upsert. Upserting an existing ID replaces its document. Transient backend
// failures are retried with bounded backoff.
func (m *Manager) IndexEntity(ctx context.Context, entity *catalog.Entity) error {
	if err := entity.Validate(); err != nil {
		return err
	}
	if err := m.checkParent(ctx, entity); err != nil {
		return err
	}

	vec, err := m.embedder.Embed(ctx, entity.Fields.EmbeddingText())
	if err != nil {
		return errors.EmbeddingUnavailable(
			fmt.Sprintf("failed to embed entity %s", entity.ID), err)
	}

	doc := &catalog.Document{
		ID:        entity.ID,
		Type:      entity.Type,
		ParentRef: entity.ParentRef,
		Fields:    entity.Fields,
		Embedding: vec,
		Metadata:  entity.Metadata,
		UpdatedAt: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	err = errors.Retry(ctx, errors.DefaultRetryConfig(), func() error {
		return m.backend.Upsert(ctx, doc)
	})
	if err != nil {
		return errors.New(errors.ErrCodeIndexFailed,
			fmt.Sprintf("failed to index entity %s", entity.ID), err)
	}

	slog.Info("entity_indexed", "id", entity.ID, "type", string(entity.Type))
	m.warnIfStale()
	return nil
}

// checkParent rejects a tool whose owning service is not indexed.
func (m *Manager) checkParent(ctx context.Context, entity *catalog.Entity) error {
	if entity.Type != catalog.EntityTypeTool {
		return nil
	}
	_, ok, err := m.backend.Get(ctx, entity.ParentRef)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.ErrCodeDanglingParent,
			fmt.Sprintf("tool %s references unknown service %s", entity.ID, entity.ParentRef), nil).
			WithDetail("parent_ref", entity.ParentRef)
	}
	return nil
}

// RemoveEntity handles a removal event. Removing a service cascades to its
// tools so no tool is left pointing at a vanished parent. Removal is
// best-effort synchronous; an absent ID is a no-op.
func (m *Manager) RemoveEntity(ctx context.Context, typ catalog.EntityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	if typ == catalog.EntityTypeService {
		children, err := m.backend.Query(ctx, nil, store.Filter{ParentRef: id}, 0)
		if err != nil {
			return errors.New(errors.ErrCodeIndexFailed,
				fmt.Sprintf("failed to list tools of service %s", id), err)
		}
		for _, child := range children {
			if err := m.backend.Remove(ctx, child.Doc.ID); err != nil {
				return errors.New(errors.ErrCodeIndexFailed,
					fmt.Sprintf("failed to remove tool %s", child.Doc.ID), err)
			}
			removed++
		}
	}

	if err := m.backend.Remove(ctx, id); err != nil {
		return errors.New(errors.ErrCodeIndexFailed,
			fmt.Sprintf("failed to remove entity %s", id), err)
	}

	slog.Info("entity_removed", "id", id, "type", string(typ), "cascaded", removed)
	m.warnIfStale()
	return nil
}

// RebuildAll repopulates the index from a catalog snapshot. Services and
// agents are indexed before tools so parent checks hold throughout.
// Per-entity failures are counted and logged, never fatal to the rebuild.
func (m *Manager) RebuildAll(ctx context.Context, snapshot catalog.Snapshot) (RebuildStats, error) {
	var parents, tools []*catalog.Entity
	stats := RebuildStats{}

	for {
		entity, err := snapshot.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, errors.New(errors.ErrCodeIndexFailed, "failed to read snapshot", err)
		}
		if err := entity.Validate(); err != nil {
			slog.Warn("rebuild_entity_invalid", "id", entity.ID, "error", err.Error())
			stats.Skipped++
			continue
		}
		if entity.Type == catalog.EntityTypeTool {
			tools = append(tools, entity)
		} else {
			parents = append(parents, entity)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	for _, phase := range [][]*catalog.Entity{parents, tools} {
		if err := m.indexChunked(ctx, phase, &stats); err != nil {
			return stats, err
		}
	}

	// Upserts replaced everything the snapshot still names; now drop what
	// it no longer does. Diffing instead of clearing up front keeps
	// concurrent queries served throughout the rebuild.
	live := make(map[string]bool, len(parents)+len(tools))
	for _, e := range parents {
		live[e.ID] = true
	}
	for _, e := range tools {
		live[e.ID] = true
	}
	existing, err := m.backend.Query(ctx, nil, store.Filter{}, 0)
	if err != nil {
		return stats, errors.New(errors.ErrCodeIndexFailed, "failed to list indexed documents", err)
	}
	for _, hit := range existing {
		if !live[hit.Doc.ID] {
			if err := m.backend.Remove(ctx, hit.Doc.ID); err != nil {
				slog.Warn("rebuild_prune_failed", "id", hit.Doc.ID, "error", err.Error())
				stats.Failed++
			}
		}
	}

	if rb, ok := m.backend.(store.Rebuildable); ok {
		if err := rb.Rebuild(ctx); err != nil {
			return stats, errors.New(errors.ErrCodeIndexFailed, "failed to rebuild index structure", err)
		}
	}

	slog.Info("rebuild_complete",
		"indexed", stats.Indexed,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
		"duration_ms", time.Since(start).Milliseconds())
	return stats, nil
}

// indexChunked embeds and upserts entities in batches, a few chunks in
// flight at once. Chunk failures are absorbed into stats.
func (m *Manager) indexChunked(ctx context.Context, entities []*catalog.Entity, stats *RebuildStats) error {
	var statsMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildConcurrency)

	for start := 0; start < len(entities); start += m.batchSize {
		chunk := entities[start:min(start+m.batchSize, len(entities))]
		g.Go(func() error {
			indexed, failed := m.indexChunk(gctx, chunk)
			statsMu.Lock()
			stats.Indexed += indexed
			stats.Failed += failed
			statsMu.Unlock()
			return gctx.Err()
		})
	}
	return g.Wait()
}

// indexChunk embeds one chunk and upserts the successful documents.
func (m *Manager) indexChunk(ctx context.Context, chunk []*catalog.Entity) (indexed, failed int) {
	texts := make([]string, len(chunk))
	for i, e := range chunk {
		texts[i] = e.Fields.EmbeddingText()
	}

	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		// Batch embed failed; fall back to per-entity so one bad input
		// cannot sink its whole chunk.
		vecs = make([][]float32, len(chunk))
		for i, text := range texts {
			vecs[i], _ = m.embedder.Embed(ctx, text)
		}
	}

	now := time.Now()
	var docs []*catalog.Document
	for i, e := range chunk {
		if vecs[i] == nil {
			slog.Warn("rebuild_embed_failed", "id", e.ID)
			failed++
			continue
		}
		docs = append(docs, &catalog.Document{
			ID:        e.ID,
			Type:      e.Type,
			ParentRef: e.ParentRef,
			Fields:    e.Fields,
			Embedding: vecs[i],
			Metadata:  e.Metadata,
			UpdatedAt: now,
		})
	}

	if len(docs) > 0 {
		err := errors.Retry(ctx, errors.DefaultRetryConfig(), func() error {
			return m.backend.UpsertBatch(ctx, docs)
		})
		if err != nil {
			slog.Warn("rebuild_chunk_failed", "size", len(docs), "error", err.Error())
			failed += len(docs)
			return indexed, failed
		}
		indexed += len(docs)
	}
	return indexed, failed
}

// warnIfStale logs once per write when the backend wants a rebuild.
func (m *Manager) warnIfStale() {
	if rb, ok := m.backend.(store.Rebuildable); ok && rb.NeedsRebuild() {
		warn := errors.StaleIndex("incremental writes exceeded the rebuild threshold; run a rebuild")
		slog.Warn("index_stale", "code", warn.Code, "hint", warn.Message)
	}
}

// NeedsRebuild reports whether the backend has crossed its rebuild threshold.
func (m *Manager) NeedsRebuild() bool {
	if rb, ok := m.backend.(store.Rebuildable); ok {
		return rb.NeedsRebuild()
	}
	return false
}
