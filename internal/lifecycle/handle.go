// Package lifecycle owns the process-wide discovery handle: one embedder,
// one backend, one index manager, and one query engine, initialized lazily
// on first use and reused for the process lifetime.
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/toolmesh/discovery/internal/config"
	"github.com/toolmesh/discovery/internal/embed"
	"github.com/toolmesh/discovery/internal/errors"
	"github.com/toolmesh/discovery/internal/index"
	"github.com/toolmesh/discovery/internal/search"
	"github.com/toolmesh/discovery/internal/store"
)

// Handle caches the discovery components. Initialization happens exactly
// once, on the first accessor call. The embedder survives for the whole
// process; the backend is reloaded when the underlying index changes on
// disk, detected by an fsnotify watch plus a content signature check.
// Concurrent reload attempts are collapsed into one via singleflight.
type Handle struct {
	cfg *config.Config

	initOnce sync.Once
	initErr  error

	mu       sync.RWMutex
	embedder embed.Embedder
	backend  store.Backend
	manager  *index.Manager
	engine   *search.Engine
	sig      string

	watcher    *fsnotify.Watcher
	maybeStale atomic.Bool
	reloads    singleflight.Group
	closed     atomic.Bool
}

// NewHandle creates an uninitialized handle. Nothing is opened until the
// first Engine or Manager call.
func NewHandle(cfg *config.Config) *Handle {
	return &Handle{cfg: cfg}
}

// Engine returns the query engine, initializing or reloading as needed.
func (h *Handle) Engine(ctx context.Context) (*search.Engine, error) {
	if err := h.ensure(ctx); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engine, nil
}

// Manager returns the index manager, initializing or reloading as needed.
func (h *Handle) Manager(ctx context.Context) (*index.Manager, error) {
	if err := h.ensure(ctx); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.manager, nil
}

// Count returns the number of indexed documents.
func (h *Handle) Count(ctx context.Context) (int, error) {
	if err := h.ensure(ctx); err != nil {
		return 0, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.backend.Count(ctx)
}

// Embedder returns the process-wide embedder.
func (h *Handle) Embedder(ctx context.Context) (embed.Embedder, error) {
	if err := h.ensure(ctx); err != nil {
		return nil, err
	}
	return h.embedder, nil
}

// ensure initializes on first use and reloads when the watch flagged a
// possible external change.
func (h *Handle) ensure(ctx context.Context) error {
	if h.closed.Load() {
		return errors.New(errors.ErrCodeInternal, "discovery handle is closed", nil)
	}

	h.initOnce.Do(func() { h.initErr = h.initialize(ctx) })
	if h.initErr != nil {
		return h.initErr
	}

	if h.maybeStale.Swap(false) {
		if err := h.reload(ctx); err != nil {
			return err
		}
	}
	return nil
}

// initialize builds the component stack: embedder first (it is never
// replaced), then backend, manager, and engine.
func (h *Handle) initialize(ctx context.Context) error {
	embedder, err := embed.New(ctx, &h.cfg.Embeddings)
	if err != nil {
		return err
	}

	backend, err := h.openBackend(ctx, embedder)
	if err != nil {
		_ = embedder.Close()
		return err
	}

	h.mu.Lock()
	h.embedder = embedder
	h.installLocked(backend)
	h.mu.Unlock()

	if err := h.startWatch(); err != nil {
		slog.Warn("index_watch_unavailable", "error", err.Error())
	}

	slog.Info("discovery_handle_ready",
		"backend", h.cfg.Backend.Variant,
		"model", embedder.ModelName())
	return nil
}

// openBackend creates the configured backend. The redis variant needs the
// embedding dimension up front, which may cost one probe embedding.
func (h *Handle) openBackend(ctx context.Context, embedder embed.Embedder) (store.Backend, error) {
	dims := h.cfg.Embeddings.Dimensions
	if dims == 0 && h.cfg.Backend.Variant == config.BackendRedis {
		if dims = embedder.Dimensions(); dims == 0 {
			vec, err := embedder.Embed(ctx, "dimension probe")
			if err != nil {
				return nil, err
			}
			dims = len(vec)
		}
	}
	return store.New(ctx, &h.cfg.Backend, dims)
}

// installLocked wires manager and engine around a backend and records the
// index content signature. Callers hold the write lock.
func (h *Handle) installLocked(backend store.Backend) {
	h.backend = backend
	h.manager = index.NewManager(h.embedder, backend, h.cfg.Embeddings.BatchSize)
	h.engine = search.NewEngine(h.embedder, backend, h.cfg)
	h.sig = h.signature()
}

// reload swaps the backend for a freshly opened one when the on-disk index
// actually changed. The replacement opens before the serving components are
// touched, so a failed open leaves the prior snapshot installed and serving;
// the stale flag is re-armed so the next access retries. Concurrent callers
// share one reload.
func (h *Handle) reload(ctx context.Context) error {
	_, err, _ := h.reloads.Do("reload", func() (interface{}, error) {
		h.mu.RLock()
		prev := h.sig
		h.mu.RUnlock()
		if h.signature() == prev {
			return nil, nil
		}

		backend, err := h.openBackend(ctx, h.embedder)
		if err != nil {
			h.maybeStale.Store(true)
			return nil, errors.New(errors.ErrCodeInternal,
				"index reload failed; previous snapshot retained", err)
		}

		h.mu.Lock()
		old := h.backend
		h.installLocked(backend)
		h.mu.Unlock()

		if old != nil {
			_ = old.Close()
		}
		slog.Info("discovery_handle_reloaded", "backend", h.cfg.Backend.Variant)
		return nil, nil
	})
	return err
}

// signature hashes the on-disk identity of the index so reloads can be
// skipped when nothing actually changed. Non-file backends have no
// signature and never reload.
func (h *Handle) signature() string {
	paths := h.watchPaths()
	if len(paths) == 0 {
		return ""
	}

	hash := sha256.New()
	for _, path := range paths {
		entries, err := os.ReadDir(path)
		if err != nil {
			fmt.Fprintf(hash, "%s:missing;", path)
			continue
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			fmt.Fprintf(hash, "%s:%d:%d;", entry.Name(), info.Size(), info.ModTime().UnixNano())
		}
	}
	return hex.EncodeToString(hash.Sum(nil))
}

// watchPaths returns the directories whose contents define the index. Only
// the linear variant can change under us: the hnsw variant holds an
// exclusive writer lock on its directory for the handle's lifetime, and
// redis state lives server-side.
func (h *Handle) watchPaths() []string {
	if h.cfg.Backend.Variant != config.BackendLinear || h.cfg.Backend.Path == "" {
		return nil
	}
	return []string{filepath.Dir(h.cfg.Backend.Path)}
}

// startWatch marks the handle stale when index files change on disk.
func (h *Handle) startWatch() error {
	paths := h.watchPaths()
	if len(paths) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			_ = watcher.Close()
			return err
		}
	}
	h.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					h.maybeStale.Store(true)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("index_watch_error", "error", err.Error())
			}
		}
	}()
	return nil
}

// Invalidate marks the handle stale; the next access re-checks the index
// signature and reloads if it changed.
func (h *Handle) Invalidate() {
	h.maybeStale.Store(true)
}

// Close tears down the watcher and every component. The handle cannot be
// used afterwards.
func (h *Handle) Close() error {
	if h.closed.Swap(true) {
		return nil
	}

	var first error
	if h.watcher != nil {
		if err := h.watcher.Close(); err != nil {
			first = err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.backend != nil {
		if err := h.backend.Close(); err != nil && first == nil {
			first = err
		}
		h.backend = nil
	}
	if h.embedder != nil {
		if err := h.embedder.Close(); err != nil && first == nil {
			first = err
		}
		h.embedder = nil
	}
	h.engine = nil
	h.manager = nil
	return first
}
