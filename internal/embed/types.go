// Package embed provides text embedding for discovery documents and queries.
//
// Three providers are available: OllamaEmbedder (local Ollama HTTP API),
// StaticEmbedder (deterministic hash-based vectors, no external service), and
// CachedEmbedder (LRU decorator over either). Provider and model identity are
// fixed when the process starts; documents embedded under one model are never
// compared against query vectors from another.
package embed

import "context"

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one call.
	// The result preserves input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension produced by this embedder.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the embedder can serve requests right now.
	Available(ctx context.Context) error

	// Close releases resources.
	Close() error
}
