package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/toolmesh/discovery/internal/errors"
)

// Compile-time interface check
var _ Embedder = (*OllamaEmbedder)(nil)

const (
	// DefaultOllamaHost is the default Ollama API endpoint.
	DefaultOllamaHost = "http://localhost:11434"

	// coldTimeout bounds the first request, which may trigger a model
	// load from disk on the Ollama side.
	coldTimeout = 120 * time.Second

	// warmTimeout bounds requests once the model has served at least one.
	warmTimeout = 30 * time.Second
)

// OllamaEmbedder generates embeddings via the Ollama HTTP API. Safe for
// concurrent use; batch indexing fans EmbedBatch out across goroutines.
type OllamaEmbedder struct {
	host   string
	model  string
	client *http.Client

	mu         sync.Mutex // guards dimensions and warm
	dimensions int
	warm       bool
}

// OllamaOptions configures an OllamaEmbedder.
type OllamaOptions struct {
	// Host is the Ollama API endpoint. Empty uses OLLAMA_HOST or the default.
	Host string

	// Model is the embedding model name.
	Model string
}

// NewOllamaEmbedder creates an Ollama-backed embedder. The embedding
// dimension is detected lazily on the first request.
func NewOllamaEmbedder(opts OllamaOptions) *OllamaEmbedder {
	host := opts.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = DefaultOllamaHost
	}
	host = strings.TrimSuffix(host, "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}

	return &OllamaEmbedder{
		host:  host,
		model: opts.Model,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Embed generates an embedding for a single text.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
// Transient failures are retried with bounded backoff.
func (o *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var vecs [][]float32
	err := errors.Retry(ctx, errors.DefaultRetryConfig(), func() error {
		var callErr error
		vecs, callErr = o.embed(ctx, texts)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	for _, v := range vecs {
		normalize(v)
	}
	if err := o.recordBatch(vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

// recordBatch validates the batch against the detected dimension and marks
// the model warm.
func (o *OllamaEmbedder) recordBatch(vecs [][]float32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, v := range vecs {
		if o.dimensions == 0 {
			o.dimensions = len(v)
		} else if len(v) != o.dimensions {
			return errors.New(errors.ErrCodeDimensionMismatch,
				fmt.Sprintf("embedding %d has dimension %d, expected %d", i, len(v), o.dimensions), nil)
		}
	}
	o.warm = true
	return nil
}

// embed performs one /api/embed call.
func (o *OllamaEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	timeout := warmTimeout
	if !o.isWarm() {
		timeout = coldTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: o.model, Input: texts})
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternal, "failed to encode embed request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternal, "failed to build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, errors.EmbeddingUnavailable("ollama at "+o.host+" unavailable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode >= 500 {
			return nil, errors.EmbeddingUnavailable("ollama at "+o.host+" unavailable",
				fmt.Errorf("ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
		}
		return nil, errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("ollama rejected embed request (%d): %s", resp.StatusCode, strings.TrimSpace(string(data))), nil)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.EmbeddingUnavailable("ollama at "+o.host+" unavailable", fmt.Errorf("invalid embed response: %w", err))
	}
	if len(parsed.Embeddings) != len(texts) {
		return nil, errors.EmbeddingUnavailable("ollama at "+o.host+" unavailable",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(parsed.Embeddings)))
	}

	return parsed.Embeddings, nil
}

// isWarm reports whether the model has served at least one request.
func (o *OllamaEmbedder) isWarm() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.warm
}

// Dimensions returns the detected embedding dimension, 0 before any request.
func (o *OllamaEmbedder) Dimensions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dimensions
}

// ModelName returns the model identifier.
func (o *OllamaEmbedder) ModelName() string { return o.model }

// Available checks that the Ollama server responds and the model is pulled.
func (o *OllamaEmbedder) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.host+"/api/tags", nil)
	if err != nil {
		return errors.New(errors.ErrCodeInternal, "failed to build tags request", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return errors.EmbeddingUnavailable("ollama at "+o.host+" unavailable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return errors.EmbeddingUnavailable("ollama at "+o.host+" unavailable", fmt.Errorf("ollama returned %d", resp.StatusCode))
	}

	var parsed tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return errors.EmbeddingUnavailable("ollama at "+o.host+" unavailable", fmt.Errorf("invalid tags response: %w", err))
	}

	want := o.model
	for _, m := range parsed.Models {
		if m.Name == want || strings.TrimSuffix(m.Name, ":latest") == want {
			return nil
		}
	}
	return errors.New(errors.ErrCodeEmbeddingUnavailable,
		fmt.Sprintf("model %s is not available on %s", want, o.host), nil)
}

// Close releases idle connections.
func (o *OllamaEmbedder) Close() error {
	o.client.CloseIdleConnections()
	return nil
}
