package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolmesh/discovery/internal/errors"
)

// fakeOllama serves canned /api/embed and /api/tags responses.
func fakeOllama(t *testing.T, dims int, models ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embed":
			var req embedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			resp := embedResponse{Model: req.Model}
			for range req.Input {
				vec := make([]float32, dims)
				vec[0] = 1
				resp.Embeddings = append(resp.Embeddings, vec)
			}
			_ = json.NewEncoder(w).Encode(resp)
		case "/api/tags":
			var resp tagsResponse
			for _, m := range models {
				resp.Models = append(resp.Models, struct {
					Name string `json:"name"`
				}{Name: m})
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestOllamaEmbedderEmbedBatch(t *testing.T) {
	srv := fakeOllama(t, 8, "nomic-embed-text:latest")
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaOptions{Host: srv.URL, Model: "nomic-embed-text"})
	defer func() { _ = e.Close() }()

	vecs, err := e.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], 8)
	assert.Equal(t, 8, e.Dimensions())
}

func TestOllamaEmbedderConcurrentBatches(t *testing.T) {
	srv := fakeOllama(t, 8, "nomic-embed-text:latest")
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaOptions{Host: srv.URL, Model: "nomic-embed-text"})
	defer func() { _ = e.Close() }()
	ctx := context.Background()

	// Batch indexing fans EmbedBatch out across goroutines; dimension
	// detection and warm-up state must stay coherent under that load.
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := e.EmbedBatch(ctx, []string{"alpha", "beta"})
				if err != nil {
					errs[i] = err
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 8, e.Dimensions())
}

func TestOllamaEmbedderAvailable(t *testing.T) {
	srv := fakeOllama(t, 8, "nomic-embed-text:latest", "llama3:8b")
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaOptions{Host: srv.URL, Model: "nomic-embed-text"})
	assert.NoError(t, e.Available(context.Background()))

	missing := NewOllamaEmbedder(OllamaOptions{Host: srv.URL, Model: "other-model"})
	err := missing.Available(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeEmbeddingUnavailable, errors.GetCode(err))
}

func TestOllamaEmbedderServerDownIsRetryableUnavailable(t *testing.T) {
	srv := fakeOllama(t, 8)
	srv.Close() // nothing listening

	e := NewOllamaEmbedder(OllamaOptions{Host: srv.URL, Model: "nomic-embed-text"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // skip retry backoff sleeps

	_, err := e.Embed(ctx, "anything")
	require.Error(t, err)
}

func TestOllamaEmbedderRejectsMixedDimensions(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		dims := 8
		if calls > 1 {
			dims = 16
		}
		vec := make([]float32, dims)
		vec[0] = 1
		_ = json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{vec}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaOptions{Host: srv.URL, Model: "m"})
	ctx := context.Background()

	_, err := e.Embed(ctx, "first")
	require.NoError(t, err)

	_, err = e.Embed(ctx, "second")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDimensionMismatch, errors.GetCode(err))
}

func TestOllamaEmbedderHostNormalization(t *testing.T) {
	e := NewOllamaEmbedder(OllamaOptions{Host: "localhost:9999", Model: "m"})
	assert.Equal(t, "http://localhost:9999", e.host)
}
