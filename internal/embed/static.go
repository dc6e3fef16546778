package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Compile-time interface check
var _ Embedder = (*StaticEmbedder)(nil)

// DefaultStaticDimensions is the vector size used when none is configured.
const DefaultStaticDimensions = 256

// StaticEmbedder generates deterministic embeddings via feature hashing.
// It needs no external service, which makes it the offline fallback and the
// test provider. Identical text always yields the identical vector.
//
// Tokens and character trigrams are hashed into the vector with FNV-1a;
// trigrams give partial-word overlap so "currency" and "currencies" land
// near each other. The result is L2-normalized.
type StaticEmbedder struct {
	dimensions int
}

// NewStaticEmbedder creates a static embedder with the given dimension.
// A non-positive dimension selects DefaultStaticDimensions.
func NewStaticEmbedder(dimensions int) *StaticEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultStaticDimensions
	}
	return &StaticEmbedder{dimensions: dimensions}
}

// Embed generates a deterministic embedding for the text.
func (s *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, s.dimensions)
	tokens := tokenize(text)

	for _, tok := range tokens {
		// Whole-token feature, weighted above trigrams.
		addFeature(vec, tok, 2.0)

		// Character trigrams for partial-word overlap.
		runes := []rune(tok)
		for i := 0; i+3 <= len(runes); i++ {
			addFeature(vec, string(runes[i:i+3]), 1.0)
		}
	}

	normalize(vec)
	return vec, nil
}

// EmbedBatch embeds each text independently, preserving order.
func (s *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := s.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

// Dimensions returns the embedding dimension.
func (s *StaticEmbedder) Dimensions() int { return s.dimensions }

// ModelName returns the model identifier.
func (s *StaticEmbedder) ModelName() string { return "static-fnv" }

// Available always succeeds; the static embedder has no dependencies.
func (s *StaticEmbedder) Available(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *StaticEmbedder) Close() error { return nil }

// addFeature hashes the feature into two buckets with opposite signs, a
// cheap signed feature hash that keeps unrelated texts near-orthogonal.
func addFeature(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()

	dim := uint64(len(vec))
	idx := sum % dim
	sign := float32(1)
	if (sum>>32)&1 == 1 {
		sign = -1
	}
	vec[idx] += sign * weight
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalize scales vec to unit length in place. Zero vectors stay zero.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}
