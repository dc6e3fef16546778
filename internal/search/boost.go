package search

import (
	"strings"
	"unicode"

	"github.com/toolmesh/discovery/internal/catalog"
	"github.com/toolmesh/discovery/internal/config"
)

// Boosts holds the additive keyword weights applied on top of the
// normalized vector score. A field contributes its weight once when any
// query token appears in it, case-insensitively.
type Boosts struct {
	Path        float64
	Name        float64
	Description float64
	Tag         float64
	Scale       float64
}

// BoostsFromConfig copies the configured weights.
func BoostsFromConfig(cfg *config.SearchConfig) Boosts {
	return Boosts{
		Path:        cfg.PathBoost,
		Name:        cfg.NameBoost,
		Description: cfg.DescriptionBoost,
		Tag:         cfg.TagBoost,
		Scale:       cfg.BoostScale,
	}
}

// Score computes the total boost for query against fields, with a per-field
// breakdown for result explanations. Query tokens of a single rune are
// ignored; they match everything and rank nothing.
func (b Boosts) Score(query string, fields catalog.TextFields) (float64, map[string]float64) {
	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return 0, nil
	}

	matched := make(map[string]float64)
	if containsAny(fields.Path, tokens) {
		matched["path"] = b.Path
	}
	if containsAny(fields.Name, tokens) {
		matched["name"] = b.Name
	}
	if containsAny(fields.Description, tokens) {
		matched["description"] = b.Description
	}
	for _, tag := range fields.Tags {
		if containsAny(tag, tokens) {
			matched["tag"] = b.Tag
			break
		}
	}

	var total float64
	for _, w := range matched {
		total += w
	}
	if len(matched) == 0 {
		return 0, nil
	}
	return total, matched
}

// queryTokens lowercases and splits the query, dropping single-rune tokens.
func queryTokens(query string) []string {
	raw := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := raw[:0]
	for _, tok := range raw {
		if len([]rune(tok)) > 1 {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

// containsAny reports whether any token occurs as a substring of text.
func containsAny(text string, tokens []string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, tok := range tokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}
