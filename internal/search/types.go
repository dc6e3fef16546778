// Package search implements the two-stage hybrid query engine: vector
// similarity ranks candidate services first, then keyword boosting refines
// the tool ranking within the selected services.
package search

import (
	"strings"

	"github.com/toolmesh/discovery/internal/catalog"
	"github.com/toolmesh/discovery/internal/errors"
)

// Request is a discovery query. Query and Tags may be combined; a request
// carrying neither is rejected.
type Request struct {
	// Query is the natural-language query text.
	Query string `json:"query"`

	// Tags restricts candidates to documents carrying every listed tag.
	Tags []string `json:"tags,omitempty"`

	// TopKServices is the stage-1 service candidate count. Zero uses the
	// configured default.
	TopKServices int `json:"top_k_services,omitempty"`

	// TopNTools caps the final result count across all selected services.
	// Zero uses the configured default.
	TopNTools int `json:"top_n_tools,omitempty"`
}

// Validate rejects structurally empty requests.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Query) == "" && len(r.Tags) == 0 {
		return errors.New(errors.ErrCodeEmptyQuery,
			"request must carry a query or at least one tag", nil)
	}
	if r.TopKServices < 0 || r.TopNTools < 0 {
		return errors.ValidationError("result limits must be non-negative", nil)
	}
	return nil
}

// Result is one ranked hit.
type Result struct {
	// ID is the document identifier.
	ID string `json:"id"`

	// Type is the entity kind of the hit.
	Type catalog.EntityType `json:"type"`

	// ServicePath identifies the owning service (the agent itself for
	// agent hits).
	ServicePath string `json:"service_path"`

	// ToolName is the hit's display name.
	ToolName string `json:"tool_name"`

	// Score is the combined hybrid score. Zero for tag-only requests.
	Score float64 `json:"score"`

	// MatchedFields maps each text field that matched the query to the
	// boost weight it contributed.
	MatchedFields map[string]float64 `json:"matched_fields,omitempty"`

	// Metadata is the document's pass-through payload.
	Metadata map[string]string `json:"metadata,omitempty"`
}
