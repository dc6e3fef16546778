// Package catalog defines the indexable document model for registered
// entities: services, the tools they expose, and agents.
package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/toolmesh/discovery/internal/errors"
)

// EntityType represents the type of a registered entity.
type EntityType string

const (
	EntityTypeService EntityType = "service"
	EntityTypeTool    EntityType = "tool"
	EntityTypeAgent   EntityType = "agent"
)

// ParseEntityType converts a string to an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(s))) {
	case EntityTypeService:
		return EntityTypeService, nil
	case EntityTypeTool:
		return EntityTypeTool, nil
	case EntityTypeAgent:
		return EntityTypeAgent, nil
	default:
		return "", errors.New(errors.ErrCodeUnknownEntityType,
			fmt.Sprintf("unknown entity type %q", s), nil)
	}
}

// Valid reports whether the entity type is one of the known kinds.
func (t EntityType) Valid() bool {
	switch t {
	case EntityTypeService, EntityTypeTool, EntityTypeAgent:
		return true
	}
	return false
}

// TextFields are the searchable text attributes of an entity. They are the
// source for both embedding input and keyword boosting.
type TextFields struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Path        string   `yaml:"path" json:"path"`
	Tags        []string `yaml:"tags" json:"tags"`
}

// Entity is the lifecycle-event payload delivered by the registration
// subsystem when an entity is registered, updated, or bootstrapped.
type Entity struct {
	Type      EntityType        `yaml:"type" json:"type"`
	ID        string            `yaml:"id" json:"id"`
	ParentRef string            `yaml:"parent_ref,omitempty" json:"parent_ref,omitempty"`
	Fields    TextFields        `yaml:"fields" json:"fields"`
	Metadata  map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Document is the unit stored in and returned by an index backend:
// an entity plus its embedding vector.
type Document struct {
	// ID is the stable identifier, unique within an entity type and the
	// idempotency key: re-indexing the same ID replaces, never duplicates.
	ID string

	// Type is the entity kind.
	Type EntityType

	// ParentRef is the owning service's ID for a tool, empty otherwise.
	ParentRef string

	// Fields are the searchable text attributes.
	Fields TextFields

	// Embedding is the fixed-length vector; its dimension must match the
	// index's configured dimension.
	Embedding []float32

	// Metadata is a pass-through payload returned to callers. It is never
	// used for ranking.
	Metadata map[string]string

	// Version increments on every upsert of the same ID.
	Version int64

	// UpdatedAt records when the document was last written.
	UpdatedAt time.Time
}

// ToolID builds the stable identifier for a tool from its owning service
// path and tool name.
func ToolID(servicePath, toolName string) string {
	return servicePath + "::" + toolName
}

// Validate checks structural invariants of an entity before it may reach a
// backend. Dangling parent references are checked by the index manager,
// which can see the backend.
func (e *Entity) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.ValidationError("entity id must not be empty", nil)
	}
	if !e.Type.Valid() {
		return errors.New(errors.ErrCodeUnknownEntityType,
			fmt.Sprintf("unknown entity type %q", e.Type), nil)
	}
	if e.Type == EntityTypeTool && strings.TrimSpace(e.ParentRef) == "" {
		return errors.ValidationError(
			fmt.Sprintf("tool %q requires a parent service reference", e.ID), nil)
	}
	if e.Type != EntityTypeTool && e.ParentRef != "" {
		return errors.ValidationError(
			fmt.Sprintf("%s %q must not carry a parent reference", e.Type, e.ID), nil)
	}
	return nil
}

// EmbeddingText returns the deterministic embedding input for the entity's
// text fields. The name is repeated to weight it above the description, and
// tags are appended as plain terms.
func (f TextFields) EmbeddingText() string {
	parts := make([]string, 0, 5)
	if f.Name != "" {
		parts = append(parts, f.Name, f.Name)
	}
	if f.Description != "" {
		parts = append(parts, f.Description)
	}
	if f.Path != "" {
		parts = append(parts, f.Path)
	}
	if len(f.Tags) > 0 {
		parts = append(parts, strings.Join(f.Tags, " "))
	}
	return strings.Join(parts, "\n")
}

// HasAllTags reports whether the document carries every one of the given
// tags (AND semantics, case-insensitive). An empty filter matches.
func (f TextFields) HasAllTags(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(f.Tags))
	for _, t := range f.Tags {
		have[strings.ToLower(t)] = struct{}{}
	}
	for _, want := range tags {
		if _, ok := have[strings.ToLower(want)]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the document. Backends hand out clones so
// callers can't mutate indexed state.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	if d.Embedding != nil {
		out.Embedding = make([]float32, len(d.Embedding))
		copy(out.Embedding, d.Embedding)
	}
	if d.Fields.Tags != nil {
		out.Fields.Tags = append([]string(nil), d.Fields.Tags...)
	}
	if d.Metadata != nil {
		out.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
