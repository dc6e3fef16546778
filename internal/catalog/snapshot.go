package catalog

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Snapshot iterates over all current entities from the entity store.
// Next returns io.EOF when the snapshot is exhausted.
type Snapshot interface {
	Next() (*Entity, error)
}

// SliceSnapshot adapts an in-memory entity slice to the Snapshot interface.
type SliceSnapshot struct {
	entities []*Entity
	pos      int
}

// NewSliceSnapshot creates a snapshot over the given entities.
func NewSliceSnapshot(entities ...*Entity) *SliceSnapshot {
	return &SliceSnapshot{entities: entities}
}

// Next returns the next entity or io.EOF.
func (s *SliceSnapshot) Next() (*Entity, error) {
	if s.pos >= len(s.entities) {
		return nil, io.EOF
	}
	e := s.entities[s.pos]
	s.pos++
	return e, nil
}

// snapshotFile is the YAML layout of a bootstrap snapshot file.
type snapshotFile struct {
	Entities []*Entity `yaml:"entities"`
}

// LoadSnapshotFile reads a YAML bootstrap snapshot of entities, as exported
// by the registration subsystem.
//
// File layout:
//
//	entities:
//	  - type: service
//	    id: /currenttime
//	    fields:
//	      name: Current Time
//	      path: /currenttime
//	      tags: [time]
//	  - type: tool
//	    id: /currenttime::current_time_by_timezone
//	    parent_ref: /currenttime
//	    ...
func LoadSnapshotFile(path string) ([]*Entity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file %s: %w", path, err)
	}

	var file snapshotFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot file %s: %w", path, err)
	}

	for _, e := range file.Entities {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("invalid entity in snapshot %s: %w", path, err)
		}
	}

	return file.Entities, nil
}
