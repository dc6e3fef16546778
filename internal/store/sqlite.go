package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/toolmesh/discovery/internal/catalog"
)

// sqliteStore persists linear-backend documents in a single sqlite table.
// It is a durability layer only; queries always run against memory.
type sqliteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	parent_ref    TEXT NOT NULL DEFAULT '',
	fields_json   TEXT NOT NULL,
	embedding     BLOB,
	metadata_json TEXT,
	version       INTEGER NOT NULL DEFAULT 1,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_parent ON documents(parent_ref);
`

// openSQLiteStore opens (creating if needed) the document database.
func openSQLiteStore(path string) (*sqliteStore, error) {
	// WAL keeps readers unblocked during write-through; the busy timeout
	// covers overlapping writers on the same file.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create documents table: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

// save writes a document through to disk.
func (s *sqliteStore) save(ctx context.Context, doc *catalog.Document) error {
	fields, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields for %s: %w", doc.ID, err)
	}
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", doc.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, type, parent_ref, fields_json, embedding, metadata_json, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			parent_ref = excluded.parent_ref,
			fields_json = excluded.fields_json,
			embedding = excluded.embedding,
			metadata_json = excluded.metadata_json,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		doc.ID, string(doc.Type), doc.ParentRef, string(fields),
		encodeVector(doc.Embedding), string(meta), doc.Version, doc.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", doc.ID, err)
	}
	return nil
}

// remove deletes a document row.
func (s *sqliteStore) remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return nil
}

// loadAll reads every persisted document.
func (s *sqliteStore) loadAll(ctx context.Context) ([]*catalog.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, parent_ref, fields_json, embedding, metadata_json, version, updated_at FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*catalog.Document
	for rows.Next() {
		var (
			doc       catalog.Document
			typ       string
			fields    string
			embedding []byte
			meta      sql.NullString
			updatedAt int64
		)
		if err := rows.Scan(&doc.ID, &typ, &doc.ParentRef, &fields, &embedding, &meta, &doc.Version, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		doc.Type = catalog.EntityType(typ)
		if err := json.Unmarshal([]byte(fields), &doc.Fields); err != nil {
			return nil, fmt.Errorf("corrupt fields for document %s: %w", doc.ID, err)
		}
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &doc.Metadata); err != nil {
				return nil, fmt.Errorf("corrupt metadata for document %s: %w", doc.ID, err)
			}
		}
		doc.Embedding = decodeVector(embedding)
		doc.UpdatedAt = time.UnixMilli(updatedAt)
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

func (s *sqliteStore) close() error {
	return s.db.Close()
}

// encodeVector packs float32s little-endian.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a little-endian float32 blob.
func decodeVector(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
