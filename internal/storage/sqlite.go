package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kizami/internal/models"
	"github.com/hyperjump/kizami/internal/vector"
)

// ErrChunkNotFound is returned by GetChunk for an unknown chunk id.
var ErrChunkNotFound = errors.New("chunk not found")

// SQLiteStore implements vector.Store using SQLite. Vectors are stored as little-endian
// float32 blobs next to the chunk metadata.
type SQLiteStore struct {
	db         *sql.DB
	dimensions int
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string, dimensions int) (*SQLiteStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps in-memory databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, dimensions: dimensions}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		dataset_name TEXT NOT NULL,
		content TEXT NOT NULL,
		token_count INTEGER NOT NULL,
		section_heading TEXT,
		absolute_address TEXT,
		split_reason TEXT NOT NULL,
		parent_chunk_id TEXT,
		cross_refs TEXT,
		source_hash TEXT,
		embedding BLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks(document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_dataset ON chunks(dataset_name);
	`
	_, err := db.Exec(schema)
	return err
}

// Upsert inserts or replaces records in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, records []vector.Record) error {
	for _, r := range records {
		if r.Chunk == nil || r.Chunk.ChunkID == "" {
			return fmt.Errorf("record without chunk id")
		}
		if len(r.Vector) != s.dimensions {
			return fmt.Errorf("vector dimension mismatch for %s: got %d, expected %d", r.Chunk.ChunkID, len(r.Vector), s.dimensions)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, document_id, dataset_name, content, token_count, section_heading,
			absolute_address, split_reason, parent_chunk_id, cross_refs, source_hash, embedding, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			document_id = excluded.document_id,
			dataset_name = excluded.dataset_name,
			content = excluded.content,
			token_count = excluded.token_count,
			section_heading = excluded.section_heading,
			absolute_address = excluded.absolute_address,
			split_reason = excluded.split_reason,
			parent_chunk_id = excluded.parent_chunk_id,
			cross_refs = excluded.cross_refs,
			source_hash = excluded.source_hash,
			embedding = excluded.embedding,
			updated_at = excluded.updated_at`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range records {
		c := r.Chunk
		refs, err := json.Marshal(c.CrossRefs)
		if err != nil {
			return fmt.Errorf("failed to marshal cross refs: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			c.ChunkID, c.DocumentID, c.DatasetName, c.Content, c.TokenCount, c.SectionHeading,
			c.AbsoluteAddress, string(c.SplitReason), c.ParentChunkID, string(refs), c.SourceHash,
			vector.EncodeVector(r.Vector), now,
		); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ChunkID, err)
		}
	}
	return tx.Commit()
}

// DeleteByDocumentID removes all chunks of a document.
func (s *SQLiteStore) DeleteByDocumentID(ctx context.Context, documentID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Count returns the total number of chunks.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count, err
}

// DocumentIDs returns the distinct document ids in the store.
func (s *SQLiteStore) DocumentIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT document_id FROM chunks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

const chunkColumns = `id, document_id, dataset_name, content, token_count, section_heading,
	absolute_address, split_reason, parent_chunk_id, cross_refs, source_hash, embedding`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (vector.Record, error) {
	var c models.Chunk
	var heading, address, parent, refs, hash sql.NullString
	var reason string
	var blob []byte
	if err := row.Scan(&c.ChunkID, &c.DocumentID, &c.DatasetName, &c.Content, &c.TokenCount, &heading,
		&address, &reason, &parent, &refs, &hash, &blob); err != nil {
		return vector.Record{}, err
	}
	c.SectionHeading = heading.String
	c.AbsoluteAddress = address.String
	c.SplitReason = models.SplitReason(reason)
	c.ParentChunkID = parent.String
	c.SourceHash = hash.String
	if refs.Valid && refs.String != "" && refs.String != "null" {
		if err := json.Unmarshal([]byte(refs.String), &c.CrossRefs); err != nil {
			return vector.Record{}, fmt.Errorf("failed to unmarshal cross refs: %w", err)
		}
	}
	vec, err := vector.DecodeVector(blob)
	if err != nil {
		return vector.Record{}, err
	}
	return vector.Record{Chunk: &c, Vector: vec}, nil
}

// GetChunk returns the record of a chunk.
func (s *SQLiteStore) GetChunk(ctx context.Context, id string) (vector.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return vector.Record{}, fmt.Errorf("%w: %s", ErrChunkNotFound, id)
	}
	return r, err
}

// ChunksByDocumentID returns the chunks of a document ordered by chunk id.
func (s *SQLiteStore) ChunksByDocumentID(ctx context.Context, documentID string) ([]*models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = ? ORDER BY id`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, r.Chunk)
	}
	return chunks, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
