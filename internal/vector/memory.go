package vector

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"sync"

	"github.com/hyperjump/kizami/internal/models"
	"github.com/hyperjump/kizami/pkg/utils"
)

// MemoryStore keeps records in memory and optionally persists them to a file on Save and Close.
type MemoryStore struct {
	dimensions int
	path       string
	records    map[string]Record
	mu         sync.RWMutex
}

// NewMemoryStore creates a store for vectors of the given dimension. When path is set, an
// existing file there is loaded.
func NewMemoryStore(dimensions int, path string) (*MemoryStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	m := &MemoryStore{dimensions: dimensions, path: path, records: make(map[string]Record)}
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Upsert stores copies of the records, replacing any with the same chunk id.
func (m *MemoryStore) Upsert(ctx context.Context, records []Record) error {
	for _, r := range records {
		if r.Chunk == nil || r.Chunk.ChunkID == "" {
			return fmt.Errorf("record without chunk id")
		}
		if len(r.Vector) != m.dimensions {
			return fmt.Errorf("vector dimension mismatch for %s: got %d, expected %d", r.Chunk.ChunkID, len(r.Vector), m.dimensions)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		chunk := *r.Chunk
		vec := make([]float32, m.dimensions)
		copy(vec, r.Vector)
		m.records[chunk.ChunkID] = Record{Chunk: &chunk, Vector: vec}
	}
	return nil
}

// DeleteByDocumentID removes every record of the document.
func (m *MemoryStore) DeleteByDocumentID(ctx context.Context, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.records {
		if r.Chunk.DocumentID == documentID {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Count returns the number of records.
func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// DocumentIDs returns the ids of documents with at least one record.
func (m *MemoryStore) DocumentIDs(ctx context.Context) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{})
	for _, r := range m.records {
		out[r.Chunk.DocumentID] = struct{}{}
	}
	return out, nil
}

// Get returns the record for chunkID.
func (m *MemoryStore) Get(chunkID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[chunkID]
	return r, ok
}

// Save writes the store to its path atomically. Format: dimension (4), n (4), then per record:
// chunk JSON length (4), chunk JSON, vector (dimension*4 bytes). Records are ordered by chunk id.
func (m *MemoryStore) Save() error {
	if m.path == "" {
		return nil
	}
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(m.dimensions))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(ids)))
	for _, id := range ids {
		r := m.records[id]
		meta, err := json.Marshal(r.Chunk)
		if err != nil {
			m.mu.RUnlock()
			return fmt.Errorf("encode chunk %s: %w", id, err)
		}
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(meta)))
		buf.Write(meta)
		buf.Write(EncodeVector(r.Vector))
	}
	m.mu.RUnlock()
	if err := utils.WriteFileAtomic(m.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("save vector store: %w", err)
	}
	return nil
}

// Load replaces the contents with the file at the store's path. A missing file leaves the
// store unchanged.
func (m *MemoryStore) Load() error {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open vector store: %w", err)
	}
	r := bytes.NewReader(data)
	var dim, n uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return fmt.Errorf("read dimensions: %w", err)
	}
	if int(dim) != m.dimensions {
		return fmt.Errorf("dimension mismatch: file has %d, store expects %d", dim, m.dimensions)
	}
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return fmt.Errorf("read count: %w", err)
	}
	records := make(map[string]Record, n)
	vecBuf := make([]byte, m.dimensions*4)
	for i := uint32(0); i < n; i++ {
		var metaLen uint32
		if err := binary.Read(r, binary.LittleEndian, &metaLen); err != nil {
			return fmt.Errorf("read record %d: %w", i, err)
		}
		meta := make([]byte, metaLen)
		if _, err := io.ReadFull(r, meta); err != nil {
			return fmt.Errorf("read record %d: %w", i, err)
		}
		var chunk models.Chunk
		if err := json.Unmarshal(meta, &chunk); err != nil {
			return fmt.Errorf("decode record %d: %w", i, err)
		}
		if _, err := io.ReadFull(r, vecBuf); err != nil {
			return fmt.Errorf("read vector %d: %w", i, err)
		}
		vec, err := DecodeVector(vecBuf)
		if err != nil {
			return err
		}
		records[chunk.ChunkID] = Record{Chunk: &chunk, Vector: vec}
	}
	m.mu.Lock()
	m.records = records
	m.mu.Unlock()
	return nil
}

// Close saves the store when it has a path.
func (m *MemoryStore) Close() error {
	return m.Save()
}

// ChunksByDocumentID returns the chunks of a document ordered by chunk id.
func (m *MemoryStore) ChunksByDocumentID(ctx context.Context, documentID string) ([]*models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Chunk
	for _, r := range m.records {
		if r.Chunk.DocumentID == documentID {
			c := *r.Chunk
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out, nil
}
