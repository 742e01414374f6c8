package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hyperjump/kizami/internal/models"
	"github.com/hyperjump/kizami/internal/vector"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "chunks.db"), 3)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func record(doc, id string, v ...float32) vector.Record {
	return vector.Record{
		Chunk: &models.Chunk{
			ChunkID:     id,
			DocumentID:  doc,
			DatasetName: "laws",
			Content:     "content of " + id,
			TokenCount:  3,
			SplitReason: models.SplitParagraph,
			SourceHash:  "abcd",
		},
		Vector: v,
	}
}

func TestSQLiteStore_UpsertAndQuery(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first := record("d1", "d1_a1", 1, 0, 0)
	first.Chunk.CrossRefs = []string{"Section 1", "§ 2"}
	first.Chunk.SectionHeading = "Intro"
	second := record("d1", "d1_a1_sub_001", 0, 1, 0)
	second.Chunk.ParentChunkID = "d1_a1"
	batch := []vector.Record{first, second, record("d2", "d2_a1", 0, 0, 1)}

	for i := 0; i < 2; i++ {
		if err := store.Upsert(ctx, batch); err != nil {
			t.Fatalf("Upsert #%d: %v", i, err)
		}
	}
	n, err := store.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Count=%d, %v; want 3", n, err)
	}

	got, err := store.GetChunk(ctx, "d1_a1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Chunk.SectionHeading != "Intro" || len(got.Chunk.CrossRefs) != 2 || got.Chunk.CrossRefs[1] != "§ 2" {
		t.Errorf("chunk metadata not restored: %+v", got.Chunk)
	}
	if got.Chunk.SplitReason != models.SplitParagraph || got.Vector[0] != 1 {
		t.Errorf("record not restored: %+v", got)
	}

	chunks, err := store.ChunksByDocumentID(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 || chunks[1].ParentChunkID != "d1_a1" {
		t.Errorf("ChunksByDocumentID=%+v", chunks)
	}

	updated := record("d1", "d1_a1", 0.5, 0.5, 0)
	updated.Chunk.Content = "changed"
	if err := store.Upsert(ctx, []vector.Record{updated}); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetChunk(ctx, "d1_a1")
	if got.Chunk.Content != "changed" || got.Vector[0] != 0.5 || got.Chunk.CrossRefs != nil {
		t.Errorf("upsert did not replace: %+v", got.Chunk)
	}
}

func TestSQLiteStore_DeleteAndDocumentIDs(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	if err := store.Upsert(ctx, []vector.Record{
		record("d1", "d1_a", 1, 0, 0),
		record("d1", "d1_b", 1, 0, 0),
		record("d2", "d2_a", 1, 0, 0),
	}); err != nil {
		t.Fatal(err)
	}

	ids, err := store.DocumentIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("DocumentIDs=%v", ids)
	}

	n, err := store.DeleteByDocumentID(ctx, "d1")
	if err != nil || n != 2 {
		t.Errorf("DeleteByDocumentID=%d, %v; want 2", n, err)
	}
	n, _ = store.DeleteByDocumentID(ctx, "missing")
	if n != 0 {
		t.Errorf("deleting a missing document removed %d", n)
	}
	ids, _ = store.DocumentIDs(ctx)
	if _, ok := ids["d1"]; ok || len(ids) != 1 {
		t.Errorf("DocumentIDs after delete=%v", ids)
	}
	if _, err := store.GetChunk(ctx, "d1_a"); !errors.Is(err, ErrChunkNotFound) {
		t.Errorf("GetChunk deleted: err=%v", err)
	}
}

func TestSQLiteStore_RejectsBadVectors(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	err := store.Upsert(ctx, []vector.Record{record("d1", "ok", 1, 0, 0), record("d1", "bad", 1)})
	if err == nil {
		t.Fatal("expected dimension error")
	}
	if n, _ := store.Count(ctx); n != 0 {
		t.Errorf("batch must be rejected as a whole, Count=%d", n)
	}
	if _, err := NewSQLiteStore(filepath.Join(t.TempDir(), "x.db"), 0); err == nil {
		t.Error("expected error for zero dimensions")
	}
}

func TestSQLiteStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.db")
	store, err := NewSQLiteStore(path, 3)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Upsert(ctx, []vector.Record{record("d1", "d1_a", 1, 2, 3)}); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewSQLiteStore(path, 3)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	got, err := reopened.GetChunk(ctx, "d1_a")
	if err != nil || got.Vector[2] != 3 {
		t.Errorf("GetChunk after reopen: %+v, %v", got, err)
	}
}
