package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/hyperjump/kizami/internal/config"
	"github.com/hyperjump/kizami/internal/indexer"
	"github.com/hyperjump/kizami/internal/keyword"
	"github.com/hyperjump/kizami/internal/manifest"
	"github.com/hyperjump/kizami/internal/models"
	"github.com/hyperjump/kizami/internal/reconcile"
	"github.com/hyperjump/kizami/internal/vector"
	"github.com/hyperjump/kizami/internal/watcher"
	"go.uber.org/zap"
)

type mockWatchService struct {
	roots []watcher.Root
}

func (m *mockWatchService) Roots() []watcher.Root {
	return append([]watcher.Root(nil), m.roots...)
}

func (m *mockWatchService) AddRoot(root watcher.Root, _ bool) error {
	for _, r := range m.roots {
		if r.Path == root.Path {
			return nil
		}
	}
	m.roots = append(m.roots, root)
	return nil
}

func (m *mockWatchService) RemoveRoot(path string) error {
	for i, r := range m.roots {
		if r.Path == path {
			m.roots = append(m.roots[:i], m.roots[i+1:]...)
			return nil
		}
	}
	return nil
}

type mockRunner struct {
	calls []string
	err   error
}

func (m *mockRunner) RetryDocument(_ context.Context, id string) (indexer.Result, error) {
	m.calls = append(m.calls, id)
	if errors.Is(m.err, manifest.ErrNotFound) {
		return indexer.Result{}, m.err
	}
	return indexer.Result{DocumentID: id, Outcome: indexer.OutcomeProcessed, Chunks: 2}, m.err
}

type fixture struct {
	srv      *Server
	manifest *manifest.Manifest
	vectors  *vector.MemoryStore
	keyword  *keyword.BleveIndex
	runner   *mockRunner
	watch    *mockWatchService
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	m := manifest.New(filepath.Join(dir, "manifest.json"))
	vectors, err := vector.NewMemoryStore(4, "")
	if err != nil {
		t.Fatal(err)
	}
	kw, err := keyword.NewBleveIndex("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kw.Close() })

	cfg := &config.Config{
		Server:   config.ServerConfig{Port: 8080},
		Datasets: []config.DatasetConfig{{Name: "laws", Root: dir}},
		Manifest: config.ManifestConfig{Path: filepath.Join(dir, "manifest.json")},
	}
	cfg.Embedding.Dimensions = 4
	state := func(stage, key string) reconcile.ManifestState {
		return reconcile.ManifestState{Manifest: m, Stage: stage, CountKey: key}
	}
	f := &fixture{manifest: m, vectors: vectors, keyword: kw, runner: &mockRunner{}, watch: &mockWatchService{}, dir: dir}
	f.srv = NewServer(Deps{
		Config:   cfg,
		Manifest: m,
		Runner:   f.runner,
		Reconcilers: []*reconcile.Reconciler{
			reconcile.New("vectors", state(manifest.StageEmbedding, "vectors"), vectors),
			reconcile.New("keyword", state(manifest.StageIndexing, "chunks"), kw),
		},
		Stores:  map[string]Counter{"vectors": vectors, "keyword": kw},
		Chunks:  vectors,
		Keyword: kw,
		Watch:   f.watch,
	}, zap.NewNop())
	return f
}

// index registers a fully processed document and stores one chunk for it.
func (f *fixture) index(t *testing.T, id, content string) {
	t.Helper()
	f.manifest.EnsureDocument(id, "laws", id+".md", "h-"+id, 10)
	chunk := &models.Chunk{ChunkID: id + "_body", DocumentID: id, DatasetName: "laws", Content: content}
	for _, stage := range manifest.Stages {
		out := map[string]any{"chunks": 1, "vectors": 1}
		if err := f.manifest.CompleteStage(id, "h-"+id, stage, out, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.manifest.SetIndexStatus(id, manifest.IndexIndexed); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := f.vectors.Upsert(ctx, []vector.Record{{Chunk: chunk, Vector: []float32{1, 0, 0, 0}}}); err != nil {
		t.Fatal(err)
	}
	if err := f.keyword.IndexChunks(ctx, []*models.Chunk{chunk}); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, target, reader)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	f := newFixture(t)
	f.index(t, "laws:a", "hello world")
	w := f.do(t, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		Manifest manifest.Summary `json:"manifest"`
		Stores   map[string]int   `json:"stores"`
		Config   map[string]any   `json:"config"`
	}
	decode(t, w, &out)
	if out.Manifest.TotalDocuments != 1 {
		t.Errorf("total documents: got %d", out.Manifest.TotalDocuments)
	}
	if out.Stores["vectors"] != 1 || out.Stores["keyword"] != 1 {
		t.Errorf("stores: got %v", out.Stores)
	}
	if out.Config["embedding_dimensions"] != float64(4) {
		t.Errorf("config: got %v", out.Config)
	}
}

func TestHandleListDocuments(t *testing.T) {
	f := newFixture(t)
	f.index(t, "laws:a", "alpha")
	f.index(t, "laws:b", "beta")
	if err := f.manifest.SetIndexStatus("laws:b", manifest.IndexFailed); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query string
		code  int
		count int
	}{
		{"", http.StatusOK, 2},
		{"?dataset=laws", http.StatusOK, 2},
		{"?dataset=other", http.StatusOK, 0},
		{"?index_status=failed", http.StatusOK, 1},
		{"?stage=embedding&stage_status=completed", http.StatusOK, 2},
		{"?index_status=bogus", http.StatusBadRequest, 0},
		{"?stage=embedding", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		w := f.do(t, http.MethodGet, "/api/v1/documents"+tt.query, nil)
		if w.Code != tt.code {
			t.Errorf("%q: status got %d, want %d", tt.query, w.Code, tt.code)
			continue
		}
		if tt.code != http.StatusOK {
			continue
		}
		var out struct {
			Count int `json:"count"`
		}
		decode(t, w, &out)
		if out.Count != tt.count {
			t.Errorf("%q: count got %d, want %d", tt.query, out.Count, tt.count)
		}
	}
}

func TestHandleGetDocument(t *testing.T) {
	f := newFixture(t)
	f.index(t, "laws:a", "alpha")

	w := f.do(t, http.MethodGet, "/api/v1/documents/laws:a", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Document manifest.Document `json:"document"`
		Chunks   []models.Chunk    `json:"chunks"`
	}
	decode(t, w, &out)
	if out.Document.DocumentID != "laws:a" || len(out.Chunks) != 1 {
		t.Errorf("got %+v", out)
	}

	w = f.do(t, http.MethodGet, "/api/v1/documents/laws:missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing: got %d", w.Code)
	}
}

func TestHandleRetryDocument(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/v1/documents/laws:a/retry", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var res indexer.Result
	decode(t, w, &res)
	if res.Outcome != indexer.OutcomeProcessed || len(f.runner.calls) != 1 || f.runner.calls[0] != "laws:a" {
		t.Errorf("got %+v, calls %v", res, f.runner.calls)
	}

	f.runner.err = errors.New("embedding failed")
	w = f.do(t, http.MethodPost, "/api/v1/documents/laws:a/retry", nil)
	decode(t, w, &res)
	if w.Code != http.StatusOK || res.Error != "embedding failed" {
		t.Errorf("failed retry: got %d %+v", w.Code, res)
	}

	f.runner.err = manifest.ErrNotFound
	w = f.do(t, http.MethodPost, "/api/v1/documents/laws:x/retry", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown: got %d", w.Code)
	}

	f.srv.Runner = nil
	w = f.do(t, http.MethodPost, "/api/v1/documents/laws:a/retry", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("no runner: got %d", w.Code)
	}
}

func TestHandleValidateAndRepair(t *testing.T) {
	f := newFixture(t)
	f.index(t, "laws:a", "alpha")
	ghost := &models.Chunk{ChunkID: "laws:ghost_body", DocumentID: "laws:ghost", Content: "boo"}
	if err := f.vectors.Upsert(context.Background(), []vector.Record{{Chunk: ghost, Vector: []float32{0, 1, 0, 0}}}); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, http.MethodGet, "/api/v1/validate", nil)
	var val struct {
		Consistent bool                `json:"consistent"`
		Reports    []*reconcile.Report `json:"reports"`
	}
	decode(t, w, &val)
	if val.Consistent || len(val.Reports) != 2 {
		t.Fatalf("validate: got %+v", val)
	}
	if got := val.Reports[0].InStoreNotState; len(got) != 1 || got[0] != "laws:ghost" {
		t.Errorf("ghosts: got %v", got)
	}

	w = f.do(t, http.MethodPost, "/api/v1/repair?dry_run=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("dry run: got %d", w.Code)
	}
	if n, _ := f.vectors.Count(context.Background()); n != 2 {
		t.Errorf("dry run deleted vectors: count %d", n)
	}

	w = f.do(t, http.MethodPost, "/api/v1/repair", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("repair: got %d", w.Code)
	}
	w = f.do(t, http.MethodGet, "/api/v1/validate", nil)
	decode(t, w, &val)
	if !val.Consistent {
		t.Errorf("after repair: got %+v", val.Reports)
	}

	w = f.do(t, http.MethodPost, "/api/v1/repair?dry_run=maybe", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad dry_run: got %d", w.Code)
	}
}

func TestHandleSearch(t *testing.T) {
	f := newFixture(t)
	f.index(t, "laws:a", "hello world")
	f.index(t, "laws:b", "goodbye moon")

	w := f.do(t, http.MethodGet, "/api/v1/search?q=hello", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Hits []keyword.Hit `json:"hits"`
	}
	decode(t, w, &out)
	if len(out.Hits) != 1 || out.Hits[0].DocumentID != "laws:a" {
		t.Errorf("hits: got %+v", out.Hits)
	}

	for _, q := range []string{"", "?q=hello&limit=0", "?q=hello&limit=x"} {
		if w := f.do(t, http.MethodGet, "/api/v1/search"+q, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%q: got %d", q, w.Code)
		}
	}
}

func TestHandleWatchRoots(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/v1/watch/roots", map[string]string{"dataset": "laws"})
	if w.Code != http.StatusCreated {
		t.Fatalf("add: got %d, body: %s", w.Code, w.Body.String())
	}
	roots := f.watch.Roots()
	if len(roots) != 1 || roots[0].Dataset != "laws" || !roots[0].Recursive {
		t.Errorf("roots: got %+v", roots)
	}

	w = f.do(t, http.MethodGet, "/api/v1/watch/roots", nil)
	var out struct {
		Roots []watcher.Root `json:"roots"`
	}
	decode(t, w, &out)
	if len(out.Roots) != 1 {
		t.Errorf("list: got %+v", out.Roots)
	}

	w = f.do(t, http.MethodDelete, "/api/v1/watch/roots?path="+roots[0].Path, nil)
	if w.Code != http.StatusOK || len(f.watch.Roots()) != 0 {
		t.Errorf("remove: got %d, roots %v", w.Code, f.watch.Roots())
	}
}

func TestHandleWatchRoots_Errors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body map[string]string
		code int
	}{
		{"missing dataset", map[string]string{"path": f.dir}, http.StatusBadRequest},
		{"unknown dataset", map[string]string{"dataset": "other"}, http.StatusNotFound},
		{"missing directory", map[string]string{"dataset": "laws", "path": filepath.Join(f.dir, "nope")}, http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := f.do(t, http.MethodPost, "/api/v1/watch/roots", tt.body); w.Code != tt.code {
			t.Errorf("%s: got %d, want %d", tt.name, w.Code, tt.code)
		}
	}

	f.srv.Watch = nil
	if w := f.do(t, http.MethodGet, "/api/v1/watch/roots", nil); w.Code != http.StatusNotImplemented {
		t.Errorf("disabled: got %d", w.Code)
	}
}
