package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hyperjump/kizami/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	docs      map[string]int
	failOn    string
	listErr   error
	deleteLog []string
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{docs: make(map[string]int)}
	for _, id := range ids {
		s.docs[id] = 2
	}
	return s
}

func (s *fakeStore) DocumentIDs(ctx context.Context) (map[string]struct{}, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make(map[string]struct{}, len(s.docs))
	for id := range s.docs {
		out[id] = struct{}{}
	}
	return out, nil
}

func (s *fakeStore) DeleteByDocumentID(ctx context.Context, id string) (int, error) {
	if id == s.failOn {
		return 0, errors.New("boom")
	}
	s.deleteLog = append(s.deleteLog, id)
	n := s.docs[id]
	delete(s.docs, id)
	return n, nil
}

func newState(t *testing.T, ids ...string) *manifest.Manifest {
	t.Helper()
	m := manifest.New(filepath.Join(t.TempDir(), "manifest.json"))
	for _, id := range ids {
		m.EnsureDocument(id, "ds", id+".md", "h-"+id, 1)
		require.NoError(t, m.SetIndexStatus(id, manifest.IndexIndexed))
	}
	return m
}

func TestValidate_Differences(t *testing.T) {
	state := newState(t, "ds:a", "ds:b", "ds:c")
	store := newFakeStore("ds:b", "ds:c", "ds:z", "ds:y")

	rep, err := New("vector", state, store).Validate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "vector", rep.Store)
	assert.Equal(t, 3, rep.StateCount)
	assert.Equal(t, 4, rep.StoreCount)
	assert.Equal(t, []string{"ds:a"}, rep.InStateNotStore)
	assert.Equal(t, []string{"ds:y", "ds:z"}, rep.InStoreNotState)
	assert.False(t, rep.IsConsistent())
}

func TestValidate_Consistent(t *testing.T) {
	state := newState(t, "ds:a")
	rep, err := New("keyword", state, newFakeStore("ds:a")).Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.IsConsistent())
	assert.Empty(t, rep.InStateNotStore)
	assert.Empty(t, rep.InStoreNotState)
}

func TestValidate_RemovedDocumentIsGhostUntilDeleted(t *testing.T) {
	state := newState(t, "ds:a", "ds:b")
	store := newFakeStore("ds:a", "ds:b")
	r := New("vector", state, store)

	require.NoError(t, state.MarkDocumentRemoved("ds:b"))
	rep, err := r.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ds:b"}, rep.InStoreNotState)

	_, err = store.DeleteByDocumentID(context.Background(), "ds:b")
	require.NoError(t, err)
	rep, err = r.Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.IsConsistent())
}

func TestValidate_StoreError(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("db closed")
	_, err := New("vector", newState(t), store).Validate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db closed")
}

func TestRepair_DryRunChangesNothing(t *testing.T) {
	state := newState(t, "ds:a")
	store := newFakeStore("ds:z")

	res, err := New("vector", state, store).Repair(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, []string{"ds:z"}, res.DeletedGhosts)
	assert.Equal(t, []string{"ds:a"}, res.Requeued)
	assert.Empty(t, store.deleteLog)

	doc, ok := state.Get("ds:a")
	require.True(t, ok)
	assert.Equal(t, manifest.IndexIndexed, doc.CurrentVersion.IndexStatus)
}

func TestRepair_DeletesGhostsAndRequeues(t *testing.T) {
	state := newState(t, "ds:a", "ds:b")
	store := newFakeStore("ds:b", "ds:z")
	r := New("vector", state, store)

	res, err := r.Repair(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"ds:z"}, res.DeletedGhosts)
	assert.Equal(t, 2, res.DeletedChunks)
	assert.Equal(t, []string{"ds:a"}, res.Requeued)
	assert.Empty(t, res.Errors)

	doc, _ := state.Get("ds:a")
	assert.Equal(t, manifest.IndexPending, doc.CurrentVersion.IndexStatus)

	rep, err := r.Validate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.InStoreNotState)
	assert.Equal(t, []string{"ds:a"}, rep.InStateNotStore)
}

func TestRepair_CollectsDeleteErrors(t *testing.T) {
	state := newState(t)
	store := newFakeStore("ds:x", "ds:y")
	store.failOn = "ds:x"

	res, err := New("vector", state, store).Repair(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"ds:y"}, res.DeletedGhosts)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "ds:x")
}

func TestManifestState_SkipsEmptyDocuments(t *testing.T) {
	m := newState(t, "ds:full", "ds:empty")
	require.NoError(t, m.CompleteStage("ds:full", "h-ds:full", manifest.StageEmbedding, map[string]any{"vectors": 3}, nil))
	require.NoError(t, m.CompleteStage("ds:empty", "h-ds:empty", manifest.StageEmbedding, map[string]any{"vectors": 0}, nil))
	state := ManifestState{Manifest: m, Stage: manifest.StageEmbedding, CountKey: "vectors"}

	rep, err := New("vector", state, newFakeStore("ds:full")).Validate(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.IsConsistent())

	require.NoError(t, state.SetIndexStatus("ds:full", manifest.IndexPending))
	doc, _ := m.Get("ds:full")
	assert.Equal(t, manifest.IndexPending, doc.CurrentVersion.IndexStatus)
}
