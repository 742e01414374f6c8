package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/kizami/internal/manifest"
	"github.com/hyperjump/kizami/internal/reconcile"
	"github.com/hyperjump/kizami/internal/storage"
	"github.com/hyperjump/kizami/internal/watcher"
	"go.uber.org/zap"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stores := make(map[string]int, len(s.Stores))
	for name, c := range s.Stores {
		n, err := c.Count(ctx)
		if err != nil {
			s.logger.Error("status: count failed", zap.String("store", name), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stores[name] = n
	}
	resp := map[string]interface{}{
		"manifest":     s.Manifest.Summary(),
		"last_updated": s.Manifest.LastUpdated(),
		"stores":       stores,
	}
	if cfg := s.Config; cfg != nil {
		datasets := make([]string, len(cfg.Datasets))
		for i, d := range cfg.Datasets {
			datasets[i] = d.Name
		}
		resp["config"] = map[string]interface{}{
			"datasets":             datasets,
			"vector_store":         cfg.Storage.VectorStore,
			"embedding_provider":   cfg.Embedding.Provider,
			"embedding_dimensions": cfg.Embedding.Dimensions,
			"chunk_max_tokens":     cfg.Chunking.MaxTokens,
			"chunk_overlap_tokens": cfg.Chunking.OverlapTokens,
			"batching":             cfg.Batching,
		}
		diskBytes, err := storage.DiskUsageBytes(
			cfg.Storage.DatabasePath,
			cfg.Storage.VectorIndexPath,
			cfg.Storage.BleveIndexPath,
			cfg.Manifest.Path,
		)
		if err == nil {
			resp["disk_usage_bytes"] = diskBytes
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := manifest.Filter{
		DatasetName: q.Get("dataset"),
		IndexStatus: manifest.IndexStatus(q.Get("index_status")),
		Stage:       q.Get("stage"),
		StageStatus: manifest.StageStatus(q.Get("stage_status")),
	}
	if f.IndexStatus != "" && !f.IndexStatus.Valid() {
		s.respondError(w, http.StatusBadRequest, "invalid index_status")
		return
	}
	if f.StageStatus != "" && !f.StageStatus.Valid() {
		s.respondError(w, http.StatusBadRequest, "invalid stage_status")
		return
	}
	if (f.Stage == "") != (f.StageStatus == "") {
		s.respondError(w, http.StatusBadRequest, "stage and stage_status go together")
		return
	}
	docs := s.Manifest.List(f)
	if docs == nil {
		docs = []*manifest.Document{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"documents": docs, "count": len(docs)})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	doc, ok := s.Manifest.Get(id)
	if !ok {
		s.respondError(w, http.StatusNotFound, "document not found")
		return
	}
	resp := map[string]interface{}{"document": doc}
	if s.Chunks != nil {
		chunks, err := s.Chunks.ChunksByDocumentID(r.Context(), id)
		if err != nil {
			s.logger.Error("load chunks failed", zap.String("doc_id", id), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["chunks"] = chunks
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetryDocument(w http.ResponseWriter, r *http.Request) {
	if s.Runner == nil {
		s.respondError(w, http.StatusNotImplemented, "retry not available")
		return
	}
	id := chi.URLParam(r, "id")
	s.logger.Debug("retry document request", zap.String("doc_id", id))
	res, err := s.Runner.RetryDocument(r.Context(), id)
	if errors.Is(err, manifest.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		res.Error = err.Error()
		if res.DocumentID == "" {
			s.logger.Error("retry failed", zap.String("doc_id", id), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	reports := make([]*reconcile.Report, 0, len(s.Reconcilers))
	consistent := true
	for _, rc := range s.Reconcilers {
		rep, err := rc.Validate(r.Context())
		if err != nil {
			s.logger.Error("validate failed", zap.String("store", rc.Name()), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		consistent = consistent && rep.IsConsistent()
		reports = append(reports, rep)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"consistent": consistent, "reports": reports})
}

func (s *Server) handleRepair(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if v := r.URL.Query().Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid dry_run")
			return
		}
		dryRun = b
	}
	results := make([]*reconcile.RepairResult, 0, len(s.Reconcilers))
	for _, rc := range s.Reconcilers {
		res, err := rc.Repair(r.Context(), dryRun)
		if err != nil {
			s.logger.Error("repair failed", zap.String("store", rc.Name()), zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		results = append(results, res)
	}
	if !dryRun {
		if err := s.Manifest.Save(); err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"dry_run": dryRun, "results": results})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.Keyword == nil {
		s.respondError(w, http.StatusNotImplemented, "keyword index not configured")
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		s.respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := defaultSearchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxSearchLimit)
	}
	s.logger.Debug("search request", zap.String("query", query), zap.Int("limit", limit))
	hits, err := s.Keyword.Search(r.Context(), query, limit)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"query": query, "hits": hits})
}

func (s *Server) handleWatchRootsList(w http.ResponseWriter, r *http.Request) {
	if s.Watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	roots := s.Watch.Roots()
	sort.Slice(roots, func(i, j int) bool { return roots[i].Path < roots[j].Path })
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"roots": roots})
}

type watchAddRequest struct {
	Dataset string `json:"dataset"`
	Path    string `json:"path"`
	Sync    *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchRootsAdd(w http.ResponseWriter, r *http.Request) {
	if s.Watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Dataset == "" {
		s.respondError(w, http.StatusBadRequest, "dataset is required")
		return
	}
	if s.Config == nil {
		s.respondError(w, http.StatusNotFound, "dataset not configured")
		return
	}
	ds, ok := s.Config.Dataset(req.Dataset)
	if !ok {
		s.respondError(w, http.StatusNotFound, "dataset not configured")
		return
	}
	path := req.Path
	if path == "" {
		path = ds.Root
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	root := watcher.Root{
		Dataset:    ds.Name,
		Path:       abs,
		Extensions: ds.Extensions,
		Recursive:  ds.RecursiveOrDefault(),
	}
	s.logger.Debug("watch add root request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.Watch.AddRoot(root, syncExisting); err != nil {
		s.logger.Error("watch add root failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"dataset": ds.Name, "path": abs, "status": "added"})
}

func (s *Server) handleWatchRootsRemove(w http.ResponseWriter, r *http.Request) {
	if s.Watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Path != "" {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove root request", zap.String("path", abs))
	if err := s.Watch.RemoveRoot(abs); err != nil {
		s.logger.Error("watch remove root failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
