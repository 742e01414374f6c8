// Package server provides the HTTP API for inspecting and operating the ingestion pipeline.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/kizami/internal/config"
	"github.com/hyperjump/kizami/internal/indexer"
	"github.com/hyperjump/kizami/internal/keyword"
	"github.com/hyperjump/kizami/internal/manifest"
	"github.com/hyperjump/kizami/internal/models"
	"github.com/hyperjump/kizami/internal/reconcile"
	"github.com/hyperjump/kizami/internal/watcher"
	"go.uber.org/zap"
)

// Counter reports the number of entries of a downstream store.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// ChunkSource returns the stored chunks of a document.
type ChunkSource interface {
	ChunksByDocumentID(ctx context.Context, documentID string) ([]*models.Chunk, error)
}

// Searcher runs keyword queries.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]*keyword.Hit, error)
}

// DocumentRetrier re-runs a document after a terminal failure.
type DocumentRetrier interface {
	RetryDocument(ctx context.Context, documentID string) (indexer.Result, error)
}

// WatchService is the part of the file watcher the API manages.
type WatchService interface {
	Roots() []watcher.Root
	AddRoot(root watcher.Root, syncExisting bool) error
	RemoveRoot(path string) error
}

// Deps are the collaborators of a Server. Everything except Manifest and Config may be nil;
// the endpoints that need a missing collaborator answer 501.
type Deps struct {
	Config      *config.Config
	Manifest    *manifest.Manifest
	Runner      DocumentRetrier
	Reconcilers []*reconcile.Reconciler
	// Stores maps a store name to its counter for the status endpoint.
	Stores  map[string]Counter
	Chunks  ChunkSource
	Keyword Searcher
	Watch   WatchService
}

// Server is the HTTP server of the API.
type Server struct {
	Deps
	logger *zap.Logger
	server *http.Server
}

// NewServer creates a server with the given dependencies.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Deps: deps, logger: logger}
}

// Handler returns the router with every endpoint mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/documents", s.handleListDocuments)
		r.Get("/documents/{id}", s.handleGetDocument)
		r.Post("/documents/{id}/retry", s.handleRetryDocument)
		r.Get("/validate", s.handleValidate)
		r.Post("/repair", s.handleRepair)
		r.Get("/search", s.handleSearch)
		r.Get("/watch/roots", s.handleWatchRootsList)
		r.Post("/watch/roots", s.handleWatchRootsAdd)
		r.Delete("/watch/roots", s.handleWatchRootsRemove)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
