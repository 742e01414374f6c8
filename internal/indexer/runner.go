// Package indexer runs dataset files through the chunking, embedding and indexing stages,
// recording every transition in the manifest.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/kizami/internal/batcher"
	"github.com/hyperjump/kizami/internal/checkpoint"
	"github.com/hyperjump/kizami/internal/config"
	"github.com/hyperjump/kizami/internal/embedding"
	"github.com/hyperjump/kizami/internal/extract"
	"github.com/hyperjump/kizami/internal/fileid"
	"github.com/hyperjump/kizami/internal/manifest"
	"github.com/hyperjump/kizami/internal/models"
	"github.com/hyperjump/kizami/internal/retry"
	"github.com/hyperjump/kizami/internal/splitter"
	"github.com/hyperjump/kizami/internal/vector"
	"go.uber.org/zap"
)

// ErrUnknownDataset is returned for a dataset name that is not configured.
var ErrUnknownDataset = errors.New("unknown dataset")

// KeywordIndex is the second downstream store. It receives the chunks of a document once
// its vectors are stored.
type KeywordIndex interface {
	IndexChunks(ctx context.Context, chunks []*models.Chunk) error
	DeleteByDocumentID(ctx context.Context, documentID string) (int, error)
}

// Deps are the collaborators of a Runner. Keyword may be nil.
type Deps struct {
	Manifest    *manifest.Manifest
	Extractor   *extract.Extractor
	Splitter    *splitter.Splitter
	Batcher     *batcher.Batcher
	Embedder    embedding.Embedder
	Vectors     vector.Store
	Keyword     KeywordIndex
	Checkpoints *checkpoint.Store
	Retrier     *retry.Retrier
}

// Runner processes documents one at a time. Its methods may be called from several
// goroutines; processing is serialized.
type Runner struct {
	Deps
	datasets map[string]config.DatasetConfig
	names    []string
	mu       sync.Mutex
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source used for retry backoff decisions.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// New creates a runner over the given datasets.
func New(deps Deps, datasets []config.DatasetConfig, opts ...Option) (*Runner, error) {
	switch {
	case deps.Manifest == nil:
		return nil, errors.New("indexer: manifest is required")
	case deps.Extractor == nil:
		return nil, errors.New("indexer: extractor is required")
	case deps.Splitter == nil:
		return nil, errors.New("indexer: splitter is required")
	case deps.Batcher == nil:
		return nil, errors.New("indexer: batcher is required")
	case deps.Embedder == nil:
		return nil, errors.New("indexer: embedder is required")
	case deps.Vectors == nil:
		return nil, errors.New("indexer: vector store is required")
	case deps.Checkpoints == nil:
		return nil, errors.New("indexer: checkpoint store is required")
	}
	if deps.Retrier == nil {
		deps.Retrier = retry.New(retry.DefaultPolicy())
	}
	r := &Runner{
		Deps:     deps,
		datasets: make(map[string]config.DatasetConfig, len(datasets)),
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, d := range datasets {
		d.Root = filepath.Clean(d.Root)
		r.datasets[d.Name] = d
		r.names = append(r.names, d.Name)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Datasets returns the configured dataset names in configuration order.
func (r *Runner) Datasets() []string {
	return append([]string(nil), r.names...)
}

func (r *Runner) dataset(name string) (config.DatasetConfig, error) {
	d, ok := r.datasets[name]
	if !ok {
		return config.DatasetConfig{}, fmt.Errorf("%w: %s", ErrUnknownDataset, name)
	}
	return d, nil
}

// RunAll runs every configured dataset in order. It stops at the first dataset that cannot
// be scanned or when ctx ends.
func (r *Runner) RunAll(ctx context.Context) ([]*RunReport, error) {
	var reports []*RunReport
	for _, name := range r.names {
		rep, err := r.RunDataset(ctx, name)
		if rep != nil {
			reports = append(reports, rep)
		}
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// RunDataset processes every matching file under the dataset root and marks documents whose
// file disappeared as removed. Failures of single documents are recorded in the manifest and
// the report; the run goes on with the next document.
func (r *Runner) RunDataset(ctx context.Context, name string) (*RunReport, error) {
	ds, err := r.dataset(name)
	if err != nil {
		return nil, err
	}
	rep := newReport(name, r.now())
	log := r.logger.With(zap.String("run_id", rep.RunID), zap.String("dataset", name))
	log.Info("run started", zap.String("root", ds.Root))

	files, err := scanDataset(ds)
	if err != nil {
		rep.finish(r.now())
		return rep, fmt.Errorf("scan dataset %s: %w", name, err)
	}

	seen := make(map[string]struct{}, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			rep.finish(r.now())
			log.Warn("run interrupted", zap.Error(err))
			return rep, err
		}
		res := r.processFile(ctx, rep.RunID, ds, path)
		if res.Outcome == OutcomeInterrupted {
			rep.finish(r.now())
			log.Warn("run interrupted", zap.String("doc_id", res.DocumentID), zap.String("stage", res.Reason), zap.Error(res.Err))
			return rep, res.Err
		}
		if res.DocumentID != "" {
			seen[res.DocumentID] = struct{}{}
		}
		rep.add(res)
	}

	for _, doc := range r.Manifest.DocumentsInDataset(name) {
		if _, ok := seen[doc.DocumentID]; ok || doc.CurrentVersion.IndexStatus == manifest.IndexDeleted {
			continue
		}
		if err := ctx.Err(); err != nil {
			rep.finish(r.now())
			return rep, err
		}
		res := Result{DocumentID: doc.DocumentID, Path: doc.RelativePath, Outcome: OutcomeRemoved}
		if err := r.RemoveDocument(ctx, doc.DocumentID); err != nil {
			res.Outcome, res.Err = OutcomeFailed, err
		}
		rep.add(res)
	}

	rep.finish(r.now())
	log.Info("run finished",
		zap.Int("processed", rep.Processed),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed),
		zap.Int("removed", rep.Removed),
		zap.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	)
	return rep, nil
}

// scanDataset lists the regular files under the dataset root whose extension is configured
// and readable, in lexical order.
func scanDataset(ds config.DatasetConfig) ([]string, error) {
	info, err := os.Stat(ds.Root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", ds.Root)
	}
	var files []string
	err = filepath.WalkDir(ds.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != ds.Root && (!ds.RecursiveOrDefault() || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") || !wanted(path, ds.Extensions) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

func wanted(path string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if !extract.Supported(ext) {
		return false
	}
	if len(extensions) == 0 {
		return true
	}
	for _, e := range extensions {
		if "."+strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

// ProcessFile runs one file of a dataset through the pipeline when it is new, changed or
// queued again.
func (r *Runner) ProcessFile(ctx context.Context, dataset, absPath string) (Result, error) {
	ds, err := r.dataset(dataset)
	if err != nil {
		return Result{}, err
	}
	res := r.processFile(ctx, uuid.NewString(), ds, absPath)
	return res, res.Err
}

// RemoveFile marks the document of a deleted file as removed and deletes its chunks from the
// downstream stores.
func (r *Runner) RemoveFile(ctx context.Context, dataset, absPath string) error {
	ds, err := r.dataset(dataset)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(ds.Root, absPath)
	if err != nil {
		return fmt.Errorf("relative path of %s: %w", absPath, err)
	}
	return r.RemoveDocument(ctx, fileid.DocumentID(dataset, rel))
}

// RemoveDocument deletes the document's chunks from both stores and marks it removed in the
// manifest. Unknown documents are still purged from the stores.
func (r *Runner) RemoveDocument(ctx context.Context, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := r.logger.With(zap.String("doc_id", documentID), zap.String("dataset", fileid.Dataset(documentID)))
	if doc, ok := r.Manifest.Get(documentID); ok {
		r.dropCheckpoint(log, documentID, doc.CurrentVersion.FileHash)
	}

	var removed int
	err := r.Retrier.Do(ctx, "delete vectors", func(ctx context.Context) error {
		n, err := r.Vectors.DeleteByDocumentID(ctx, documentID)
		removed = n
		return err
	})
	if err != nil {
		return err
	}
	if r.Keyword != nil {
		err := r.Retrier.Do(ctx, "delete keyword entries", func(ctx context.Context) error {
			_, err := r.Keyword.DeleteByDocumentID(ctx, documentID)
			return err
		})
		if err != nil {
			return err
		}
	}
	if err := r.Manifest.MarkDocumentRemoved(documentID); err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			log.Debug("purged unknown document", zap.Int("chunks", removed))
			return nil
		}
		return err
	}
	if err := r.Manifest.Save(); err != nil {
		return err
	}
	log.Info("document removed", zap.Int("chunks", removed))
	return nil
}

// RetryDocument clears the failed stages of a document and processes it again at once.
// It is the operator's way out of a terminal failure.
func (r *Runner) RetryDocument(ctx context.Context, documentID string) (Result, error) {
	doc, ok := r.Manifest.Get(documentID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", manifest.ErrNotFound, documentID)
	}
	ds, err := r.dataset(doc.DatasetName)
	if err != nil {
		return Result{}, err
	}
	if err := r.Manifest.ResetDocument(documentID); err != nil {
		return Result{}, err
	}
	if err := r.Manifest.Save(); err != nil {
		return Result{}, err
	}
	res := r.processFile(ctx, uuid.NewString(), ds, filepath.Join(ds.Root, filepath.FromSlash(doc.RelativePath)))
	return res, res.Err
}
