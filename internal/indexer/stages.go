package indexer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hyperjump/kizami/internal/checkpoint"
	"github.com/hyperjump/kizami/internal/config"
	"github.com/hyperjump/kizami/internal/embedding"
	"github.com/hyperjump/kizami/internal/fileid"
	"github.com/hyperjump/kizami/internal/manifest"
	"github.com/hyperjump/kizami/internal/models"
	"github.com/hyperjump/kizami/internal/retry"
	"github.com/hyperjump/kizami/internal/splitter"
	"github.com/hyperjump/kizami/internal/vector"
	"go.uber.org/zap"
)

// Checkpoint operation of the embedding stage.
const opEmbedding = "embedding"

// job carries one document version through the stages.
type job struct {
	runID  string
	source models.SourceFile
	chunks []*models.Chunk
	log    *zap.Logger
}

// checkpointRunID identifies the embedding progress of one document version.
func checkpointRunID(documentID, fileHash string) string {
	return documentID + "@" + fileHash
}

func (r *Runner) processFile(ctx context.Context, runID string, ds config.DatasetConfig, absPath string) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	sf, err := fileid.Describe(ds.Name, ds.Root, absPath)
	if err != nil {
		r.logger.Warn("cannot describe file", zap.String("path", absPath), zap.Error(err))
		return Result{Path: absPath, Outcome: OutcomeFailed, Reason: "describe", Err: err}
	}
	res := Result{DocumentID: sf.DocumentID, Path: sf.RelativePath}
	log := r.logger.With(zap.String("run_id", runID), zap.String("doc_id", sf.DocumentID), zap.String("path", sf.RelativePath))

	need, reason := r.Manifest.NeedsProcessing(sf.DocumentID, sf.FileHash, r.now())
	if !need {
		log.Debug("document skipped", zap.String("reason", reason))
		res.Outcome, res.Reason = OutcomeSkipped, reason
		return res
	}
	if prev, ok := r.Manifest.Get(sf.DocumentID); ok && prev.CurrentVersion.FileHash != sf.FileHash {
		r.dropCheckpoint(log, sf.DocumentID, prev.CurrentVersion.FileHash)
	}
	if _, created := r.Manifest.EnsureDocument(sf.DocumentID, sf.DatasetName, sf.RelativePath, sf.FileHash, sf.SizeBytes); created {
		log.Debug("document version registered", zap.String("reason", reason))
	}

	j := &job{runID: runID, source: sf, log: log}
	stages := []struct {
		name string
		run  func(context.Context, *job) error
	}{
		{manifest.StageChunking, r.chunk},
		{manifest.StageEmbedding, r.embed},
		{manifest.StageIndexing, r.index},
	}
	for _, st := range stages {
		if err := r.Manifest.StartStage(sf.DocumentID, sf.FileHash, st.name); err != nil {
			res.Outcome, res.Reason, res.Err = OutcomeFailed, st.name, err
			return res
		}
		r.save(log)
		if err := st.run(ctx, j); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				// Left in progress: the version resumes on the next run with no retry charged.
				log.Warn("stage interrupted", zap.String("stage", st.name), zap.Error(err))
				res.Outcome, res.Reason, res.Err = OutcomeInterrupted, st.name, cerr
				return res
			}
			r.fail(j, st.name, err)
			res.Outcome, res.Reason, res.Err = OutcomeFailed, st.name, err
			return res
		}
		r.save(log)
	}
	if err := r.Manifest.SetIndexStatus(sf.DocumentID, manifest.IndexIndexed); err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	r.save(log)
	log.Info("document indexed", zap.Int("chunks", len(j.chunks)))
	res.Outcome, res.Chunks = OutcomeProcessed, len(j.chunks)
	return res
}

// save persists the manifest. A failed save is logged; the in-memory state stays
// authoritative until the next successful save.
func (r *Runner) save(log *zap.Logger) {
	if err := r.Manifest.Save(); err != nil {
		log.Error("manifest save failed", zap.Error(err))
	}
}

// dropCheckpoint deletes the embedding checkpoint of one version of a document.
func (r *Runner) dropCheckpoint(log *zap.Logger, documentID, fileHash string) {
	if err := r.Checkpoints.Delete(checkpointRunID(documentID, fileHash), opEmbedding); err != nil {
		log.Warn("stale checkpoint delete failed", zap.String("file_hash", fileHash), zap.Error(err))
	}
}

func (r *Runner) fail(j *job, stage string, err error) {
	f := manifest.Failure{
		Type:           retry.Type(err),
		Message:        err.Error(),
		Classification: retry.Classify(err),
	}
	if errors.Is(err, models.ErrRateLimited) {
		wait := retry.RetryAfter(err)
		if floor := r.Retrier.Policy().MaxDelay; wait < floor {
			wait = floor
		}
		f.RetryAfter = r.now().Add(wait)
	}
	info, ferr := r.Manifest.FailStage(j.source.DocumentID, j.source.FileHash, stage, f)
	if ferr != nil {
		j.log.Error("recording stage failure failed", zap.String("stage", stage), zap.Error(ferr))
		return
	}
	j.log.Warn("stage failed",
		zap.String("stage", stage),
		zap.String("classification", string(info.Classification)),
		zap.Int("retry_count", info.RetryCount),
		zap.Bool("terminal", info.Terminal()),
		zap.Error(err),
	)
	r.save(j.log)
}

// chunk extracts the articles of the file and splits them.
func (r *Runner) chunk(ctx context.Context, j *job) error {
	articles, err := r.Extractor.Extract(j.source.AbsolutePath, j.source.DocumentID)
	if err != nil {
		if errors.Is(err, models.ErrUnsupportedFormat) {
			return retry.Permanent(err)
		}
		return fmt.Errorf("extract: %w", err)
	}
	j.chunks = r.Splitter.SplitDocument(j.source.DatasetName, articles)
	reasons := make(map[string]any)
	for reason, n := range splitter.CountByReason(j.chunks) {
		reasons[string(reason)] = n
	}
	return r.Manifest.CompleteStage(j.source.DocumentID, j.source.FileHash, manifest.StageChunking,
		map[string]any{"articles": len(articles), "chunks": len(j.chunks)},
		map[string]any{"split_reasons": reasons, "max_tokens": r.Splitter.MaxTokens()},
	)
}

// fingerprint ties a checkpoint to the chunking and model that produced its batches.
func (r *Runner) fingerprint(batches int) map[string]string {
	return map[string]string{
		"model":      r.Embedder.ModelName(),
		"max_tokens": strconv.Itoa(r.Splitter.MaxTokens()),
		"batches":    strconv.Itoa(batches),
	}
}

func sameFingerprint(cp *checkpoint.Checkpoint, want map[string]string) bool {
	for k, v := range want {
		if cp.Metadata[k] != v {
			return false
		}
	}
	return true
}

// embed batches the chunks, embeds each batch and upserts it into the vector store. Progress
// is checkpointed after every stored batch so an interrupted version resumes where it
// stopped. A fresh start purges the vectors of earlier versions first.
func (r *Runner) embed(ctx context.Context, j *job) error {
	docID, hash := j.source.DocumentID, j.source.FileHash
	cpID := checkpointRunID(docID, hash)
	res := r.Batcher.Batch(j.chunks)
	meta := r.fingerprint(len(res.Batches))
	meta["document_id"] = docID
	meta["run"] = j.runID

	cp, err := r.Checkpoints.Load(cpID, opEmbedding)
	if err != nil {
		j.log.Warn("checkpoint unreadable, starting over", zap.Error(err))
		cp = nil
	}
	if cp != nil && !sameFingerprint(cp, r.fingerprint(len(res.Batches))) {
		j.log.Info("checkpoint does not match current chunking, starting over")
		cp = nil
	}
	if cp == nil {
		err := r.Retrier.Do(ctx, "purge vectors", func(ctx context.Context) error {
			_, err := r.Vectors.DeleteByDocumentID(ctx, docID)
			return err
		})
		if err != nil {
			return err
		}
	} else {
		j.log.Info("resuming embedding", zap.Int("last_batch", cp.LastBatch), zap.Int("processed", cp.TotalProcessed))
	}

	var processed []string
	if cp != nil {
		seen := make(map[string]struct{}, len(cp.ProcessedIDs))
		for _, id := range cp.ProcessedIDs {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				processed = append(processed, id)
			}
		}
	}
	for i, batch := range res.Batches {
		if cp.SkipBatch(i) {
			continue
		}
		pending := make([]*models.Chunk, 0, len(batch))
		for _, c := range batch {
			if !cp.Processed(c.ChunkID) {
				pending = append(pending, c)
			}
		}
		if len(pending) == 0 {
			j.log.Debug("batch already stored", zap.Int("batch", i))
			continue
		}
		if err := r.embedBatch(ctx, pending); err != nil {
			return fmt.Errorf("batch %d of %d: %w", i+1, len(res.Batches), err)
		}
		for _, c := range pending {
			processed = append(processed, c.ChunkID)
		}
		if err := r.Checkpoints.Save(cpID, opEmbedding, i, processed, len(processed), meta); err != nil {
			j.log.Warn("checkpoint save failed", zap.Int("batch", i), zap.Error(err))
		}
		j.log.Debug("batch stored", zap.Int("batch", i), zap.Int("size", len(pending)))
	}

	oversized := make([]any, len(res.Oversized))
	for i, c := range res.Oversized {
		oversized[i] = c.ChunkID
	}
	if err := r.Manifest.CompleteStage(docID, hash, manifest.StageEmbedding,
		map[string]any{"vectors": res.BatchedChunks(), "batches": len(res.Batches), "oversized": len(res.Oversized)},
		map[string]any{"model": r.Embedder.ModelName(), "dimensions": r.Embedder.Dimensions(), "avg_batch_size": res.AvgBatchSize, "oversized_chunk_ids": oversized},
	); err != nil {
		return err
	}
	if err := r.Checkpoints.Delete(cpID, opEmbedding); err != nil {
		j.log.Warn("checkpoint delete failed", zap.Error(err))
	}
	return nil
}

func (r *Runner) embedBatch(ctx context.Context, batch []*models.Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Content
	}
	var vectors [][]float32
	err := r.Retrier.Do(ctx, "embed batch", func(ctx context.Context) error {
		v, err := r.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return err
		}
		if err := embedding.CheckBatch(texts, v, r.Embedder.Dimensions()); err != nil {
			return retry.Permanent(err)
		}
		vectors = v
		return nil
	})
	if err != nil {
		return err
	}
	records := make([]vector.Record, len(batch))
	for i, c := range batch {
		records[i] = vector.Record{Chunk: c, Vector: vectors[i]}
	}
	return r.Retrier.Do(ctx, "upsert vectors", func(ctx context.Context) error {
		return r.Vectors.Upsert(ctx, records)
	})
}

// index replaces the document's entries in the keyword index.
func (r *Runner) index(ctx context.Context, j *job) error {
	docID, hash := j.source.DocumentID, j.source.FileHash
	if r.Keyword == nil {
		return r.Manifest.SkipStage(docID, hash, manifest.StageIndexing, "no keyword index configured")
	}
	started := time.Now()
	err := r.Retrier.Do(ctx, "replace keyword entries", func(ctx context.Context) error {
		if _, err := r.Keyword.DeleteByDocumentID(ctx, docID); err != nil {
			return err
		}
		return r.Keyword.IndexChunks(ctx, j.chunks)
	})
	if err != nil {
		return err
	}
	return r.Manifest.CompleteStage(docID, hash, manifest.StageIndexing,
		map[string]any{"chunks": len(j.chunks)},
		map[string]any{"took_ms": time.Since(started).Milliseconds()},
	)
}
