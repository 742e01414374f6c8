// Package checkpoint persists minimal progress records for long batched operations so an
// interrupted run can resume where it stopped.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/hyperjump/kizami/pkg/utils"
	"go.uber.org/zap"
)

// Checkpoint records the last fully successful batch of an operation. It never holds
// payloads such as vectors, only identifiers and counters.
type Checkpoint struct {
	RunID          string            `json:"run_id"`
	Operation      string            `json:"operation"`
	LastBatch      int               `json:"last_batch"`
	ProcessedIDs   []string          `json:"processed_ids"`
	TotalProcessed int               `json:"total_processed"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	processed map[string]struct{}
}

// SkipBatch reports whether batch i was completed before the checkpoint was written.
// A nil checkpoint skips nothing.
func (c *Checkpoint) SkipBatch(i int) bool {
	return c != nil && i <= c.LastBatch
}

// Processed reports whether id was already handled. A nil checkpoint has processed nothing.
func (c *Checkpoint) Processed(id string) bool {
	if c == nil {
		return false
	}
	if c.processed == nil {
		c.processed = make(map[string]struct{}, len(c.ProcessedIDs))
		for _, p := range c.ProcessedIDs {
			c.processed[p] = struct{}{}
		}
	}
	_, ok := c.processed[id]
	return ok
}

// Store keeps one JSON file per (run, operation) in a directory.
type Store struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a logger for degraded reads.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates the checkpoint directory if needed.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	s := &Store{dir: dir, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Path returns the file that holds the checkpoint of (runID, operation).
func (s *Store) Path(runID, operation string) string {
	name := unsafeName.ReplaceAllString(runID, "-") + "_" + unsafeName.ReplaceAllString(operation, "-") + ".json"
	return filepath.Join(s.dir, name)
}

// Save atomically replaces the checkpoint of (runID, operation). Call it only after batch
// lastBatch has fully succeeded.
func (s *Store) Save(runID, operation string, lastBatch int, processedIDs []string, totalProcessed int, metadata map[string]string) error {
	ids := append(make([]string, 0, len(processedIDs)), processedIDs...)
	sort.Strings(ids)
	cp := &Checkpoint{
		RunID:          runID,
		Operation:      operation,
		LastBatch:      lastBatch,
		ProcessedIDs:   ids,
		TotalProcessed: totalProcessed,
		Timestamp:      s.now().UTC(),
		Metadata:       metadata,
	}
	if err := utils.WriteJSONAtomic(s.Path(runID, operation), cp); err != nil {
		return fmt.Errorf("save checkpoint %s/%s: %w", runID, operation, err)
	}
	return nil
}

// Load returns the checkpoint of (runID, operation), or nil when there is none. An unparseable
// file or one written for a different run is logged and treated as absent.
func (s *Store) Load(runID, operation string) (*Checkpoint, error) {
	path := s.Path(runID, operation)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.logger.Warn("ignoring unreadable checkpoint", zap.String("path", path), zap.Error(err))
		return nil, nil
	}
	if cp.RunID != runID || cp.Operation != operation {
		s.logger.Warn("ignoring checkpoint of another run",
			zap.String("path", path),
			zap.String("run_id", cp.RunID),
			zap.String("operation", cp.Operation),
		)
		return nil, nil
	}
	return &cp, nil
}

// Delete removes the checkpoint of (runID, operation). A missing checkpoint is not an error.
func (s *Store) Delete(runID, operation string) error {
	err := os.Remove(s.Path(runID, operation))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete checkpoint %s/%s: %w", runID, operation, err)
	}
	return nil
}

// List returns every readable checkpoint in the store, oldest first.
func (s *Store) List() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var out []*Checkpoint
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
