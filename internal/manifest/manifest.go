// Package manifest tracks every document version through the processing stages and its
// downstream index status, persisted as one JSON snapshot.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hyperjump/kizami/internal/models"
	"github.com/hyperjump/kizami/pkg/utils"
	"go.uber.org/zap"
)

// FormatVersion is the version of the manifest file layout.
const FormatVersion = 1

// DefaultMaxRetries bounds automatic retries of transient stage failures.
const DefaultMaxRetries = 3

var (
	// ErrNotFound is returned for an unknown document id.
	ErrNotFound = errors.New("document not found")
	// ErrStaleVersion is returned when the caller's file hash is not the current version.
	ErrStaleVersion = errors.New("stale document version")
	// ErrInvalidStatus is returned for an unknown status value.
	ErrInvalidStatus = errors.New("invalid status")
)

// Manifest is the in-memory state machine. Methods are safe for concurrent readers; the
// persisted file assumes a single writer process.
type Manifest struct {
	mu          sync.RWMutex
	path        string
	maxRetries  int
	documents   map[string]*Document
	lastUpdated time.Time
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures a Manifest.
type Option func(*Manifest)

// WithMaxRetries sets the retry budget recorded on new stage errors.
func WithMaxRetries(n int) Option {
	return func(m *Manifest) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manifest) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manifest) {
		if now != nil {
			m.now = now
		}
	}
}

// New returns an empty manifest that saves to path.
func New(path string, opts ...Option) *Manifest {
	m := &Manifest{
		path:       path,
		maxRetries: DefaultMaxRetries,
		documents:  make(map[string]*Document),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type snapshot struct {
	Version     int                  `json:"version"`
	LastUpdated time.Time            `json:"last_updated"`
	Documents   map[string]*Document `json:"documents"`
	Summary     Summary              `json:"summary"`
}

// Load reads the manifest at path. A missing file yields an empty manifest; an unparseable
// one is moved aside and also yields an empty manifest.
func Load(path string, opts ...Option) (*Manifest, error) {
	m := New(path, opts...)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		m.logger.Info("no manifest found, starting empty", zap.String("path", path))
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, m.now().Unix())
		if rerr := os.Rename(path, aside); rerr != nil {
			aside = ""
		}
		m.logger.Warn("manifest unreadable, starting empty",
			zap.String("path", path),
			zap.String("moved_to", aside),
			zap.Error(err),
		)
		return m, nil
	}
	for id, doc := range snap.Documents {
		if doc == nil || doc.CurrentVersion == nil {
			m.logger.Warn("dropping manifest entry without current version", zap.String("doc_id", id))
			continue
		}
		if doc.CurrentVersion.Stages == nil {
			doc.CurrentVersion.Stages = make(map[string]*StageInfo)
		}
		doc.DocumentID = id
		m.documents[id] = doc
	}
	m.lastUpdated = snap.LastUpdated
	return m, nil
}

// Path returns the file the manifest saves to.
func (m *Manifest) Path() string {
	return m.path
}

// LastUpdated returns the time of the last save.
func (m *Manifest) LastUpdated() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUpdated
}

// Save atomically writes the full snapshot.
func (m *Manifest) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUpdated = m.now().UTC()
	snap := snapshot{
		Version:     FormatVersion,
		LastUpdated: m.lastUpdated,
		Documents:   m.documents,
		Summary:     m.summaryLocked(),
	}
	if err := utils.WriteJSONAtomic(m.path, snap); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

func (m *Manifest) stamp() *time.Time {
	t := m.now().UTC()
	return &t
}

func newVersion(hash string, size int64, at time.Time) *DocumentVersion {
	return &DocumentVersion{
		FileHash:      hash,
		DiscoveredAt:  at,
		FileSizeBytes: size,
		Stages:        make(map[string]*StageInfo),
		IndexStatus:   IndexPending,
	}
}

// EnsureDocument creates the document on first sight, or starts a new version when hash
// differs from the current one. It reports whether a version was created. An unchanged hash
// returns the current version untouched.
func (m *Manifest) EnsureDocument(id, dataset, relPath, hash string, size int64) (*DocumentVersion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		doc = &Document{
			DocumentID:     id,
			DatasetName:    dataset,
			RelativePath:   relPath,
			CurrentVersion: newVersion(hash, size, m.now().UTC()),
		}
		m.documents[id] = doc
		m.logger.Debug("document registered", zap.String("doc_id", id), zap.String("hash", hash))
		return doc.CurrentVersion.clone(), true
	}
	if doc.CurrentVersion.FileHash == hash {
		return doc.CurrentVersion.clone(), false
	}
	doc.VersionHistory = append(doc.VersionHistory, doc.CurrentVersion)
	doc.CurrentVersion = newVersion(hash, size, m.now().UTC())
	doc.DatasetName = dataset
	doc.RelativePath = relPath
	m.logger.Debug("document version bumped",
		zap.String("doc_id", id),
		zap.String("hash", hash),
		zap.Int("archived_versions", len(doc.VersionHistory)),
	)
	return doc.CurrentVersion.clone(), true
}

func (m *Manifest) current(id, hash string) (*DocumentVersion, error) {
	doc, ok := m.documents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if doc.CurrentVersion.FileHash != hash {
		return nil, fmt.Errorf("%w: %s has %s, caller has %s", ErrStaleVersion, id, doc.CurrentVersion.FileHash, hash)
	}
	return doc.CurrentVersion, nil
}

func stageOf(v *DocumentVersion, stage string) *StageInfo {
	st, ok := v.Stages[stage]
	if !ok || st == nil {
		st = &StageInfo{Status: StageNotStarted}
		v.Stages[stage] = st
	}
	return st
}

// StartStage marks stage in progress on the current version. A previous error is kept so a
// later failure keeps counting retries.
func (m *Manifest) StartStage(id, hash, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.current(id, hash)
	if err != nil {
		return err
	}
	st := stageOf(v, stage)
	st.Status = StageInProgress
	st.StartedAt = m.stamp()
	st.CompletedAt = nil
	st.FailedAt = nil
	v.CurrentStage = stage
	v.IndexStatus = IndexUpdating
	return nil
}

// CompleteStage marks stage completed, creating its record when StartStage was skipped.
func (m *Manifest) CompleteStage(id, hash, stage string, output, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.current(id, hash)
	if err != nil {
		return err
	}
	st := stageOf(v, stage)
	now := m.stamp()
	if st.StartedAt == nil {
		st.StartedAt = now
	}
	st.Status = StageCompleted
	st.CompletedAt = now
	st.FailedAt = nil
	st.Error = nil
	if output != nil {
		st.Output = cloneMap(output)
	}
	if metadata != nil {
		st.Metadata = cloneMap(metadata)
	}
	v.CurrentStage = stage
	return nil
}

// FailStage records a failure of stage. Repeated failures increment the retry count. A
// permanent failure or an exhausted retry budget moves the version to index status failed;
// otherwise it returns to pending for the next run.
func (m *Manifest) FailStage(id, hash, stage string, f Failure) (*ErrorInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.current(id, hash)
	if err != nil {
		return nil, err
	}
	if !f.Classification.Valid() {
		f.Classification = models.ErrorTransient
	}
	st := stageOf(v, stage)
	now := m.stamp()
	if st.Error == nil {
		st.Error = &ErrorInfo{MaxRetries: m.maxRetries}
	} else {
		st.Error.RetryCount++
		st.Error.LastRetryAt = now
	}
	st.Error.Type = f.Type
	st.Error.Message = f.Message
	st.Error.Classification = f.Classification
	st.Error.Traceback = f.Traceback
	st.Error.RetryAfter = nil
	if !f.RetryAfter.IsZero() {
		ra := f.RetryAfter.UTC()
		st.Error.RetryAfter = &ra
	}
	st.Status = StageFailed
	st.FailedAt = now
	v.CurrentStage = stage
	if st.Error.Terminal() {
		v.IndexStatus = IndexFailed
	} else {
		v.IndexStatus = IndexPending
	}
	m.logger.Debug("stage failed",
		zap.String("doc_id", id),
		zap.String("stage", stage),
		zap.String("classification", string(f.Classification)),
		zap.Int("retry_count", st.Error.RetryCount),
		zap.String("index_status", string(v.IndexStatus)),
	)
	return st.Error.clone(), nil
}

// SkipStage marks stage skipped with a reason.
func (m *Manifest) SkipStage(id, hash, stage, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.current(id, hash)
	if err != nil {
		return err
	}
	st := stageOf(v, stage)
	st.Status = StageSkipped
	st.CompletedAt = m.stamp()
	st.Error = nil
	st.Metadata = map[string]any{"reason": reason}
	return nil
}

// SetIndexStatus sets the index status of the current version.
func (m *Manifest) SetIndexStatus(id string, status IndexStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	doc.CurrentVersion.IndexStatus = status
	return nil
}

// MarkDocumentRemoved records that the source file is gone. The record is kept for audit.
func (m *Manifest) MarkDocumentRemoved(id string) error {
	return m.SetIndexStatus(id, IndexDeleted)
}

// ResetDocument clears failed stages of the current version and queues it again. It is the
// manual way out of a terminal failure.
func (m *Manifest) ResetDocument(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	v := doc.CurrentVersion
	for name, st := range v.Stages {
		if st == nil || st.Status == StageFailed || st.Status == StageInProgress {
			delete(v.Stages, name)
		}
	}
	v.CurrentStage = ""
	v.IndexStatus = IndexPending
	return nil
}

// Get returns a copy of the document.
func (m *Manifest) Get(id string) (*Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil, false
	}
	return doc.clone(), true
}

// Len returns the number of documents, removed ones included.
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.documents)
}

// IsStageCompleted reports whether stage is completed on version hash of the document.
func (m *Manifest) IsStageCompleted(id, hash, stage string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, err := m.current(id, hash)
	if err != nil {
		return false
	}
	return v.StageStatus(stage) == StageCompleted
}

// Filter selects documents in List. Empty fields match everything; Stage and StageStatus
// apply together.
type Filter struct {
	DatasetName string
	IndexStatus IndexStatus
	Stage       string
	StageStatus StageStatus
}

func (f Filter) match(d *Document) bool {
	if f.DatasetName != "" && d.DatasetName != f.DatasetName {
		return false
	}
	if f.IndexStatus != "" && d.CurrentVersion.IndexStatus != f.IndexStatus {
		return false
	}
	if f.Stage != "" && f.StageStatus != "" && d.CurrentVersion.StageStatus(f.Stage) != f.StageStatus {
		return false
	}
	return true
}

// List returns copies of the matching documents ordered by id.
func (m *Manifest) List(f Filter) []*Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Document
	for _, d := range m.documents {
		if f.match(d) {
			out = append(out, d.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}

func ids(docs []*Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.DocumentID
	}
	return out
}

// DocumentsByStageStatus returns the ids whose current version has stage in status.
func (m *Manifest) DocumentsByStageStatus(stage string, status StageStatus) []string {
	return ids(m.List(Filter{Stage: stage, StageStatus: status}))
}

// DocumentsByIndexStatus returns the ids whose current version has the index status.
func (m *Manifest) DocumentsByIndexStatus(status IndexStatus) []string {
	return ids(m.List(Filter{IndexStatus: status}))
}

// DocumentsInDataset returns copies of the documents of a dataset ordered by id.
func (m *Manifest) DocumentsInDataset(dataset string) []*Document {
	return m.List(Filter{DatasetName: dataset})
}

// ActiveDocumentIDs returns the ids of all documents not marked deleted.
func (m *Manifest) ActiveDocumentIDs() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.documents))
	for id, d := range m.documents {
		if d.CurrentVersion.IndexStatus != IndexDeleted {
			out[id] = struct{}{}
		}
	}
	return out
}

// ExpectedDocumentIDs returns the active documents that should have entries in a store fed by
// stage. A document whose stage completed with output[countKey] == 0 produced nothing for the
// store and is left out.
func (m *Manifest) ExpectedDocumentIDs(stage, countKey string) map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{}, len(m.documents))
	for id, d := range m.documents {
		v := d.CurrentVersion
		if v.IndexStatus == IndexDeleted {
			continue
		}
		if st := v.Stages[stage]; st != nil && st.Status == StageCompleted && isZero(st.Output[countKey]) {
			continue
		}
		out[id] = struct{}{}
	}
	return out
}

func isZero(v any) bool {
	switch n := v.(type) {
	case int:
		return n == 0
	case int64:
		return n == 0
	case float64:
		return n == 0
	default:
		return false
	}
}

// NeedsProcessing reports whether version hash of the document should run through the
// pipeline at now, with a short reason.
func (m *Manifest) NeedsProcessing(id, hash string, now time.Time) (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	if !ok {
		return true, "new"
	}
	v := doc.CurrentVersion
	if v.FileHash != hash {
		return true, "changed"
	}
	switch v.IndexStatus {
	case IndexIndexed:
		return false, "up to date"
	case IndexFailed:
		return false, "failed permanently"
	case IndexDeleted:
		return true, "restored"
	}
	for _, st := range v.Stages {
		if st != nil && st.Status == StageFailed && st.Error != nil && st.Error.RetryAfter != nil && now.Before(*st.Error.RetryAfter) {
			return false, "retry backoff"
		}
	}
	return true, string(v.IndexStatus)
}

// Summary aggregates the current state.
func (m *Manifest) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.summaryLocked()
}

func (m *Manifest) summaryLocked() Summary {
	s := Summary{
		TotalDocuments: len(m.documents),
		ByIndexStatus:  make(map[IndexStatus]int),
		ByDataset:      make(map[string]int),
		FailedStages:   make(map[string]int),
	}
	for _, d := range m.documents {
		s.ByIndexStatus[d.CurrentVersion.IndexStatus]++
		s.ByDataset[d.DatasetName]++
		s.ArchivedCount += len(d.VersionHistory)
		for name, st := range d.CurrentVersion.Stages {
			if st != nil && st.Status == StageFailed {
				s.FailedStages[name]++
			}
		}
	}
	return s
}
