package manifest

import (
	"time"

	"github.com/hyperjump/kizami/internal/models"
)

// Pipeline stages tracked per document version.
const (
	StageChunking  = "chunking"
	StageEmbedding = "embedding"
	StageIndexing  = "indexing"
)

// Stages lists the pipeline stages in execution order.
var Stages = []string{StageChunking, StageEmbedding, StageIndexing}

// StageStatus is the state of one stage of a document version.
type StageStatus string

const (
	StageNotStarted StageStatus = "not_started"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageSkipped    StageStatus = "skipped"
)

// Valid reports whether s is a known stage status.
func (s StageStatus) Valid() bool {
	switch s {
	case StageNotStarted, StageInProgress, StageCompleted, StageFailed, StageSkipped:
		return true
	default:
		return false
	}
}

// IndexStatus is the downstream synchronization state of a document version.
type IndexStatus string

const (
	IndexPending  IndexStatus = "pending"
	IndexUpdating IndexStatus = "updating"
	IndexIndexed  IndexStatus = "indexed"
	IndexFailed   IndexStatus = "failed"
	IndexDeleted  IndexStatus = "deleted"
)

// IndexStatuses lists every index status.
var IndexStatuses = []IndexStatus{IndexPending, IndexUpdating, IndexIndexed, IndexFailed, IndexDeleted}

// Valid reports whether s is a known index status.
func (s IndexStatus) Valid() bool {
	switch s {
	case IndexPending, IndexUpdating, IndexIndexed, IndexFailed, IndexDeleted:
		return true
	default:
		return false
	}
}

// ErrorInfo describes the latest failure of a stage and its retry budget.
type ErrorInfo struct {
	Type           string            `json:"type"`
	Message        string            `json:"message"`
	Classification models.ErrorClass `json:"classification"`
	Traceback      string            `json:"traceback,omitempty"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	LastRetryAt    *time.Time        `json:"last_retry_at,omitempty"`
	RetryAfter     *time.Time        `json:"retry_after,omitempty"`
}

// Terminal reports whether the failure needs manual intervention.
func (e *ErrorInfo) Terminal() bool {
	return e != nil && (e.Classification == models.ErrorPermanent || e.RetryCount >= e.MaxRetries)
}

// StageInfo is the record of one stage of a document version.
type StageInfo struct {
	Status      StageStatus    `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	FailedAt    *time.Time     `json:"failed_at,omitempty"`
	Error       *ErrorInfo     `json:"error,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// DocumentVersion is the state of one file hash of a document.
type DocumentVersion struct {
	FileHash      string                `json:"file_hash"`
	DiscoveredAt  time.Time             `json:"discovered_at"`
	FileSizeBytes int64                 `json:"file_size_bytes"`
	Stages        map[string]*StageInfo `json:"stages"`
	CurrentStage  string                `json:"current_stage,omitempty"`
	IndexStatus   IndexStatus           `json:"index_status"`
}

// StageStatus returns the status of stage, not_started when it has no record.
func (v *DocumentVersion) StageStatus(stage string) StageStatus {
	if st, ok := v.Stages[stage]; ok && st != nil {
		return st.Status
	}
	return StageNotStarted
}

// Document is the persisted record of a source file. It is never physically removed.
type Document struct {
	DocumentID     string             `json:"document_id"`
	DatasetName    string             `json:"dataset_name"`
	RelativePath   string             `json:"relative_path"`
	CurrentVersion *DocumentVersion   `json:"current_version"`
	VersionHistory []*DocumentVersion `json:"version_history"`
}

// Failure is the input to FailStage.
type Failure struct {
	Type           string
	Message        string
	Classification models.ErrorClass
	Traceback      string
	// RetryAfter, when non-zero, holds the document back until that time.
	RetryAfter time.Time
}

// Summary aggregates the manifest for reports.
type Summary struct {
	TotalDocuments int                 `json:"total_documents"`
	ByIndexStatus  map[IndexStatus]int `json:"by_index_status"`
	ByDataset      map[string]int      `json:"by_dataset"`
	FailedStages   map[string]int      `json:"failed_stages"`
	ArchivedCount  int                 `json:"archived_versions"`
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (e *ErrorInfo) clone() *ErrorInfo {
	if e == nil {
		return nil
	}
	c := *e
	c.LastRetryAt = cloneTime(e.LastRetryAt)
	c.RetryAfter = cloneTime(e.RetryAfter)
	return &c
}

func (s *StageInfo) clone() *StageInfo {
	if s == nil {
		return nil
	}
	return &StageInfo{
		Status:      s.Status,
		StartedAt:   cloneTime(s.StartedAt),
		CompletedAt: cloneTime(s.CompletedAt),
		FailedAt:    cloneTime(s.FailedAt),
		Error:       s.Error.clone(),
		Output:      cloneMap(s.Output),
		Metadata:    cloneMap(s.Metadata),
	}
}

func (v *DocumentVersion) clone() *DocumentVersion {
	if v == nil {
		return nil
	}
	c := *v
	c.Stages = make(map[string]*StageInfo, len(v.Stages))
	for name, st := range v.Stages {
		c.Stages[name] = st.clone()
	}
	return &c
}

func (d *Document) clone() *Document {
	c := *d
	c.CurrentVersion = d.CurrentVersion.clone()
	if d.VersionHistory != nil {
		c.VersionHistory = make([]*DocumentVersion, len(d.VersionHistory))
		for i, v := range d.VersionHistory {
			c.VersionHistory[i] = v.clone()
		}
	}
	return &c
}
