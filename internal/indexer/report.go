package indexer

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is what happened to one document in a run.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeRemoved   Outcome = "removed"
	// OutcomeInterrupted is a document whose processing stopped because the run was cancelled.
	// It is not counted in the run report.
	OutcomeInterrupted Outcome = "interrupted"
)

// Result is the outcome of one document.
type Result struct {
	DocumentID string  `json:"document_id"`
	Path       string  `json:"path"`
	Outcome    Outcome `json:"outcome"`
	// Reason explains a skip or names the failed stage.
	Reason string `json:"reason,omitempty"`
	Chunks int    `json:"chunks,omitempty"`
	Err    error  `json:"-"`
	Error  string `json:"error,omitempty"`
}

// RunReport summarizes one dataset run.
type RunReport struct {
	RunID      string    `json:"run_id"`
	Dataset    string    `json:"dataset"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Processed  int       `json:"processed"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Removed    int       `json:"removed"`
	Chunks     int       `json:"chunks"`
	Failures   []Result  `json:"failures,omitempty"`
}

func newReport(dataset string, now time.Time) *RunReport {
	return &RunReport{RunID: uuid.NewString(), Dataset: dataset, StartedAt: now.UTC()}
}

func (rep *RunReport) add(res Result) {
	switch res.Outcome {
	case OutcomeProcessed:
		rep.Processed++
		rep.Chunks += res.Chunks
	case OutcomeSkipped:
		rep.Skipped++
	case OutcomeRemoved:
		rep.Removed++
	case OutcomeFailed:
		rep.Failed++
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
		rep.Failures = append(rep.Failures, res)
	}
}

func (rep *RunReport) finish(now time.Time) {
	rep.FinishedAt = now.UTC()
}
