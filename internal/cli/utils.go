// Package cli renders pipeline reports for the command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/hyperjump/kizami/internal/indexer"
	"github.com/hyperjump/kizami/internal/manifest"
	"github.com/hyperjump/kizami/internal/reconcile"
	"github.com/hyperjump/kizami/pkg/utils"
)

// OutputFormat is the format of report output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

const rule = "─────────────────────────────────────────────────────────"

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteRunReports writes the reports of a pipeline run to w in the given format.
func WriteRunReports(w io.Writer, reports []*indexer.RunReport, format OutputFormat) error {
	if format == OutputJSON {
		if reports == nil {
			reports = []*indexer.RunReport{}
		}
		return writeJSON(w, reports)
	}
	for _, rep := range reports {
		took := rep.FinishedAt.Sub(rep.StartedAt).Milliseconds()
		fmt.Fprintf(w, "\nDataset %s (run %s) finished in %dms\n", rep.Dataset, rep.RunID, took)
		fmt.Fprintf(w, "  processed: %d  skipped: %d  failed: %d  removed: %d  chunks: %d\n",
			rep.Processed, rep.Skipped, rep.Failed, rep.Removed, rep.Chunks)
		if len(rep.Failures) == 0 {
			continue
		}
		fmt.Fprintln(w, rule)
		for _, f := range rep.Failures {
			fmt.Fprintf(w, "FAILED %s [%s]\n", f.Path, f.Reason)
			if f.Error != "" {
				fmt.Fprintf(w, "  %s\n", utils.Truncate(f.Error, 200))
			}
		}
	}
	return nil
}

// Status is the inventory printed by the status command.
type Status struct {
	Manifest manifest.Summary `json:"manifest"`
	Stores   map[string]int   `json:"stores"`
	// Checkpoints counts embedding operations that can be resumed.
	Checkpoints    int   `json:"checkpoints"`
	DiskUsageBytes int64 `json:"disk_usage_bytes"`
}

// WriteStatus writes the status inventory to w in the given format.
func WriteStatus(w io.Writer, st *Status, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	s := st.Manifest
	fmt.Fprintf(w, "\nDocuments: %d (%d archived versions)\n", s.TotalDocuments, s.ArchivedCount)
	for _, status := range manifest.IndexStatuses {
		if n := s.ByIndexStatus[status]; n > 0 {
			fmt.Fprintf(w, "  %-9s %d\n", status, n)
		}
	}
	if len(s.ByDataset) > 0 {
		fmt.Fprintln(w, "Datasets:")
		for _, name := range sortedKeys(s.ByDataset) {
			fmt.Fprintf(w, "  %-20s %d\n", name, s.ByDataset[name])
		}
	}
	if len(s.FailedStages) > 0 {
		fmt.Fprintln(w, "Failed stages:")
		for _, name := range sortedKeys(s.FailedStages) {
			fmt.Fprintf(w, "  %-20s %d\n", name, s.FailedStages[name])
		}
	}
	if len(st.Stores) > 0 {
		fmt.Fprintln(w, "Stores:")
		for _, name := range sortedKeys(st.Stores) {
			fmt.Fprintf(w, "  %-20s %d entries\n", name, st.Stores[name])
		}
	}
	fmt.Fprintf(w, "Resumable checkpoints: %d\n", st.Checkpoints)
	fmt.Fprintf(w, "Disk usage: %s\n", FormatBytes(st.DiskUsageBytes))
	return nil
}

// WriteValidation writes reconciliation reports to w. It reports whether every store is
// consistent.
func WriteValidation(w io.Writer, reports []*reconcile.Report, format OutputFormat) (bool, error) {
	consistent := true
	for _, rep := range reports {
		consistent = consistent && rep.IsConsistent()
	}
	if format == OutputJSON {
		if reports == nil {
			reports = []*reconcile.Report{}
		}
		return consistent, writeJSON(w, map[string]any{"consistent": consistent, "reports": reports})
	}
	for _, rep := range reports {
		mark := "OK"
		if !rep.IsConsistent() {
			mark = "DRIFT"
		}
		fmt.Fprintf(w, "%-5s %s: manifest %d, store %d\n", mark, rep.Store, rep.StateCount, rep.StoreCount)
		writeIDs(w, "missing from store", rep.InStateNotStore)
		writeIDs(w, "ghosts in store", rep.InStoreNotState)
	}
	return consistent, nil
}

// WriteRepair writes repair results to w in the given format.
func WriteRepair(w io.Writer, results []*reconcile.RepairResult, format OutputFormat) error {
	if format == OutputJSON {
		if results == nil {
			results = []*reconcile.RepairResult{}
		}
		return writeJSON(w, results)
	}
	for _, res := range results {
		verb := "repaired"
		if res.DryRun {
			verb = "would repair"
		}
		fmt.Fprintf(w, "%s %s: %d ghost documents (%d chunks), %d re-queued\n",
			res.Store, verb, len(res.DeletedGhosts), res.DeletedChunks, len(res.Requeued))
		writeIDs(w, "ghosts", res.DeletedGhosts)
		writeIDs(w, "re-queued", res.Requeued)
		for _, e := range res.Errors {
			fmt.Fprintf(w, "  error: %s\n", e)
		}
	}
	return nil
}

// WriteResult writes the outcome of a single document to w in the given format.
func WriteResult(w io.Writer, res indexer.Result, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, res)
	}
	fmt.Fprintf(w, "%s %s", res.Outcome, res.DocumentID)
	if res.Reason != "" {
		fmt.Fprintf(w, " [%s]", res.Reason)
	}
	if res.Chunks > 0 {
		fmt.Fprintf(w, " %d chunks", res.Chunks)
	}
	fmt.Fprintln(w)
	if res.Error != "" {
		fmt.Fprintf(w, "  %s\n", utils.Truncate(res.Error, 200))
	}
	return nil
}

const maxListedIDs = 10

func writeIDs(w io.Writer, label string, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(w, "  %s (%d):\n", label, len(ids))
	for i, id := range ids {
		if i == maxListedIDs {
			fmt.Fprintf(w, "    ... and %d more\n", len(ids)-maxListedIDs)
			break
		}
		fmt.Fprintf(w, "    %s\n", id)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
