// Package reconcile compares the manifest's document set with a downstream store and repairs
// drift between them.
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/hyperjump/kizami/internal/manifest"
	"go.uber.org/zap"
)

// Store is the part of a downstream store reconciliation needs.
type Store interface {
	DocumentIDs(ctx context.Context) (map[string]struct{}, error)
	DeleteByDocumentID(ctx context.Context, documentID string) (int, error)
}

// State is the part of the manifest reconciliation needs.
type State interface {
	ActiveDocumentIDs() map[string]struct{}
	SetIndexStatus(id string, status manifest.IndexStatus) error
}

// ManifestState presents the manifest to the reconciler of one store. Documents whose
// feeding stage completed with an empty count are not expected in the store.
type ManifestState struct {
	Manifest *manifest.Manifest
	Stage    string
	CountKey string
}

// ActiveDocumentIDs returns the documents expected in the store.
func (s ManifestState) ActiveDocumentIDs() map[string]struct{} {
	return s.Manifest.ExpectedDocumentIDs(s.Stage, s.CountKey)
}

// SetIndexStatus forwards to the manifest.
func (s ManifestState) SetIndexStatus(id string, status manifest.IndexStatus) error {
	return s.Manifest.SetIndexStatus(id, status)
}

// Report is the outcome of one validation.
type Report struct {
	Store           string   `json:"store"`
	StateCount      int      `json:"state_count"`
	StoreCount      int      `json:"store_count"`
	InStateNotStore []string `json:"in_state_not_store"`
	InStoreNotState []string `json:"in_store_not_state"`
}

// IsConsistent is true iff both differences are empty.
func (r *Report) IsConsistent() bool {
	return len(r.InStateNotStore) == 0 && len(r.InStoreNotState) == 0
}

// RepairResult lists what Repair did, or would do in a dry run.
type RepairResult struct {
	Store         string   `json:"store"`
	DryRun        bool     `json:"dry_run"`
	DeletedGhosts []string `json:"deleted_ghosts"`
	DeletedChunks int      `json:"deleted_chunks"`
	Requeued      []string `json:"requeued"`
	Errors        []string `json:"errors,omitempty"`
}

// Reconciler validates one store against the manifest.
type Reconciler struct {
	name   string
	state  State
	store  Store
	logger *zap.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a reconciler for the store called name.
func New(name string, state State, store Store, opts ...Option) *Reconciler {
	r := &Reconciler{name: name, state: state, store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the store name.
func (r *Reconciler) Name() string {
	return r.name
}

// Validate computes both set differences. Documents marked deleted in the manifest count as
// absent from the state, so a removed document stays in InStoreNotState until its store
// entries are deleted.
func (r *Reconciler) Validate(ctx context.Context) (*Report, error) {
	stateIDs := r.state.ActiveDocumentIDs()
	storeIDs, err := r.store.DocumentIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s document ids: %w", r.name, err)
	}
	rep := &Report{
		Store:           r.name,
		StateCount:      len(stateIDs),
		StoreCount:      len(storeIDs),
		InStateNotStore: difference(stateIDs, storeIDs),
		InStoreNotState: difference(storeIDs, stateIDs),
	}
	r.logger.Info("validation finished",
		zap.String("store", r.name),
		zap.Int("state", rep.StateCount),
		zap.Int("store_docs", rep.StoreCount),
		zap.Int("missing_in_store", len(rep.InStateNotStore)),
		zap.Int("ghosts", len(rep.InStoreNotState)),
	)
	return rep, nil
}

// Repair deletes ghost documents from the store and re-queues manifest documents missing from
// it as pending. With dryRun it only reports.
func (r *Reconciler) Repair(ctx context.Context, dryRun bool) (*RepairResult, error) {
	rep, err := r.Validate(ctx)
	if err != nil {
		return nil, err
	}
	res := &RepairResult{Store: r.name, DryRun: dryRun}
	for _, id := range rep.InStoreNotState {
		if dryRun {
			res.DeletedGhosts = append(res.DeletedGhosts, id)
			continue
		}
		n, err := r.store.DeleteByDocumentID(ctx, id)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("delete %s: %v", id, err))
			r.logger.Warn("ghost delete failed", zap.String("store", r.name), zap.String("doc_id", id), zap.Error(err))
			continue
		}
		res.DeletedGhosts = append(res.DeletedGhosts, id)
		res.DeletedChunks += n
	}
	for _, id := range rep.InStateNotStore {
		if !dryRun {
			if err := r.state.SetIndexStatus(id, manifest.IndexPending); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("requeue %s: %v", id, err))
				continue
			}
		}
		res.Requeued = append(res.Requeued, id)
	}
	r.logger.Info("repair finished",
		zap.String("store", r.name),
		zap.Bool("dry_run", dryRun),
		zap.Int("ghosts", len(res.DeletedGhosts)),
		zap.Int("requeued", len(res.Requeued)),
		zap.Int("errors", len(res.Errors)),
	)
	return res, nil
}

func difference(a, b map[string]struct{}) []string {
	out := []string{}
	for id := range a {
		if _, ok := b[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
