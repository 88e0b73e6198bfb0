package screening

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/match"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/normalize"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/observability"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/watchlist"
)

// DefaultQueueThreshold is the queue depth at which the dispatcher stops
// running matches inline and enqueues instead.
const DefaultQueueThreshold = 5

// MaxBulkItems caps one bulk ingestion call.
const MaxBulkItems = 500

// ValidationError carries a stable machine code for the boundary to return
// alongside the human message.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Dispatch outcomes.
const (
	OutcomeReused         = "reused"
	OutcomeCompleted      = "completed"
	OutcomeQueued         = "queued"
	OutcomeAlreadyPending = "already_pending"
)

// Outcome is the dispatcher's answer to one screening request.
type Outcome struct {
	Status    string        `json:"status"`
	EntityKey string        `json:"entity_key"`
	JobID     *uuid.UUID    `json:"job_id,omitempty"`
	Result    *match.Result `json:"result,omitempty"`
}

// SnapshotProvider yields the current watchlist snapshot.
type SnapshotProvider interface {
	Snapshot(ctx context.Context) (*watchlist.Snapshot, error)
}

// Dispatcher turns screening requests into one of three outcomes: reuse a
// valid cache row, run the match inline, or enqueue under load.
type Dispatcher struct {
	store     *Store
	snapshots SnapshotProvider
	threshold int
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewDispatcher builds a dispatcher. A negative threshold selects the
// default; zero sends every request to the queue. metrics and logger may be
// nil.
func NewDispatcher(store *Store, snapshots SnapshotProvider, threshold int, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	if threshold < 0 {
		threshold = DefaultQueueThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		snapshots: snapshots,
		threshold: threshold,
		metrics:   metrics,
		logger:    logger,
	}
}

func validateRequest(req *Request) error {
	if strings.TrimSpace(req.Name) == "" {
		return &ValidationError{Code: "missing_name", Message: "name is required"}
	}
	if strings.TrimSpace(req.Requestor) == "" {
		return &ValidationError{Code: "missing_requestor", Message: "requestor is required"}
	}
	if req.EntityType == "" {
		req.EntityType = "Person"
	}
	if !strings.EqualFold(req.EntityType, "Person") && !strings.EqualFold(req.EntityType, "Organization") {
		return &ValidationError{Code: "invalid_entity_type", Message: "entity_type must be Person or Organization"}
	}
	if !IsValidReasonForCheck(req.ReasonForCheck) {
		return &ValidationError{Code: "invalid_reason_for_check", Message: "unrecognized reason_for_check"}
	}
	return nil
}

// Dispatch handles one interactive screening request. Reuse always wins over
// load shedding, and the decision is monotone in queue depth.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Outcome, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	dobISO, _ := normalize.DOB(req.DOB)
	entityKey := normalize.EntityKey(req.Name, req.EntityType, req.DOB)

	cached, err := d.store.GetValidScreening(ctx, entityKey)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		if err := d.store.UpdateCachedScreeningMetadata(ctx, entityKey, req.Requestor, req.BusinessReference, req.ReasonForCheck); err != nil {
			return nil, err
		}
		d.metrics.RecordScreening(ctx, OutcomeReused, string(cached.Status))
		return &Outcome{Status: OutcomeReused, EntityKey: entityKey, Result: cached}, nil
	}

	depth, err := d.store.GetPendingRunningCount(ctx)
	if err != nil {
		return nil, err
	}
	d.metrics.SetQueueDepth(ctx, depth)

	if depth >= d.threshold {
		jobID, err := d.store.EnqueueJob(ctx, EnqueueParams{
			EntityKey:         entityKey,
			Name:              req.Name,
			DateOfBirth:       dobISO,
			EntityType:        req.EntityType,
			Requestor:         req.Requestor,
			BusinessReference: req.BusinessReference,
			ReasonForCheck:    req.ReasonForCheck,
			Reason:            ReasonManual,
		})
		if err != nil {
			return nil, err
		}
		d.logger.Info("screening enqueued under load",
			"entity_key", entityKey, "job_id", jobID, "queue_depth", depth)
		d.metrics.RecordScreening(ctx, OutcomeQueued, "")
		return &Outcome{Status: OutcomeQueued, EntityKey: entityKey, JobID: &jobID}, nil
	}

	result, err := d.screenAndStore(ctx, entityKey, dobISO, req)
	if err != nil {
		return nil, err
	}
	d.metrics.RecordScreening(ctx, OutcomeCompleted, string(result.Status))
	return &Outcome{Status: OutcomeCompleted, EntityKey: entityKey, Result: result}, nil
}

func (d *Dispatcher) screenAndStore(ctx context.Context, entityKey, dobISO string, req Request) (*match.Result, error) {
	snap, err := d.snapshots.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	start := time.Now()
	result := match.Screen(snap, match.Query{Name: req.Name, DOB: dobISO, EntityType: req.EntityType})
	d.metrics.ObserveMatchDuration(ctx, time.Since(start))

	ukHash, runID, err := d.store.CurrentUKState(ctx)
	if err != nil {
		return nil, err
	}

	if err := d.store.UpsertScreening(ctx, UpsertParams{
		EntityKey:         entityKey,
		DisplayName:       req.Name,
		NormalizedName:    normalize.Text(req.Name),
		DateOfBirth:       dobISO,
		EntityType:        req.EntityType,
		Requestor:         req.Requestor,
		BusinessReference: req.BusinessReference,
		ReasonForCheck:    req.ReasonForCheck,
		Result:            &result,
		UKHash:            ukHash,
		RefreshRunID:      runID,
	}); err != nil {
		return nil, err
	}
	return &result, nil
}

// BulkItemOutcome reports how one bulk item was handled. Bulk ingestion never
// runs matches inline and never returns a verdict.
type BulkItemOutcome struct {
	Index     int        `json:"index"`
	EntityKey string     `json:"entity_key,omitempty"`
	Status    string     `json:"status"`
	JobID     *uuid.UUID `json:"job_id,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// EnqueueBulk classifies up to MaxBulkItems requests as reused,
// already_pending or queued.
func (d *Dispatcher) EnqueueBulk(ctx context.Context, items []Request) ([]BulkItemOutcome, error) {
	if len(items) == 0 {
		return nil, &ValidationError{Code: "empty_batch", Message: "at least one item is required"}
	}
	if len(items) > MaxBulkItems {
		return nil, &ValidationError{
			Code:    "too_many_items",
			Message: fmt.Sprintf("at most %d items per call", MaxBulkItems),
		}
	}

	outcomes := make([]BulkItemOutcome, 0, len(items))
	var reused, alreadyPending, queued, failed int
	for i := range items {
		item := items[i]
		out := BulkItemOutcome{Index: i}
		if err := validateRequest(&item); err != nil {
			out.Status = "error"
			out.Error = err.Error()
			failed++
			outcomes = append(outcomes, out)
			continue
		}

		dobISO, _ := normalize.DOB(item.DOB)
		out.EntityKey = normalize.EntityKey(item.Name, item.EntityType, item.DOB)

		cached, err := d.store.GetValidScreening(ctx, out.EntityKey)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			out.Status = OutcomeReused
			reused++
			outcomes = append(outcomes, out)
			continue
		}

		pending, err := d.store.HasPendingOrRunningJob(ctx, out.EntityKey)
		if err != nil {
			return nil, err
		}
		if pending {
			out.Status = OutcomeAlreadyPending
			alreadyPending++
			outcomes = append(outcomes, out)
			continue
		}

		jobID, err := d.store.EnqueueJob(ctx, EnqueueParams{
			EntityKey:         out.EntityKey,
			Name:              item.Name,
			DateOfBirth:       dobISO,
			EntityType:        item.EntityType,
			Requestor:         item.Requestor,
			BusinessReference: item.BusinessReference,
			ReasonForCheck:    item.ReasonForCheck,
			Reason:            ReasonManual,
		})
		if err != nil {
			return nil, err
		}
		out.Status = OutcomeQueued
		out.JobID = &jobID
		queued++
		outcomes = append(outcomes, out)
	}

	d.logger.Info("bulk screening ingested",
		"items", len(items), "reused", reused,
		"already_pending", alreadyPending, "queued", queued, "errors", failed)
	return outcomes, nil
}
