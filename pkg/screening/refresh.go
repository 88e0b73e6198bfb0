package screening

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/normalize"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/observability"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/watchlist"
)

// SnapshotInvalidator drops the published in-memory snapshot after the file
// has been replaced.
type SnapshotInvalidator interface {
	Invalidate()
}

// Refresher runs the watchlist refresh pipeline: reload the feeds, fingerprint
// the UK subset, stale affected manual overrides and emit a bounded batch of
// delta re-screen jobs.
type Refresher struct {
	store   *Store
	loader  *watchlist.Loader
	cache   SnapshotInvalidator
	metrics *observability.Metrics
	logger  *slog.Logger

	// ForceRescreen is carried onto sweep jobs so workers re-match entities
	// that still hold a valid cache row. On by default.
	ForceRescreen bool
}

// NewRefresher builds a refresher. metrics and logger may be nil.
func NewRefresher(store *Store, loader *watchlist.Loader, cache SnapshotInvalidator, metrics *observability.Metrics, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		store:         store,
		loader:        loader,
		cache:         cache,
		metrics:       metrics,
		logger:        logger,
		ForceRescreen: true,
	}
}

// Run executes one refresh. A feed failure leaves the previous snapshot in
// place and records the error on the run row.
func (r *Refresher) Run(ctx context.Context, includePEPs bool) (*RefreshRun, error) {
	run := &RefreshRun{ID: uuid.New(), IncludePEPs: includePEPs}
	if err := r.store.CreateRefreshRun(ctx, run.ID, includePEPs); err != nil {
		return nil, err
	}
	logger := r.logger.With("refresh_run_id", run.ID)

	stats, err := r.loader.Refresh(ctx, includePEPs)
	if err != nil {
		logger.Error("watchlist refresh failed, snapshot unchanged", "error", err)
		if ferr := r.store.FailRefreshRun(ctx, run.ID, err.Error()); ferr != nil {
			logger.Error("recording refresh failure failed", "error", ferr)
		}
		return nil, err
	}
	r.cache.Invalidate()

	run.SanctionsRows = stats.SanctionsRows
	run.PEPsRows = stats.PEPsRows
	run.UKRowCount = len(stats.UKEntries)

	run.UKHash, err = watchlist.UKHash(stats.UKEntries)
	if err != nil {
		_ = r.store.FailRefreshRun(ctx, run.ID, err.Error())
		return nil, err
	}

	prevHash, prevRunID, err := r.store.PreviousUKState(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	run.PrevUKHash = prevHash
	run.UKChanged = run.UKHash != prevHash

	var prevEntries []watchlist.UKEntry
	if prevRunID != nil {
		stored, err := r.store.GetUKSnapshotEntries(ctx, *prevRunID)
		if err != nil {
			return nil, err
		}
		for _, e := range stored {
			prevEntries = append(prevEntries, watchlist.UKEntry{
				NameNorm:  e.NameNorm,
				BirthDate: e.BirthDate,
				Dataset:   e.Dataset,
				Regime:    e.Regime,
			})
		}
	}

	delta, err := watchlist.ComputeUKDelta(prevEntries, stats.UKEntries)
	if err != nil {
		return nil, err
	}
	run.DeltaAdded = delta.Added
	run.DeltaRemoved = delta.Removed
	run.DeltaChanged = delta.Changed

	if err := r.persistUKEntries(ctx, run.ID, stats.UKEntries); err != nil {
		return nil, err
	}

	staled, err := r.store.MarkManualOverridesStale(ctx, run.UKHash)
	if err != nil {
		return nil, err
	}
	if staled > 0 {
		logger.Info("manual overrides staled by uk change", "count", staled)
	}

	if err := r.store.RecordRefreshRunUKState(ctx, run); err != nil {
		return nil, err
	}

	if run.UKChanged {
		run.Sweep = r.sweep(ctx, run.ID, run.UKHash, delta, logger)
	}

	if err := r.store.FinalizeRefreshRun(ctx, run); err != nil {
		return nil, err
	}
	logger.Info("watchlist refresh finished",
		"uk_changed", run.UKChanged,
		"uk_rows", run.UKRowCount,
		"delta_added", run.DeltaAdded,
		"delta_removed", run.DeltaRemoved,
		"delta_changed", run.DeltaChanged,
		"sweep_queued", run.Sweep.Queued)
	return run, nil
}

func (r *Refresher) persistUKEntries(ctx context.Context, runID uuid.UUID, entries []watchlist.UKEntry) error {
	stored := make([]UKSnapshotEntry, 0, len(entries))
	for _, e := range entries {
		fp, err := e.Fingerprint()
		if err != nil {
			return err
		}
		stored = append(stored, UKSnapshotEntry{
			Fingerprint: fp,
			NameNorm:    e.NameNorm,
			BirthDate:   e.BirthDate,
			Dataset:     e.Dataset,
			Regime:      e.Regime,
		})
	}
	return r.store.ReplaceUKSnapshotEntries(ctx, runID, stored)
}

// sweep shortlists potentially affected cache rows and enqueues idempotent
// re-screen jobs. Enqueue is bounded per entity by the pending/running check.
func (r *Refresher) sweep(ctx context.Context, runID uuid.UUID, newHash string, delta *watchlist.UKDelta, logger *slog.Logger) SweepCounters {
	var counters SweepCounters

	terms := sweepTerms(delta.AddedOrChangedNames)
	candidates, err := r.store.ShortlistScreenedEntities(ctx, newHash, terms)
	if err != nil {
		logger.Error("sweep shortlist failed", "error", err)
		counters.Failed++
		return counters
	}
	counters.Candidates = len(candidates)

	for _, c := range candidates {
		pending, err := r.store.HasPendingOrRunningJob(ctx, c.EntityKey)
		if err != nil {
			counters.Failed++
			continue
		}
		if pending {
			counters.AlreadyPending++
			continue
		}

		if !r.ForceRescreen {
			cached, err := r.store.GetValidScreening(ctx, c.EntityKey)
			if err != nil {
				counters.Failed++
				continue
			}
			if cached != nil {
				counters.Reused++
				continue
			}
		}

		if _, err := r.store.EnqueueJob(ctx, EnqueueParams{
			EntityKey:     c.EntityKey,
			Name:          c.DisplayName,
			DateOfBirth:   c.DateOfBirth,
			EntityType:    c.EntityType,
			Requestor:     "system",
			Reason:        ReasonUKDeltaRescreen,
			RefreshRunID:  &runID,
			ForceRescreen: r.ForceRescreen,
		}); err != nil {
			logger.Error("sweep enqueue failed", "entity_key", c.EntityKey, "error", err)
			counters.Failed++
			continue
		}
		counters.Queued++
	}

	r.metrics.RecordSweepOutcome(ctx, "queued", counters.Queued)
	r.metrics.RecordSweepOutcome(ctx, "already_pending", counters.AlreadyPending)
	r.metrics.RecordSweepOutcome(ctx, "reused", counters.Reused)
	r.metrics.RecordSweepOutcome(ctx, "failed", counters.Failed)
	return counters
}

// sweepTerms expands added/changed entry names into the token terms matched
// against normalized_name in the shortlist query.
func sweepTerms(names []string) []string {
	seen := make(map[string]struct{})
	var terms []string
	for _, name := range names {
		for _, tok := range normalize.TokenSet(name) {
			if len(tok) < 3 {
				continue
			}
			if _, dup := seen[tok]; dup {
				continue
			}
			seen[tok] = struct{}{}
			terms = append(terms, tok)
		}
	}
	return terms
}
