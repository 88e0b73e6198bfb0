package screening

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/match"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/normalize"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/observability"
)

// WorkerConfig are the operator knobs for one worker process.
type WorkerConfig struct {
	PollInterval            time.Duration // default 5s, minimum 2s
	CleanupEveryN           int           // default 50 loops
	JobRetentionDays        int           // default 7
	ScreenedRetentionMonths int           // 0 disables the screened-entities sweep
}

func (c *WorkerConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.PollInterval < 2*time.Second {
		c.PollInterval = 2 * time.Second
	}
	if c.CleanupEveryN <= 0 {
		c.CleanupEveryN = 50
	}
	if c.JobRetentionDays <= 0 {
		c.JobRetentionDays = 7
	}
}

// Worker drains the queue: it claims pending jobs one at a time under the
// store's skip-locked primitive, runs the matcher and upserts the cache.
// Multiple workers are safe by construction; they coordinate only through
// the store.
type Worker struct {
	id        string
	store     *Store
	snapshots SnapshotProvider
	cfg       WorkerConfig
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewWorker builds a worker. metrics and logger may be nil.
func NewWorker(store *Store, snapshots SnapshotProvider, cfg WorkerConfig, metrics *observability.Metrics, logger *slog.Logger) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	host, _ := os.Hostname()
	id := fmt.Sprintf("%s-%d", host, os.Getpid())
	return &Worker{
		id:        id,
		store:     store,
		snapshots: snapshots,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With("worker_id", id),
	}
}

// ID returns the worker identity stamped onto claimed jobs.
func (w *Worker) ID() string { return w.id }

// Run polls until ctx is cancelled. Rows left running by a previous process
// with the same identity are failed on entry; they can never finish.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.store.RecoverOrphanedJobs(ctx, w.id); err != nil {
		w.logger.Warn("orphan recovery failed", "error", err)
	} else if n > 0 {
		w.logger.Info("orphaned running jobs marked failed", "count", n)
	}

	w.logger.Info("worker started",
		"poll_interval", w.cfg.PollInterval,
		"cleanup_every_n", w.cfg.CleanupEveryN,
		"job_retention_days", w.cfg.JobRetentionDays)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	loops := 0
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return ctx.Err()
		case <-ticker.C:
		}

		loops++
		if err := w.Poll(ctx); err != nil {
			// Transient store errors heal on the next cycle.
			w.logger.Error("poll cycle failed", "error", err)
		}
		if loops%w.cfg.CleanupEveryN == 0 {
			w.cleanup(ctx)
		}
	}
}

// Poll drains the queue until it is empty, processing one job per claim.
func (w *Worker) Poll(ctx context.Context) error {
	for {
		job, err := w.store.ClaimNextPendingJob(ctx, w.id)
		if err != nil {
			return err
		}
		if job == nil {
			return nil
		}
		w.process(ctx, job)
	}
}

// process runs one claimed job to a terminal state. Matcher panics and store
// errors both land on the job row as a truncated failure message.
func (w *Worker) process(ctx context.Context, job *Job) {
	logger := w.logger.With("job_id", job.ID, "entity_key", job.EntityKey, "reason", job.Reason)

	if err := w.execute(ctx, job, logger); err != nil {
		logger.Error("job failed", "error", err)
		if ferr := w.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			logger.Error("recording job failure failed", "error", ferr)
		}
		w.metrics.RecordJob(ctx, string(JobFailed))
	}
}

func (w *Worker) execute(ctx context.Context, job *Job, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during screening: %v", r)
		}
	}()

	previousStatus := ""
	if rows, serr := w.store.SearchScreened(ctx, SearchParams{EntityKey: job.EntityKey, Limit: 1}); serr != nil {
		return serr
	} else if len(rows) == 1 {
		previousStatus = rows[0].Status
	}

	// A valid cache row satisfies the job unless it was enqueued to force a
	// re-screen after a watchlist delta.
	if !job.ForceRescreen {
		if cached, cerr := w.store.GetValidScreening(ctx, job.EntityKey); cerr != nil {
			return cerr
		} else if cached != nil {
			transition := DeriveTransition(previousStatus, string(cached.Status))
			if err := w.store.CompleteJob(ctx, job.ID, previousStatus, string(cached.Status), transition); err != nil {
				return err
			}
			logger.Info("job satisfied by cache reuse",
				"status", cached.Status, "transition", transition)
			w.metrics.RecordJob(ctx, string(JobCompleted))
			return nil
		}
	}

	snap, err := w.snapshots.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	start := time.Now()
	result := match.Screen(snap, match.Query{
		Name:       job.Name,
		DOB:        job.DateOfBirth,
		EntityType: job.EntityType,
	})
	w.metrics.ObserveMatchDuration(ctx, time.Since(start))

	// Sweep jobs stamp the hash of the refresh that enqueued them; a newer
	// refresh landing mid-job must not change the recorded (hash, run) pair.
	var (
		ukHash string
		runID  *uuid.UUID
	)
	if job.RefreshRunID != nil {
		runID = job.RefreshRunID
		ukHash, err = w.store.UKHashForRun(ctx, *runID)
	} else {
		ukHash, runID, err = w.store.CurrentUKState(ctx)
	}
	if err != nil {
		return err
	}

	if err := w.store.UpsertScreening(ctx, UpsertParams{
		EntityKey:         job.EntityKey,
		DisplayName:       job.Name,
		NormalizedName:    normalize.Text(job.Name),
		DateOfBirth:       job.DateOfBirth,
		EntityType:        job.EntityType,
		Requestor:         job.Requestor,
		BusinessReference: job.BusinessReference,
		ReasonForCheck:    job.ReasonForCheck,
		Result:            &result,
		UKHash:            ukHash,
		RefreshRunID:      runID,
	}); err != nil {
		return err
	}

	transition := DeriveTransition(previousStatus, string(result.Status))
	if err := w.store.CompleteJob(ctx, job.ID, previousStatus, string(result.Status), transition); err != nil {
		return err
	}
	logger.Info("job completed",
		"status", result.Status, "score", result.Score, "transition", transition)
	w.metrics.RecordJob(ctx, string(JobCompleted))
	return nil
}

func (w *Worker) cleanup(ctx context.Context) {
	if n, err := w.store.PurgeTerminalJobsOlderThan(ctx, w.cfg.JobRetentionDays); err != nil {
		w.logger.Warn("job retention sweep failed", "error", err)
	} else if n > 0 {
		w.logger.Info("terminal jobs purged", "count", n, "retention_days", w.cfg.JobRetentionDays)
	}

	if w.cfg.ScreenedRetentionMonths >= 1 {
		if n, err := w.store.PurgeScreenedEntitiesOlderThan(ctx, w.cfg.ScreenedRetentionMonths); err != nil {
			w.logger.Warn("screened-entity retention sweep failed", "error", err)
		} else if n > 0 {
			w.logger.Info("screened entities purged", "count", n, "retention_months", w.cfg.ScreenedRetentionMonths)
		}
	}
}
