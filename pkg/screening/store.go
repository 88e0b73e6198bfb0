package screening

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/match"
)

// CacheValidityDays is fixed by the data-model invariant:
// screening_valid_until = last_screened_at + 365 days.
const CacheValidityDays = 365

var (
	// ErrEntityNotFound indicates no cache row exists for the entity key.
	ErrEntityNotFound = errors.New("screening: entity not found")
	// ErrJobNotFound indicates an unknown job id.
	ErrJobNotFound = errors.New("screening: job not found")
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS screened_entities (
    entity_key                      TEXT PRIMARY KEY,
    display_name                    TEXT NOT NULL,
    normalized_name                 TEXT NOT NULL,
    date_of_birth                   TEXT,
    entity_type                     TEXT NOT NULL DEFAULT 'Person',
    status                          TEXT,
    risk_level                      TEXT,
    confidence                      TEXT,
    score                           NUMERIC(5,2),
    uk_sanctions_flag               BOOLEAN NOT NULL DEFAULT FALSE,
    pep_flag                        BOOLEAN NOT NULL DEFAULT FALSE,
    result_json                     JSONB NOT NULL,
    last_screened_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    screening_valid_until           TIMESTAMPTZ NOT NULL,
    last_requestor                  TEXT,
    business_reference              TEXT,
    reason_for_check                TEXT,
    screened_against_uk_hash        TEXT,
    screened_against_refresh_run_id UUID,
    manual_override_uk_hash         TEXT,
    manual_override_stale           BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at                      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_screened_entities_valid_until
    ON screened_entities (screening_valid_until);
CREATE INDEX IF NOT EXISTS idx_screened_entities_normalized_name
    ON screened_entities (normalized_name);

CREATE TABLE IF NOT EXISTS screening_jobs (
    job_id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    entity_key         TEXT NOT NULL,
    name               TEXT NOT NULL,
    date_of_birth      TEXT,
    entity_type        TEXT NOT NULL DEFAULT 'Person',
    requestor          TEXT NOT NULL,
    business_reference TEXT,
    reason_for_check   TEXT,
    reason             TEXT NOT NULL DEFAULT 'manual',
    refresh_run_id     UUID,
    force_rescreen     BOOLEAN NOT NULL DEFAULT FALSE,
    status             TEXT NOT NULL DEFAULT 'pending'
                       CHECK (status IN ('pending','running','completed','failed')),
    previous_status    TEXT,
    result_status      TEXT,
    transition         TEXT,
    claimed_by         TEXT,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at         TIMESTAMPTZ,
    finished_at        TIMESTAMPTZ,
    error_message      TEXT
);
CREATE INDEX IF NOT EXISTS idx_screening_jobs_pending
    ON screening_jobs (created_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_screening_jobs_entity_active
    ON screening_jobs (entity_key) WHERE status IN ('pending','running');
CREATE INDEX IF NOT EXISTS idx_screening_jobs_refresh_run
    ON screening_jobs (refresh_run_id);

CREATE TABLE IF NOT EXISTS watchlist_refresh_runs (
    refresh_run_id        UUID PRIMARY KEY,
    ran_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    include_peps          BOOLEAN NOT NULL DEFAULT TRUE,
    sanctions_rows        INTEGER,
    peps_rows             INTEGER,
    uk_row_count          INTEGER,
    uk_hash               TEXT,
    prev_uk_hash          TEXT,
    uk_changed            BOOLEAN,
    delta_added           INTEGER,
    delta_removed         INTEGER,
    delta_changed         INTEGER,
    sweep_candidates      INTEGER,
    sweep_queued          INTEGER,
    sweep_already_pending INTEGER,
    sweep_reused          INTEGER,
    sweep_failed          INTEGER,
    finished_at           TIMESTAMPTZ,
    error_message         TEXT
);

CREATE TABLE IF NOT EXISTS watchlist_uk_snapshot_entries (
    refresh_run_id UUID NOT NULL,
    fingerprint    TEXT NOT NULL,
    name_norm      TEXT NOT NULL,
    birth_date     TEXT,
    dataset        TEXT,
    regime         TEXT,
    PRIMARY KEY (refresh_run_id, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_uk_snapshot_entries_name_norm
    ON watchlist_uk_snapshot_entries (name_norm);
`

// Store provides the transactional primitives over Postgres that the
// dispatcher, workers and refresh sweep coordinate through. Every operation
// runs in its own transaction or single statement and carries the command
// timeout.
type Store struct {
	db      *sql.DB
	timeout time.Duration
	logger  *slog.Logger
}

// NewStore wraps db. A zero timeout defaults to 30 seconds.
func NewStore(db *sql.DB, timeout time.Duration, logger *slog.Logger) *Store {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, timeout: timeout, logger: logger}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// GetValidScreening returns the cached result for entityKey iff the row is
// inside its validity window and not staled by a manual-override sweep.
// Returns nil with no error on a cache miss.
func (s *Store) GetValidScreening(ctx context.Context, entityKey string) (*match.Result, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT result_json FROM screened_entities
		WHERE entity_key = $1
		  AND screening_valid_until > NOW()
		  AND manual_override_stale = FALSE`, entityKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get valid screening: %w", err)
	}

	var result match.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode cached result: %w", err)
	}
	return &result, nil
}

// UpsertParams carries everything needed to write one cache row.
type UpsertParams struct {
	EntityKey         string
	DisplayName       string
	NormalizedName    string
	DateOfBirth       string
	EntityType        string
	Requestor         string
	BusinessReference string
	ReasonForCheck    string
	Result            *match.Result
	UKHash            string
	RefreshRunID      *uuid.UUID
}

// UpsertScreening writes or overwrites the cache row for the entity, resets
// the validity window and clears any manual override block. The override
// clear is deliberate: a fresh screening supersedes an operator decision made
// against older watchlist data.
func (s *Store) UpsertScreening(ctx context.Context, p UpsertParams) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	raw, err := json.Marshal(p.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO screened_entities (
		    entity_key, display_name, normalized_name, date_of_birth, entity_type,
		    status, risk_level, confidence, score, uk_sanctions_flag, pep_flag,
		    result_json, last_screened_at, screening_valid_until,
		    last_requestor, business_reference, reason_for_check,
		    screened_against_uk_hash, screened_against_refresh_run_id,
		    manual_override_uk_hash, manual_override_stale, updated_at
		) VALUES (
		    $1, $2, $3, NULLIF($4,''), $5,
		    $6, $7, $8, $9, $10, $11,
		    $12, NOW(), NOW() + make_interval(days => $13),
		    $14, NULLIF($15,''), NULLIF($16,''),
		    NULLIF($17,''), $18,
		    NULL, FALSE, NOW()
		)
		ON CONFLICT (entity_key) DO UPDATE SET
		    display_name = EXCLUDED.display_name,
		    normalized_name = EXCLUDED.normalized_name,
		    date_of_birth = EXCLUDED.date_of_birth,
		    entity_type = EXCLUDED.entity_type,
		    status = EXCLUDED.status,
		    risk_level = EXCLUDED.risk_level,
		    confidence = EXCLUDED.confidence,
		    score = EXCLUDED.score,
		    uk_sanctions_flag = EXCLUDED.uk_sanctions_flag,
		    pep_flag = EXCLUDED.pep_flag,
		    result_json = EXCLUDED.result_json,
		    last_screened_at = EXCLUDED.last_screened_at,
		    screening_valid_until = EXCLUDED.screening_valid_until,
		    last_requestor = EXCLUDED.last_requestor,
		    business_reference = EXCLUDED.business_reference,
		    reason_for_check = EXCLUDED.reason_for_check,
		    screened_against_uk_hash = EXCLUDED.screened_against_uk_hash,
		    screened_against_refresh_run_id = EXCLUDED.screened_against_refresh_run_id,
		    manual_override_uk_hash = NULL,
		    manual_override_stale = FALSE,
		    updated_at = NOW()`,
		p.EntityKey, p.DisplayName, p.NormalizedName, p.DateOfBirth, p.EntityType,
		string(p.Result.Status), string(p.Result.RiskLevel), string(p.Result.Confidence),
		p.Result.Score, p.Result.IsSanctioned, p.Result.IsPEP,
		raw, CacheValidityDays,
		p.Requestor, p.BusinessReference, p.ReasonForCheck,
		p.UKHash, uuidOrNil(p.RefreshRunID))
	if err != nil {
		return fmt.Errorf("upsert screening: %w", err)
	}
	return nil
}

// UpdateCachedScreeningMetadata refreshes the request metadata on reuse
// without touching the verdict or the validity window.
func (s *Store) UpdateCachedScreeningMetadata(ctx context.Context, entityKey, requestor, businessReference, reasonForCheck string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE screened_entities SET
		    last_requestor = $2,
		    business_reference = COALESCE(NULLIF($3,''), business_reference),
		    reason_for_check = COALESCE(NULLIF($4,''), reason_for_check),
		    updated_at = NOW()
		WHERE entity_key = $1`,
		entityKey, requestor, businessReference, reasonForCheck)
	if err != nil {
		return fmt.Errorf("update screening metadata: %w", err)
	}
	return nil
}

// GetPendingRunningCount returns the queue pressure used for load shedding.
func (s *Store) GetPendingRunningCount(ctx context.Context) (int, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM screening_jobs
		WHERE status IN ('pending','running')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending/running jobs: %w", err)
	}
	return n, nil
}

// HasPendingOrRunningJob reports whether the entity already has an in-flight
// job; callers use it to avoid double-queueing.
func (s *Store) HasPendingOrRunningJob(ctx context.Context, entityKey string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
		    SELECT 1 FROM screening_jobs
		    WHERE entity_key = $1 AND status IN ('pending','running')
		)`, entityKey).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check in-flight job: %w", err)
	}
	return exists, nil
}

// EnqueueParams are the fields persisted on a new pending job.
type EnqueueParams struct {
	EntityKey         string
	Name              string
	DateOfBirth       string
	EntityType        string
	Requestor         string
	BusinessReference string
	ReasonForCheck    string
	Reason            JobReason
	RefreshRunID      *uuid.UUID
	ForceRescreen     bool
}

// EnqueueJob inserts a pending job and returns its id.
func (s *Store) EnqueueJob(ctx context.Context, p EnqueueParams) (uuid.UUID, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if p.Reason == "" {
		p.Reason = ReasonManual
	}
	if p.EntityType == "" {
		p.EntityType = "Person"
	}

	var id uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO screening_jobs (
		    entity_key, name, date_of_birth, entity_type, requestor,
		    business_reference, reason_for_check, reason, refresh_run_id, force_rescreen
		) VALUES ($1, $2, NULLIF($3,''), $4, $5, NULLIF($6,''), NULLIF($7,''), $8, $9, $10)
		RETURNING job_id`,
		p.EntityKey, p.Name, p.DateOfBirth, p.EntityType, p.Requestor,
		p.BusinessReference, p.ReasonForCheck, string(p.Reason),
		uuidOrNil(p.RefreshRunID), p.ForceRescreen).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// ClaimNextPendingJob atomically claims the oldest pending job for workerID
// and moves it to running. FOR UPDATE SKIP LOCKED lets N workers claim N
// distinct jobs without blocking each other. Returns nil when the queue is
// empty.
func (s *Store) ClaimNextPendingJob(ctx context.Context, workerID string) (*Job, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	var (
		job       Job
		dob       sql.NullString
		bizRef    sql.NullString
		reason    sql.NullString
		runID     sql.NullString
		jobReason string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT job_id, entity_key, name, date_of_birth, entity_type, requestor,
		       business_reference, reason_for_check, reason, refresh_run_id,
		       force_rescreen, created_at
		FROM screening_jobs
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(
		&job.ID, &job.EntityKey, &job.Name, &dob, &job.EntityType, &job.Requestor,
		&bizRef, &reason, &jobReason, &runID, &job.ForceRescreen, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select pending job: %w", err)
	}

	job.DateOfBirth = dob.String
	job.BusinessReference = bizRef.String
	job.ReasonForCheck = reason.String
	job.Reason = JobReason(jobReason)
	if runID.Valid {
		if parsed, perr := uuid.Parse(runID.String); perr == nil {
			job.RefreshRunID = &parsed
		}
	}

	var startedAt time.Time
	err = tx.QueryRowContext(ctx, `
		UPDATE screening_jobs
		SET status = 'running', started_at = NOW(), claimed_by = $2
		WHERE job_id = $1
		RETURNING started_at`, job.ID, workerID).Scan(&startedAt)
	if err != nil {
		return nil, fmt.Errorf("mark job running: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	job.Status = JobRunning
	job.StartedAt = startedAt
	return &job, nil
}

// CompleteJob finalizes a running job with its outcome labels.
func (s *Store) CompleteJob(ctx context.Context, jobID uuid.UUID, previousStatus, resultStatus string, transition Transition) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE screening_jobs SET
		    status = 'completed',
		    previous_status = NULLIF($2,''),
		    result_status = $3,
		    transition = $4,
		    finished_at = NOW()
		WHERE job_id = $1`,
		jobID, previousStatus, resultStatus, string(transition))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailJob records a terminal failure. The message is truncated to keep the
// row small; full detail belongs in logs.
func (s *Store) FailJob(ctx context.Context, jobID uuid.UUID, message string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if len(message) > 1000 {
		message = message[:1000]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE screening_jobs SET
		    status = 'failed', error_message = $2, finished_at = NOW()
		WHERE job_id = $1`, jobID, message)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// GetJob returns the polling view for a job, joining in the cached result
// once the job completed.
func (s *Store) GetJob(ctx context.Context, jobID uuid.UUID) (*JobView, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		v          JobView
		prevStatus sql.NullString
		resStatus  sql.NullString
		transition sql.NullString
		errMsg     sql.NullString
		status     string
		raw        []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT j.job_id, j.entity_key, j.status, j.previous_status, j.result_status,
		       j.transition, j.error_message, j.created_at,
		       CASE WHEN j.status = 'completed' THEN e.result_json END
		FROM screening_jobs j
		LEFT JOIN screened_entities e ON e.entity_key = j.entity_key
		WHERE j.job_id = $1`, jobID).Scan(
		&v.ID, &v.EntityKey, &status, &prevStatus, &resStatus,
		&transition, &errMsg, &v.CreatedAt, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	v.Status = JobStatus(status)
	v.PreviousStatus = prevStatus.String
	v.ResultStatus = resStatus.String
	v.Transition = Transition(transition.String)
	v.ErrorMessage = errMsg.String
	if len(raw) > 0 {
		var result match.Result
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
		v.Result = &result
	}
	return &v, nil
}

// MarkFalsePositive overwrites the cached verdict with a cleared block, keeps
// an audit sub-object inside result_json and stamps the override with the
// current uk_hash so a later UK designation change can stale it.
func (s *Store) MarkFalsePositive(ctx context.Context, entityKey, actor, reason, currentUKHash string) (*match.Result, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin override: %w", err)
	}
	defer tx.Rollback()

	var (
		prevStatus sql.NullString
		raw        []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, result_json FROM screened_entities
		WHERE entity_key = $1
		FOR UPDATE`, entityKey).Scan(&prevStatus, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load entity for override: %w", err)
	}

	var result match.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode result for override: %w", err)
	}

	now := time.Now().UTC()
	result.Status = match.StatusClearedFalsePositive
	result.RiskLevel = match.RiskCleared
	result.Confidence = match.ConfidenceManualReview
	result.IsSanctioned = false
	result.IsPEP = false
	result.CheckSummary.Status = string(match.StatusClearedFalsePositive)
	result.CheckSummary.Date = now.Format("2006-01-02")
	result.ManualOverride = &match.ManualOverride{
		Actor:          actor,
		Reason:         reason,
		PreviousStatus: prevStatus.String,
		At:             now.Format(time.RFC3339),
		UKHash:         currentUKHash,
	}

	updated, err := json.Marshal(&result)
	if err != nil {
		return nil, fmt.Errorf("encode override result: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE screened_entities SET
		    status = $2,
		    risk_level = $3,
		    confidence = $4,
		    uk_sanctions_flag = FALSE,
		    pep_flag = FALSE,
		    result_json = $5,
		    last_screened_at = NOW(),
		    screening_valid_until = NOW() + make_interval(days => $6),
		    manual_override_uk_hash = NULLIF($7,''),
		    manual_override_stale = FALSE,
		    updated_at = NOW()
		WHERE entity_key = $1`,
		entityKey, string(result.Status), string(result.RiskLevel),
		string(result.Confidence), updated, CacheValidityDays, currentUKHash)
	if err != nil {
		return nil, fmt.Errorf("apply override: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit override: %w", err)
	}
	return &result, nil
}

// MarkManualOverridesStale flags every manual override that was decided
// against a different UK subset than latestUKHash. Stale rows stop satisfying
// GetValidScreening until they are re-screened.
func (s *Store) MarkManualOverridesStale(ctx context.Context, latestUKHash string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	out, err := s.db.ExecContext(ctx, `
		UPDATE screened_entities SET
		    manual_override_stale = TRUE, updated_at = NOW()
		WHERE manual_override_uk_hash IS NOT NULL
		  AND manual_override_uk_hash <> $1
		  AND manual_override_stale = FALSE`, latestUKHash)
	if err != nil {
		return 0, fmt.Errorf("mark overrides stale: %w", err)
	}
	n, _ := out.RowsAffected()
	return n, nil
}

// UKSnapshotEntry is one persisted UK watchlist entry for delta computation.
type UKSnapshotEntry struct {
	Fingerprint string
	NameNorm    string
	BirthDate   string
	Dataset     string
	Regime      string
}

// ReplaceUKSnapshotEntries stores the UK entry list for a refresh run.
func (s *Store) ReplaceUKSnapshotEntries(ctx context.Context, runID uuid.UUID, entries []UKSnapshotEntry) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin uk snapshot write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM watchlist_uk_snapshot_entries WHERE refresh_run_id = $1`, runID); err != nil {
		return fmt.Errorf("clear uk snapshot entries: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO watchlist_uk_snapshot_entries
		    (refresh_run_id, fingerprint, name_norm, birth_date, dataset, regime)
		VALUES ($1, $2, $3, NULLIF($4,''), NULLIF($5,''), NULLIF($6,''))
		ON CONFLICT (refresh_run_id, fingerprint) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare uk snapshot insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, runID, e.Fingerprint, e.NameNorm, e.BirthDate, e.Dataset, e.Regime); err != nil {
			return fmt.Errorf("insert uk snapshot entry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit uk snapshot write: %w", err)
	}
	return nil
}

// GetUKSnapshotEntries loads the persisted UK entries for a run.
func (s *Store) GetUKSnapshotEntries(ctx context.Context, runID uuid.UUID) ([]UKSnapshotEntry, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, name_norm, COALESCE(birth_date,''), COALESCE(dataset,''), COALESCE(regime,'')
		FROM watchlist_uk_snapshot_entries
		WHERE refresh_run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("load uk snapshot entries: %w", err)
	}
	defer rows.Close()

	var out []UKSnapshotEntry
	for rows.Next() {
		var e UKSnapshotEntry
		if err := rows.Scan(&e.Fingerprint, &e.NameNorm, &e.BirthDate, &e.Dataset, &e.Regime); err != nil {
			return nil, fmt.Errorf("scan uk snapshot entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SweepCandidate is one cache row shortlisted for delta re-screening.
type SweepCandidate struct {
	EntityKey   string
	DisplayName string
	DateOfBirth string
	EntityType  string
}

// ShortlistScreenedEntities returns cache rows that may be affected by a UK
// designation change: rows screened against a different uk_hash, unioned with
// rows whose normalized name contains any of the added/changed entry terms.
func (s *Store) ShortlistScreenedEntities(ctx context.Context, newUKHash string, terms []string) ([]SweepCandidate, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	patterns := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t != "" {
			patterns = append(patterns, "%"+t+"%")
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_key, display_name, COALESCE(date_of_birth,''), entity_type
		FROM screened_entities
		WHERE screened_against_uk_hash IS DISTINCT FROM $1
		   OR normalized_name LIKE ANY($2)`,
		newUKHash, pq.Array(patterns))
	if err != nil {
		return nil, fmt.Errorf("shortlist screened entities: %w", err)
	}
	defer rows.Close()

	var out []SweepCandidate
	for rows.Next() {
		var c SweepCandidate
		if err := rows.Scan(&c.EntityKey, &c.DisplayName, &c.DateOfBirth, &c.EntityType); err != nil {
			return nil, fmt.Errorf("scan sweep candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchParams filter the screened-entity search.
type SearchParams struct {
	Name              string
	EntityKey         string
	BusinessReference string
	Limit             int
	Offset            int
}

// SearchScreened lists cache rows ordered by last_screened_at descending.
// The limit is clamped to 1..100.
func (s *Store) SearchScreened(ctx context.Context, p SearchParams) ([]ScreenedRow, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if p.Limit < 1 {
		p.Limit = 1
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}

	where := []string{"TRUE"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if p.Name != "" {
		ph := arg("%" + p.Name + "%")
		where = append(where, fmt.Sprintf("(display_name ILIKE %s OR normalized_name ILIKE %s)", ph, ph))
	}
	if p.EntityKey != "" {
		where = append(where, fmt.Sprintf("entity_key = %s", arg(p.EntityKey)))
	}
	if p.BusinessReference != "" {
		where = append(where, fmt.Sprintf("business_reference = %s", arg(p.BusinessReference)))
	}

	query := fmt.Sprintf(`
		SELECT entity_key, display_name, COALESCE(date_of_birth,''), entity_type,
		       COALESCE(status,''), COALESCE(risk_level,''), COALESCE(confidence,''),
		       COALESCE(score,0), uk_sanctions_flag, pep_flag,
		       last_screened_at, screening_valid_until,
		       COALESCE(last_requestor,''), COALESCE(business_reference,''),
		       COALESCE(reason_for_check,''), manual_override_stale
		FROM screened_entities
		WHERE %s
		ORDER BY last_screened_at DESC
		LIMIT %s OFFSET %s`,
		strings.Join(where, " AND "), arg(p.Limit), arg(p.Offset))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search screened entities: %w", err)
	}
	defer rows.Close()

	var out []ScreenedRow
	for rows.Next() {
		var r ScreenedRow
		if err := rows.Scan(&r.EntityKey, &r.DisplayName, &r.DateOfBirth, &r.EntityType,
			&r.Status, &r.RiskLevel, &r.Confidence, &r.Score, &r.UKSanctionsFlag, &r.PEPFlag,
			&r.LastScreenedAt, &r.ScreeningValidUntil,
			&r.LastRequestor, &r.BusinessReference, &r.ReasonForCheck, &r.ManualOverrideStale); err != nil {
			return nil, fmt.Errorf("scan screened row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeScreenedEntitiesOlderThan removes cache rows last screened more than
// months ago. Off unless the operator configures a retention window.
func (s *Store) PurgeScreenedEntitiesOlderThan(ctx context.Context, months int) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM screened_entities
		WHERE last_screened_at < NOW() - make_interval(months => $1)`, months)
	if err != nil {
		return 0, fmt.Errorf("purge screened entities: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeTerminalJobsOlderThan removes completed and failed jobs that finished
// more than days ago.
func (s *Store) PurgeTerminalJobsOlderThan(ctx context.Context, days int) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM screening_jobs
		WHERE status IN ('completed','failed')
		  AND finished_at IS NOT NULL
		  AND finished_at < NOW() - make_interval(days => $1)`, days)
	if err != nil {
		return 0, fmt.Errorf("purge terminal jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecoverOrphanedJobs fails running rows previously claimed by workerID.
// Called on worker start; a restart means those jobs will never finish.
func (s *Store) RecoverOrphanedJobs(ctx context.Context, workerID string) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE screening_jobs SET
		    status = 'failed', error_message = 'worker restarted', finished_at = NOW()
		WHERE status = 'running' AND claimed_by = $1`, workerID)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CreateRefreshRun opens the metadata row for a refresh.
func (s *Store) CreateRefreshRun(ctx context.Context, runID uuid.UUID, includePEPs bool) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watchlist_refresh_runs (refresh_run_id, include_peps)
		VALUES ($1, $2)`, runID, includePEPs)
	if err != nil {
		return fmt.Errorf("create refresh run: %w", err)
	}
	return nil
}

// PreviousUKState returns the uk_hash of the most recent finished run before
// excludeRunID, along with that run's id. Empty values mean no prior run.
func (s *Store) PreviousUKState(ctx context.Context, excludeRunID uuid.UUID) (string, *uuid.UUID, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		hash  sql.NullString
		runID uuid.UUID
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT uk_hash, refresh_run_id FROM watchlist_refresh_runs
		WHERE refresh_run_id <> $1 AND uk_hash IS NOT NULL
		ORDER BY ran_at DESC
		LIMIT 1`, excludeRunID).Scan(&hash, &runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("load previous uk state: %w", err)
	}
	return hash.String, &runID, nil
}

// RecordRefreshRunUKState writes the load counts, UK fingerprint and delta
// counters onto the run row. Called before the sweep enqueues jobs carrying
// this run's id.
func (s *Store) RecordRefreshRunUKState(ctx context.Context, run *RefreshRun) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE watchlist_refresh_runs SET
		    sanctions_rows = $2, peps_rows = $3, uk_row_count = $4,
		    uk_hash = $5, prev_uk_hash = NULLIF($6,''), uk_changed = $7,
		    delta_added = $8, delta_removed = $9, delta_changed = $10
		WHERE refresh_run_id = $1`,
		run.ID, run.SanctionsRows, run.PEPsRows, run.UKRowCount,
		run.UKHash, run.PrevUKHash, run.UKChanged,
		run.DeltaAdded, run.DeltaRemoved, run.DeltaChanged)
	if err != nil {
		return fmt.Errorf("record refresh run uk state: %w", err)
	}
	return nil
}

// UKHashForRun returns the UK fingerprint recorded on a specific refresh run.
// Empty means the run never recorded one.
func (s *Store) UKHashForRun(ctx context.Context, runID uuid.UUID) (string, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var hash sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT uk_hash FROM watchlist_refresh_runs
		WHERE refresh_run_id = $1`, runID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load uk hash for run: %w", err)
	}
	return hash.String, nil
}

// FinalizeRefreshRun writes the load, delta and sweep counters.
func (s *Store) FinalizeRefreshRun(ctx context.Context, run *RefreshRun) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE watchlist_refresh_runs SET
		    sanctions_rows = $2, peps_rows = $3, uk_row_count = $4,
		    uk_hash = $5, prev_uk_hash = NULLIF($6,''), uk_changed = $7,
		    delta_added = $8, delta_removed = $9, delta_changed = $10,
		    sweep_candidates = $11, sweep_queued = $12,
		    sweep_already_pending = $13, sweep_reused = $14, sweep_failed = $15,
		    finished_at = NOW()
		WHERE refresh_run_id = $1`,
		run.ID, run.SanctionsRows, run.PEPsRows, run.UKRowCount,
		run.UKHash, run.PrevUKHash, run.UKChanged,
		run.DeltaAdded, run.DeltaRemoved, run.DeltaChanged,
		run.Sweep.Candidates, run.Sweep.Queued,
		run.Sweep.AlreadyPending, run.Sweep.Reused, run.Sweep.Failed)
	if err != nil {
		return fmt.Errorf("finalize refresh run: %w", err)
	}
	return nil
}

// FailRefreshRun records a refresh failure on the run row.
func (s *Store) FailRefreshRun(ctx context.Context, runID uuid.UUID, message string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if len(message) > 1000 {
		message = message[:1000]
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE watchlist_refresh_runs SET error_message = $2, finished_at = NOW()
		WHERE refresh_run_id = $1`, runID, message)
	if err != nil {
		return fmt.Errorf("fail refresh run: %w", err)
	}
	return nil
}

// CurrentUKState returns the uk_hash and run id of the latest finished
// refresh run. Empty values mean no refresh has run yet.
func (s *Store) CurrentUKState(ctx context.Context) (string, *uuid.UUID, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var (
		hash  sql.NullString
		runID uuid.UUID
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT uk_hash, refresh_run_id FROM watchlist_refresh_runs
		WHERE uk_hash IS NOT NULL
		ORDER BY ran_at DESC
		LIMIT 1`).Scan(&hash, &runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("load current uk state: %w", err)
	}
	return hash.String, &runID, nil
}

func uuidOrNil(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}
