package screening

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/match"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db, 0, nil), mock
}

const sampleResultJSON = `{
	"status": "Fail Sanction",
	"risk_level": "High Risk",
	"confidence": "High",
	"score": 100,
	"is_sanctioned": true,
	"is_pep": false,
	"top_matches": [],
	"check_summary": {"status": "Fail Sanction", "source": "uk_hmt_sanctions", "date": "2026-08-24"}
}`

func TestGetValidScreeningHit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT result_json FROM screened_entities").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"result_json"}).AddRow([]byte(sampleResultJSON)))

	result, err := store.GetValidScreening(context.Background(), "key-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Equal(t, match.StatusFailSanction, result.Status)
	require.True(t, result.IsSanctioned)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetValidScreeningMiss(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT result_json FROM screened_entities").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"result_json"}))

	result, err := store.GetValidScreening(context.Background(), "key-1")
	require.NoError(t, err)
	require.Nil(t, result, "cache miss returns nil without error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPendingRunningCount(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	n, err := store.GetPendingRunningCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasPendingOrRunningJob(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := store.HasPendingOrRunningJob(context.Background(), "key-1")
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueJobReturnsID(t *testing.T) {
	store, mock := newMockStore(t)
	want := uuid.New()

	mock.ExpectQuery("INSERT INTO screening_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow(want.String()))

	got, err := store.EnqueueJob(context.Background(), EnqueueParams{
		EntityKey: "key-1",
		Name:      "Jane Doe",
		Requestor: "carol",
	})
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextPendingJob(t *testing.T) {
	store, mock := newMockStore(t)
	jobID := uuid.New()
	created := time.Now().Add(-time.Minute)
	started := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(sqlmock.NewRows([]string{
			"job_id", "entity_key", "name", "date_of_birth", "entity_type", "requestor",
			"business_reference", "reason_for_check", "reason", "refresh_run_id",
			"force_rescreen", "created_at",
		}).AddRow(jobID.String(), "key-1", "Jane Doe", nil, "Person", "carol",
			nil, nil, "manual", nil, false, created))
	mock.ExpectQuery("UPDATE screening_jobs").
		WithArgs(jobID, "worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"started_at"}).AddRow(started))
	mock.ExpectCommit()

	job, err := store.ClaimNextPendingJob(context.Background(), "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, jobID, job.ID)
	require.Equal(t, "key-1", job.EntityKey)
	require.Equal(t, JobRunning, job.Status)
	require.Equal(t, ReasonManual, job.Reason)
	require.False(t, job.ForceRescreen)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextPendingJobEmptyQueue(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))
	mock.ExpectRollback()

	job, err := store.ClaimNextPendingJob(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailJobTruncatesMessage(t *testing.T) {
	store, mock := newMockStore(t)
	jobID := uuid.New()
	long := strings.Repeat("x", 1500)

	mock.ExpectExec("UPDATE screening_jobs").
		WithArgs(jobID, strings.Repeat("x", 1000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.FailJob(context.Background(), jobID, long))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkManualOverridesStale(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE screened_entities").
		WithArgs("hash-new").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.MarkManualOverridesStale(context.Background(), "hash-new")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeTerminalJobsOlderThan(t *testing.T) {
	store, mock := newMockStore(t)

	// Retention counts from when the job finished, never from enqueue time.
	mock.ExpectExec("DELETE FROM screening_jobs(?s).*finished_at IS NOT NULL").
		WithArgs(7).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := store.PurgeTerminalJobsOlderThan(context.Background(), 7)
	require.NoError(t, err)
	require.EqualValues(t, 12, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUKHashForRun(t *testing.T) {
	store, mock := newMockStore(t)
	runID := uuid.New()

	mock.ExpectQuery("SELECT uk_hash FROM watchlist_refresh_runs").
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{"uk_hash"}).AddRow("hash-run"))

	hash, err := store.UKHashForRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, "hash-run", hash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUKHashForRunUnknownRun(t *testing.T) {
	store, mock := newMockStore(t)
	runID := uuid.New()

	mock.ExpectQuery("SELECT uk_hash FROM watchlist_refresh_runs").
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{"uk_hash"}))

	hash, err := store.UKHashForRun(context.Background(), runID)
	require.NoError(t, err)
	require.Empty(t, hash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchScreenedClampsLimit(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"entity_key", "display_name", "date_of_birth", "entity_type",
		"status", "risk_level", "confidence", "score", "uk_sanctions_flag", "pep_flag",
		"last_screened_at", "screening_valid_until",
		"last_requestor", "business_reference", "reason_for_check", "manual_override_stale",
	}).AddRow("key-1", "Jane Doe", "", "Person",
		"Cleared", "Cleared", "Very High", 0.0, false, false,
		time.Now(), time.Now().Add(365*24*time.Hour),
		"carol", "", "", false)

	mock.ExpectQuery("SELECT entity_key, display_name").
		WithArgs("%jane%", 100, 0).
		WillReturnRows(rows)

	out, err := store.SearchScreened(context.Background(), SearchParams{Name: "jane", Limit: 500})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "Jane Doe", out[0].DisplayName)
	require.NoError(t, mock.ExpectationsWereMet())
}
