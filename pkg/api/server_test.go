package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/match"
	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/screening"
)

type fakeDispatcher struct {
	outcome      *screening.Outcome
	err          error
	bulkOutcomes []screening.BulkItemOutcome
	bulkErr      error
	gotRequest   screening.Request
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req screening.Request) (*screening.Outcome, error) {
	f.gotRequest = req
	return f.outcome, f.err
}

func (f *fakeDispatcher) EnqueueBulk(context.Context, []screening.Request) ([]screening.BulkItemOutcome, error) {
	return f.bulkOutcomes, f.bulkErr
}

type fakeRefresher struct {
	run            *screening.RefreshRun
	err            error
	gotIncludePEPs bool
}

func (f *fakeRefresher) Run(_ context.Context, includePEPs bool) (*screening.RefreshRun, error) {
	f.gotIncludePEPs = includePEPs
	return f.run, f.err
}

func newTestServer(t *testing.T, d Dispatcher, ref Refresher) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewServer(d, screening.NewStore(db, 0, nil), ref, nil), mock
}

func TestScreenCompleted(t *testing.T) {
	d := &fakeDispatcher{outcome: &screening.Outcome{
		Status:    screening.OutcomeCompleted,
		EntityKey: "key-1",
		Result:    &match.Result{Status: match.StatusCleared},
	}}
	srv, _ := newTestServer(t, d, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/screen",
		strings.NewReader(`{"name":"Jane Doe","requestor":"carol"}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Jane Doe", d.gotRequest.Name)

	var out screening.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, screening.OutcomeCompleted, out.Status)
	require.Equal(t, "key-1", out.EntityKey)
}

func TestScreenQueuedSetsLocation(t *testing.T) {
	jobID := uuid.New()
	d := &fakeDispatcher{outcome: &screening.Outcome{
		Status:    screening.OutcomeQueued,
		EntityKey: "key-1",
		JobID:     &jobID,
	}}
	srv, _ := newTestServer(t, d, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/screen",
		strings.NewReader(`{"name":"Jane Doe","requestor":"carol"}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "/screening/jobs/"+jobID.String(), rec.Header().Get("Location"))
}

func TestScreenValidationError(t *testing.T) {
	d := &fakeDispatcher{err: &screening.ValidationError{
		Code: "missing_name", Message: "name is required",
	}}
	srv, _ := newTestServer(t, d, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/screen",
		strings.NewReader(`{"requestor":"carol"}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "missing_name", problem.Code)
}

func TestScreenRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDispatcher{}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/screen", strings.NewReader("{not json"))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobNotFound(t *testing.T) {
	srv, mock := newTestServer(t, &fakeDispatcher{}, nil)
	jobID := uuid.New()

	mock.ExpectQuery("FROM screening_jobs j").
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/screening/jobs/"+jobID.String(), nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobPending(t *testing.T) {
	srv, mock := newTestServer(t, &fakeDispatcher{}, nil)
	jobID := uuid.New()

	mock.ExpectQuery("FROM screening_jobs j").
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{
			"job_id", "entity_key", "status", "previous_status", "result_status",
			"transition", "error_message", "created_at", "result_json",
		}).AddRow(jobID.String(), "key-1", "pending", nil, nil, nil, nil, time.Now(), nil))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/screening/jobs/"+jobID.String(), nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var view screening.JobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, screening.JobPending, view.Status)
	require.Nil(t, view.Result)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobRejectsBadID(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDispatcher{}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/screening/jobs/not-a-uuid", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchScreened(t *testing.T) {
	srv, mock := newTestServer(t, &fakeDispatcher{}, nil)

	mock.ExpectQuery("SELECT entity_key, display_name").
		WithArgs("%jane%", 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"entity_key", "display_name", "date_of_birth", "entity_type",
			"status", "risk_level", "confidence", "score", "uk_sanctions_flag", "pep_flag",
			"last_screened_at", "screening_valid_until",
			"last_requestor", "business_reference", "reason_for_check", "manual_override_stale",
		}).AddRow("key-1", "Jane Doe", "", "Person",
			"Cleared", "Cleared", "Very High", 0.0, false, false,
			time.Now(), time.Now().Add(24*time.Hour), "carol", "", "", false))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/screened?name=jane&limit=10", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Items []screening.ScreenedRow `json:"items"`
		Count int                     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, 1, out.Count)
	require.Equal(t, "Jane Doe", out.Items[0].DisplayName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchScreenedRejectsBadLimit(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDispatcher{}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/screened?limit=abc", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFalsePositiveRequiresActor(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDispatcher{}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/screened/key-1/false-positive",
		strings.NewReader(`{"reason":"verified not the listed person"}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "missing_actor", problem.Code)
}

func TestFalsePositiveUnknownEntity(t *testing.T) {
	srv, mock := newTestServer(t, &fakeDispatcher{}, nil)

	mock.ExpectQuery("FROM watchlist_refresh_runs").
		WillReturnRows(sqlmock.NewRows([]string{"uk_hash", "run_id"}))
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT status, result_json FROM screened_entities").
		WithArgs("missing-key").
		WillReturnRows(sqlmock.NewRows([]string{"status", "result_json"}))
	mock.ExpectRollback()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/screened/missing-key/false-positive",
		strings.NewReader(`{"actor":"carol"}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkPassesThrough(t *testing.T) {
	jobID := uuid.New()
	d := &fakeDispatcher{bulkOutcomes: []screening.BulkItemOutcome{
		{Index: 0, EntityKey: "key-1", Status: screening.OutcomeReused},
		{Index: 1, EntityKey: "key-2", Status: screening.OutcomeQueued, JobID: &jobID},
	}}
	srv, _ := newTestServer(t, d, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/internal/screening/jobs/bulk",
		strings.NewReader(`{"items":[{"name":"A","requestor":"r"},{"name":"B","requestor":"r"}]}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Items []screening.BulkItemOutcome `json:"items"`
		Count int                         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, 2, out.Count)
	require.Equal(t, screening.OutcomeQueued, out.Items[1].Status)
}

func TestRefreshReportsRun(t *testing.T) {
	runID := uuid.New()
	ref := &fakeRefresher{run: &screening.RefreshRun{
		ID:            runID,
		IncludePEPs:   true,
		SanctionsRows: 100,
		PEPsRows:      40,
		UKRowCount:    12,
		UKHash:        "hash-new",
		UKChanged:     true,
		DeltaAdded:    2,
		Sweep:         screening.SweepCounters{Candidates: 3, Queued: 2, AlreadyPending: 1},
	}}
	srv, _ := newTestServer(t, &fakeDispatcher{}, ref)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/watchlist/refresh",
		strings.NewReader(`{"include_peps":true}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var out refreshResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, runID, out.RunID)
	require.True(t, out.UKChanged)
	require.Equal(t, 2, out.Sweep.Queued)
}

func TestRefreshEmptyBodyIncludesPEPs(t *testing.T) {
	ref := &fakeRefresher{run: &screening.RefreshRun{ID: uuid.New()}}
	srv, _ := newTestServer(t, &fakeDispatcher{}, ref)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/watchlist/refresh", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, ref.gotIncludePEPs, "refresh without a body must cover the PEP feed")
}

func TestRefreshFlaglessBodyIncludesPEPs(t *testing.T) {
	ref := &fakeRefresher{run: &screening.RefreshRun{ID: uuid.New()}}
	srv, _ := newTestServer(t, &fakeDispatcher{}, ref)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/watchlist/refresh", strings.NewReader(`{}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, ref.gotIncludePEPs)
}

func TestRefreshExplicitOptOutSkipsPEPs(t *testing.T) {
	ref := &fakeRefresher{run: &screening.RefreshRun{ID: uuid.New()}}
	srv, _ := newTestServer(t, &fakeDispatcher{}, ref)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/watchlist/refresh",
		strings.NewReader(`{"include_peps":false}`))
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, ref.gotIncludePEPs)
}

func TestRefreshUnavailableWithoutRefresher(t *testing.T) {
	srv, _ := newTestServer(t, &fakeDispatcher{}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/watchlist/refresh", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	srv := NewServer(&fakeDispatcher{}, screening.NewStore(db, 0, nil), nil, nil)
	mock.ExpectPing()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
