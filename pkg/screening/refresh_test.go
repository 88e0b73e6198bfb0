package screening

import (
	"context"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/GregBurden-Lowe/SanctionsAPI/pkg/watchlist"
)

func TestSweepTerms(t *testing.T) {
	terms := sweepTerms([]string{"vladimir putin", "the acme company", "al x"})
	require.ElementsMatch(t, []string{"vladimir", "putin", "acme"}, terms,
		"stop words and short tokens are dropped")
}

func TestSweepClassifiesCandidates(t *testing.T) {
	store, mock := newMockStore(t)
	r := NewRefresher(store, nil, nil, nil, slog.Default())
	runID := uuid.New()
	delta := &watchlist.UKDelta{AddedOrChangedNames: []string{"vladimir putin"}}

	mock.ExpectQuery("SELECT entity_key, display_name").
		WillReturnRows(sqlmock.NewRows([]string{"entity_key", "display_name", "date_of_birth", "entity_type"}).
			AddRow("key-1", "Vladimir Putin", "", "Person").
			AddRow("key-2", "Vladimir Putin Jr", "1985-01-01", "Person"))
	// key-1 already has an in-flight job
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	// key-2 gets a force re-screen job
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO screening_jobs").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow(uuid.New().String()))

	counters := r.sweep(context.Background(), runID, "hash-new", delta, slog.Default())
	require.Equal(t, 2, counters.Candidates)
	require.Equal(t, 1, counters.AlreadyPending)
	require.Equal(t, 1, counters.Queued)
	require.Equal(t, 0, counters.Reused)
	require.Equal(t, 0, counters.Failed)
	require.NoError(t, mock.ExpectationsWereMet())
}
