package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/trendkeeper/trendkeeper/internal/dataset"
)

func TestSaveUpsertsInsideOneTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	ds := dataset.New()
	ds.Record("US", "pikachu", dataset.Reading{
		Score: 61, PeakScore: 88, RecentScore: 54, Estimate: 120000,
		Provenance: dataset.ProvenanceAPI, FetchedAt: &now,
	})
	ds.Record("US", "eevee", dataset.Reading{
		Score: 18, Provenance: dataset.ProvenanceFallback, FetchedAt: &now, Fallback: true,
	})
	ds.Meta.LastUpdate = &now
	ds.Meta.SuccessRatePercent = 50

	mock.ExpectBegin()
	// Sorted order: eevee before pikachu.
	mock.ExpectExec("INSERT INTO readings").
		WithArgs("US", "eevee", 18.0, 0.0, 0.0, 0.0, dataset.ProvenanceFallback, &now, true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO readings").
		WithArgs("US", "pikachu", 61.0, 88.0, 54.0, 120000.0, dataset.ProvenanceAPI, &now, false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO dataset_meta").
		WithArgs(&now, 2, 50.0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.Save(context.Background(), ds))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRollsBackOnFailedUpsert(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	ds := dataset.New()
	ds.Record("US", "pikachu", dataset.Reading{Score: 61, Provenance: dataset.ProvenanceAPI, FetchedAt: &now})

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO readings").
		WithArgs("US", "pikachu", 61.0, 0.0, 0.0, 0.0, dataset.ProvenanceAPI, &now, false).
		WillReturnError(pgx.ErrTxClosed)
	mock.ExpectRollback()

	require.Error(t, store.Save(context.Background(), ds))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadBuildsDatasetFromRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"region", "subject", "score", "peak_score", "recent_score",
		"estimate", "provenance", "fetched_at", "fallback",
	}).
		AddRow("US", "pikachu", 61.0, 88.0, 54.0, 120000.0, dataset.ProvenanceAPI, &now, false).
		AddRow("JP", "eevee", 18.0, 0.0, 0.0, 0.0, dataset.ProvenanceFallback, &now, true)

	mock.ExpectQuery("SELECT region, subject").WillReturnRows(rows)
	mock.ExpectQuery("SELECT last_update").
		WillReturnRows(pgxmock.NewRows([]string{"last_update", "total_readings", "success_rate_percent"}).
			AddRow(&now, 2, 75.0))

	ds, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, ds.Count())
	require.Equal(t, 75.0, ds.Meta.SuccessRatePercent)

	got, ok := ds.Get("US", "pikachu")
	require.True(t, ok)
	require.Equal(t, 61.0, got.Score)
	require.False(t, got.Fallback)

	got, ok = ds.Get("JP", "eevee")
	require.True(t, ok)
	require.True(t, got.Fallback)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadToleratesMissingMetadataRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT region, subject").
		WillReturnRows(pgxmock.NewRows([]string{
			"region", "subject", "score", "peak_score", "recent_score",
			"estimate", "provenance", "fetched_at", "fallback",
		}))
	mock.ExpectQuery("SELECT last_update").WillReturnError(pgx.ErrNoRows)

	ds, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, ds.Count())
	require.Nil(t, ds.Meta.LastUpdate)
	require.NoError(t, mock.ExpectationsWereMet())
}
