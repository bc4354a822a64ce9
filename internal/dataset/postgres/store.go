// Package postgres provides a Postgres-backed dataset store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trendkeeper/trendkeeper/internal/dataset"
)

// Expected schema:
//
// CREATE TABLE readings (
//     region        TEXT NOT NULL,
//     subject       TEXT NOT NULL,
//     score         DOUBLE PRECISION NOT NULL,
//     peak_score    DOUBLE PRECISION NOT NULL,
//     recent_score  DOUBLE PRECISION NOT NULL,
//     estimate      DOUBLE PRECISION NOT NULL,
//     provenance    TEXT NOT NULL,
//     fetched_at    TIMESTAMPTZ,
//     fallback      BOOLEAN NOT NULL,
//     PRIMARY KEY (region, subject)
// );
//
// CREATE TABLE dataset_meta (
//     id                   SMALLINT PRIMARY KEY CHECK (id = 1),
//     last_update          TIMESTAMPTZ,
//     total_readings       INTEGER NOT NULL,
//     success_rate_percent DOUBLE PRECISION NOT NULL
// );

// Config controls the Postgres connection pool for the dataset store.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store persists the dataset in Postgres. One transaction per Save keeps
// the snapshot atomic the way the file store's rename does.
type Store struct {
	pool pgxPool
}

// New creates a Postgres-backed dataset store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Load reads every reading plus the metadata row. An empty database yields
// an empty dataset; connection and schema errors are returned as-is.
func (s *Store) Load(ctx context.Context) (*dataset.Dataset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT region, subject, score, peak_score, recent_score, estimate,
		       provenance, fetched_at, fallback
		FROM readings`)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	ds := dataset.New()
	for rows.Next() {
		var (
			region, subject string
			r               dataset.Reading
		)
		if err := rows.Scan(&region, &subject, &r.Score, &r.PeakScore, &r.RecentScore,
			&r.Estimate, &r.Provenance, &r.FetchedAt, &r.Fallback); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		ds.Record(region, subject, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}

	meta := s.pool.QueryRow(ctx, `
		SELECT last_update, total_readings, success_rate_percent
		FROM dataset_meta WHERE id = 1`)
	err = meta.Scan(&ds.Meta.LastUpdate, &ds.Meta.TotalReadings, &ds.Meta.SuccessRatePercent)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("scan metadata: %w", err)
	}
	if ds.Meta.TotalReadings < ds.Count() {
		ds.Meta.TotalReadings = ds.Count()
	}
	return ds, nil
}

// Save upserts every reading and the metadata row inside one transaction.
// Rows are written in sorted order so writes are reproducible.
func (s *Store) Save(ctx context.Context, ds *dataset.Dataset) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	upsert := `
		INSERT INTO readings (region, subject, score, peak_score, recent_score,
		                      estimate, provenance, fetched_at, fallback)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (region, subject) DO UPDATE SET
			score = EXCLUDED.score,
			peak_score = EXCLUDED.peak_score,
			recent_score = EXCLUDED.recent_score,
			estimate = EXCLUDED.estimate,
			provenance = EXCLUDED.provenance,
			fetched_at = EXCLUDED.fetched_at,
			fallback = EXCLUDED.fallback`

	for _, region := range sortedKeys(ds.Regions) {
		subjects := ds.Regions[region]
		for _, subject := range sortedKeys(subjects) {
			r := subjects[subject]
			if _, err := tx.Exec(ctx, upsert, region, subject, r.Score, r.PeakScore,
				r.RecentScore, r.Estimate, r.Provenance, r.FetchedAt, r.Fallback); err != nil {
				return fmt.Errorf("upsert reading %s/%s: %w", region, subject, err)
			}
		}
	}

	metaUpsert := `
		INSERT INTO dataset_meta (id, last_update, total_readings, success_rate_percent)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			last_update = EXCLUDED.last_update,
			total_readings = EXCLUDED.total_readings,
			success_rate_percent = EXCLUDED.success_rate_percent`
	if _, err := tx.Exec(ctx, metaUpsert, ds.Meta.LastUpdate, ds.Meta.TotalReadings,
		ds.Meta.SuccessRatePercent); err != nil {
		return fmt.Errorf("upsert metadata: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
