package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/levenlabs/go-lflag"
	_ "github.com/lib/pq"

	"github.com/homegauge/homegauge/pkg/log"
	"github.com/homegauge/homegauge/pkg/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

const upsertPointSQL = `
INSERT INTO points (measurement, series_key, ts, tags, fields)
VALUES ($1, $2, $3, $4::jsonb, $5::jsonb)
ON CONFLICT (measurement, series_key, ts)
DO UPDATE SET tags = EXCLUDED.tags, fields = EXCLUDED.fields, written_at = now()`

// Postgres stores points in a single points table keyed by measurement,
// series key and timestamp.
type Postgres struct {
	dsn  string
	pool *pgxpool.Pool
}

func configuredPostgres() *Postgres {
	dsn := lflag.String("postgres-url", "", "Postgres connection string (or DATABASE_URL)")

	p := &Postgres{}
	lflag.Do(func() {
		p.dsn = *dsn
	})
	return p
}

// Validate checks if the provider is properly configured.
func (p *Postgres) Validate() error {
	if p.dsn == "" {
		return fmt.Errorf("postgres-url or DATABASE_URL is required")
	}
	return nil
}

// Init applies migrations and opens the connection pool.
func (p *Postgres) Init(ctx context.Context, _ string) error {
	if err := migratePostgres(p.dsn); err != nil {
		return fmt.Errorf("failed to migrate postgres: %w", err)
	}
	pool, err := pgxpool.New(ctx, p.dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	p.pool = pool
	log.Ctx(ctx).InfoContext(ctx, "postgres writer ready")
	return nil
}

func migratePostgres(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Write implements Writer. All points are upserted in one transaction.
func (p *Postgres) Write(ctx context.Context, points ...types.Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := validate(points); err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, pt := range points {
		tags, err := json.Marshal(pt.Tags)
		if err != nil {
			return fmt.Errorf("failed to encode tags: %w", err)
		}
		fields, err := json.Marshal(pt.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode fields: %w", err)
		}
		if _, err := tx.Exec(ctx, upsertPointSQL, pt.Measurement, pt.SeriesKey(), pt.Time, string(tags), string(fields)); err != nil {
			return fmt.Errorf("failed to upsert %s point: %w", pt.Measurement, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit points: %w", err)
	}

	countWritten("postgres", points)
	log.Ctx(ctx).DebugContext(ctx, "wrote points to postgres", slog.Int("count", len(points)))
	return nil
}

// LatestTime returns the newest timestamp stored for measurement.
func (p *Postgres) LatestTime(ctx context.Context, measurement string) (time.Time, bool, error) {
	var ts *time.Time
	err := p.pool.QueryRow(ctx, `SELECT max(ts) FROM points WHERE measurement = $1`, measurement).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query latest %s point: %w", measurement, err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
