package delivery

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

// execer is the subset of *pgxpool.Pool the catalog uses.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresCatalog upserts one row per recording into the recordings table.
type PostgresCatalog struct {
	db    execer
	close func()
}

// Migrate applies the embedded schema migrations to databaseURL.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("delivery: open migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("delivery: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("delivery: apply migrations: %w", err)
	}
	version, dirty, _ := m.Version()
	slog.Info("delivery: catalog schema ready", "version", version, "dirty", dirty)
	return nil
}

// NewPostgresCatalog connects a pool to databaseURL, running migrations first
// when migrateFirst is set.
func NewPostgresCatalog(ctx context.Context, databaseURL string, migrateFirst bool) (*PostgresCatalog, error) {
	if migrateFirst {
		if err := Migrate(databaseURL); err != nil {
			return nil, err
		}
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("delivery: parse database url: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("delivery: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("delivery: ping database: %w", err)
	}

	slog.Info("delivery: postgres catalog ready")
	return &PostgresCatalog{db: pool, close: pool.Close}, nil
}

const upsertRecording = `
INSERT INTO recordings (
	session_id, capture_session_id, task_id, local_path, container,
	size_bytes, frames, dropped, out_of_order, fps_mean, stable,
	bucket, object_key, metadata_key, started_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (session_id) DO UPDATE SET
	size_bytes   = EXCLUDED.size_bytes,
	bucket       = EXCLUDED.bucket,
	object_key   = EXCLUDED.object_key,
	metadata_key = EXCLUDED.metadata_key,
	updated_at   = NOW()`

// Name implements Sink.
func (c *PostgresCatalog) Name() string { return "postgres" }

// Deliver implements Sink.
func (c *PostgresCatalog) Deliver(ctx context.Context, r *Record) error {
	_, err := c.db.Exec(ctx, upsertRecording,
		r.SessionID,
		nullIfEmpty(r.CaptureSessionID),
		r.TaskID,
		r.Target,
		r.Container,
		r.SizeBytes,
		r.Frames,
		int64(r.Dropped),
		int64(r.OutOfOrder),
		r.Timing.FPSMean,
		r.Timing.IsStable,
		nullIfEmpty(r.ObjectBucket),
		nullIfEmpty(r.ObjectKey),
		nullIfEmpty(r.MetadataKey),
		r.StartedAt,
		r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert recording %s: %w", r.SessionID, err)
	}
	return nil
}

// Close implements Sink.
func (c *PostgresCatalog) Close() error {
	if c.close != nil {
		c.close()
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
