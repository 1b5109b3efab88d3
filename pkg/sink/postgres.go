package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wehubfusion/rapidflat/pkg/tabular"
)

// DB is the subset of *pgxpool.Pool the Postgres sink uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

const rowsSchema = `
	CREATE TABLE IF NOT EXISTS rapidflat_rows (
		dataset     text        NOT NULL,
		part        text        NOT NULL,
		idx         integer     NOT NULL,
		batch       uuid        NOT NULL,
		committed   boolean     NOT NULL DEFAULT false,
		modified_on timestamptz,
		row         jsonb       NOT NULL,
		PRIMARY KEY (dataset, part, batch, idx)
	)
`

const spansSchema = `
	CREATE TABLE IF NOT EXISTS rapidflat_spans (
		dataset    text        PRIMARY KEY,
		base       timestamptz NOT NULL,
		upper      timestamptz NOT NULL,
		partitions integer     NOT NULL
	)
`

// NewPool opens a connection pool and checks it answers.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database url is required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

type pgBatch struct {
	id      uuid.UUID
	replace bool
	span    *Span
}

// Postgres stores one JSONB row per flattened row in rapidflat_rows. Written
// rows belong to the writer's batch and stay uncommitted until Commit, which
// retires the rows they replace in the same transaction.
type Postgres struct {
	db     DB
	logger *zap.Logger
	close  func()

	mu      sync.Mutex
	batches map[string]*pgBatch
}

// NewPostgres creates the tables if needed.
func NewPostgres(ctx context.Context, db DB, logger *zap.Logger) (*Postgres, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, ddl := range []string{rowsSchema, spansSchema} {
		if _, err := db.Exec(ctx, ddl); err != nil {
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}

	s := &Postgres{db: db, logger: logger, batches: make(map[string]*pgBatch)}
	if pool, ok := db.(*pgxpool.Pool); ok {
		s.close = pool.Close
	}
	return s, nil
}

func (s *Postgres) Begin(_ context.Context, dataset string, replace bool) error {
	s.mu.Lock()
	s.batches[dataset] = &pgBatch{id: uuid.New(), replace: replace}
	s.mu.Unlock()
	return nil
}

func (s *Postgres) batch(dataset string) (*pgBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[dataset]
	if !ok {
		return nil, fmt.Errorf("dataset %q not begun", dataset)
	}
	return b, nil
}

func (s *Postgres) Write(ctx context.Context, dataset, part string, rows []tabular.Row) error {
	b, err := s.batch(dataset)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM rapidflat_rows WHERE dataset = $1 AND part = $2 AND batch = $3`,
			dataset, part, b.id); err != nil {
			return fmt.Errorf("clear part %s: %w", part, err)
		}

		query := `
			INSERT INTO rapidflat_rows (dataset, part, idx, batch, modified_on, row)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		for i, row := range rows {
			data, err := json.Marshal(row)
			if err != nil {
				return fmt.Errorf("marshal row %d: %w", i, err)
			}
			var modified *time.Time
			if t, ok := tabular.TimeValue(row[tabular.ColModifiedOn]); ok {
				modified = &t
			}
			if _, err := tx.Exec(ctx, query, dataset, part, i, b.id, modified, data); err != nil {
				return fmt.Errorf("insert row %d of part %s: %w", i, part, err)
			}
		}
		return nil
	})
}

func (s *Postgres) SetSpan(_ context.Context, dataset string, span Span) error {
	b, err := s.batch(dataset)
	if err != nil {
		return err
	}
	s.mu.Lock()
	b.span = &span
	s.mu.Unlock()
	return nil
}

// Commit publishes the batch. A replacing batch retires every other row of the
// dataset; otherwise only committed rows of the parts it rewrote go, along with
// rows of batches that never committed.
func (s *Postgres) Commit(ctx context.Context, dataset string) error {
	b, err := s.batch(dataset)
	if err != nil {
		return err
	}
	s.mu.Lock()
	span := b.span
	s.mu.Unlock()

	retire := `
		DELETE FROM rapidflat_rows
		WHERE dataset = $1 AND batch <> $2
		  AND (NOT committed OR part IN (
			SELECT part FROM rapidflat_rows WHERE dataset = $1 AND batch = $2))
	`
	if b.replace {
		retire = `DELETE FROM rapidflat_rows WHERE dataset = $1 AND batch <> $2`
	}

	var retired int64
	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, retire, dataset, b.id)
		if err != nil {
			return fmt.Errorf("retire rows of %s: %w", dataset, err)
		}
		retired = tag.RowsAffected()

		if _, err := tx.Exec(ctx, `UPDATE rapidflat_rows SET committed = true WHERE dataset = $1 AND batch = $2`,
			dataset, b.id); err != nil {
			return fmt.Errorf("publish batch of %s: %w", dataset, err)
		}

		if span != nil {
			if _, err := tx.Exec(ctx, `
				INSERT INTO rapidflat_spans (dataset, base, upper, partitions)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (dataset) DO UPDATE
				SET base = EXCLUDED.base, upper = EXCLUDED.upper, partitions = EXCLUDED.partitions
			`, dataset, span.Base, span.Upper, span.Partitions); err != nil {
				return fmt.Errorf("record span of %s: %w", dataset, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.batches[dataset] == b {
		delete(s.batches, dataset)
	}
	s.mu.Unlock()

	var count int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM rapidflat_rows WHERE dataset = $1 AND committed`, dataset).Scan(&count); err != nil {
		return fmt.Errorf("count dataset %s: %w", dataset, err)
	}
	s.logger.Info("Dataset committed",
		zap.String("dataset", dataset),
		zap.Int64("rows", count),
		zap.Int64("retired", retired))
	return nil
}

// LastModified queries the greatest committed modified_on.
func (s *Postgres) LastModified(ctx context.Context, dataset string) (*time.Time, error) {
	var latest *time.Time
	err := s.db.QueryRow(ctx, `SELECT max(modified_on) FROM rapidflat_rows WHERE dataset = $1 AND committed`, dataset).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("query last modified of %s: %w", dataset, err)
	}
	return latest, nil
}

func (s *Postgres) Span(ctx context.Context, dataset string) (*Span, error) {
	var span Span
	err := s.db.QueryRow(ctx, `SELECT base, upper, partitions FROM rapidflat_spans WHERE dataset = $1`, dataset).
		Scan(&span.Base, &span.Upper, &span.Partitions)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query span of %s: %w", dataset, err)
	}
	return &span, nil
}

func (s *Postgres) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
