// Package postgres is the PostgreSQL persistence sink, built on pgxpool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/brensch/stagehand/internal/sink"
	"github.com/brensch/stagehand/internal/telemetry"
)

// Config tunes the pool and the connect retry.
type Config struct {
	DSN            string
	MaxConns       int32
	ConnectTimeout time.Duration
}

// Sink hands out one acquired pool connection per session.
type Sink struct {
	pool   *pgxpool.Pool
	tables sink.TableCache
	logger *slog.Logger
	tracer trace.Tracer
}

// Open connects with exponential backoff until the database answers a ping
// or ConnectTimeout elapses.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, tracer trace.Tracer) (*Sink, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxElapsedTime = cfg.ConnectTimeout
	if expBackoff.MaxElapsedTime <= 0 {
		expBackoff.MaxElapsedTime = time.Minute
	}

	var pool *pgxpool.Pool
	operation := func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			logger.Warn("Postgres not reachable yet, will retry.", "error", err)
			return err
		}
		pool = p
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres after retries: %w", err)
	}
	return New(pool, logger, tracer), nil
}

// New wraps an existing pool. Close closes it.
func New(pool *pgxpool.Pool, logger *slog.Logger, tracer trace.Tracer) *Sink {
	if tracer == nil {
		tracer = telemetry.NoopTracer()
	}
	return &Sink{pool: pool, logger: logger.With(slog.String("component", "sink.postgres")), tracer: tracer}
}

func (s *Sink) Session(ctx context.Context) (sink.Session, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire postgres connection: %w", err)
	}
	return &session{sink: s, conn: conn}, nil
}

func (s *Sink) Close() error {
	s.pool.Close()
	return nil
}

type session struct {
	sink *Sink
	conn *pgxpool.Conn
}

func (s *session) Begin(ctx context.Context) (sink.Tx, error) {
	pgTx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin postgres transaction: %w", err)
	}
	return &tx{session: s, pgTx: pgTx}, nil
}

func (s *session) Close() error {
	s.conn.Release()
	return nil
}

type tx struct {
	session *session
	pgTx    pgx.Tx
	done    bool
}

func (t *tx) EnsureTable(ctx context.Context, table string, sample sink.Row, key []string) error {
	if t.done {
		return sink.ErrTxDone
	}
	ddl, err := sink.CreateTableSQL(sink.PostgresDialect, table, sample, key)
	if err != nil {
		return err
	}
	s := t.session.sink
	return telemetry.ExecuteAndTrace(ctx, s.tracer, "postgres.ensure_table", []attribute.KeyValue{
		attribute.String("table", table),
	}, func(ctx context.Context) error {
		return s.tables.Ensure(table, func() error {
			if _, err := s.pool.Exec(ctx, ddl); err != nil {
				return fmt.Errorf("failed to create table %s: %w", table, err)
			}
			s.logger.Debug("Ensured sink table exists.", slog.String("table", table))
			return nil
		})
	})
}

func (t *tx) exec(ctx context.Context, spanName, table, query string, args []any) error {
	if t.done {
		return sink.ErrTxDone
	}
	return telemetry.ExecuteAndTrace(ctx, t.session.sink.tracer, spanName, []attribute.KeyValue{
		attribute.String("table", table),
	}, func(ctx context.Context) error {
		if _, err := t.pgTx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("write to %s: %w", table, err)
		}
		return nil
	})
}

func (t *tx) Upsert(ctx context.Context, table string, conflictCols []string, row sink.Row) error {
	cols, err := sink.Columns(row)
	if err != nil {
		return err
	}
	query, err := sink.UpsertSQL(table, cols, conflictCols)
	if err != nil {
		return err
	}
	return t.exec(ctx, "postgres.upsert", table, query, sink.Args(row, cols))
}

func (t *tx) Append(ctx context.Context, table string, row sink.Row) error {
	cols, err := sink.Columns(row)
	if err != nil {
		return err
	}
	query, err := sink.InsertSQL(table, cols)
	if err != nil {
		return err
	}
	return t.exec(ctx, "postgres.append", table, query, sink.Args(row, cols))
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return sink.ErrTxDone
	}
	t.done = true
	if err := t.pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit postgres transaction: %w", err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.pgTx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
