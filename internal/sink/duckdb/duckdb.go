// Package duckdb is the default persistence sink: processed rows land in a
// DuckDB database file.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/marcboeker/go-duckdb" // Driver
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/brensch/stagehand/internal/sink"
	"github.com/brensch/stagehand/internal/telemetry"
)

// Sink hands out one dedicated connection per session.
type Sink struct {
	db     *sql.DB
	owned  bool
	tables sink.TableCache
	logger *slog.Logger
	tracer trace.Tracer
}

// Open opens (or creates) the DuckDB file at path. ":memory:" or "" give an
// in-memory database.
func Open(ctx context.Context, path string, logger *slog.Logger, tracer trace.Tracer) (*Sink, error) {
	if path == ":memory:" {
		path = ""
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb sink (%s): %w", path, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping duckdb sink (%s): %w", path, err)
	}
	s := New(db, logger, tracer)
	s.owned = true
	return s, nil
}

// New wraps an existing handle. Close leaves it open.
func New(db *sql.DB, logger *slog.Logger, tracer trace.Tracer) *Sink {
	if tracer == nil {
		tracer = telemetry.NoopTracer()
	}
	return &Sink{db: db, logger: logger.With(slog.String("component", "sink.duckdb")), tracer: tracer}
}

// Session pins one pooled connection for the caller.
func (s *Sink) Session(ctx context.Context) (sink.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire duckdb connection: %w", err)
	}
	return &session{sink: s, conn: conn}, nil
}

// Close closes the database when Open created it.
func (s *Sink) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

type session struct {
	sink *Sink
	conn *sql.Conn
}

func (s *session) Begin(ctx context.Context) (sink.Tx, error) {
	return &tx{session: s}, nil
}

func (s *session) Close() error {
	return s.conn.Close()
}

// tx begins the underlying transaction on the first write. DuckDB pins the
// catalog at BEGIN, so tables created before that are visible inside it.
type tx struct {
	session *session
	sqlTx   *sql.Tx
	done    bool
}

func (t *tx) begin(ctx context.Context) (*sql.Tx, error) {
	if t.done {
		return nil, sink.ErrTxDone
	}
	if t.sqlTx != nil {
		return t.sqlTx, nil
	}
	sqlTx, err := t.session.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin duckdb transaction: %w", err)
	}
	t.sqlTx = sqlTx
	return sqlTx, nil
}

func (t *tx) EnsureTable(ctx context.Context, table string, sample sink.Row, key []string) error {
	if t.done {
		return sink.ErrTxDone
	}
	ddl, err := sink.CreateTableSQL(sink.DuckDBDialect, table, sample, key)
	if err != nil {
		return err
	}
	s := t.session.sink
	return telemetry.ExecuteAndTrace(ctx, s.tracer, "duckdb.ensure_table", []attribute.KeyValue{
		attribute.String("table", table),
	}, func(ctx context.Context) error {
		if t.sqlTx != nil {
			// Already writing: create inside the transaction so it sees the table.
			if _, err := t.sqlTx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("failed to create table %s: %w", table, err)
			}
			return nil
		}
		return s.tables.Ensure(table, func() error {
			if _, err := t.session.conn.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("failed to create table %s: %w", table, err)
			}
			s.logger.Debug("Ensured sink table exists.", slog.String("table", table))
			return nil
		})
	})
}

func (t *tx) exec(ctx context.Context, spanName, table, query string, args []any) error {
	return telemetry.ExecuteAndTrace(ctx, t.session.sink.tracer, spanName, []attribute.KeyValue{
		attribute.String("table", table),
	}, func(ctx context.Context) error {
		sqlTx, err := t.begin(ctx)
		if err != nil {
			return err
		}
		if _, err := sqlTx.ExecContext(ctx, query, args...); err != nil {
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
	return t.exec(ctx, "duckdb.upsert", table, query, sink.Args(row, cols))
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
	return t.exec(ctx, "duckdb.append", table, query, sink.Args(row, cols))
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return sink.ErrTxDone
	}
	t.done = true
	if t.sqlTx == nil {
		return nil
	}
	if err := t.sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit duckdb transaction: %w", err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if t.sqlTx == nil {
		return nil
	}
	return t.sqlTx.Rollback()
}
