// Package sink is the persistence collaborator handed to processors. A Sink
// hands out Sessions; each process worker owns exactly one Session at a time
// and never shares it.
package sink

import (
	"context"
	"errors"
	"sync"
)

// Row is one record keyed by column name.
type Row map[string]any

// Sink opens sessions against a database.
type Sink interface {
	Session(ctx context.Context) (Session, error)
	Close() error
}

// Session is a single connection owned by one worker.
type Session interface {
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is one unit of work. Commit or Rollback must be called exactly once;
// Rollback after Commit is a no-op.
type Tx interface {
	// EnsureTable creates table when missing, typing columns from sample.
	// key lists the primary key columns and may be empty.
	EnsureTable(ctx context.Context, table string, sample Row, key []string) error
	// Upsert inserts row, updating non-key columns when conflictCols clash.
	Upsert(ctx context.Context, table string, conflictCols []string, row Row) error
	// Append inserts row.
	Append(ctx context.Context, table string, row Row) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ErrTxDone is returned by operations on a finished transaction.
var ErrTxDone = errors.New("transaction already committed or rolled back")

// TableCache remembers tables already created through a Sink so concurrent
// sessions issue the DDL once.
type TableCache struct {
	mu    sync.Mutex
	known map[string]bool
}

// Ensure runs create once per table name. A failed create is retried on the
// next call.
func (c *TableCache) Ensure(table string, create func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.known[table] {
		return nil
	}
	if err := create(); err != nil {
		return err
	}
	if c.known == nil {
		c.known = make(map[string]bool)
	}
	c.known[table] = true
	return nil
}
