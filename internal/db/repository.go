// Package db provides the repository for the synchronized collections.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/truar/DepotVente-sub001/internal/models"
)

// ErrNotFound is returned by Get when no row has the requested id.
var ErrNotFound = errors.New("record not found")

// Repository reads and writes the deposits, articles, contacts and sales
// tables. Multi-collection writes happen in one transaction.
type Repository struct {
	db *DB

	// Statements are prepared on first use and cached for reuse
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, keep theirs
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

func upsertQuery(row models.Row) string {
	cols := row.Columns()
	marks := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	return fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		row.TableName(), strings.Join(cols, ", "), marks)
}

func selectQuery(row models.Row) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(row.Columns(), ", "), row.TableName())
}

// writeRows upserts rows inside tx with one statement per table. The statement
// is prepared on the transaction: the pool has a single connection, which the
// transaction already holds.
func (r *Repository) writeRows(ctx context.Context, tx *sql.Tx, rows []models.Row) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, upsertQuery(rows[0]))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.Values()...); err != nil {
			return fmt.Errorf("failed to write %s %s: %w", row.TableName(), row.GetID(), err)
		}
	}
	return nil
}

// ReplaceAll clears every synchronized collection and inserts rows, as one
// atomic unit. Collections absent from rows end up empty.
func (r *Repository) ReplaceAll(ctx context.Context, rows map[string][]models.Row) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, name := range models.Collections {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+name); err != nil {
				return fmt.Errorf("failed to clear %s: %w", name, err)
			}
		}
		for _, name := range models.Collections {
			if err := r.writeRows(ctx, tx, rows[name]); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertAll inserts or replaces rows by primary key in one transaction. Rows
// not mentioned are left untouched.
func (r *Repository) UpsertAll(ctx context.Context, rows map[string][]models.Row) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, name := range models.Collections {
			if err := r.writeRows(ctx, tx, rows[name]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Put writes a single row, as done by the UI for a local mutation.
func (r *Repository) Put(ctx context.Context, row models.Row) error {
	return r.UpsertAll(ctx, map[string][]models.Row{row.TableName(): {row}})
}

// Get loads the row with id into row.
func (r *Repository) Get(ctx context.Context, row models.Row, id string) error {
	stmt, err := r.PrepareStmt(ctx, selectQuery(row))
	if err != nil {
		return err
	}
	err = stmt.QueryRowContext(ctx, id).Scan(row.Targets()...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Count returns the number of rows in collection, tombstones included.
func (r *Repository) Count(ctx context.Context, collection string) (int, error) {
	if !models.IsCollection(collection) {
		return 0, fmt.Errorf("unknown collection %q", collection)
	}
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+collection).Scan(&n)
	return n, err
}
