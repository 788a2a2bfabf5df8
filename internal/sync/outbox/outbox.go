// Package outbox provides the durable queue of local mutations awaiting
// delivery to the sync server.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/truar/DepotVente-sub001/internal/db"
	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/logging"
	"github.com/truar/DepotVente-sub001/internal/models"
	"github.com/truar/DepotVente-sub001/internal/uuid"
)

// MaxRetries is the number of failed attempts after which an operation is no
// longer retried automatically.
const MaxRetries = 10

// Patch lists the fields Update may change. Nil fields are left as they are.
type Patch struct {
	Status      *models.OutboxStatus
	RetryCount  *int
	LastAttempt *int64
	Error       *string
	ClearError  bool
}

// Store is the SQLite-backed outbox. It is safe for concurrent use; writes are
// serialized by the single database connection.
type Store struct {
	db  *db.DB
	now func() time.Time

	mu          sync.Mutex
	subscribers map[int]chan models.OutboxCounts
	nextSubID   int
}

// NewStore creates a Store. A nil clock defaults to time.Now.
func NewStore(database *db.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		db:          database,
		now:         now,
		subscribers: make(map[int]chan models.OutboxCounts),
	}
}

const selectColumns = `id, timestamp, collection, operation, record_id, data, retry_count, last_attempt, error, status`

func scanOperation(scan func(dest ...any) error) (models.OutboxOperation, error) {
	var (
		op          models.OutboxOperation
		data        sql.NullString
		lastAttempt sql.NullInt64
		lastError   sql.NullString
	)
	err := scan(&op.ID, &op.Timestamp, &op.Collection, &op.Operation, &op.RecordID,
		&data, &op.RetryCount, &lastAttempt, &lastError, &op.Status)
	if err != nil {
		return op, err
	}
	if data.Valid {
		op.Data = json.RawMessage(data.String)
	}
	if lastAttempt.Valid {
		v := lastAttempt.Int64
		op.LastAttempt = &v
	}
	if lastError.Valid {
		v := lastError.String
		op.Error = &v
	}
	return op, nil
}

// Append records a new pending operation and returns its id. Subscribers are
// notified once the row is committed.
func (s *Store) Append(ctx context.Context, collection string, operation models.OperationType, recordID string, data json.RawMessage) (string, error) {
	if collection == "" || recordID == "" {
		return "", apperrors.New(apperrors.ErrValidation, "collection and recordId are required")
	}
	if !operation.Valid() {
		return "", apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown operation %q", operation))
	}
	if len(data) > 0 && !json.Valid(data) {
		return "", apperrors.New(apperrors.ErrValidation, "data is not valid JSON")
	}

	id := uuid.NewOperationID()
	var payload any
	if len(data) > 0 {
		payload = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbox (id, timestamp, collection, operation, record_id, data, retry_count, status)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		id, s.now().UnixMilli(), collection, string(operation), recordID, payload, string(models.OutboxPending))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrDatabase, "append outbox operation", err)
	}

	logging.Debug("Outbox append", map[string]interface{}{
		"id":         id,
		"collection": collection,
		"operation":  string(operation),
		"record_id":  recordID,
	})

	s.publish(ctx)
	return id, nil
}

// List returns operations with any of the given statuses (all when none are
// given), oldest first. Equal timestamps are ordered by id, which is
// time-ordered.
func (s *Store) List(ctx context.Context, statuses ...models.OutboxStatus) ([]models.OutboxOperation, error) {
	query := `SELECT ` + selectColumns + ` FROM outbox`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
		query += ` WHERE status IN (` + marks + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY timestamp, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list outbox", err)
	}
	defer rows.Close()

	var ops []models.OutboxOperation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan outbox row", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list outbox", err)
	}
	return ops, nil
}

// Get returns a single operation.
func (s *Store) Get(ctx context.Context, id string) (models.OutboxOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM outbox WHERE id = ?`, id)
	op, err := scanOperation(row.Scan)
	if err == sql.ErrNoRows {
		return op, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("outbox operation %s not found", id))
	}
	if err != nil {
		return op, apperrors.Wrap(apperrors.ErrDatabase, "get outbox operation", err)
	}
	return op, nil
}

// Update applies patch to the operation with id.
func (s *Store) Update(ctx context.Context, id string, patch Patch) error {
	var (
		sets []string
		args []any
	)
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *patch.RetryCount)
	}
	if patch.LastAttempt != nil {
		sets = append(sets, "last_attempt = ?")
		args = append(args, *patch.LastAttempt)
	}
	switch {
	case patch.ClearError:
		sets = append(sets, "error = NULL")
	case patch.Error != nil:
		sets = append(sets, "error = ?")
		args = append(args, *patch.Error)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE outbox SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "update outbox operation", err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}

	s.publish(ctx)
	return nil
}

// Delete removes the operation with id. It is only called once the server has
// accepted the operation, or when the user discards it.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete outbox operation", err)
	}
	if err := requireAffected(res, id); err != nil {
		return err
	}

	s.publish(ctx)
	return nil
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "rows affected", err)
	}
	if n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("outbox operation %s not found", id))
	}
	return nil
}

// Counts returns the per-status breakdown of the outbox.
func (s *Store) Counts(ctx context.Context) (models.OutboxCounts, error) {
	var c models.OutboxCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'syncing' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' AND retry_count >= ? THEN 1 ELSE 0 END), 0)
		FROM outbox`, MaxRetries).Scan(&c.Pending, &c.Syncing, &c.Failed, &c.Exhausted)
	if err != nil {
		return c, apperrors.Wrap(apperrors.ErrDatabase, "count outbox", err)
	}
	return c, nil
}

// ClearFailed discards every operation that exhausted its retries.
func (s *Store) ClearFailed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE status = 'failed' AND retry_count >= ?`, MaxRetries)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "clear failed operations", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Warn("Discarded exhausted outbox operations", map[string]interface{}{"count": n})
		s.publish(ctx)
	}
	return int(n), nil
}

// RetryFailed resets exhausted operations to pending with a fresh retry budget.
func (s *Store) RetryFailed(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET status = 'pending', retry_count = 0, last_attempt = NULL, error = NULL
		 WHERE status = 'failed' AND retry_count >= ?`, MaxRetries)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "retry failed operations", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Info("Reset exhausted outbox operations for retry", map[string]interface{}{"count": n})
		s.publish(ctx)
	}
	return int(n), nil
}

// RecoverSyncing returns operations left in syncing by an interrupted process
// to pending. Call it before the push engine starts.
func (s *Store) RecoverSyncing(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "recover syncing operations", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Warn("Recovered interrupted outbox operations", map[string]interface{}{"count": n})
		s.publish(ctx)
	}
	return int(n), nil
}

// Subscribe returns a channel that receives the current counts immediately and
// again after every change. Only the latest value is kept for a slow reader.
// The returned func unsubscribes and closes the channel.
func (s *Store) Subscribe(ctx context.Context) (<-chan models.OutboxCounts, func()) {
	ch := make(chan models.OutboxCounts, 1)

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.mu.Unlock()

	if c, err := s.Counts(ctx); err == nil {
		s.deliver(ch, c)
	} else {
		logging.Error("Outbox subscribe: initial count failed", err)
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

func (s *Store) publish(ctx context.Context) {
	s.mu.Lock()
	empty := len(s.subscribers) == 0
	s.mu.Unlock()
	if empty {
		return
	}

	c, err := s.Counts(ctx)
	if err != nil {
		logging.Error("Outbox publish: count failed", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		s.deliver(ch, c)
	}
}

// deliver replaces any unread value with c. Callers hold s.mu or own ch.
func (s *Store) deliver(ch chan models.OutboxCounts, c models.OutboxCounts) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- c:
	default:
	}
}
