// Package metadata stores sync bookkeeping as key/value rows, most notably the
// server time of the last successful pull.
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/truar/DepotVente-sub001/internal/crypto"
	"github.com/truar/DepotVente-sub001/internal/db"
	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/models"
)

// Store reads and writes the sync_metadata table.
type Store struct {
	db        *db.DB
	machineID string
	now       func() time.Time
}

// NewStore creates a Store. machineID binds the sealed auth token to this
// terminal; empty uses the host identifier.
func NewStore(database *db.DB, machineID string) *Store {
	return &Store{db: database, machineID: machineID, now: time.Now}
}

// Get returns the value for key and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Wrap(apperrors.ErrDatabase, "read sync metadata "+key, err)
	}
	return value, true, nil
}

// Set upserts key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_metadata (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UnixMilli())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "write sync metadata "+key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_metadata WHERE key = ?`, key); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "delete sync metadata "+key, err)
	}
	return nil
}

// All returns every row, for the status surface. The sealed token is omitted.
func (s *Store) All(ctx context.Context) ([]models.SyncMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM sync_metadata WHERE key != ? ORDER BY key`, models.MetaAuthToken)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list sync metadata", err)
	}
	defer rows.Close()

	var out []models.SyncMetadata
	for rows.Next() {
		var m models.SyncMetadata
		if err := rows.Scan(&m.Key, &m.Value, &m.UpdatedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan sync metadata", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastSync returns the server-assigned time of the last successful pull in
// epoch milliseconds. ok is false when no pull has completed yet.
func (s *Store) LastSync(ctx context.Context) (ms int64, ok bool, err error) {
	value, found, err := s.Get(ctx, models.MetaLastSync)
	if err != nil || !found {
		return 0, false, err
	}
	ms, err = strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, apperrors.Wrap(apperrors.ErrParse, fmt.Sprintf("invalid lastSync %q", value), err)
	}
	return ms, true, nil
}

// SetLastSync records the server time of a completed pull.
func (s *Store) SetLastSync(ctx context.Context, ms int64) error {
	return s.Set(ctx, models.MetaLastSync, strconv.FormatInt(ms, 10))
}

// ClearLastSync forgets the last pull, forcing the next one to be initial.
func (s *Store) ClearLastSync(ctx context.Context) error {
	return s.Delete(ctx, models.MetaLastSync)
}

// SaveToken stores the auth token sealed with the machine key. An empty token
// removes it.
func (s *Store) SaveToken(ctx context.Context, token string) error {
	if token == "" {
		return s.Delete(ctx, models.MetaAuthToken)
	}
	sealed, err := crypto.SealToken(token, s.machineID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCryptoFailed, "seal auth token", err)
	}
	return s.Set(ctx, models.MetaAuthToken, sealed)
}

// LoadToken returns the stored auth token, or "" when none is stored.
func (s *Store) LoadToken(ctx context.Context) (string, error) {
	sealed, found, err := s.Get(ctx, models.MetaAuthToken)
	if err != nil || !found {
		return "", err
	}
	token, err := crypto.OpenToken(sealed, s.machineID)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "open auth token", err)
	}
	return token, nil
}
