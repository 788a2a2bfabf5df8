// Package server is the central sync server: it applies pushed operations,
// serves snapshots and deltas, and streams admin statistics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/logging"
	"github.com/truar/DepotVente-sub001/internal/models"
	"github.com/truar/DepotVente-sub001/internal/sync/client"
	"github.com/truar/DepotVente-sub001/internal/sync/conflict"
)

// Outcomes recorded for every operation id the server has seen.
const (
	OutcomeApplied = "applied"
	OutcomeStale   = "stale"
	OutcomeMissing = "missing"
)

// AppliedOperation is the idempotency ledger. A redelivered operation id is
// acknowledged without being applied again.
type AppliedOperation struct {
	OperationID   string `gorm:"primaryKey;size:36"`
	Collection    string `gorm:"size:32"`
	Operation     string `gorm:"size:8"`
	RecordID      string `gorm:"size:64;index"`
	Timestamp     int64
	WorkstationID int
	Outcome       string `gorm:"size:8"`
	AppliedAt     int64  `gorm:"autoCreateTime:false"`
}

func (AppliedOperation) TableName() string { return "applied_operations" }

// syncRow is implemented by every domain row through the embedded SyncFields.
type syncRow interface {
	models.Row
	Stamp(updatedAt, sourceTS int64)
	MarkDeleted(at int64)
	SourceTimestamp() int64
}

// OpenDB opens the server database and migrates its schema.
func OpenDB(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := AutoMigrate(gdb); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return gdb, nil
}

// AutoMigrate creates or updates every server table.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Contact{},
		&models.Deposit{},
		&models.Article{},
		&models.Sale{},
		&models.ConflictLog{},
		&AppliedOperation{},
	)
}

// Store is the gorm-backed server state.
type Store struct {
	db       *gorm.DB
	resolver *conflict.Resolver
	now      func() time.Time
}

// NewStore creates a Store. A nil clock defaults to time.Now.
func NewStore(db *gorm.DB, resolver *conflict.Resolver, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, resolver: resolver, now: now}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// InTx runs fn in a transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// ApplyResult describes what Apply did with an operation.
type ApplyResult struct {
	Outcome   string              `json:"outcome"`
	Duplicate bool                `json:"duplicate"`
	Conflict  *models.ConflictLog `json:"conflict,omitempty"`
}

// Changed reports whether the operation modified a row.
func (r ApplyResult) Changed() bool {
	return !r.Duplicate && r.Outcome == OutcomeApplied
}

func validatePush(op client.PushRequest) error {
	switch {
	case op.OperationID == "":
		return apperrors.New(apperrors.ErrValidation, "operationId is required")
	case !models.IsCollection(op.Collection):
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown collection %q", op.Collection))
	case !op.Operation.Valid():
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown operation %q", op.Operation))
	case op.RecordID == "":
		return apperrors.New(apperrors.ErrValidation, "recordId is required")
	case op.Timestamp <= 0:
		return apperrors.New(apperrors.ErrValidation, "timestamp must be positive")
	}
	if op.Operation != models.OperationDelete {
		if len(op.Data) == 0 {
			return apperrors.New(apperrors.ErrValidation, "data is required for "+string(op.Operation))
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(op.Data, &fields); err != nil {
			return apperrors.New(apperrors.ErrValidation, "data must be a JSON object")
		}
	}
	return nil
}

// Apply applies a pushed operation exactly once. Writes to an existing row go
// through the conflict resolver; create and update merge data into the stored
// row, delete leaves a tombstone.
func (s *Store) Apply(ctx context.Context, op client.PushRequest, workstationID int) (ApplyResult, error) {
	if err := validatePush(op); err != nil {
		return ApplyResult{}, err
	}

	var result ApplyResult
	err := s.InTx(ctx, func(tx *gorm.DB) error {
		var seen AppliedOperation
		err := tx.Where("operation_id = ?", op.OperationID).Take(&seen).Error
		if err == nil {
			result = ApplyResult{Outcome: seen.Outcome, Duplicate: true}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		outcome, conflictLog, err := s.applyRow(tx, op)
		if err != nil {
			return err
		}
		result = ApplyResult{Outcome: outcome, Conflict: conflictLog}

		return tx.Create(&AppliedOperation{
			OperationID:   op.OperationID,
			Collection:    op.Collection,
			Operation:     string(op.Operation),
			RecordID:      op.RecordID,
			Timestamp:     op.Timestamp,
			WorkstationID: workstationID,
			Outcome:       outcome,
			AppliedAt:     s.now().UnixMilli(),
		}).Error
	})
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrValidation {
			return ApplyResult{}, err
		}
		return ApplyResult{}, apperrors.Wrap(apperrors.ErrDatabase, "apply operation", err)
	}

	fields := map[string]interface{}{
		"operation_id": op.OperationID,
		"collection":   op.Collection,
		"operation":    string(op.Operation),
		"record_id":    op.RecordID,
		"outcome":      result.Outcome,
	}
	if result.Duplicate {
		logging.Debug("Duplicate operation acknowledged", fields)
	} else {
		logging.Debug("Operation applied", fields)
	}
	return result, nil
}

func (s *Store) applyRow(tx *gorm.DB, op client.PushRequest) (string, *models.ConflictLog, error) {
	row, ok := models.NewRow(op.Collection).(syncRow)
	if !ok {
		return "", nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown collection %q", op.Collection))
	}

	exists := true
	if err := tx.Where("id = ?", op.RecordID).Take(row).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, err
		}
		exists = false
	}

	var conflictLog *models.ConflictLog
	if exists {
		decision, err := s.resolver.Resolve(&conflict.Conflict{
			OperationID:       op.OperationID,
			Collection:        op.Collection,
			RecordID:          op.RecordID,
			StoredTimestamp:   row.SourceTimestamp(),
			IncomingTimestamp: op.Timestamp,
		})
		if err != nil {
			return "", nil, err
		}
		if decision.ConflictLog != nil {
			conflictLog = decision.ConflictLog
			if err := tx.Create(conflictLog).Error; err != nil {
				return "", nil, err
			}
		}
		if !decision.Apply {
			return OutcomeStale, conflictLog, nil
		}
	}

	now := s.now().UnixMilli()
	switch op.Operation {
	case models.OperationDelete:
		if !exists {
			return OutcomeMissing, conflictLog, nil
		}
		row.MarkDeleted(now)
	default:
		if err := mergeInto(row, op.RecordID, op.Data); err != nil {
			return "", nil, err
		}
	}
	row.Stamp(now, op.Timestamp)

	if err := tx.Save(row).Error; err != nil {
		return "", nil, err
	}
	return OutcomeApplied, conflictLog, nil
}

// mergeInto overlays the fields present in data on row. Server-owned fields
// are reset afterwards: the id comes from the operation and a write revives a
// tombstoned row.
func mergeInto(row syncRow, recordID string, data json.RawMessage) error {
	if err := json.Unmarshal(data, row); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "decode data", err)
	}
	id, _ := json.Marshal(map[string]any{"id": recordID, "deletedAt": nil})
	return json.Unmarshal(id, row)
}

// Snapshot returns every row, or only the rows with updatedAt >= since when
// since is set. SyncedAt is read before the rows so a write racing the query
// is delivered again by the next delta.
func (s *Store) Snapshot(ctx context.Context, since *int64) (*models.Snapshot, error) {
	snap := &models.Snapshot{
		Deposits: []models.Deposit{},
		Articles: []models.Article{},
		Contacts: []models.Contact{},
		Sales:    []models.Sale{},
		SyncedAt: s.now().UnixMilli(),
	}

	err := s.InTx(ctx, func(tx *gorm.DB) error {
		scope := func() *gorm.DB {
			q := tx.Order("updated_at, id")
			if since != nil {
				q = q.Where("updated_at >= ?", *since)
			}
			return q
		}
		if err := scope().Find(&snap.Contacts).Error; err != nil {
			return err
		}
		if err := scope().Find(&snap.Deposits).Error; err != nil {
			return err
		}
		if err := scope().Find(&snap.Articles).Error; err != nil {
			return err
		}
		return scope().Find(&snap.Sales).Error
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "read snapshot", err)
	}
	return snap, nil
}

// Put writes a row as-is, stamping updatedAt. It is used to seed the catalogue.
func (s *Store) Put(ctx context.Context, row models.Row) error {
	if r, ok := row.(syncRow); ok {
		r.Stamp(s.now().UnixMilli(), r.SourceTimestamp())
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "put "+row.TableName(), err)
	}
	return nil
}

// Conflicts returns the most recent conflict log entries.
func (s *Store) Conflicts(ctx context.Context, limit int) ([]models.ConflictLog, error) {
	var out []models.ConflictLog
	err := s.db.WithContext(ctx).Order("id desc").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "list conflicts", err)
	}
	return out, nil
}
