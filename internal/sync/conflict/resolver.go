// Package conflict decides whether a pushed operation overwrites the row the
// server already holds.
package conflict

import (
	"time"

	"github.com/truar/DepotVente-sub001/internal/logging"
	"github.com/truar/DepotVente-sub001/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	ResolutionStrategyArrivalOrder  ResolutionStrategy = "arrival_order"
)

// ParseStrategy maps a configuration value to a strategy. Unknown values fall
// back to last-write-wins.
func ParseStrategy(s string) ResolutionStrategy {
	if ResolutionStrategy(s) == ResolutionStrategyArrivalOrder {
		return ResolutionStrategyArrivalOrder
	}
	return ResolutionStrategyLastWriteWins
}

// Resolver handles conflict resolution when applying pushed operations.
type Resolver struct {
	strategy ResolutionStrategy
	now      func() time.Time
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	return &Resolver{
		strategy: strategy,
		now:      time.Now,
	}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Conflict is a pushed operation targeting a row that already exists.
type Conflict struct {
	OperationID string
	Collection  string
	RecordID    string
	// StoredTimestamp is the client timestamp of the operation that last
	// wrote the stored row.
	StoredTimestamp int64
	// IncomingTimestamp is the client timestamp of the pushed operation.
	IncomingTimestamp int64
}

// Decision is the outcome of Resolve.
type Decision struct {
	Apply       bool
	Strategy    ResolutionStrategy
	ConflictLog *models.ConflictLog // nil when nothing is worth recording
}

// Resolve decides whether the incoming operation is applied. Under
// last-write-wins the newer client timestamp wins and a tie goes to the
// incoming operation.
func (r *Resolver) Resolve(c *Conflict) (*Decision, error) {
	if c == nil || c.RecordID == "" {
		return nil, ErrInvalidConflict
	}

	if r.strategy == ResolutionStrategyArrivalOrder {
		return &Decision{Apply: true, Strategy: r.strategy}, nil
	}

	apply := c.IncomingTimestamp >= c.StoredTimestamp
	// An in-order write is not a conflict.
	if apply && c.IncomingTimestamp > c.StoredTimestamp {
		return &Decision{Apply: true, Strategy: r.strategy}, nil
	}

	resolution := models.ResolutionIncomingWins
	if !apply {
		resolution = models.ResolutionStoredWins
	}
	entry := &models.ConflictLog{
		OperationID:       c.OperationID,
		Collection:        c.Collection,
		RecordID:          c.RecordID,
		StoredTimestamp:   c.StoredTimestamp,
		IncomingTimestamp: c.IncomingTimestamp,
		Resolution:        resolution,
		DetectedAt:        r.now().UnixMilli(),
	}

	logging.Info("Conflict resolved using last-write-wins",
		map[string]interface{}{
			"operation_id":       c.OperationID,
			"collection":         c.Collection,
			"record_id":          c.RecordID,
			"stored_timestamp":   c.StoredTimestamp,
			"incoming_timestamp": c.IncomingTimestamp,
			"resolution":         resolution,
		})

	return &Decision{Apply: apply, Strategy: r.strategy, ConflictLog: entry}, nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: record id is required"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
