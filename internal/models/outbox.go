// Package models provides data model definitions shared by the terminal sync
// core and the sync server.
package models

import "encoding/json"

// OperationType is the kind of mutation carried by an outbox entry.
type OperationType string

const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// Valid reports whether o is one of the three known operations.
func (o OperationType) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// OutboxStatus is the delivery state of an outbox entry. Delivered entries are
// deleted, so there is no "done" status.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSyncing OutboxStatus = "syncing"
	OutboxFailed  OutboxStatus = "failed"
)

// OutboxOperation is a single local mutation awaiting delivery to the server.
type OutboxOperation struct {
	ID          string          `db:"id" json:"id"`
	Timestamp   int64           `db:"timestamp" json:"timestamp"` // epoch ms
	Collection  string          `db:"collection" json:"collection"`
	Operation   OperationType   `db:"operation" json:"operation"`
	RecordID    string          `db:"record_id" json:"recordId"`
	Data        json.RawMessage `db:"data" json:"data,omitempty"`
	RetryCount  int             `db:"retry_count" json:"retryCount"`
	LastAttempt *int64          `db:"last_attempt" json:"lastAttempt,omitempty"`
	Error       *string         `db:"error" json:"error,omitempty"`
	Status      OutboxStatus    `db:"status" json:"status"`
}

// TableName returns the table name for OutboxOperation.
func (OutboxOperation) TableName() string {
	return "outbox"
}

// OutboxCounts is the per-status breakdown shown on the status surface.
type OutboxCounts struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
	// Exhausted is the subset of Failed that will not be retried automatically.
	Exhausted int `json:"exhausted"`
}

// Active is the number of entries still awaiting delivery.
func (c OutboxCounts) Active() int {
	return c.Pending + c.Syncing + c.Failed
}

// Deliverable is the number of entries the push engine will still attempt on
// its own: pending ones plus failed ones that have retries left.
func (c OutboxCounts) Deliverable() int {
	return c.Pending + c.Failed - c.Exhausted
}
