package models

import "time"

// Resolutions recorded in ConflictLog.
const (
	ResolutionIncomingWins = "incoming_wins"
	ResolutionStoredWins   = "stored_wins"
)

// ConflictLog records a push that lost or won a last-write-wins comparison
// against the row already stored on the server.
type ConflictLog struct {
	ID                uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	OperationID       string `gorm:"size:36;index" json:"operationId"`
	Collection        string `gorm:"size:32" json:"collection"`
	RecordID          string `gorm:"size:64;index" json:"recordId"`
	StoredTimestamp   int64  `json:"storedTimestamp"`
	IncomingTimestamp int64  `json:"incomingTimestamp"`
	Resolution        string `gorm:"size:16" json:"resolution"`
	DetectedAt        int64  `gorm:"autoCreateTime:false" json:"detectedAt"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns DetectedAt (epoch ms) as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
