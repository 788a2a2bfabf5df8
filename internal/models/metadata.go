package models

// Keys stored in the sync metadata table.
const (
	MetaLastSync  = "lastSync"
	MetaAuthToken = "authToken"
)

// SyncMetadata is one key/value row of sync bookkeeping.
type SyncMetadata struct {
	Key       string `db:"key" json:"key"`
	Value     string `db:"value" json:"value"`
	UpdatedAt int64  `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for SyncMetadata.
func (SyncMetadata) TableName() string {
	return "sync_metadata"
}
