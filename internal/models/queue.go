package models

import (
	"time"

	"gorm.io/datatypes"
)

// Mutation queue statuses. There is no "synced" tombstone: a delivered
// entry is deleted outright and the next catalog pull picks up the
// resulting server-side state.
const (
	MutationPending = "pending"
	MutationFailed  = "failed"
)

// MutationEntry is one durable intended write against the remote
// system. Owned exclusively by the outbox: created via Enqueue, mutated
// only by the replay loop.
type MutationEntry struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	MutationType string         `gorm:"type:varchar(100);not null;index" json:"mutation_type"`
	Endpoint     string         `gorm:"type:varchar(500);not null" json:"endpoint"`
	Method       string         `gorm:"type:varchar(10);not null" json:"method"` // POST, PATCH, PUT
	Payload      datatypes.JSON `gorm:"type:jsonb" json:"payload"`

	// DependsOn orders this entry after another queue entry: it is not
	// dispatched until the referenced entry has been delivered.
	DependsOn *uint `gorm:"index" json:"depends_on,omitempty"`

	Status        string     `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	RetryCount    int        `gorm:"default:0" json:"retry_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	Error         *string    `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

func (MutationEntry) TableName() string { return "mutation_queue" }

// MetaEntry is one key of the metadata table: sync cursors
// ("lastSync.<entity>"), the full-sync timestamp ("lastFullSync"), and
// the durable temp-id to server-id results ("queueResult.<queue id>").
// Values are stored as JSON so scalars and objects share one column.
type MetaEntry struct {
	Key       string         `gorm:"primaryKey;type:varchar(255)" json:"key"`
	Value     datatypes.JSON `gorm:"type:jsonb" json:"value"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (MetaEntry) TableName() string { return "metadata" }
