package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Session / order statuses
const (
	SessionOpen   = "open"
	SessionClosed = "closed"

	OrderDraft     = "draft"
	OrderConfirmed = "confirmed"
)

// OrderSession represents one open tab bound to a table. IDs are strings
// because a session created offline carries a locally generated UUID
// until the remote system assigns the real identifier.
//
// Offline bookkeeping:
//   - PendingSync: locally created/mutated, not yet round-tripped.
//   - TempID: the ID was generated locally, never authoritative.
//   - SyncedID: the server-assigned identifier once known; the temp
//     record is kept and linked rather than discarded so state bound to
//     the temp id is never orphaned.
type OrderSession struct {
	ID       string  `gorm:"primaryKey" json:"id"`
	TableID  int64   `gorm:"index" json:"table_id"`
	Status   string  `gorm:"index;default:open" json:"status"`
	Subtotal float64 `json:"subtotal"`
	Discount float64 `json:"discount"`
	Tax      float64 `json:"tax"`
	Total    float64 `json:"total"`

	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	UpdatedAt time.Time  `gorm:"index;autoUpdateTime:false" json:"updated_at"`

	PendingSync bool    `gorm:"column:pending_sync;index" json:"_pending_sync"`
	TempID      bool    `gorm:"column:temp_id" json:"_temp_id"`
	SyncedID    *string `gorm:"column:synced_id;index" json:"_synced_id,omitempty"`

	LastSyncedAt time.Time `json:"last_synced_at"`
}

func (OrderSession) TableName() string { return "order_sessions" }

// IsAlias reports whether this record is a temp-id alias already linked
// to a server-confirmed session.
func (s *OrderSession) IsAlias() bool {
	return s.TempID && s.SyncedID != nil
}

// OrderLine is one line item of a session order. PackageID is set when
// the line sells a bundle; Components then holds the pre-expanded
// per-unit product quantities used for stock deduction.
type OrderLine struct {
	ProductID  int64         `json:"product_id,omitempty"`
	PackageID  *int64        `json:"package_id,omitempty"`
	Name       string        `json:"name"`
	Quantity   float64       `json:"quantity"`
	UnitPrice  float64       `json:"unit_price"`
	Components []PackageItem `json:"components,omitempty"`
}

// LineTotal returns quantity * unit price.
func (l OrderLine) LineTotal() float64 {
	return l.Quantity * l.UnitPrice
}

// OrderLines stores line items as a JSONB column.
type OrderLines []OrderLine

// Scan implements sql.Scanner interface
func (ol *OrderLines) Scan(value interface{}) error {
	if value == nil {
		*ol = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan OrderLines: %v", value)
	}
	return json.Unmarshal(bytes, ol)
}

// Value implements driver.Valuer interface
func (ol OrderLines) Value() (driver.Value, error) {
	if ol == nil {
		return json.Marshal([]OrderLine{})
	}
	return json.Marshal(ol)
}

// SessionOrder is one round of items added to a session, with the same
// offline bookkeeping as OrderSession.
type SessionOrder struct {
	ID        string     `gorm:"primaryKey" json:"id"`
	SessionID string     `gorm:"index" json:"session_id"`
	Status    string     `gorm:"index;default:draft" json:"status"`
	Lines     OrderLines `gorm:"type:jsonb" json:"lines"`
	Subtotal  float64    `json:"subtotal"`
	Total     float64    `json:"total"`
	UpdatedAt time.Time  `gorm:"index;autoUpdateTime:false" json:"updated_at"`

	PendingSync bool    `gorm:"column:pending_sync;index" json:"_pending_sync"`
	TempID      bool    `gorm:"column:temp_id" json:"_temp_id"`
	SyncedID    *string `gorm:"column:synced_id;index" json:"_synced_id,omitempty"`

	LastSyncedAt time.Time `json:"last_synced_at"`
}

func (SessionOrder) TableName() string { return "session_orders" }
