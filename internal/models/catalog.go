package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Product mirrors the remote 'products' collection.
// UpdatedAt carries the server timestamp used as the sync cursor, so
// GORM must never touch it on local writes.
type Product struct {
	ID         int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	CategoryID *int64    `gorm:"index" json:"category_id"`
	Name       string    `json:"name"`
	SKU        APIString `gorm:"index" json:"sku"`
	Price      float64   `json:"price"`
	Stock      float64   `json:"stock"`
	Active     bool      `gorm:"default:true" json:"active"`
	UpdatedAt  time.Time `gorm:"index;autoUpdateTime:false" json:"updated_at"`

	LastSyncedAt time.Time `json:"last_synced_at"`
}

func (Product) TableName() string { return "products" }

// Category mirrors the remote 'categories' collection.
type Category struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name      string    `json:"name"`
	SortOrder int       `json:"sort_order"`
	Active    bool      `gorm:"default:true" json:"active"`
	UpdatedAt time.Time `gorm:"index;autoUpdateTime:false" json:"updated_at"`

	LastSyncedAt time.Time `json:"last_synced_at"`
}

func (Category) TableName() string { return "categories" }

// PackageItem is one component line of a bundle: the product and the
// per-unit quantity it contributes when the bundle is sold.
type PackageItem struct {
	ProductID int64   `json:"product_id"`
	Quantity  float64 `json:"quantity"`
}

// PackageItems stores the component list as a JSONB column.
type PackageItems []PackageItem

// Scan implements sql.Scanner interface
func (pi *PackageItems) Scan(value interface{}) error {
	if value == nil {
		*pi = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan PackageItems: %v", value)
	}
	return json.Unmarshal(bytes, pi)
}

// Value implements driver.Valuer interface
func (pi PackageItems) Value() (driver.Value, error) {
	if pi == nil {
		return json.Marshal([]PackageItem{})
	}
	return json.Marshal(pi)
}

// ProductPackage mirrors the remote 'packages' collection (bundles of
// products sold as one line item, e.g. a bucket of beers).
type ProductPackage struct {
	ID        int64        `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name      string       `json:"name"`
	Price     float64      `json:"price"`
	Active    bool         `gorm:"default:true" json:"active"`
	Items     PackageItems `gorm:"type:jsonb" json:"items"`
	UpdatedAt time.Time    `gorm:"index;autoUpdateTime:false" json:"updated_at"`

	LastSyncedAt time.Time `json:"last_synced_at"`
}

func (ProductPackage) TableName() string { return "product_packages" }

// Table statuses as reported by the remote system or set optimistically
// by the orchestrator.
const (
	TableAvailable = "available"
	TableOccupied  = "occupied"
)

// DiningTable mirrors the remote 'tables' collection.
type DiningTable struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name      string    `json:"name"`
	Zone      APIString `json:"zone"`
	Status    string    `gorm:"index;default:available" json:"status"`
	Seats     int       `json:"seats"`
	UpdatedAt time.Time `gorm:"index;autoUpdateTime:false" json:"updated_at"`

	LastSyncedAt time.Time `json:"last_synced_at"`
}

func (DiningTable) TableName() string { return "dining_tables" }
