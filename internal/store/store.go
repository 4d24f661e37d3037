package store

import (
	"encoding/json"
	"errors"
	"reflect"

	"github.com/baristack/posgo/internal/database"
	"github.com/baristack/posgo/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the durable local cache: named record collections, the
// metadata table and the mutation queue, all behind a small set of
// transactional primitives. Every failure of the underlying database
// surfaces as a *StorageError.
type Store struct {
	db *database.DB
}

// New creates a Store on top of an open database connection.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or additively updates the schema for all collections.
func (s *Store) Migrate() error {
	err := s.db.AutoMigrate(
		&models.Product{},
		&models.Category{},
		&models.ProductPackage{},
		&models.DiningTable{},
		&models.OrderSession{},
		&models.SessionOrder{},
		&models.MutationEntry{},
		&models.MetaEntry{},
		&models.UserAuth{},
	)
	return storageErr("migrate", err)
}

// BulkPut upserts one or more record sets in a single transaction.
// Each argument is a slice of one model type (or a single record).
// Empty slices are skipped; any write abort rolls back the whole
// operation.
func (s *Store) BulkPut(recordSets ...interface{}) error {
	nonEmpty := make([]interface{}, 0, len(recordSets))
	for _, records := range recordSets {
		if records == nil || isEmptySlice(records) {
			continue
		}
		nonEmpty = append(nonEmpty, records)
	}
	if len(nonEmpty) == 0 {
		return nil
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, records := range nonEmpty {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(records).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr("bulk put", err)
}

// ReadAll loads a full collection into dest (a pointer to a model
// slice). An absent collection yields an empty slice.
func (s *Store) ReadAll(dest interface{}) error {
	return storageErr("read all", s.db.Find(dest).Error)
}

// Clear truncates a collection. Used before a full resync so that
// records deleted remotely do not linger locally.
func (s *Store) Clear(model interface{}) error {
	err := s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Unscoped().Delete(model).Error
	return storageErr("clear", err)
}

func isEmptySlice(v interface{}) bool {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Slice && rv.Len() == 0
}

// ===================== Metadata =====================

// GetMetadata reads one metadata value into dest. Returns false when the
// key has never been set.
func (s *Store) GetMetadata(key string, dest interface{}) (bool, error) {
	var entry models.MetaEntry
	err := s.db.Where("key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("get metadata", err)
	}
	if err := json.Unmarshal(entry.Value, dest); err != nil {
		return false, storageErr("decode metadata", err)
	}
	return true, nil
}

// SetMetadata stores one metadata value, independent of entity data
// transactions.
func (s *Store) SetMetadata(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return storageErr("encode metadata", err)
	}

	entry := models.MetaEntry{Key: key, Value: raw}
	err = s.db.Where("key = ?", key).
		Assign(models.MetaEntry{Value: raw}).
		FirstOrCreate(&entry).Error
	return storageErr("set metadata", err)
}

// ClearMetadataPrefix deletes every metadata key with the given prefix.
// Used by forced resyncs to drop all "lastSync." cursors at once.
func (s *Store) ClearMetadataPrefix(prefix string) error {
	err := s.db.Where("key LIKE ?", prefix+"%").Delete(&models.MetaEntry{}).Error
	return storageErr("clear metadata", err)
}

// ===================== Convenience reads =====================

// Product returns one product by id, or nil when absent.
func (s *Store) Product(id int64) (*models.Product, error) {
	var p models.Product
	err := s.db.First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get product", err)
	}
	return &p, nil
}

// Package returns one product package by id, or nil when absent.
func (s *Store) Package(id int64) (*models.ProductPackage, error) {
	var p models.ProductPackage
	err := s.db.First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get package", err)
	}
	return &p, nil
}

// Table returns one dining table by id, or nil when absent.
func (s *Store) Table(id int64) (*models.DiningTable, error) {
	var t models.DiningTable
	err := s.db.First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get table", err)
	}
	return &t, nil
}

// Session returns one order session by id, or nil when absent.
func (s *Store) Session(id string) (*models.OrderSession, error) {
	var sess models.OrderSession
	err := s.db.First(&sess, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return &sess, nil
}

// SessionBySyncedID returns the temp session linked to a server id, or
// nil when no alias exists.
func (s *Store) SessionBySyncedID(syncedID string) (*models.OrderSession, error) {
	var sess models.OrderSession
	err := s.db.First(&sess, "synced_id = ?", syncedID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get session by synced id", err)
	}
	return &sess, nil
}

// OpenSessions returns every session still in the active set.
func (s *Store) OpenSessions() ([]models.OrderSession, error) {
	var sessions []models.OrderSession
	err := s.db.Where("status = ?", models.SessionOpen).Find(&sessions).Error
	if err != nil {
		return nil, storageErr("open sessions", err)
	}
	return sessions, nil
}

// OpenPendingSessionsByTable returns open, still-pending sessions on one
// table. Used as the fallback alias lookup when closing a tab.
func (s *Store) OpenPendingSessionsByTable(tableID int64) ([]models.OrderSession, error) {
	var sessions []models.OrderSession
	err := s.db.Where("table_id = ? AND status = ? AND pending_sync = ?",
		tableID, models.SessionOpen, true).Find(&sessions).Error
	if err != nil {
		return nil, storageErr("sessions by table", err)
	}
	return sessions, nil
}

// Order returns one order by its local id, or nil when absent.
func (s *Store) Order(id string) (*models.SessionOrder, error) {
	var order models.SessionOrder
	err := s.db.First(&order, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get order", err)
	}
	return &order, nil
}

// OrdersForSession returns all orders belonging to a session, oldest
// first.
func (s *Store) OrdersForSession(sessionID string) ([]models.SessionOrder, error) {
	var orders []models.SessionOrder
	err := s.db.Where("session_id = ?", sessionID).Order("updated_at ASC").Find(&orders).Error
	if err != nil {
		return nil, storageErr("orders for session", err)
	}
	return orders, nil
}

// User returns one staff login by username, or nil when absent.
func (s *Store) User(username string) (*models.UserAuth, error) {
	var u models.UserAuth
	err := s.db.First(&u, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get user", err)
	}
	return &u, nil
}

// SaveUser persists changes to a staff login.
func (s *Store) SaveUser(u *models.UserAuth) error {
	if err := s.db.Save(u).Error; err != nil {
		return storageErr("save user", err)
	}
	return nil
}

// ===================== Mutation queue =====================

// AppendMutation durably appends one queue entry and fills in its
// assigned id.
func (s *Store) AppendMutation(entry *models.MutationEntry) error {
	return storageErr("append mutation", s.db.Create(entry).Error)
}

// PendingMutations claims up to limit pending entries in enqueue order.
func (s *Store) PendingMutations(limit int) ([]models.MutationEntry, error) {
	var entries []models.MutationEntry
	q := s.db.Where("status = ?", models.MutationPending).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&entries).Error
	if err != nil {
		return nil, storageErr("pending mutations", err)
	}
	return entries, nil
}

// FailedMutations returns terminally failed entries, all of them when
// limit is zero or negative.
func (s *Store) FailedMutations(limit int) ([]models.MutationEntry, error) {
	var entries []models.MutationEntry
	q := s.db.Where("status = ?", models.MutationFailed).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&entries).Error
	if err != nil {
		return nil, storageErr("failed mutations", err)
	}
	return entries, nil
}

// UpdateMutation persists queue-entry bookkeeping (status, retries,
// error text).
func (s *Store) UpdateMutation(entry *models.MutationEntry) error {
	return storageErr("update mutation", s.db.Save(entry).Error)
}

// DeleteMutation removes a delivered entry. The entry is fully consumed;
// the catalog engine picks up the resulting server state on its next
// pass.
func (s *Store) DeleteMutation(id uint) error {
	return storageErr("delete mutation", s.db.Delete(&models.MutationEntry{}, id).Error)
}

// MutationExists reports whether a queue entry is still present.
func (s *Store) MutationExists(id uint) (bool, error) {
	var count int64
	err := s.db.Model(&models.MutationEntry{}).Where("id = ?", id).Count(&count).Error
	if err != nil {
		return false, storageErr("mutation exists", err)
	}
	return count > 0, nil
}

// MutationCounts returns the point-in-time pending and failed counts.
func (s *Store) MutationCounts() (pending int64, failed int64, err error) {
	if err = s.db.Model(&models.MutationEntry{}).
		Where("status = ?", models.MutationPending).Count(&pending).Error; err != nil {
		return 0, 0, storageErr("count pending", err)
	}
	if err = s.db.Model(&models.MutationEntry{}).
		Where("status = ?", models.MutationFailed).Count(&failed).Error; err != nil {
		return 0, 0, storageErr("count failed", err)
	}
	return pending, failed, nil
}
