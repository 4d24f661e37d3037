package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/baristack/posgo/internal/models"
)

// entitySyncer binds one remote collection to its local table. batch
// pulls, shapes and stores a single page and reports the record count
// plus the highest updated_at it saw, which becomes the next cursor.
type entitySyncer struct {
	name  string
	clear func() error
	batch func(ctx context.Context, cursor string, limit int) (int, string, error)
}

// timestampFormats lists the server formats we accept for updated_at.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampFormats {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", raw)
}

// maxCursor tracks the running maximum updated_at within a batch. The
// comparison runs on parsed times, but the original server string is
// kept verbatim so the cursor round-trips without precision loss.
type maxCursor struct {
	raw string
	ts  time.Time
}

func (m *maxCursor) observe(raw string, ts time.Time) {
	if m.raw == "" || ts.After(m.ts) {
		m.raw = raw
		m.ts = ts
	}
}

type rawProduct struct {
	ID         int64            `json:"id"`
	CategoryID *int64           `json:"category_id"`
	Name       models.APIString `json:"name"`
	SKU        models.APIString `json:"sku"`
	Price      models.APIFloat  `json:"price"`
	Stock      models.APIFloat  `json:"stock"`
	Active     *bool            `json:"active"`
	UpdatedAt  string           `json:"updated_at"`
}

type rawCategory struct {
	ID        int64            `json:"id"`
	Name      models.APIString `json:"name"`
	SortOrder int              `json:"sort_order"`
	Active    *bool            `json:"active"`
	UpdatedAt string           `json:"updated_at"`
}

type rawPackage struct {
	ID        int64                `json:"id"`
	Name      models.APIString     `json:"name"`
	Price     models.APIFloat      `json:"price"`
	Items     []models.PackageItem `json:"items"`
	Active    *bool                `json:"active"`
	UpdatedAt string               `json:"updated_at"`
}

type rawTable struct {
	ID        int64            `json:"id"`
	Name      models.APIString `json:"name"`
	Zone      models.APIString `json:"zone"`
	Status    models.APIString `json:"status"`
	Seats     int              `json:"seats"`
	UpdatedAt string           `json:"updated_at"`
}

type rawSession struct {
	ID        string           `json:"id"`
	TableID   int64            `json:"table_id"`
	Status    models.APIString `json:"status"`
	Subtotal  models.APIFloat  `json:"subtotal"`
	Discount  models.APIFloat  `json:"discount"`
	Tax       models.APIFloat  `json:"tax"`
	Total     models.APIFloat  `json:"total"`
	OpenedAt  string           `json:"opened_at"`
	ClosedAt  *string          `json:"closed_at"`
	UpdatedAt string           `json:"updated_at"`
}

type rawOrder struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Status    models.APIString  `json:"status"`
	Lines     models.OrderLines `json:"lines"`
	Subtotal  models.APIFloat   `json:"subtotal"`
	Total     models.APIFloat   `json:"total"`
	UpdatedAt string            `json:"updated_at"`
}

func shapeProducts(rows []json.RawMessage) ([]models.Product, string, error) {
	var out []models.Product
	var max maxCursor
	now := time.Now()
	for _, row := range rows {
		var raw rawProduct
		if err := json.Unmarshal(row, &raw); err != nil {
			return nil, "", fmt.Errorf("malformed product row: %w", err)
		}
		ts, err := parseTimestamp(raw.UpdatedAt)
		if err != nil {
			return nil, "", fmt.Errorf("product %d: %w", raw.ID, err)
		}
		max.observe(raw.UpdatedAt, ts)
		active := true
		if raw.Active != nil {
			active = *raw.Active
		}
		out = append(out, models.Product{
			ID:           raw.ID,
			CategoryID:   raw.CategoryID,
			Name:         string(raw.Name),
			SKU:          raw.SKU,
			Price:        raw.Price.Float64(),
			Stock:        raw.Stock.Float64(),
			Active:       active,
			UpdatedAt:    ts,
			LastSyncedAt: now,
		})
	}
	return out, max.raw, nil
}

func shapeCategories(rows []json.RawMessage) ([]models.Category, string, error) {
	var out []models.Category
	var max maxCursor
	now := time.Now()
	for _, row := range rows {
		var raw rawCategory
		if err := json.Unmarshal(row, &raw); err != nil {
			return nil, "", fmt.Errorf("malformed category row: %w", err)
		}
		ts, err := parseTimestamp(raw.UpdatedAt)
		if err != nil {
			return nil, "", fmt.Errorf("category %d: %w", raw.ID, err)
		}
		max.observe(raw.UpdatedAt, ts)
		active := true
		if raw.Active != nil {
			active = *raw.Active
		}
		out = append(out, models.Category{
			ID:           raw.ID,
			Name:         string(raw.Name),
			SortOrder:    raw.SortOrder,
			Active:       active,
			UpdatedAt:    ts,
			LastSyncedAt: now,
		})
	}
	return out, max.raw, nil
}

func shapePackages(rows []json.RawMessage) ([]models.ProductPackage, string, error) {
	var out []models.ProductPackage
	var max maxCursor
	now := time.Now()
	for _, row := range rows {
		var raw rawPackage
		if err := json.Unmarshal(row, &raw); err != nil {
			return nil, "", fmt.Errorf("malformed package row: %w", err)
		}
		ts, err := parseTimestamp(raw.UpdatedAt)
		if err != nil {
			return nil, "", fmt.Errorf("package %d: %w", raw.ID, err)
		}
		max.observe(raw.UpdatedAt, ts)
		active := true
		if raw.Active != nil {
			active = *raw.Active
		}
		out = append(out, models.ProductPackage{
			ID:           raw.ID,
			Name:         string(raw.Name),
			Price:        raw.Price.Float64(),
			Items:        models.PackageItems(raw.Items),
			Active:       active,
			UpdatedAt:    ts,
			LastSyncedAt: now,
		})
	}
	return out, max.raw, nil
}

func shapeTables(rows []json.RawMessage) ([]models.DiningTable, string, error) {
	var out []models.DiningTable
	var max maxCursor
	now := time.Now()
	for _, row := range rows {
		var raw rawTable
		if err := json.Unmarshal(row, &raw); err != nil {
			return nil, "", fmt.Errorf("malformed table row: %w", err)
		}
		ts, err := parseTimestamp(raw.UpdatedAt)
		if err != nil {
			return nil, "", fmt.Errorf("table %d: %w", raw.ID, err)
		}
		max.observe(raw.UpdatedAt, ts)
		status := string(raw.Status)
		if status == "" {
			status = models.TableAvailable
		}
		out = append(out, models.DiningTable{
			ID:           raw.ID,
			Name:         string(raw.Name),
			Zone:         raw.Zone,
			Status:       status,
			Seats:        raw.Seats,
			UpdatedAt:    ts,
			LastSyncedAt: now,
		})
	}
	return out, max.raw, nil
}

func shapeSessions(rows []json.RawMessage) ([]models.OrderSession, string, error) {
	var out []models.OrderSession
	var max maxCursor
	now := time.Now()
	for _, row := range rows {
		var raw rawSession
		if err := json.Unmarshal(row, &raw); err != nil {
			return nil, "", fmt.Errorf("malformed session row: %w", err)
		}
		ts, err := parseTimestamp(raw.UpdatedAt)
		if err != nil {
			return nil, "", fmt.Errorf("session %s: %w", raw.ID, err)
		}
		max.observe(raw.UpdatedAt, ts)
		sess := models.OrderSession{
			ID:           raw.ID,
			TableID:      raw.TableID,
			Status:       string(raw.Status),
			Subtotal:     raw.Subtotal.Float64(),
			Discount:     raw.Discount.Float64(),
			Tax:          raw.Tax.Float64(),
			Total:        raw.Total.Float64(),
			UpdatedAt:    ts,
			LastSyncedAt: now,
		}
		if opened, err := parseTimestamp(raw.OpenedAt); err == nil {
			sess.OpenedAt = opened
		}
		if raw.ClosedAt != nil {
			if closed, err := parseTimestamp(*raw.ClosedAt); err == nil {
				sess.ClosedAt = &closed
			}
		}
		out = append(out, sess)
	}
	return out, max.raw, nil
}

func shapeOrders(rows []json.RawMessage) ([]models.SessionOrder, string, error) {
	var out []models.SessionOrder
	var max maxCursor
	now := time.Now()
	for _, row := range rows {
		var raw rawOrder
		if err := json.Unmarshal(row, &raw); err != nil {
			return nil, "", fmt.Errorf("malformed order row: %w", err)
		}
		ts, err := parseTimestamp(raw.UpdatedAt)
		if err != nil {
			return nil, "", fmt.Errorf("order %s: %w", raw.ID, err)
		}
		max.observe(raw.UpdatedAt, ts)
		out = append(out, models.SessionOrder{
			ID:           raw.ID,
			SessionID:    raw.SessionID,
			Status:       string(raw.Status),
			Lines:        raw.Lines,
			Subtotal:     raw.Subtotal.Float64(),
			Total:        raw.Total.Float64(),
			UpdatedAt:    ts,
			LastSyncedAt: now,
		})
	}
	return out, max.raw, nil
}

// mergeIncomingSessions reconciles a server batch against sessions the
// terminal has touched offline. Locals are indexed by their own id and
// by the server id they are linked to, so a snapshot folds into the
// offline record regardless of which side of the alias it arrives on.
func mergeIncomingSessions(store Storage, incoming []models.OrderSession) ([]models.OrderSession, error) {
	var locals []models.OrderSession
	if err := store.ReadAll(&locals); err != nil {
		return nil, err
	}
	byID := make(map[string]models.OrderSession, len(locals))
	bySyncedID := make(map[string]models.OrderSession)
	for _, l := range locals {
		byID[l.ID] = l
		if l.SyncedID != nil && *l.SyncedID != "" {
			bySyncedID[*l.SyncedID] = l
		}
	}

	out := make([]models.OrderSession, 0, len(incoming))
	for _, in := range incoming {
		if local, ok := byID[in.ID]; ok && local.PendingSync {
			out = append(out, MergeSessionSnapshot(local, in))
			continue
		}
		if local, ok := bySyncedID[in.ID]; ok {
			// The server snapshot belongs to a session the terminal
			// created under a temporary id. The snapshot is stored
			// under the server id, and the alias inherits the merged
			// state so both rows present the same tab.
			merged := MergeSessionSnapshot(local, in)
			alias := local
			alias.Status = merged.Status
			alias.Subtotal = merged.Subtotal
			alias.Discount = merged.Discount
			alias.Tax = merged.Tax
			alias.Total = merged.Total
			alias.ClosedAt = merged.ClosedAt
			alias.LastSyncedAt = merged.LastSyncedAt
			out = append(out, merged, alias)
			continue
		}
		out = append(out, in)
	}
	return out, nil
}

// newEntitySyncers wires the per-collection pull pipelines. Order
// matters for full rebuilds: parents before the rows referencing them.
func newEntitySyncers(store Storage, client Fetcher) []entitySyncer {
	return []entitySyncer{
		{
			name:  "categories",
			clear: func() error { return store.Clear(&models.Category{}) },
			batch: func(ctx context.Context, cursor string, limit int) (int, string, error) {
				rows, err := client.FetchChanges(ctx, "categories", cursor, limit)
				if err != nil {
					return 0, "", err
				}
				records, maxTS, err := shapeCategories(rows)
				if err != nil {
					return 0, "", err
				}
				return len(records), maxTS, store.BulkPut(records)
			},
		},
		{
			name:  "products",
			clear: func() error { return store.Clear(&models.Product{}) },
			batch: func(ctx context.Context, cursor string, limit int) (int, string, error) {
				rows, err := client.FetchChanges(ctx, "products", cursor, limit)
				if err != nil {
					return 0, "", err
				}
				records, maxTS, err := shapeProducts(rows)
				if err != nil {
					return 0, "", err
				}
				return len(records), maxTS, store.BulkPut(records)
			},
		},
		{
			name:  "packages",
			clear: func() error { return store.Clear(&models.ProductPackage{}) },
			batch: func(ctx context.Context, cursor string, limit int) (int, string, error) {
				rows, err := client.FetchChanges(ctx, "packages", cursor, limit)
				if err != nil {
					return 0, "", err
				}
				records, maxTS, err := shapePackages(rows)
				if err != nil {
					return 0, "", err
				}
				return len(records), maxTS, store.BulkPut(records)
			},
		},
		{
			name:  "tables",
			clear: func() error { return store.Clear(&models.DiningTable{}) },
			batch: func(ctx context.Context, cursor string, limit int) (int, string, error) {
				rows, err := client.FetchChanges(ctx, "tables", cursor, limit)
				if err != nil {
					return 0, "", err
				}
				records, maxTS, err := shapeTables(rows)
				if err != nil {
					return 0, "", err
				}
				return len(records), maxTS, store.BulkPut(records)
			},
		},
		{
			name: "sessions",
			// Sessions are never cleared wholesale: rows pending
			// upload would be lost. Full rebuilds re-pull from the
			// epoch and upsert over what is there.
			clear: func() error { return nil },
			batch: func(ctx context.Context, cursor string, limit int) (int, string, error) {
				rows, err := client.FetchChanges(ctx, "sessions", cursor, limit)
				if err != nil {
					return 0, "", err
				}
				records, maxTS, err := shapeSessions(rows)
				if err != nil {
					return 0, "", err
				}
				merged, err := mergeIncomingSessions(store, records)
				if err != nil {
					return 0, "", err
				}
				return len(records), maxTS, store.BulkPut(merged)
			},
		},
		{
			name:  "orders",
			clear: func() error { return nil },
			batch: func(ctx context.Context, cursor string, limit int) (int, string, error) {
				rows, err := client.FetchChanges(ctx, "orders", cursor, limit)
				if err != nil {
					return 0, "", err
				}
				records, maxTS, err := shapeOrders(rows)
				if err != nil {
					return 0, "", err
				}
				kept, err := filterPendingOrders(store, records)
				if err != nil {
					return 0, "", err
				}
				return len(records), maxTS, store.BulkPut(kept)
			},
		},
	}
}

// filterPendingOrders drops incoming snapshots that would clobber an
// order still waiting in the outbox. Once the mutation lands, the next
// pull delivers the authoritative version anyway.
func filterPendingOrders(store Storage, incoming []models.SessionOrder) ([]models.SessionOrder, error) {
	var locals []models.SessionOrder
	if err := store.ReadAll(&locals); err != nil {
		return nil, err
	}
	pending := make(map[string]bool)
	for _, l := range locals {
		if l.PendingSync {
			pending[l.ID] = true
			if l.SyncedID != nil {
				pending[*l.SyncedID] = true
			}
		}
	}
	out := make([]models.SessionOrder, 0, len(incoming))
	for _, in := range incoming {
		if pending[in.ID] {
			continue
		}
		out = append(out, in)
	}
	return out, nil
}
