package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/baristack/posgo/internal/config"
	"github.com/baristack/posgo/internal/models"
)

type fakeStorage struct {
	mu         sync.Mutex
	products   map[int64]models.Product
	categories map[int64]models.Category
	sessions   map[string]models.OrderSession
	orders     map[string]models.SessionOrder
	meta       map[string][]byte
	metaErr    error
	putErr     error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		products:   make(map[int64]models.Product),
		categories: make(map[int64]models.Category),
		sessions:   make(map[string]models.OrderSession),
		orders:     make(map[string]models.SessionOrder),
		meta:       make(map[string][]byte),
	}
}

func (f *fakeStorage) BulkPut(recordSets ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	for _, set := range recordSets {
		switch records := set.(type) {
		case []models.Product:
			for _, r := range records {
				f.products[r.ID] = r
			}
		case []models.Category:
			for _, r := range records {
				f.categories[r.ID] = r
			}
		case []models.OrderSession:
			for _, r := range records {
				f.sessions[r.ID] = r
			}
		case []models.SessionOrder:
			for _, r := range records {
				f.orders[r.ID] = r
			}
		default:
			return fmt.Errorf("unexpected record set %T", set)
		}
	}
	return nil
}

func (f *fakeStorage) ReadAll(dest interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch d := dest.(type) {
	case *[]models.Product:
		for _, r := range f.products {
			*d = append(*d, r)
		}
	case *[]models.OrderSession:
		for _, r := range f.sessions {
			*d = append(*d, r)
		}
	case *[]models.SessionOrder:
		for _, r := range f.orders {
			*d = append(*d, r)
		}
	default:
		return fmt.Errorf("unexpected dest %T", dest)
	}
	return nil
}

func (f *fakeStorage) Clear(model interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch model.(type) {
	case *models.Product:
		f.products = make(map[int64]models.Product)
	case *models.Category:
		f.categories = make(map[int64]models.Category)
	}
	return nil
}

func (f *fakeStorage) GetMetadata(key string, dest interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metaErr != nil {
		return false, f.metaErr
	}
	raw, ok := f.meta[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (f *fakeStorage) SetMetadata(key string, value interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metaErr != nil {
		return f.metaErr
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.meta[key] = raw
	return nil
}

func (f *fakeStorage) ClearMetadataPrefix(prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.meta {
		if strings.HasPrefix(k, prefix) {
			delete(f.meta, k)
		}
	}
	return nil
}

func (f *fakeStorage) cursor(entity string) string {
	var c string
	found, _ := f.GetMetadata(cursorKeyPrefix+entity, &c)
	if !found {
		return ""
	}
	return c
}

type fetchCall struct {
	collection string
	cursor     string
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []fetchCall
	fetch func(collection, cursor string, limit int) ([]json.RawMessage, error)
}

func (f *fakeFetcher) FetchChanges(ctx context.Context, collection, updatedAfter string, limit int) ([]json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fetchCall{collection, updatedAfter})
	f.mu.Unlock()
	return f.fetch(collection, updatedAfter, limit)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeConn struct {
	online bool
}

func (f *fakeConn) IsOnline() bool        { return f.online }
func (f *fakeConn) OnReconnect(fn func()) {}

func testConfig(entities ...string) *config.SyncConfig {
	enabled := make(map[string]bool)
	for _, e := range entities {
		enabled[e] = true
	}
	return &config.SyncConfig{
		SyncInterval: time.Hour,
		FullSyncAge:  24 * time.Hour,
		BatchSize:    100,
		Entities:     enabled,
	}
}

func productRow(id int, ts string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id":%d,"name":"p%d","price":"9.50","stock":10,"updated_at":%q}`, id, id, ts))
}

func sessionRow(id, status, ts string, subtotal float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id":%q,"table_id":1,"status":%q,"subtotal":%v,"total":%v,"opened_at":%q,"updated_at":%q}`,
		id, status, subtotal, subtotal, ts, ts))
}

func ts(i int) string {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return base.Add(time.Duration(i) * time.Second).Format(time.RFC3339)
}

func TestBootstrapPagesAndCheckpoints(t *testing.T) {
	st := newFakeStorage()
	fetcher := &fakeFetcher{fetch: func(collection, cursor string, limit int) ([]json.RawMessage, error) {
		switch cursor {
		case "":
			var rows []json.RawMessage
			for i := 1; i <= 100; i++ {
				rows = append(rows, productRow(i, ts(i)))
			}
			return rows, nil
		case ts(100):
			var rows []json.RawMessage
			for i := 101; i <= 150; i++ {
				rows = append(rows, productRow(i, ts(i)))
			}
			return rows, nil
		default:
			t.Fatalf("unexpected cursor %q", cursor)
			return nil, nil
		}
	}}

	engine := NewEngine(st, fetcher, &fakeConn{online: true}, testConfig("products"))
	result, err := engine.SyncAllEntities(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Records != 150 {
		t.Errorf("expected 150 records, got %d", result.Records)
	}
	if len(st.products) != 150 {
		t.Errorf("expected 150 stored products, got %d", len(st.products))
	}
	if got := st.cursor("products"); got != ts(150) {
		t.Errorf("expected cursor %q, got %q", ts(150), got)
	}
	if fetcher.callCount() != 2 {
		t.Errorf("expected 2 fetches (second page was short), got %d", fetcher.callCount())
	}
}

func TestIncrementalUsesStoredCursor(t *testing.T) {
	st := newFakeStorage()
	st.SetMetadata(cursorKeyPrefix+"products", ts(10))
	fetcher := &fakeFetcher{fetch: func(collection, cursor string, limit int) ([]json.RawMessage, error) {
		if cursor != ts(10) {
			t.Errorf("expected fetch from stored cursor, got %q", cursor)
		}
		return nil, nil
	}}

	engine := NewEngine(st, fetcher, &fakeConn{online: true}, testConfig("products"))
	if _, err := engine.SyncAllEntities(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if got := st.cursor("products"); got != ts(10) {
		t.Errorf("empty pull must not move the cursor, got %q", got)
	}
}

func TestEntityFailureIsIsolated(t *testing.T) {
	st := newFakeStorage()
	st.SetMetadata(cursorKeyPrefix+"products", ts(1))
	st.SetMetadata(cursorKeyPrefix+"categories", ts(1))
	fetcher := &fakeFetcher{fetch: func(collection, cursor string, limit int) ([]json.RawMessage, error) {
		if collection == "categories" {
			return nil, errors.New("connection reset")
		}
		return []json.RawMessage{productRow(1, ts(2))}, nil
	}}

	engine := NewEngine(st, fetcher, &fakeConn{online: true}, testConfig("categories", "products"))
	result, err := engine.SyncAllEntities(context.Background())
	if err != nil {
		t.Fatalf("pass must survive a single entity failure: %v", err)
	}
	if _, ok := result.Errors["categories"]; !ok {
		t.Error("expected categories error recorded")
	}
	if len(st.products) != 1 {
		t.Errorf("products must still sync, got %d", len(st.products))
	}
}

func TestMetadataFailureAbortsPass(t *testing.T) {
	st := newFakeStorage()
	st.metaErr = errors.New("disk full")
	fetcher := &fakeFetcher{fetch: func(collection, cursor string, limit int) ([]json.RawMessage, error) {
		return []json.RawMessage{productRow(1, ts(1))}, nil
	}}

	engine := NewEngine(st, fetcher, &fakeConn{online: true}, testConfig("products"))
	if _, err := engine.SyncAllEntities(context.Background()); err == nil {
		t.Fatal("expected a metadata failure to abort the pass")
	}
}

func TestFullSyncStampsWatermarkAndRewritesCursor(t *testing.T) {
	st := newFakeStorage()
	st.products[999] = models.Product{ID: 999, Name: "stale"}
	st.SetMetadata(cursorKeyPrefix+"products", ts(50))
	fetcher := &fakeFetcher{fetch: func(collection, cursor string, limit int) ([]json.RawMessage, error) {
		if cursor != "" {
			return nil, nil
		}
		return []json.RawMessage{productRow(1, ts(60))}, nil
	}}

	engine := NewEngine(st, fetcher, &fakeConn{online: true}, testConfig("products"))
	result, err := engine.FullSyncAll(context.Background())
	if err != nil {
		t.Fatalf("full sync failed: %v", err)
	}
	if !result.FullSync {
		t.Error("result must be marked full")
	}
	if _, ok := st.products[999]; ok {
		t.Error("full sync must drop rows the server no longer has")
	}
	if got := st.cursor("products"); got != ts(60) {
		t.Errorf("expected rewritten cursor %q, got %q", ts(60), got)
	}
	var stamp string
	if found, _ := st.GetMetadata(fullSyncKey, &stamp); !found || stamp == "" {
		t.Error("expected full sync watermark")
	}
}

func TestForceFullSyncDropsCursors(t *testing.T) {
	st := newFakeStorage()
	st.SetMetadata(cursorKeyPrefix+"products", ts(50))
	fetcher := &fakeFetcher{fetch: func(collection, cursor string, limit int) ([]json.RawMessage, error) {
		if cursor != "" {
			t.Errorf("expected bootstrap from empty cursor, got %q", cursor)
		}
		return nil, nil
	}}

	engine := NewEngine(st, fetcher, &fakeConn{online: true}, testConfig("products"))
	if _, err := engine.ForceFullSync(context.Background()); err != nil {
		t.Fatalf("force full sync failed: %v", err)
	}
}

func TestConcurrentSyncCallsShareOnePass(t *testing.T) {
	st := newFakeStorage()
	st.SetMetadata(cursorKeyPrefix+"products", ts(1))
	release := make(chan struct{})
	fetcher := &fakeFetcher{fetch: func(collection, cursor string, limit int) ([]json.RawMessage, error) {
		<-release
		return nil, nil
	}}

	engine := NewEngine(st, fetcher, &fakeConn{online: true}, testConfig("products"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.SyncAllEntities(context.Background())
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := fetcher.callCount(); got != 1 {
		t.Errorf("expected all callers to share one pass, got %d fetches", got)
	}
}

func TestIncomingSessionMergesOverPendingLocal(t *testing.T) {
	st := newFakeStorage()
	st.sessions["s1"] = models.OrderSession{
		ID: "s1", Status: models.SessionOpen,
		Subtotal: 40, Total: 40, PendingSync: true,
	}
	st.SetMetadata(cursorKeyPrefix+"sessions", ts(1))
	fetcher := &fakeFetcher{fetch: func(collection, cursor string, limit int) ([]json.RawMessage, error) {
		return []json.RawMessage{sessionRow("s1", "open", ts(2), 25)}, nil
	}}

	engine := NewEngine(st, fetcher, &fakeConn{online: true}, testConfig("sessions"))
	if _, err := engine.SyncAllEntities(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	got := st.sessions["s1"]
	if got.Subtotal != 40 || got.Total != 40 {
		t.Errorf("local totals must not shrink: %+v", got)
	}
	if !got.PendingSync {
		t.Error("pending flag must survive a catalog pull")
	}
}

func TestIncomingServerSessionLinksToTempAlias(t *testing.T) {
	st := newFakeStorage()
	serverID := "srv-9"
	st.sessions["tmp-1"] = models.OrderSession{
		ID: "tmp-1", Status: models.SessionOpen,
		Subtotal: 15, Total: 15,
		PendingSync: true, TempID: true, SyncedID: &serverID,
	}
	st.SetMetadata(cursorKeyPrefix+"sessions", ts(1))
	fetcher := &fakeFetcher{fetch: func(collection, cursor string, limit int) ([]json.RawMessage, error) {
		return []json.RawMessage{sessionRow(serverID, "closed", ts(2), 15)}, nil
	}}

	engine := NewEngine(st, fetcher, &fakeConn{online: true}, testConfig("sessions"))
	if _, err := engine.SyncAllEntities(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	if st.sessions[serverID].Status != models.SessionClosed {
		t.Error("server snapshot must be stored under the server id")
	}
	alias := st.sessions["tmp-1"]
	if alias.Status != models.SessionClosed {
		t.Error("temp alias must close with its server twin")
	}
	if !alias.TempID || alias.SyncedID == nil {
		t.Error("alias link must survive")
	}
}
