package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/baristack/posgo/internal/models"
	"github.com/baristack/posgo/internal/outbox"
	"github.com/baristack/posgo/internal/stock"
)

type memStorage struct {
	mu       sync.Mutex
	products map[int64]models.Product
	packages map[int64]models.ProductPackage
	tables   map[int64]models.DiningTable
	sessions map[string]models.OrderSession
	orders   map[string]models.SessionOrder
	meta     map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{
		products: make(map[int64]models.Product),
		packages: make(map[int64]models.ProductPackage),
		tables:   make(map[int64]models.DiningTable),
		sessions: make(map[string]models.OrderSession),
		orders:   make(map[string]models.SessionOrder),
		meta:     make(map[string][]byte),
	}
}

func (m *memStorage) BulkPut(recordSets ...interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, set := range recordSets {
		switch records := set.(type) {
		case []models.Product:
			for _, r := range records {
				m.products[r.ID] = r
			}
		case []models.DiningTable:
			for _, r := range records {
				m.tables[r.ID] = r
			}
		case []models.OrderSession:
			for _, r := range records {
				m.sessions[r.ID] = r
			}
		case []models.SessionOrder:
			for _, r := range records {
				m.orders[r.ID] = r
			}
		}
	}
	return nil
}

func (m *memStorage) Product(id int64) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.products[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *memStorage) Package(id int64) (*models.ProductPackage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.packages[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *memStorage) Table(id int64) (*models.DiningTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tb, ok := m.tables[id]; ok {
		return &tb, nil
	}
	return nil, nil
}

func (m *memStorage) Session(id string) (*models.OrderSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return &s, nil
	}
	return nil, nil
}

func (m *memStorage) SessionBySyncedID(syncedID string) (*models.OrderSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.SyncedID != nil && *s.SyncedID == syncedID {
			out := s
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memStorage) Order(id string) (*models.SessionOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[id]; ok {
		return &o, nil
	}
	return nil, nil
}

func (m *memStorage) OpenSessions() ([]models.OrderSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OrderSession
	for _, s := range m.sessions {
		if s.Status == models.SessionOpen {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStorage) OpenPendingSessionsByTable(tableID int64) ([]models.OrderSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.OrderSession
	for _, s := range m.sessions {
		if s.TableID == tableID && s.Status == models.SessionOpen && s.PendingSync {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStorage) GetMetadata(key string, dest interface{}) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.meta[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (m *memStorage) SetMetadata(key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.meta[key] = raw
	return nil
}

type enqueued struct {
	mutationType string
	endpoint     string
	method       string
	payload      map[string]interface{}
	dependsOn    *uint
}

type recordQueue struct {
	mu     sync.Mutex
	nextID uint
	items  []enqueued
}

func (q *recordQueue) Enqueue(mutationType, endpoint, method string, payload interface{}, dependsOn *uint) (uint, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	var decoded map[string]interface{}
	json.Unmarshal(raw, &decoded)
	q.nextID++
	q.items = append(q.items, enqueued{mutationType, endpoint, method, decoded, dependsOn})
	return q.nextID, nil
}

func (q *recordQueue) ProcessPendingMutations(ctx context.Context) error { return nil }

func (q *recordQueue) all() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]enqueued(nil), q.items...)
}

func seededStorage() *memStorage {
	st := newMemStorage()
	st.products[1] = models.Product{ID: 1, Name: "Espresso", Price: 2.50, Stock: 10, Active: true}
	st.products[2] = models.Product{ID: 2, Name: "Croissant", Price: 3.00, Stock: 2, Active: true}
	st.packages[10] = models.ProductPackage{
		ID: 10, Name: "Combo", Price: 5.00, Active: true,
		Items: models.PackageItems{
			{ProductID: 1, Quantity: 1},
			{ProductID: 2, Quantity: 1},
		},
	}
	st.tables[7] = models.DiningTable{ID: 7, Name: "T7", Status: models.TableAvailable}
	return st
}

func newTestService(st *memStorage, q *recordQueue) (*Service, *stock.Ledger) {
	ledger := stock.NewLedger()
	var products []models.Product
	for _, p := range st.products {
		products = append(products, p)
	}
	ledger.Load(products)
	return NewService(st, q, ledger, 0.1), ledger
}

func TestOpenTab(t *testing.T) {
	st := seededStorage()
	q := &recordQueue{}
	svc, _ := newTestService(st, q)

	session, err := svc.OpenTab(context.Background(), 7)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !session.PendingSync || !session.TempID {
		t.Error("a fresh tab must carry offline bookkeeping flags")
	}
	if session.Status != models.SessionOpen {
		t.Errorf("expected open status, got %q", session.Status)
	}
	if st.tables[7].Status != models.TableOccupied {
		t.Error("table must flip to occupied")
	}

	items := q.all()
	if len(items) != 1 || items[0].mutationType != MutationCreateSession {
		t.Fatalf("expected one create_session mutation, got %+v", items)
	}
	if items[0].payload["temp_id"] != session.ID {
		t.Error("create payload must carry the temp id")
	}

	var queueID uint
	found, _ := st.GetMetadata(queueForPrefix+"session."+session.ID, &queueID)
	if !found || queueID != 1 {
		t.Error("queue link metadata must be recorded")
	}
}

func TestOpenTabValidation(t *testing.T) {
	st := seededStorage()
	q := &recordQueue{}
	svc, _ := newTestService(st, q)

	if _, err := svc.OpenTab(context.Background(), 99); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("expected ErrTableNotFound, got %v", err)
	}

	if _, err := svc.OpenTab(context.Background(), 7); err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if _, err := svc.OpenTab(context.Background(), 7); !errors.Is(err, ErrTableOccupied) {
		t.Errorf("expected ErrTableOccupied, got %v", err)
	}
}

func TestAddItemsCommitsLocallyAndQueues(t *testing.T) {
	st := seededStorage()
	q := &recordQueue{}
	svc, ledger := newTestService(st, q)

	session, err := svc.OpenTab(context.Background(), 7)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	order, err := svc.AddItems(context.Background(), session.ID, []models.OrderLine{
		{ProductID: 1, Quantity: 2},
	})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if order.Subtotal != 5.00 {
		t.Errorf("expected subtotal 5.00, got %v", order.Subtotal)
	}
	if order.Lines[0].Name != "Espresso" || order.Lines[0].UnitPrice != 2.50 {
		t.Errorf("line must inherit catalog name and price: %+v", order.Lines[0])
	}

	updated := st.sessions[session.ID]
	if updated.Subtotal != 5.00 {
		t.Errorf("session subtotal must roll forward, got %v", updated.Subtotal)
	}
	if updated.Tax != 0.5 {
		t.Errorf("expected tax 0.5 at 10%%, got %v", updated.Tax)
	}
	if updated.Total != 5.5 {
		t.Errorf("expected total 5.5, got %v", updated.Total)
	}

	if got := ledger.Get(1); got != 8 {
		t.Errorf("expected ledger 8 after selling 2, got %v", got)
	}
	if st.products[1].Stock != 8 {
		t.Errorf("persisted stock must follow the ledger, got %v", st.products[1].Stock)
	}

	items := q.all()
	if len(items) != 3 {
		t.Fatalf("expected create_session, create_order, confirm_order; got %d", len(items))
	}
	createOrder := items[1]
	if createOrder.mutationType != MutationCreateOrder {
		t.Fatalf("expected create_order, got %s", createOrder.mutationType)
	}
	if createOrder.payload["session_id"] != outbox.PlaceholderSessionID {
		t.Errorf("unsynced session must be referenced by placeholder, got %v", createOrder.payload["session_id"])
	}
	if createOrder.dependsOn == nil || *createOrder.dependsOn != 1 {
		t.Error("create_order must depend on the session creation")
	}
	confirm := items[2]
	if confirm.mutationType != MutationConfirmOrder {
		t.Fatalf("expected confirm_order, got %s", confirm.mutationType)
	}
	if !strings.Contains(confirm.endpoint, outbox.PlaceholderOrderID) {
		t.Errorf("confirm endpoint must carry the order placeholder, got %s", confirm.endpoint)
	}
	if confirm.dependsOn == nil || *confirm.dependsOn != 2 {
		t.Error("confirm_order must depend on the order creation")
	}
}

func TestAddItemsExpandsPackages(t *testing.T) {
	st := seededStorage()
	q := &recordQueue{}
	svc, ledger := newTestService(st, q)

	session, _ := svc.OpenTab(context.Background(), 7)
	pkgID := int64(10)
	order, err := svc.AddItems(context.Background(), session.ID, []models.OrderLine{
		{PackageID: &pkgID, Quantity: 3},
	})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	line := order.Lines[0]
	if line.Name != "Combo" || line.UnitPrice != 5.00 {
		t.Errorf("line must inherit package name and price: %+v", line)
	}
	if len(line.Components) != 2 {
		t.Fatalf("components must be expanded from the catalog, got %d", len(line.Components))
	}
	if order.Subtotal != 15.00 {
		t.Errorf("expected subtotal 15.00, got %v", order.Subtotal)
	}

	if got := ledger.Get(1); got != 7 {
		t.Errorf("espresso: expected 10-3=7, got %v", got)
	}
	if got := ledger.Get(2); got != 0 {
		t.Errorf("croissant: expected clamp at 0, got %v", got)
	}
	if st.products[2].Stock != 0 {
		t.Errorf("persisted stock must clamp at 0, got %v", st.products[2].Stock)
	}
}

func TestAddItemsValidation(t *testing.T) {
	st := seededStorage()
	q := &recordQueue{}
	svc, _ := newTestService(st, q)

	if _, err := svc.AddItems(context.Background(), "nope", []models.OrderLine{{ProductID: 1, Quantity: 1}}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	session, _ := svc.OpenTab(context.Background(), 7)
	if _, err := svc.AddItems(context.Background(), session.ID, nil); !errors.Is(err, ErrNoItems) {
		t.Errorf("expected ErrNoItems, got %v", err)
	}

	before := len(q.all())
	svc.CloseTab(context.Background(), session.ID, 100, 0)
	if _, err := svc.AddItems(context.Background(), session.ID, []models.OrderLine{{ProductID: 1, Quantity: 1}}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	// only the close itself may have enqueued
	if len(q.all()) != before+1 {
		t.Error("rejected adds must not enqueue mutations")
	}
}

func TestCloseTab(t *testing.T) {
	st := seededStorage()
	q := &recordQueue{}
	svc, _ := newTestService(st, q)

	session, _ := svc.OpenTab(context.Background(), 7)
	svc.AddItems(context.Background(), session.ID, []models.OrderLine{{ProductID: 1, Quantity: 2}})

	// subtotal 5.00, tax 0.5, extra discount 0.5 -> due 5.00
	closed, change, err := svc.CloseTab(context.Background(), session.ID, 10.00, 0.5)
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if closed.Status != models.SessionClosed || closed.ClosedAt == nil {
		t.Error("session must be closed with a timestamp")
	}
	if closed.Total != 5.00 {
		t.Errorf("expected final total 5.00, got %v", closed.Total)
	}
	if change != 5.00 {
		t.Errorf("expected change 5.00, got %v", change)
	}
	if st.tables[7].Status != models.TableAvailable {
		t.Error("table must free up on close")
	}

	items := q.all()
	last := items[len(items)-1]
	if last.mutationType != MutationCloseSession {
		t.Fatalf("expected close_session mutation, got %s", last.mutationType)
	}
	if !strings.Contains(last.endpoint, outbox.PlaceholderSessionID) {
		t.Errorf("unsynced close must use the placeholder endpoint, got %s", last.endpoint)
	}
	if last.dependsOn == nil || *last.dependsOn != 1 {
		t.Error("close must depend on the session creation")
	}
}

func TestCloseTabInsufficientPaymentLeavesStateUntouched(t *testing.T) {
	st := seededStorage()
	q := &recordQueue{}
	svc, _ := newTestService(st, q)

	session, _ := svc.OpenTab(context.Background(), 7)
	svc.AddItems(context.Background(), session.ID, []models.OrderLine{{ProductID: 1, Quantity: 2}})
	before := len(q.all())

	_, _, err := svc.CloseTab(context.Background(), session.ID, 1.00, 0)
	if !errors.Is(err, ErrInsufficientPayment) {
		t.Fatalf("expected ErrInsufficientPayment, got %v", err)
	}
	if st.sessions[session.ID].Status != models.SessionOpen {
		t.Error("session must stay open on rejected payment")
	}
	if st.tables[7].Status != models.TableOccupied {
		t.Error("table must stay occupied on rejected payment")
	}
	if len(q.all()) != before {
		t.Error("rejected close must not enqueue mutations")
	}
}

func TestCloseTabClosesAliasPair(t *testing.T) {
	st := seededStorage()
	q := &recordQueue{}
	svc, _ := newTestService(st, q)

	serverID := "srv-5"
	st.sessions["tmp-1"] = models.OrderSession{
		ID: "tmp-1", TableID: 7, Status: models.SessionOpen,
		Subtotal: 10, Total: 10,
		PendingSync: true, TempID: true, SyncedID: &serverID,
	}
	st.sessions[serverID] = models.OrderSession{
		ID: serverID, TableID: 7, Status: models.SessionOpen,
		Subtotal: 10, Total: 10,
	}

	// close by the server id; the temp alias must close too
	closed, _, err := svc.CloseTab(context.Background(), serverID, 20, 0)
	if err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if closed.Status != models.SessionClosed {
		t.Error("target session must close")
	}
	if st.sessions["tmp-1"].Status != models.SessionClosed {
		t.Error("temp alias must close with its server twin")
	}
	if st.sessions[serverID].Status != models.SessionClosed {
		t.Error("server record must close")
	}
}

func TestCloseTabTableFallbackFindsUnlinkedTwin(t *testing.T) {
	st := seededStorage()
	q := &recordQueue{}
	svc, _ := newTestService(st, q)

	// A server session arrived by sync while the local twin's creation
	// is still queued, so no id linkage exists on either side.
	st.sessions["tmp-9"] = models.OrderSession{
		ID: "tmp-9", TableID: 7, Status: models.SessionOpen,
		PendingSync: true, TempID: true,
	}
	st.sessions["srv-3"] = models.OrderSession{
		ID: "srv-3", TableID: 7, Status: models.SessionOpen,
	}

	if _, _, err := svc.CloseTab(context.Background(), "srv-3", 50, 0); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if st.sessions["tmp-9"].Status != models.SessionClosed {
		t.Error("the single open pending tab on the table must close too")
	}
}

func TestDeliveryHooksStampServerIDs(t *testing.T) {
	st := seededStorage()
	q := &recordQueue{}
	svc, _ := newTestService(st, q)

	session, _ := svc.OpenTab(context.Background(), 7)

	entry := models.MutationEntry{
		ID:           1,
		MutationType: MutationCreateSession,
		Payload:      mustJSON(map[string]string{"temp_id": session.ID}),
	}
	svc.onSessionSynced(entry, json.RawMessage(`{"id":"srv-77"}`))

	got := st.sessions[session.ID]
	if got.SyncedID == nil || *got.SyncedID != "srv-77" {
		t.Fatal("session must learn its server id")
	}
	if got.PendingSync {
		t.Error("pending flag must clear once the creation delivers")
	}
	if !got.TempID {
		t.Error("temp marker must survive so the alias link stays intact")
	}
}

func TestOrderHookStampsServerID(t *testing.T) {
	st := seededStorage()
	q := &recordQueue{}
	svc, _ := newTestService(st, q)

	session, _ := svc.OpenTab(context.Background(), 7)
	order, err := svc.AddItems(context.Background(), session.ID, []models.OrderLine{{ProductID: 1, Quantity: 1}})
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	entry := models.MutationEntry{
		ID:           2,
		MutationType: MutationCreateOrder,
		Payload:      mustJSON(map[string]string{"temp_id": order.ID}),
	}
	svc.onOrderSynced(entry, json.RawMessage(`{"id":4711}`))

	got := st.orders[order.ID]
	if got.SyncedID == nil || *got.SyncedID != "4711" {
		t.Fatal("order must learn its numeric server id as a string")
	}
	if got.PendingSync {
		t.Error("pending flag must clear once the order delivers")
	}
}

func mustJSON(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
