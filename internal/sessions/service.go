package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/baristack/posgo/internal/models"
	"github.com/baristack/posgo/internal/outbox"
	"github.com/baristack/posgo/internal/stock"
)

// Mutation types the orchestrator enqueues.
const (
	MutationCreateSession = "create_session"
	MutationCreateOrder   = "create_order"
	MutationConfirmOrder  = "confirm_order"
	MutationCloseSession  = "close_session"
)

// queueForPrefix namespaces the metadata keys linking a temporary
// record id to the queue id of the mutation that creates it. Later
// mutations referencing the record depend on that queue id.
const queueForPrefix = "queueFor."

// Storage is the slice of the local store the orchestrator uses.
type Storage interface {
	BulkPut(recordSets ...interface{}) error
	Product(id int64) (*models.Product, error)
	Package(id int64) (*models.ProductPackage, error)
	Table(id int64) (*models.DiningTable, error)
	Session(id string) (*models.OrderSession, error)
	SessionBySyncedID(syncedID string) (*models.OrderSession, error)
	Order(id string) (*models.SessionOrder, error)
	OpenSessions() ([]models.OrderSession, error)
	OpenPendingSessionsByTable(tableID int64) ([]models.OrderSession, error)
	GetMetadata(key string, dest interface{}) (bool, error)
	SetMetadata(key string, value interface{}) error
}

// Enqueuer records mutations for upload and drains the queue.
type Enqueuer interface {
	Enqueue(mutationType, endpoint, method string, payload interface{}, dependsOn *uint) (uint, error)
	ProcessPendingMutations(ctx context.Context) error
}

// Service runs the tab lifecycle: open, add orders, close. Every
// operation commits locally first and queues the remote mutation
// second, so the terminal keeps serving with the link down.
type Service struct {
	store   Storage
	queue   Enqueuer
	ledger  *stock.Ledger
	taxRate float64
}

func NewService(store Storage, queue Enqueuer, ledger *stock.Ledger, taxRate float64) *Service {
	return &Service{store: store, queue: queue, ledger: ledger, taxRate: taxRate}
}

// RegisterHooks subscribes the service to delivery events so local
// records learn their server ids as mutations land.
func (s *Service) RegisterHooks(ob *outbox.Outbox) {
	ob.RegisterHook(MutationCreateSession, s.onSessionSynced)
	ob.RegisterHook(MutationCreateOrder, s.onOrderSynced)
	ob.RegisterHook(MutationCloseSession, s.onSessionClosed)
}

// OpenTab opens a session on a table under a temporary id and queues
// its creation upstream.
func (s *Service) OpenTab(ctx context.Context, tableID int64) (*models.OrderSession, error) {
	table, err := s.store.Table(tableID)
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, ErrTableNotFound
	}
	open, err := s.store.OpenSessions()
	if err != nil {
		return nil, err
	}
	for _, sess := range open {
		if sess.TableID == tableID {
			return nil, ErrTableOccupied
		}
	}

	now := time.Now()
	session := models.OrderSession{
		ID:          uuid.NewString(),
		TableID:     tableID,
		Status:      models.SessionOpen,
		OpenedAt:    now,
		UpdatedAt:   now,
		PendingSync: true,
		TempID:      true,
	}
	table.Status = models.TableOccupied
	if err := s.store.BulkPut([]models.OrderSession{session}, []models.DiningTable{*table}); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"temp_id":   session.ID,
		"table_id":  tableID,
		"opened_at": now.UTC().Format(time.RFC3339),
	}
	queueID, err := s.queue.Enqueue(MutationCreateSession, "/sessions", "POST", payload, nil)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetMetadata(queueForPrefix+"session."+session.ID, queueID); err != nil {
		return nil, err
	}

	s.drainSoon()
	log.Printf("🚀 Opened tab %s on table %d", session.ID, tableID)
	return &session, nil
}

// AddItems commits an order against an open session, deducts stock,
// rolls the totals forward and queues the order upstream. The order
// depends on the session creation when the session still rides a
// temporary id.
func (s *Service) AddItems(ctx context.Context, sessionID string, lines []models.OrderLine) (*models.SessionOrder, error) {
	if len(lines) == 0 {
		return nil, ErrNoItems
	}
	session, err := s.resolveSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == models.SessionClosed {
		return nil, ErrSessionClosed
	}

	prepared, productUpdates, err := s.prepareLines(lines)
	if err != nil {
		return nil, err
	}

	subtotal := 0.0
	for _, line := range prepared {
		subtotal += line.LineTotal()
	}
	tax := subtotal * s.taxRate
	now := time.Now()

	order := models.SessionOrder{
		ID:          uuid.NewString(),
		SessionID:   session.ID,
		Status:      models.OrderConfirmed,
		Lines:       models.OrderLines(prepared),
		Subtotal:    subtotal,
		Total:       subtotal + tax,
		UpdatedAt:   now,
		PendingSync: true,
		TempID:      true,
	}

	session.Subtotal += subtotal
	session.Tax += tax
	session.Total = session.Subtotal - session.Discount + session.Tax
	session.PendingSync = true
	session.UpdatedAt = now

	if err := s.store.BulkPut(
		[]models.SessionOrder{order},
		[]models.OrderSession{*session},
		productUpdates,
	); err != nil {
		return nil, err
	}

	sessionRef, dependsOn, err := s.sessionRef(session)
	if err != nil {
		return nil, err
	}
	payload := map[string]interface{}{
		"temp_id":    order.ID,
		"session_id": sessionRef,
		"lines":      order.Lines,
		"subtotal":   order.Subtotal,
		"total":      order.Total,
	}
	orderQueueID, err := s.queue.Enqueue(MutationCreateOrder, "/orders", "POST", payload, dependsOn)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetMetadata(queueForPrefix+"order."+order.ID, orderQueueID); err != nil {
		return nil, err
	}
	_, err = s.queue.Enqueue(MutationConfirmOrder,
		"/orders/"+outbox.PlaceholderOrderID+"/confirm", "POST",
		map[string]interface{}{}, &orderQueueID)
	if err != nil {
		return nil, err
	}

	s.drainSoon()
	return &order, nil
}

// CloseTab settles and closes a session. Validation runs before any
// write: an underpaid close leaves the tab untouched. Both halves of a
// temp/server alias pair close together and the table frees up.
func (s *Service) CloseTab(ctx context.Context, sessionID string, tendered, extraDiscount float64) (*models.OrderSession, float64, error) {
	session, err := s.resolveSession(sessionID)
	if err != nil {
		return nil, 0, err
	}
	if session.Status == models.SessionClosed {
		return nil, 0, ErrSessionClosed
	}

	finalDiscount := session.Discount + extraDiscount
	finalTotal := session.Subtotal + session.Tax - finalDiscount
	if finalTotal < 0 {
		finalTotal = 0
	}
	if tendered < finalTotal {
		return nil, 0, ErrInsufficientPayment
	}

	now := time.Now()
	session.Status = models.SessionClosed
	session.ClosedAt = &now
	session.Discount = finalDiscount
	session.Total = finalTotal
	session.PendingSync = true
	session.UpdatedAt = now

	closing := []models.OrderSession{*session}
	if alias, err := s.aliasOf(session); err != nil {
		return nil, 0, err
	} else if alias != nil {
		alias.Status = models.SessionClosed
		alias.ClosedAt = &now
		alias.Discount = finalDiscount
		alias.Total = finalTotal
		alias.UpdatedAt = now
		closing = append(closing, *alias)
	}

	sets := []interface{}{closing}
	table, err := s.store.Table(session.TableID)
	if err != nil {
		return nil, 0, err
	}
	if table != nil {
		table.Status = models.TableAvailable
		sets = append(sets, []models.DiningTable{*table})
	}
	if err := s.store.BulkPut(sets...); err != nil {
		return nil, 0, err
	}

	sessionRef, dependsOn, err := s.sessionRef(session)
	if err != nil {
		return nil, 0, err
	}
	endpoint := "/sessions/" + sessionRef + "/close"
	payload := map[string]interface{}{
		"temp_id":   session.ID,
		"tendered":  tendered,
		"discount":  finalDiscount,
		"total":     finalTotal,
		"closed_at": now.UTC().Format(time.RFC3339),
	}
	if _, err := s.queue.Enqueue(MutationCloseSession, endpoint, "POST", payload, dependsOn); err != nil {
		return nil, 0, err
	}

	s.drainSoon()
	change := tendered - finalTotal
	log.Printf("✅ Closed tab %s, total %.2f, change %.2f", session.ID, finalTotal, change)
	return session, change, nil
}

// resolveSession accepts either the local id or the server id of a
// session.
func (s *Service) resolveSession(id string) (*models.OrderSession, error) {
	session, err := s.store.Session(id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		session, err = s.store.SessionBySyncedID(id)
		if err != nil {
			return nil, err
		}
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// aliasOf finds the other half of a temp/server session pair, if it
// exists locally. Identifier linkage comes first; the table fallback
// only applies when a server-side session has a local twin whose
// creation has not round-tripped yet, and only if exactly one open
// pending tab sits on that table.
func (s *Service) aliasOf(session *models.OrderSession) (*models.OrderSession, error) {
	if session.SyncedID != nil && *session.SyncedID != "" {
		return s.store.Session(*session.SyncedID)
	}
	if alias, err := s.store.SessionBySyncedID(session.ID); err != nil || alias != nil {
		return alias, err
	}
	if !session.TempID {
		candidates, err := s.store.OpenPendingSessionsByTable(session.TableID)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 1 && candidates[0].ID != session.ID {
			out := candidates[0]
			return &out, nil
		}
	}
	return nil, nil
}

// sessionRef yields the value upstream mutations use to reference the
// session, plus the queue dependency needed when the server id is not
// known yet.
func (s *Service) sessionRef(session *models.OrderSession) (string, *uint, error) {
	if session.SyncedID != nil && *session.SyncedID != "" {
		return *session.SyncedID, nil, nil
	}
	if !session.TempID {
		return session.ID, nil, nil
	}
	var queueID uint
	found, err := s.store.GetMetadata(queueForPrefix+"session."+session.ID, &queueID)
	if err != nil {
		return "", nil, err
	}
	if !found {
		// The creation already delivered and its result record was
		// pruned; the hook will have stamped the server id shortly.
		return session.ID, nil, nil
	}
	return outbox.PlaceholderSessionID, &queueID, nil
}

// prepareLines expands packages, fills names and prices from the
// catalog and applies the stock deductions. Returns the finished lines
// plus the product rows whose persisted quantity changed.
func (s *Service) prepareLines(lines []models.OrderLine) ([]models.OrderLine, []models.Product, error) {
	prepared := make([]models.OrderLine, 0, len(lines))
	touched := make(map[int64]float64)

	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, nil, fmt.Errorf("%w: non-positive quantity", ErrNoItems)
		}
		if line.PackageID != nil {
			pkg, err := s.store.Package(*line.PackageID)
			if err != nil {
				return nil, nil, err
			}
			if pkg == nil {
				return nil, nil, fmt.Errorf("package %d not in catalog", *line.PackageID)
			}
			if line.Name == "" {
				line.Name = pkg.Name
			}
			if line.UnitPrice == 0 {
				line.UnitPrice = pkg.Price
			}
			if len(line.Components) == 0 {
				line.Components = []models.PackageItem(pkg.Items)
			}
			for id, qty := range s.ledger.DeductComponents(line.Components, line.Quantity) {
				touched[id] = qty
			}
		} else {
			product, err := s.store.Product(line.ProductID)
			if err != nil {
				return nil, nil, err
			}
			if product == nil {
				return nil, nil, fmt.Errorf("product %d not in catalog", line.ProductID)
			}
			if line.Name == "" {
				line.Name = product.Name
			}
			if line.UnitPrice == 0 {
				line.UnitPrice = product.Price
			}
			touched[line.ProductID] = s.ledger.Deduct(line.ProductID, line.Quantity)
		}
		prepared = append(prepared, line)
	}

	updates := make([]models.Product, 0, len(touched))
	for id, qty := range touched {
		product, err := s.store.Product(id)
		if err != nil {
			return nil, nil, err
		}
		if product == nil {
			continue
		}
		product.Stock = qty
		updates = append(updates, *product)
	}
	return prepared, updates, nil
}

// drainSoon kicks the outbox without blocking the sale.
func (s *Service) drainSoon() {
	go func() {
		if err := s.queue.ProcessPendingMutations(context.Background()); err != nil {
			log.Printf("⚠️ Outbox drain failed: %v", err)
		}
	}()
}

// onSessionSynced stamps the server id onto the temp session once its
// creation delivers.
func (s *Service) onSessionSynced(entry models.MutationEntry, result json.RawMessage) {
	tempID := payloadTempID(entry.Payload)
	assigned := assignedID(result)
	if tempID == "" || assigned == "" {
		return
	}
	session, err := s.store.Session(tempID)
	if err != nil || session == nil {
		return
	}
	session.SyncedID = &assigned
	session.PendingSync = false
	session.LastSyncedAt = time.Now()
	if err := s.store.BulkPut([]models.OrderSession{*session}); err != nil {
		log.Printf("⚠️ Could not record server id for session %s: %v", tempID, err)
	}
}

func (s *Service) onOrderSynced(entry models.MutationEntry, result json.RawMessage) {
	tempID := payloadTempID(entry.Payload)
	assigned := assignedID(result)
	if tempID == "" || assigned == "" {
		return
	}
	order, err := s.store.Order(tempID)
	if err != nil || order == nil {
		return
	}
	order.SyncedID = &assigned
	order.PendingSync = false
	order.LastSyncedAt = time.Now()
	if err := s.store.BulkPut([]models.SessionOrder{*order}); err != nil {
		log.Printf("⚠️ Could not record server id for order %s: %v", tempID, err)
	}
}

// onSessionClosed settles the pending flag once the close delivers.
func (s *Service) onSessionClosed(entry models.MutationEntry, _ json.RawMessage) {
	tempID := payloadTempID(entry.Payload)
	if tempID == "" {
		return
	}
	session, err := s.store.Session(tempID)
	if err != nil || session == nil {
		return
	}
	session.PendingSync = false
	session.LastSyncedAt = time.Now()
	if err := s.store.BulkPut([]models.OrderSession{*session}); err != nil {
		log.Printf("⚠️ Could not settle closed session %s: %v", tempID, err)
	}
}

func payloadTempID(payload []byte) string {
	var probe struct {
		TempID string `json:"temp_id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.TempID
}

func assignedID(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(result, &probe); err != nil || len(probe.ID) == 0 {
		return ""
	}
	var str string
	if err := json.Unmarshal(probe.ID, &str); err == nil {
		return str
	}
	var num int64
	if err := json.Unmarshal(probe.ID, &num); err == nil {
		return strconv.FormatInt(num, 10)
	}
	return ""
}
