package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/baristack/posgo/internal/models"
	"github.com/baristack/posgo/internal/remote"
)

// Placeholder tokens an enqueued mutation may carry in its endpoint or
// payload. They stand in for a server id the dependency mutation has
// not been assigned yet, and are substituted at dispatch time.
const (
	PlaceholderSessionID = "{{SESSION_ID}}"
	PlaceholderOrderID   = "{{ORDER_ID}}"
)

// resultKeyPrefix namespaces the metadata keys recording the server id
// each delivered mutation was assigned. The record is written before
// the queue entry is deleted, so a crash between the two never strands
// a dependent mutation without its id.
const resultKeyPrefix = "queueResult."

// Queue is the durable storage slice the outbox runs on.
type Queue interface {
	AppendMutation(entry *models.MutationEntry) error
	PendingMutations(limit int) ([]models.MutationEntry, error)
	FailedMutations(limit int) ([]models.MutationEntry, error)
	UpdateMutation(entry *models.MutationEntry) error
	DeleteMutation(id uint) error
	MutationExists(id uint) (bool, error)
	MutationCounts() (pending, failed int64, err error)
	GetMetadata(key string, dest interface{}) (bool, error)
	SetMetadata(key string, value interface{}) error
}

// Dispatcher submits one mutation to the remote API.
type Dispatcher interface {
	Dispatch(ctx context.Context, endpoint, method string, body []byte) (json.RawMessage, error)
}

// Connectivity reports remote reachability.
type Connectivity interface {
	IsOnline() bool
	OnReconnect(fn func())
}

// Notifier surfaces queue events to the operator.
type Notifier interface {
	NotifyOffline(pending int64)
	NotifyFailed(entry models.MutationEntry, cause error)
}

// LogNotifier reports queue events to the process log.
type LogNotifier struct{}

func (LogNotifier) NotifyOffline(pending int64) {
	log.Printf("📴 Offline, %d mutations waiting for the link", pending)
}

func (LogNotifier) NotifyFailed(entry models.MutationEntry, cause error) {
	log.Printf("❌ Mutation %d (%s) gave up after %d attempts: %v",
		entry.ID, entry.MutationType, entry.RetryCount, cause)
}

// Hook runs after a mutation of its registered type is delivered.
// result is the server response body for the mutation.
type Hook func(entry models.MutationEntry, result json.RawMessage)

// Status is the queue snapshot reported to the UI.
type Status struct {
	Processing   bool  `json:"processing"`
	PendingCount int64 `json:"pending_count"`
	FailedCount  int64 `json:"failed_count"`
}

// transportError marks a dispatch fault below the API layer. The drain
// pauses on it instead of aborting, since the backlog is still sound
// and only the link is gone.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

// errUnresolved marks a placeholder that cannot be substituted. The
// entry is rejected rather than dispatched verbatim.
var errUnresolved = errors.New("unresolved placeholder")

// Outbox drains locally captured mutations to the remote API in order,
// at least once. Entries survive restarts. Every attempt consumes the
// retry budget, so an entry retires to failed after max attempts
// whether the server rejected it or the link dropped mid-dispatch;
// transport faults additionally pause the drain until the link
// returns.
type Outbox struct {
	store      Queue
	client     Dispatcher
	conn       Connectivity
	notifier   Notifier
	maxRetries int
	batchSize  int

	mu              sync.Mutex
	processing      bool
	offlineNotified bool
	hooks           map[string][]Hook
}

func New(store Queue, client Dispatcher, conn Connectivity, notifier Notifier, maxRetries, batchSize int) *Outbox {
	return &Outbox{
		store:      store,
		client:     client,
		conn:       conn,
		notifier:   notifier,
		maxRetries: maxRetries,
		batchSize:  batchSize,
		hooks:      make(map[string][]Hook),
	}
}

// Start wires the outbox to connectivity changes: whenever the link
// comes back the backlog drains in the background.
func (o *Outbox) Start() {
	o.conn.OnReconnect(func() {
		go func() {
			if err := o.ProcessPendingMutations(context.Background()); err != nil {
				log.Printf("⚠️ Outbox drain after reconnect failed: %v", err)
			}
		}()
	})
}

// RegisterHook attaches a delivery callback for one mutation type.
func (o *Outbox) RegisterHook(mutationType string, fn Hook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hooks[mutationType] = append(o.hooks[mutationType], fn)
}

// Enqueue records a mutation durably and returns its queue id. The
// write commits before any dispatch attempt, so the caller can treat
// the operation as accepted the moment this returns.
func (o *Outbox) Enqueue(mutationType, endpoint, method string, payload interface{}, dependsOn *uint) (uint, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshaling %s payload: %w", mutationType, err)
	}
	entry := models.MutationEntry{
		MutationType: mutationType,
		Endpoint:     endpoint,
		Method:       method,
		Payload:      datatypes.JSON(body),
		DependsOn:    dependsOn,
		Status:       models.MutationPending,
		CreatedAt:    time.Now(),
	}
	if err := o.store.AppendMutation(&entry); err != nil {
		return 0, err
	}
	return entry.ID, nil
}

// ProcessPendingMutations drains the pending queue in insertion order.
// Only one drain runs at a time; an overlapping call returns
// immediately. Entries whose dependency is still queued are skipped and
// picked up on a later round of the same drain once the dependency
// delivers.
func (o *Outbox) ProcessPendingMutations(ctx context.Context) error {
	o.mu.Lock()
	if o.processing {
		o.mu.Unlock()
		return nil
	}
	o.processing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.processing = false
		o.mu.Unlock()
	}()

	if !o.conn.IsOnline() {
		o.notifyOfflineOnce()
		return nil
	}
	o.mu.Lock()
	o.offlineNotified = false
	o.mu.Unlock()

	attempted := make(map[uint]bool)
	for {
		entries, err := o.store.PendingMutations(o.batchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}

		progressed := false
		for i := range entries {
			entry := entries[i]
			if attempted[entry.ID] {
				continue
			}
			if entry.DependsOn != nil {
				queued, err := o.store.MutationExists(*entry.DependsOn)
				if err != nil {
					return err
				}
				if queued {
					// Dependency has not delivered yet. Ordering by id
					// guarantees it was already visited this round.
					continue
				}
			}
			if !o.conn.IsOnline() {
				o.notifyOfflineOnce()
				return nil
			}
			attempted[entry.ID] = true

			delivered, err := o.deliver(ctx, &entry)
			if err != nil {
				var tErr *transportError
				if errors.As(err, &tErr) {
					log.Printf("📴 Drain paused, remote unreachable: %v", tErr.Unwrap())
					o.notifyOfflineOnce()
					return nil
				}
				return err
			}
			if delivered {
				progressed = true
			}
		}

		if !progressed {
			return nil
		}
	}
}

// RetryFailedMutations moves up to one batch of failed entries back to
// pending with a fresh retry budget and drains the queue.
func (o *Outbox) RetryFailedMutations(ctx context.Context) error {
	entries, err := o.store.FailedMutations(o.batchSize)
	if err != nil {
		return err
	}
	for i := range entries {
		entry := entries[i]
		entry.Status = models.MutationPending
		entry.RetryCount = 0
		entry.Error = nil
		if err := o.store.UpdateMutation(&entry); err != nil {
			return err
		}
	}
	if len(entries) > 0 {
		log.Printf("🔄 Requeued %d failed mutations", len(entries))
	}
	return o.ProcessPendingMutations(ctx)
}

// GetSyncStatus reports queue depth and drain state.
func (o *Outbox) GetSyncStatus() (Status, error) {
	pending, failed, err := o.store.MutationCounts()
	if err != nil {
		return Status{}, err
	}
	o.mu.Lock()
	processing := o.processing
	o.mu.Unlock()
	return Status{Processing: processing, PendingCount: pending, FailedCount: failed}, nil
}

// deliver attempts one dispatch. It returns delivered=true when the
// entry left the queue (delivered or retired to failed). A returned
// *transportError pauses the drain; any other error is a storage fault
// that aborts it, since a failing local database needs intervention
// rather than another pass.
func (o *Outbox) deliver(ctx context.Context, entry *models.MutationEntry) (bool, error) {
	// The attempt is booked before the dispatch, so a crash mid-flight
	// still shows on the entry and the budget is consumed either way.
	now := time.Now()
	entry.LastAttemptAt = &now
	entry.RetryCount++
	if err := o.store.UpdateMutation(entry); err != nil {
		return false, err
	}

	endpoint, body, err := o.resolvePlaceholders(entry)
	if err != nil {
		if errors.Is(err, errUnresolved) {
			return o.recordFailure(entry, err)
		}
		return false, err
	}

	result, err := o.client.Dispatch(ctx, endpoint, entry.Method, body)
	if err != nil {
		if remote.IsAPIError(err) {
			return o.recordFailure(entry, err)
		}
		if _, ferr := o.recordFailure(entry, err); ferr != nil {
			return false, ferr
		}
		return false, &transportError{err}
	}

	if assigned := extractAssignedID(result); assigned != "" {
		key := fmt.Sprintf("%s%d", resultKeyPrefix, entry.ID)
		if err := o.store.SetMetadata(key, assigned); err != nil {
			return false, err
		}
	}

	o.mu.Lock()
	hooks := append([]Hook(nil), o.hooks[entry.MutationType]...)
	o.mu.Unlock()
	for _, fn := range hooks {
		fn(*entry, result)
	}

	if err := o.store.DeleteMutation(entry.ID); err != nil {
		return false, err
	}
	log.Printf("✅ Mutation %d (%s) delivered", entry.ID, entry.MutationType)
	return true, nil
}

// recordFailure notes why the attempt failed, retiring the entry once
// the retry budget is spent. Returns true when the entry left the
// pending set.
func (o *Outbox) recordFailure(entry *models.MutationEntry, cause error) (bool, error) {
	msg := cause.Error()
	entry.Error = &msg
	if entry.RetryCount >= o.maxRetries {
		entry.Status = models.MutationFailed
		if err := o.store.UpdateMutation(entry); err != nil {
			return false, err
		}
		o.notifier.NotifyFailed(*entry, cause)
		return true, nil
	}
	if err := o.store.UpdateMutation(entry); err != nil {
		return false, err
	}
	log.Printf("⚠️ Mutation %d (%s) attempt %d/%d failed: %v",
		entry.ID, entry.MutationType, entry.RetryCount, o.maxRetries, cause)
	return false, nil
}

// resolvePlaceholders substitutes the server id assigned to the
// dependency for any placeholder token in the endpoint and payload.
func (o *Outbox) resolvePlaceholders(entry *models.MutationEntry) (string, []byte, error) {
	endpoint := entry.Endpoint
	body := string(entry.Payload)
	if !strings.Contains(endpoint+body, "{{") {
		return endpoint, []byte(body), nil
	}
	if entry.DependsOn == nil {
		return "", nil, fmt.Errorf("%w: mutation %d carries a placeholder but no dependency", errUnresolved, entry.ID)
	}
	var assigned string
	key := fmt.Sprintf("%s%d", resultKeyPrefix, *entry.DependsOn)
	found, err := o.store.GetMetadata(key, &assigned)
	if err != nil {
		return "", nil, err
	}
	if !found || assigned == "" {
		return "", nil, fmt.Errorf("%w: mutation %d has no recorded server id for dependency %d", errUnresolved, entry.ID, *entry.DependsOn)
	}
	for _, token := range []string{PlaceholderSessionID, PlaceholderOrderID} {
		endpoint = strings.ReplaceAll(endpoint, token, assigned)
		body = strings.ReplaceAll(body, token, assigned)
	}
	return endpoint, []byte(body), nil
}

func (o *Outbox) notifyOfflineOnce() {
	o.mu.Lock()
	already := o.offlineNotified
	o.offlineNotified = true
	o.mu.Unlock()
	if already {
		return
	}
	pending, _, err := o.store.MutationCounts()
	if err != nil {
		pending = -1
	}
	o.notifier.NotifyOffline(pending)
}

// extractAssignedID pulls the server-assigned id out of a dispatch
// response. Servers answer with either a string or a numeric id.
func extractAssignedID(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(result, &probe); err != nil || len(probe.ID) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(probe.ID, &s); err == nil {
		return s
	}
	var n int64
	if err := json.Unmarshal(probe.ID, &n); err == nil {
		return strconv.FormatInt(n, 10)
	}
	return ""
}
