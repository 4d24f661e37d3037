package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/baristack/posgo/internal/config"
)

const (
	cursorKeyPrefix = "lastSync."
	fullSyncKey     = "lastFullSync"
)

// Storage is the slice of the local store the engine writes through.
type Storage interface {
	BulkPut(recordSets ...interface{}) error
	ReadAll(dest interface{}) error
	Clear(model interface{}) error
	GetMetadata(key string, dest interface{}) (bool, error)
	SetMetadata(key string, value interface{}) error
	ClearMetadataPrefix(prefix string) error
}

// Fetcher pulls one page of changed rows for a collection.
type Fetcher interface {
	FetchChanges(ctx context.Context, collection, updatedAfter string, limit int) ([]json.RawMessage, error)
}

// Connectivity reports reachability of the remote API and lets the
// engine react to the link coming back.
type Connectivity interface {
	IsOnline() bool
	OnReconnect(fn func())
}

// SyncResult summarizes one completed pass.
type SyncResult struct {
	FullSync  bool              `json:"full_sync"`
	Records   int               `json:"records"`
	Errors    map[string]string `json:"errors,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
}

// Status is the snapshot reported to the UI and the status endpoint.
type Status struct {
	Initialized bool              `json:"initialized"`
	Syncing     bool              `json:"syncing"`
	Online      bool              `json:"online"`
	LastSync    time.Time         `json:"last_sync"`
	LastErrors  map[string]string `json:"last_errors,omitempty"`
}

// metadataError marks a failure in the shared metadata table. Unlike a
// per-entity write failure it poisons every cursor, so the pass aborts.
type metadataError struct {
	err error
}

func (e *metadataError) Error() string { return fmt.Sprintf("metadata: %v", e.err) }
func (e *metadataError) Unwrap() error { return e.err }

func isMetadataError(err error) bool {
	var me *metadataError
	return errors.As(err, &me)
}

// Engine keeps the local catalog converged with the remote authority.
// Incremental passes ride per-entity updated_at cursors; a full rebuild
// runs when the last one is older than the configured age.
type Engine struct {
	mu        sync.RWMutex
	store     Storage
	conn      Connectivity
	cfg       *config.SyncConfig
	entities  []entitySyncer
	group     singleflight.Group
	runMu     sync.Mutex
	listeners []func(SyncResult)
	stopChan  chan struct{}

	initialized bool
	syncing     bool
	lastSync    time.Time
	lastErrors  map[string]string
}

func NewEngine(store Storage, client Fetcher, conn Connectivity, cfg *config.SyncConfig) *Engine {
	all := newEntitySyncers(store, client)
	enabled := make([]entitySyncer, 0, len(all))
	for _, e := range all {
		if cfg.Entities[e.name] {
			enabled = append(enabled, e)
		}
	}
	return &Engine{
		store:    store,
		conn:     conn,
		cfg:      cfg,
		entities: enabled,
		stopChan: make(chan struct{}),
	}
}

// Initialize decides between an incremental pass and a full rebuild,
// kicks it off in the background, and starts the recurring schedule.
// It never blocks the caller on network traffic.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.initialized = true
	e.mu.Unlock()

	needFull, err := e.fullSyncDue()
	if err != nil {
		return err
	}

	if e.cfg.SyncOnStartup {
		go func() {
			if needFull {
				log.Printf("🔄 Catalog older than %s, starting full rebuild", e.cfg.FullSyncAge)
				e.FullSyncAll(context.Background())
			} else {
				e.SyncAllEntities(context.Background())
			}
		}()
	}

	e.conn.OnReconnect(func() {
		log.Println("📡 Link restored, pulling catalog changes")
		go e.SyncAllEntities(context.Background())
	})

	go e.runSchedule()
	return nil
}

// Stop halts the recurring schedule. An in-flight pass finishes.
func (e *Engine) Stop() {
	close(e.stopChan)
}

// OnSync registers a callback fired after every completed pass.
func (e *Engine) OnSync(fn func(SyncResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// SyncAllEntities runs one incremental pass over every enabled entity.
// Concurrent callers attach to the pass already in flight and share its
// result instead of starting another.
func (e *Engine) SyncAllEntities(ctx context.Context) (*SyncResult, error) {
	v, err, _ := e.group.Do("incremental", func() (interface{}, error) {
		return e.runPass(ctx, false)
	})
	if v == nil {
		return nil, err
	}
	return v.(*SyncResult), err
}

// FullSyncAll rebuilds every enabled entity from the epoch, rewriting
// the cursors as it goes, and stamps the full-sync watermark on
// completion.
func (e *Engine) FullSyncAll(ctx context.Context) (*SyncResult, error) {
	v, err, _ := e.group.Do("full", func() (interface{}, error) {
		return e.runPass(ctx, true)
	})
	if v == nil {
		return nil, err
	}
	return v.(*SyncResult), err
}

// ForceFullSync drops every entity cursor and runs a pass. With no
// cursor each entity bootstraps from scratch on that pass.
func (e *Engine) ForceFullSync(ctx context.Context) (*SyncResult, error) {
	if err := e.store.ClearMetadataPrefix(cursorKeyPrefix); err != nil {
		return nil, &metadataError{err}
	}
	log.Println("🧹 Cursors dropped, forcing catalog rebuild")
	return e.FullSyncAll(ctx)
}

// GetSyncStatus reports the current engine state.
func (e *Engine) GetSyncStatus() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	errs := make(map[string]string, len(e.lastErrors))
	for k, v := range e.lastErrors {
		errs[k] = v
	}
	return Status{
		Initialized: e.initialized,
		Syncing:     e.syncing,
		Online:      e.conn.IsOnline(),
		LastSync:    e.lastSync,
		LastErrors:  errs,
	}
}

func (e *Engine) runSchedule() {
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !e.conn.IsOnline() {
				continue
			}
			if due, err := e.fullSyncDue(); err == nil && due {
				e.FullSyncAll(context.Background())
			} else {
				e.SyncAllEntities(context.Background())
			}
		case <-e.stopChan:
			return
		}
	}
}

// fullSyncDue reports whether the last full rebuild is older than the
// configured age, or never happened.
func (e *Engine) fullSyncDue() (bool, error) {
	var stamp string
	found, err := e.store.GetMetadata(fullSyncKey, &stamp)
	if err != nil {
		return false, &metadataError{err}
	}
	if !found || stamp == "" {
		return true, nil
	}
	last, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return true, nil
	}
	return time.Since(last) > e.cfg.FullSyncAge, nil
}

func (e *Engine) runPass(ctx context.Context, full bool) (*SyncResult, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.mu.Lock()
	e.syncing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
	}()

	start := time.Now()
	result := &SyncResult{FullSync: full, Errors: make(map[string]string), Timestamp: start}

	for _, ent := range e.entities {
		n, err := e.syncEntity(ctx, ent, full)
		result.Records += n
		if err != nil {
			if isMetadataError(err) {
				log.Printf("🛑 Sync aborted, metadata store failed: %v", err)
				e.finishPass(result, start)
				return result, err
			}
			log.Printf("⚠️ Sync failed for %s: %v", ent.name, err)
			result.Errors[ent.name] = err.Error()
			continue
		}
	}

	if full && len(result.Errors) == 0 {
		stamp := time.Now().UTC().Format(time.RFC3339)
		if err := e.store.SetMetadata(fullSyncKey, stamp); err != nil {
			e.finishPass(result, start)
			return result, &metadataError{err}
		}
	}

	e.finishPass(result, start)
	log.Printf("✅ Catalog sync finished: %d records in %s (full=%v, errors=%d)",
		result.Records, result.Duration.Round(time.Millisecond), full, len(result.Errors))
	return result, nil
}

func (e *Engine) finishPass(result *SyncResult, start time.Time) {
	result.Duration = time.Since(start)
	e.mu.Lock()
	e.lastSync = time.Now()
	e.lastErrors = result.Errors
	listeners := make([]func(SyncResult), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(*result)
	}
}

// syncEntity drains one entity's change feed. The cursor only advances
// after the batch it covers is durably stored, so a crash between
// batches re-pulls the last page and the upsert makes that harmless.
func (e *Engine) syncEntity(ctx context.Context, ent entitySyncer, full bool) (int, error) {
	cursor := ""
	if !full {
		found, err := e.store.GetMetadata(cursorKeyPrefix+ent.name, &cursor)
		if err != nil {
			return 0, &metadataError{err}
		}
		if !found || cursor == "" {
			// No cursor means this entity has never completed a pull.
			// Degrade to a bootstrap so nothing stale survives.
			full = true
			cursor = ""
		}
	}
	if full {
		if err := ent.clear(); err != nil {
			return 0, fmt.Errorf("clearing %s: %w", ent.name, err)
		}
		cursor = ""
	}

	total := 0
	for {
		n, maxTS, err := ent.batch(ctx, cursor, e.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
		if maxTS != "" {
			if err := e.store.SetMetadata(cursorKeyPrefix+ent.name, maxTS); err != nil {
				return total, &metadataError{err}
			}
			cursor = maxTS
		}
		if n < e.cfg.BatchSize {
			break
		}
	}
	if total > 0 {
		log.Printf("📦 Synced %d %s", total, ent.name)
	}
	return total, nil
}
