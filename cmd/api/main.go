package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baristack/posgo/internal/catalog"
	"github.com/baristack/posgo/internal/config"
	"github.com/baristack/posgo/internal/connectivity"
	"github.com/baristack/posgo/internal/database"
	"github.com/baristack/posgo/internal/handlers"
	"github.com/baristack/posgo/internal/models"
	"github.com/baristack/posgo/internal/outbox"
	"github.com/baristack/posgo/internal/remote"
	"github.com/baristack/posgo/internal/sessions"
	"github.com/baristack/posgo/internal/stock"
	"github.com/baristack/posgo/internal/store"
	ws "github.com/baristack/posgo/internal/websocket"
)

// hubNotifier mirrors outbox events to the log and to connected
// terminals.
type hubNotifier struct {
	outbox.LogNotifier
	hub *ws.Hub
}

func (n hubNotifier) NotifyOffline(pending int64) {
	n.LogNotifier.NotifyOffline(pending)
	n.hub.Broadcast(ws.EventQueueOffline, map[string]int64{"pending": pending})
}

func (n hubNotifier) NotifyFailed(entry models.MutationEntry, cause error) {
	n.LogNotifier.NotifyFailed(entry, cause)
	n.hub.Broadcast(ws.EventMutationFailed, map[string]interface{}{
		"id":   entry.ID,
		"type": entry.MutationType,
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Database error: %v", err)
	}
	defer db.Close()

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		log.Fatalf("❌ Migration error: %v", err)
	}

	client := remote.NewClient(cfg.Remote)
	monitor := connectivity.NewMonitor(client, cfg.Sync.HealthCheckInterval)

	hub := ws.NewHub()
	go hub.Run()

	notifier := hubNotifier{hub: hub}
	ob := outbox.New(st, client, monitor, notifier, cfg.Sync.MaxRetries, cfg.Sync.QueueBatchSize)
	ob.Start()

	engine := catalog.NewEngine(st, client, monitor, cfg.Sync)

	ledger := stock.NewLedger()
	reloadLedger := func() {
		var products []models.Product
		if err := st.ReadAll(&products); err != nil {
			log.Printf("⚠️ Could not load stock ledger: %v", err)
			return
		}
		ledger.Load(products)
	}
	reloadLedger()
	engine.OnSync(func(result catalog.SyncResult) {
		reloadLedger()
		hub.Broadcast(ws.EventCatalogSynced, result)
	})

	taxRate := 0.0
	svc := sessions.NewService(st, ob, ledger, taxRate)
	svc.RegisterHooks(ob)

	monitor.Start()
	defer monitor.Stop()

	if err := engine.Initialize(context.Background()); err != nil {
		log.Fatalf("❌ Sync engine error: %v", err)
	}
	defer engine.Stop()

	handler := handlers.New(st, engine, ob, svc, monitor, ledger, hub, cfg.JWTSecret)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🚀 POS terminal backend listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("🛑 Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️ Forced shutdown: %v", err)
	}
	hub.Stop()
	log.Println("✅ Server stopped")
}
