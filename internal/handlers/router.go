package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/baristack/posgo/internal/catalog"
	"github.com/baristack/posgo/internal/connectivity"
	"github.com/baristack/posgo/internal/middleware"
	"github.com/baristack/posgo/internal/outbox"
	"github.com/baristack/posgo/internal/sessions"
	"github.com/baristack/posgo/internal/stock"
	"github.com/baristack/posgo/internal/store"
	ws "github.com/baristack/posgo/internal/websocket"
)

// Handler carries the wired services behind the HTTP surface.
type Handler struct {
	store     *store.Store
	engine    *catalog.Engine
	outbox    *outbox.Outbox
	sessions  *sessions.Service
	monitor   *connectivity.Monitor
	ledger    *stock.Ledger
	hub       *ws.Hub
	jwtSecret string
}

func New(
	st *store.Store,
	engine *catalog.Engine,
	ob *outbox.Outbox,
	svc *sessions.Service,
	monitor *connectivity.Monitor,
	ledger *stock.Ledger,
	hub *ws.Hub,
	jwtSecret string,
) *Handler {
	return &Handler{
		store:     st,
		engine:    engine,
		outbox:    ob,
		sessions:  svc,
		monitor:   monitor,
		ledger:    ledger,
		hub:       hub,
		jwtSecret: jwtSecret,
	}
}

// Router assembles the full route table. Everything under /api
// requires a valid bearer token.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/auth/login", h.Login).Methods("POST")
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		ws.ServeWS(h.hub, w, req)
	})

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.Auth(h.jwtSecret))

	api.HandleFunc("/status", h.Status).Methods("GET")
	api.HandleFunc("/sync", h.TriggerSync).Methods("POST")
	api.HandleFunc("/sync/full", h.TriggerFullSync).Methods("POST")
	api.HandleFunc("/queue/process", h.ProcessQueue).Methods("POST")
	api.HandleFunc("/queue/retry", h.RetryQueue).Methods("POST")

	api.HandleFunc("/catalog/products", h.ListProducts).Methods("GET")
	api.HandleFunc("/catalog/categories", h.ListCategories).Methods("GET")
	api.HandleFunc("/catalog/packages", h.ListPackages).Methods("GET")
	api.HandleFunc("/catalog/tables", h.ListTables).Methods("GET")
	api.HandleFunc("/stock", h.StockSnapshot).Methods("GET")

	api.HandleFunc("/tables/{id}/open", h.OpenTab).Methods("POST")
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/orders", h.AddItems).Methods("POST")
	api.HandleFunc("/sessions/{id}/close", h.CloseTab).Methods("POST")
	api.HandleFunc("/sessions/{id}/receipt", h.Receipt).Methods("GET")

	return r
}

// Health reports process liveness and link state without auth, for
// probes and the terminal splash screen.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"online": h.monitor.IsOnline(),
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
