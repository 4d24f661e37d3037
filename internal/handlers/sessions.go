package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/baristack/posgo/internal/models"
	"github.com/baristack/posgo/internal/sessions"
	ws "github.com/baristack/posgo/internal/websocket"
)

// OpenTab opens a session on the table named in the path.
func (h *Handler) OpenTab(w http.ResponseWriter, r *http.Request) {
	tableID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid table id")
		return
	}
	session, err := h.sessions.OpenTab(r.Context(), tableID)
	if err != nil {
		respondError(w, sessionErrStatus(err), err.Error())
		return
	}
	h.hub.Broadcast(ws.EventSessionChanged, session)
	respondJSON(w, http.StatusCreated, session)
}

// ListSessions returns the open tabs.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	open, err := h.store.OpenSessions()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "could not read sessions")
		return
	}
	respondJSON(w, http.StatusOK, open)
}

// GetSession returns one session with its orders.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session, err := h.store.Session(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "could not read session")
		return
	}
	if session == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}
	orders, err := h.store.OrdersForSession(session.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "could not read orders")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session": session,
		"orders":  orders,
	})
}

type addItemsRequest struct {
	Lines []models.OrderLine `json:"lines"`
}

// AddItems commits an order against a session.
func (h *Handler) AddItems(w http.ResponseWriter, r *http.Request) {
	var req addItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	order, err := h.sessions.AddItems(r.Context(), mux.Vars(r)["id"], req.Lines)
	if err != nil {
		respondError(w, sessionErrStatus(err), err.Error())
		return
	}
	h.hub.Broadcast(ws.EventSessionChanged, map[string]string{"session_id": order.SessionID})
	respondJSON(w, http.StatusCreated, order)
}

type closeTabRequest struct {
	Tendered float64 `json:"tendered"`
	Discount float64 `json:"discount"`
}

// CloseTab settles and closes a session.
func (h *Handler) CloseTab(w http.ResponseWriter, r *http.Request) {
	var req closeTabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	session, change, err := h.sessions.CloseTab(r.Context(), mux.Vars(r)["id"], req.Tendered, req.Discount)
	if err != nil {
		respondError(w, sessionErrStatus(err), err.Error())
		return
	}
	h.hub.Broadcast(ws.EventSessionChanged, session)
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session": session,
		"change":  change,
	})
}

func sessionErrStatus(err error) int {
	switch {
	case errors.Is(err, sessions.ErrTableNotFound),
		errors.Is(err, sessions.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, sessions.ErrTableOccupied),
		errors.Is(err, sessions.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, sessions.ErrNoItems),
		errors.Is(err, sessions.ErrInsufficientPayment):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
