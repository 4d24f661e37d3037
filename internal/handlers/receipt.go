package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/baristack/posgo/internal/services/printer"
)

// Receipt renders a session as a PDF receipt.
func (h *Handler) Receipt(w http.ResponseWriter, r *http.Request) {
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
	table, err := h.store.Table(session.TableID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "could not read table")
		return
	}

	pdf, err := printer.GenerateReceipt(session, orders, table)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "could not render receipt")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="receipt-`+session.ID+`.pdf"`)
	w.WriteHeader(http.StatusOK)
	w.Write(pdf)
}
