package handlers

import (
	"net/http"

	"github.com/baristack/posgo/internal/models"
)

func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	var products []models.Product
	if err := h.store.ReadAll(&products); err != nil {
		respondError(w, http.StatusInternalServerError, "could not read products")
		return
	}
	respondJSON(w, http.StatusOK, products)
}

func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	var categories []models.Category
	if err := h.store.ReadAll(&categories); err != nil {
		respondError(w, http.StatusInternalServerError, "could not read categories")
		return
	}
	respondJSON(w, http.StatusOK, categories)
}

func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	var packages []models.ProductPackage
	if err := h.store.ReadAll(&packages); err != nil {
		respondError(w, http.StatusInternalServerError, "could not read packages")
		return
	}
	respondJSON(w, http.StatusOK, packages)
}

func (h *Handler) ListTables(w http.ResponseWriter, r *http.Request) {
	var tables []models.DiningTable
	if err := h.store.ReadAll(&tables); err != nil {
		respondError(w, http.StatusInternalServerError, "could not read tables")
		return
	}
	respondJSON(w, http.StatusOK, tables)
}

// StockSnapshot returns the advisory in-memory quantities.
func (h *Handler) StockSnapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.ledger.Snapshot())
}
