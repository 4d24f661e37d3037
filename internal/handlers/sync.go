package handlers

import (
	"net/http"
)

// Status reports the combined sync picture: catalog engine state,
// outbox depth, and link state.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	queueStatus, err := h.outbox.GetSyncStatus()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "could not read queue status")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"online":  h.monitor.IsOnline(),
		"catalog": h.engine.GetSyncStatus(),
		"queue":   queueStatus,
	})
}

// TriggerSync runs an incremental catalog pass. A pass already in
// flight is joined, not duplicated.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.SyncAllEntities(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// TriggerFullSync drops every cursor and rebuilds the catalog.
func (h *Handler) TriggerFullSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.ForceFullSync(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ProcessQueue kicks an outbox drain.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.outbox.ProcessPendingMutations(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status, err := h.outbox.GetSyncStatus()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// RetryQueue requeues failed mutations and drains.
func (h *Handler) RetryQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.outbox.RetryFailedMutations(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status, err := h.outbox.GetSyncStatus()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, status)
}
